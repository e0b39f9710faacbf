package db

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// código SQLSTATE de violação de unique constraint
const uniqueViolation = "23505"

func ConnectPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return db, nil
}

// IsUniqueViolation indica se o erro veio de uma unique constraint
// constraint vazio aceita qualquer constraint
func IsUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	if pqErr.Code != uniqueViolation {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}
