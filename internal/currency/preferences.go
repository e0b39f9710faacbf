package currency

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
)

// Preferences devolve a moeda de exibição escolhida pelo usuário ("" = moeda base)
type Preferences interface {
	DisplayCurrency(ctx context.Context, userID string) (string, error)
}

type PostgresPreferences struct{ db *sql.DB }

func NewPostgresPreferences(db *sql.DB) *PostgresPreferences { return &PostgresPreferences{db: db} }

func (p *PostgresPreferences) DisplayCurrency(ctx context.Context, userID string) (string, error) {
	var cur string
	err := p.db.QueryRowContext(ctx,
		`SELECT display_currency FROM user_preferences WHERE user_id=$1`, userID).Scan(&cur)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get display currency: %w", err)
	}
	return cur, nil
}

func (p *PostgresPreferences) SetDisplayCurrency(ctx context.Context, userID, cur string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO user_preferences (user_id, display_currency) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET display_currency = EXCLUDED.display_currency`,
		userID, strings.ToUpper(cur))
	if err != nil {
		return fmt.Errorf("set display currency: %w", err)
	}
	return nil
}

type MemoryPreferences struct {
	mu   sync.RWMutex
	byID map[string]string
}

func NewMemoryPreferences() *MemoryPreferences {
	return &MemoryPreferences{byID: make(map[string]string)}
}

func (m *MemoryPreferences) DisplayCurrency(_ context.Context, userID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byID[userID], nil
}

func (m *MemoryPreferences) SetDisplayCurrency(_ context.Context, userID, cur string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[userID] = strings.ToUpper(cur)
	return nil
}
