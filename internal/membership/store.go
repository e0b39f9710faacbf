package membership

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// Postgres lê a tabela subscriptions
type Postgres struct{ db *sql.DB }

func NewPostgres(db *sql.DB) *Postgres { return &Postgres{db: db} }

func (p *Postgres) Subscription(ctx context.Context, userID string) (Subscription, bool, error) {
	s := Subscription{UserID: userID}
	var tier string
	var expires sql.NullTime
	err := p.db.QueryRowContext(ctx,
		`SELECT tier, expires_at FROM subscriptions WHERE user_id=$1`, userID).Scan(&tier, &expires)
	if err == sql.ErrNoRows {
		return s, false, nil
	}
	if err != nil {
		return s, false, fmt.Errorf("get subscription: %w", err)
	}
	s.Tier = Tier(tier)
	if expires.Valid {
		t := expires.Time
		s.ExpiresAt = &t
	}
	return s, true, nil
}

// Memory guarda assinaturas em memória
type Memory struct {
	mu   sync.RWMutex
	subs map[string]Subscription
}

func NewMemory() *Memory { return &Memory{subs: make(map[string]Subscription)} }

func (m *Memory) Set(userID string, tier Tier, expiresAt *time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[userID] = Subscription{UserID: userID, Tier: tier, ExpiresAt: expiresAt}
}

func (m *Memory) Subscription(_ context.Context, userID string) (Subscription, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subs[userID]
	return s, ok, nil
}
