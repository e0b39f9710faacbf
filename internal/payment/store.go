package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const (
	StatusPending = "PENDING"
	StatusPaid    = "PAID"
	StatusFailed  = "FAILED"
	StatusReview  = "REVIEW" // total reportado não bate com o preço
)

var ErrOrderNotFound = errors.New("payment order not found")

// Order é um pedido de compra de LVND enviado ao PAYTR
type Order struct {
	MerchantOID   string          `json:"merchant_oid"`
	UserID        string          `json:"userId"`
	AmountBase    int64           `json:"amount_base"`
	Currency      string          `json:"currency"`
	DisplayAmount decimal.Decimal `json:"display_amount"`
	Status        string          `json:"status"`
	PaidAt        *time.Time      `json:"paid_at,omitempty"`
}

type Store interface {
	Create(ctx context.Context, o Order) error
	Get(ctx context.Context, oid string) (Order, error)
	SetStatus(ctx context.Context, oid, status string) error
	MarkPaid(ctx context.Context, oid string, at time.Time) error
}

type Postgres struct{ db *sql.DB }

func NewPostgres(db *sql.DB) *Postgres { return &Postgres{db: db} }

func (p *Postgres) Create(ctx context.Context, o Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_orders (merchant_oid, user_id, amount_base, currency, display_amount, status)
		VALUES ($1,$2,$3,$4,$5,'PENDING')`,
		o.MerchantOID, o.UserID, o.AmountBase, o.Currency, o.DisplayAmount.String())
	if err != nil {
		return fmt.Errorf("insert payment order: %w", err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, oid string) (Order, error) {
	o := Order{MerchantOID: oid}
	var display string
	var paid sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id, amount_base, currency, display_amount::text, status, paid_at
		FROM payment_orders WHERE merchant_oid=$1`, oid).
		Scan(&o.UserID, &o.AmountBase, &o.Currency, &display, &o.Status, &paid)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, ErrOrderNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("get payment order: %w", err)
	}
	if o.DisplayAmount, err = decimal.NewFromString(display); err != nil {
		return Order{}, fmt.Errorf("parse display amount: %w", err)
	}
	if paid.Valid {
		t := paid.Time
		o.PaidAt = &t
	}
	return o, nil
}

// SetStatus nunca rebaixa um pedido já pago
func (p *Postgres) SetStatus(ctx context.Context, oid, status string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE payment_orders SET status=$1 WHERE merchant_oid=$2 AND status <> 'PAID'`, status, oid)
	if err != nil {
		return fmt.Errorf("update payment order status: %w", err)
	}
	return nil
}

func (p *Postgres) MarkPaid(ctx context.Context, oid string, at time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE payment_orders SET status='PAID', paid_at=$1 WHERE merchant_oid=$2 AND status <> 'PAID'`, at, oid)
	if err != nil {
		return fmt.Errorf("mark payment order paid: %w", err)
	}
	return nil
}

type Memory struct {
	mu     sync.RWMutex
	orders map[string]Order
}

func NewMemory() *Memory { return &Memory{orders: make(map[string]Order)} }

func (m *Memory) Create(_ context.Context, o Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.MerchantOID]; ok {
		return fmt.Errorf("payment order %s already exists", o.MerchantOID)
	}
	o.Status = StatusPending
	m.orders[o.MerchantOID] = o
	return nil
}

func (m *Memory) Get(_ context.Context, oid string) (Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[oid]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	return o, nil
}

func (m *Memory) SetStatus(_ context.Context, oid, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[oid]
	if !ok {
		return ErrOrderNotFound
	}
	if o.Status != StatusPaid {
		o.Status = status
		m.orders[oid] = o
	}
	return nil
}

func (m *Memory) MarkPaid(_ context.Context, oid string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[oid]
	if !ok {
		return ErrOrderNotFound
	}
	if o.Status != StatusPaid {
		o.Status = StatusPaid
		o.PaidAt = &at
		m.orders[oid] = o
	}
	return nil
}
