package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/radieske/lvnd-offer-ledger/internal/shared/bizerr"
	"github.com/radieske/lvnd-offer-ledger/internal/shared/db"
)

const idempotencyConstraint = "ledger_transactions_idempotency_key_key"

// Postgres implementa Store com lock pessimista na linha do saldo
// e unique constraint em idempotency_key
type Postgres struct {
	db    *sql.DB
	newID func() string
}

func NewPostgres(db *sql.DB) *Postgres { return &Postgres{db: db, newID: uuid.NewString} }

// queryer cobre *sql.DB e *sql.Tx
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Credit aumenta available; cria a linha do saldo no primeiro crédito
func (p *Postgres) Credit(ctx context.Context, e Entry) (Result, error) { return p.apply(ctx, e, 1) }

// Debit diminui available; falha com InsufficientFunds sem gravar nada
func (p *Postgres) Debit(ctx context.Context, e Entry) (Result, error) { return p.apply(ctx, e, -1) }

func (p *Postgres) apply(ctx context.Context, e Entry, sign int64) (Result, error) {
	if err := e.validate(); err != nil {
		return Result{}, err
	}
	res, err := p.applyTx(ctx, e, sign)
	if db.IsUniqueViolation(err, idempotencyConstraint) {
		// outra transação gravou a mesma chave antes; devolve o resultado dela
		return p.replay(ctx, e, sign)
	}
	return res, err
}

func (p *Postgres) applyTx(ctx context.Context, e Entry, sign int64) (Result, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback()

	if sign > 0 {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO balances(user_id) VALUES($1) ON CONFLICT (user_id) DO NOTHING`, e.UserID); err != nil {
			return Result{}, fmt.Errorf("ensure balance: %w", err)
		}
	}

	// Trava as linhas envolvidas em ordem determinística
	locked := make(map[string]Balance, 2)
	for _, u := range lockOrder(e) {
		b, err := lockBalance(ctx, tx, u)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return Result{}, fmt.Errorf("lock balance %s: %w", u, err)
		}
		locked[u] = b
	}

	// Idempotência: checada sob o lock do usuário, na mesma transação do lançamento
	prev, found, err := findByKey(ctx, tx, e.IdempotencyKey)
	if err != nil {
		return Result{}, err
	}
	if found {
		if !sameEffect(prev, e, sign) {
			return Result{}, keyMismatch(e.IdempotencyKey)
		}
		bal := locked[e.UserID]
		bal.UserID = e.UserID
		return Result{Transaction: prev, Balance: bal, Replayed: true}, nil
	}

	current, ok := locked[e.UserID]
	if sign < 0 && (!ok || current.Available < e.Amount) {
		return Result{}, bizerr.Insufficient(e.Amount, current.Available)
	}

	delta := sign * e.Amount
	var selfHold int64
	if e.Hold != nil && e.Hold.UserID == e.UserID {
		selfHold = e.Hold.Amount
	}

	bal := Balance{UserID: e.UserID}
	if err = tx.QueryRowContext(ctx, `
		UPDATE balances
		SET available = available + $1, pending_hold = GREATEST(pending_hold + $2, 0), updated_at = NOW()
		WHERE user_id=$3
		RETURNING available, pending_hold, updated_at`,
		delta, selfHold, e.UserID).Scan(&bal.Available, &bal.PendingHold, &bal.UpdatedAt); err != nil {
		return Result{}, fmt.Errorf("update balance: %w", err)
	}

	if e.Hold != nil && e.Hold.UserID != e.UserID {
		if _, ok := locked[e.Hold.UserID]; ok {
			if _, err = tx.ExecContext(ctx, `
				UPDATE balances SET pending_hold = GREATEST(pending_hold + $1, 0), updated_at = NOW()
				WHERE user_id=$2`, e.Hold.Amount, e.Hold.UserID); err != nil {
				return Result{}, fmt.Errorf("update hold: %w", err)
			}
		}
	}

	t := Transaction{
		ID:             p.newID(),
		UserID:         e.UserID,
		Amount:         delta,
		Kind:           e.Kind,
		ReferenceID:    e.ReferenceID,
		IdempotencyKey: e.IdempotencyKey,
	}
	if err = tx.QueryRowContext(ctx, `
		INSERT INTO ledger_transactions(id, user_id, amount, kind, reference_id, idempotency_key)
		VALUES($1,$2,$3,$4,$5,$6)
		RETURNING created_at`,
		t.ID, t.UserID, t.Amount, string(t.Kind), t.ReferenceID, t.IdempotencyKey).Scan(&t.CreatedAt); err != nil {
		return Result{}, fmt.Errorf("insert transaction: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("commit ledger tx: %w", err)
	}
	return Result{Transaction: t, Balance: bal}, nil
}

func (p *Postgres) replay(ctx context.Context, e Entry, sign int64) (Result, error) {
	prev, found, err := findByKey(ctx, p.db, e.IdempotencyKey)
	if err != nil {
		return Result{}, err
	}
	if !found {
		return Result{}, ErrIdempotencyInFlight
	}
	if !sameEffect(prev, e, sign) {
		return Result{}, keyMismatch(e.IdempotencyKey)
	}
	bal, err := p.GetBalance(ctx, e.UserID)
	if err != nil {
		return Result{}, err
	}
	return Result{Transaction: prev, Balance: bal, Replayed: true}, nil
}

func lockBalance(ctx context.Context, tx *sql.Tx, userID string) (Balance, error) {
	b := Balance{UserID: userID}
	err := tx.QueryRowContext(ctx,
		`SELECT available, pending_hold, updated_at FROM balances WHERE user_id=$1 FOR UPDATE`, userID).
		Scan(&b.Available, &b.PendingHold, &b.UpdatedAt)
	return b, err
}

func findByKey(ctx context.Context, q queryer, key string) (Transaction, bool, error) {
	var t Transaction
	var kind string
	err := q.QueryRowContext(ctx, `
		SELECT id, user_id, amount, kind, reference_id, idempotency_key, created_at
		FROM ledger_transactions WHERE idempotency_key=$1`, key).
		Scan(&t.ID, &t.UserID, &t.Amount, &kind, &t.ReferenceID, &t.IdempotencyKey, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return Transaction{}, false, nil
	}
	if err != nil {
		return Transaction{}, false, fmt.Errorf("lookup idempotency key: %w", err)
	}
	t.Kind = Kind(kind)
	return t, true, nil
}

func (p *Postgres) Lookup(ctx context.Context, key string) (Transaction, bool, error) {
	return findByKey(ctx, p.db, key)
}

// GetBalance devolve saldo zerado para usuário sem linha
func (p *Postgres) GetBalance(ctx context.Context, userID string) (Balance, error) {
	b := Balance{UserID: userID}
	err := p.db.QueryRowContext(ctx,
		`SELECT available, pending_hold, updated_at FROM balances WHERE user_id=$1`, userID).
		Scan(&b.Available, &b.PendingHold, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return b, nil
	}
	if err != nil {
		return Balance{}, fmt.Errorf("get balance: %w", err)
	}
	return b, nil
}

func (p *Postgres) Transactions(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, amount, kind, reference_id, idempotency_key, created_at
		FROM ledger_transactions WHERE user_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var t Transaction
		var kind string
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &kind, &t.ReferenceID, &t.IdempotencyKey, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Kind = Kind(kind)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Reconcile confere sum(amount) == available para o usuário
func (p *Postgres) Reconcile(ctx context.Context, userID string) (Reconciliation, error) {
	r := Reconciliation{UserID: userID}
	err := p.db.QueryRowContext(ctx, `
		SELECT b.available, COALESCE((SELECT SUM(t.amount) FROM ledger_transactions t WHERE t.user_id = b.user_id), 0)
		FROM balances b WHERE b.user_id=$1`, userID).Scan(&r.Available, &r.LedgerSum)
	if err != nil && err != sql.ErrNoRows {
		return Reconciliation{}, fmt.Errorf("reconcile: %w", err)
	}
	r.Consistent = r.Available == r.LedgerSum
	return r, nil
}
