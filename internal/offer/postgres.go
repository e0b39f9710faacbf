package offer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Postgres implementa Repo sobre as tabelas offers e offer_history
type Postgres struct{ db *sql.DB }

func NewPostgres(db *sql.DB) *Postgres { return &Postgres{db: db} }

const offerColumns = `id, COALESCE(parent_id::text, ''), sender_id, receiver_id, amount, state, stage,
	counter_count, expires_at, settled_at, COALESCE(create_key, ''), created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOffer(r rowScanner) (Offer, error) {
	var o Offer
	var state, stage string
	var settled sql.NullTime
	err := r.Scan(&o.ID, &o.ParentID, &o.SenderID, &o.ReceiverID, &o.Amount, &state, &stage,
		&o.CounterCount, &o.ExpiresAt, &settled, &o.CreateKey, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return Offer{}, err
	}
	o.State = State(state)
	o.Stage = Stage(stage)
	if settled.Valid {
		t := settled.Time
		o.SettledAt = &t
	}
	return o, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Insert grava a oferta e o primeiro registro de histórico na mesma transação
func (p *Postgres) Insert(ctx context.Context, o Offer, h History) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO offers (id, parent_id, sender_id, receiver_id, amount, state, stage,
			counter_count, expires_at, create_key, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)`,
		o.ID, nullable(o.ParentID), o.SenderID, o.ReceiverID, o.Amount, string(o.State), string(o.Stage),
		o.CounterCount, o.ExpiresAt, nullable(o.CreateKey), o.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert offer: %w", err)
	}
	if err := insertHistory(ctx, tx, h); err != nil {
		return err
	}
	return tx.Commit()
}

func insertHistory(ctx context.Context, tx *sql.Tx, h History) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO offer_history (offer_id, from_state, to_state, triggered_by, created_at)
		VALUES ($1,$2,$3,$4,$5)`,
		h.OfferID, string(h.FromState), string(h.ToState), h.TriggeredBy, h.Timestamp)
	if err != nil {
		return fmt.Errorf("insert offer history: %w", err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, id string) (Offer, error) {
	o, err := scanOffer(p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Offer{}, ErrNotFound
	}
	if err != nil {
		return Offer{}, fmt.Errorf("get offer: %w", err)
	}
	return o, nil
}

func (p *Postgres) FindByCreateKey(ctx context.Context, senderID, key string) (Offer, bool, error) {
	o, err := scanOffer(p.db.QueryRowContext(ctx,
		`SELECT `+offerColumns+` FROM offers WHERE sender_id=$1 AND create_key=$2`, senderID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return Offer{}, false, nil
	}
	if err != nil {
		return Offer{}, false, fmt.Errorf("find offer by key: %w", err)
	}
	return o, true, nil
}

// Transition trava a linha, confere o estado atual e grava estado + histórico
func (p *Postgres) Transition(ctx context.Context, id string, from []State, to State, by string, at time.Time) (Offer, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return Offer{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	cur, err := scanOffer(tx.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id=$1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Offer{}, false, ErrNotFound
	}
	if err != nil {
		return Offer{}, false, fmt.Errorf("lock offer: %w", err)
	}
	if !containsState(from, cur.State) {
		return cur, false, nil
	}

	_, err = tx.ExecContext(ctx, `UPDATE offers SET state=$1, updated_at=$2 WHERE id=$3`, string(to), at, id)
	if err != nil {
		return Offer{}, false, fmt.Errorf("update offer state: %w", err)
	}
	if err := insertHistory(ctx, tx, History{OfferID: id, FromState: cur.State, ToState: to, TriggeredBy: by, Timestamp: at}); err != nil {
		return Offer{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return Offer{}, false, fmt.Errorf("commit transition: %w", err)
	}
	cur.State = to
	cur.UpdatedAt = at
	return cur, true, nil
}

func (p *Postgres) MarkSettled(ctx context.Context, id string, at time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE offers SET settled_at=$1 WHERE id=$2 AND settled_at IS NULL`, at, id)
	if err != nil {
		return fmt.Errorf("mark offer settled: %w", err)
	}
	return nil
}

func (p *Postgres) List(ctx context.Context, userID string, role Role, state State, limit int) ([]Offer, error) {
	where := `(sender_id=$1 OR receiver_id=$1)`
	switch role {
	case RoleSent:
		where = `sender_id=$1`
	case RoleReceived:
		where = `receiver_id=$1`
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+offerColumns+` FROM offers
		WHERE `+where+` AND ($2 = '' OR state = $2)
		ORDER BY created_at DESC LIMIT $3`, userID, string(state), limit)
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	return collect(rows)
}

func collect(rows *sql.Rows) ([]Offer, error) {
	defer rows.Close()
	var out []Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan offer: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *Postgres) History(ctx context.Context, id string) ([]History, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT offer_id, from_state, to_state, triggered_by, created_at
		FROM offer_history WHERE offer_id=$1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("list offer history: %w", err)
	}
	defer rows.Close()
	var out []History
	for rows.Next() {
		var h History
		var from, to string
		if err := rows.Scan(&h.OfferID, &from, &to, &h.TriggeredBy, &h.Timestamp); err != nil {
			return nil, fmt.Errorf("scan offer history: %w", err)
		}
		h.FromState, h.ToState = State(from), State(to)
		out = append(out, h)
	}
	return out, rows.Err()
}

func (p *Postgres) DueForExpiry(ctx context.Context, now time.Time, limit int) ([]Offer, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+offerColumns+` FROM offers
		WHERE state = ANY($1) AND expires_at < $2
		ORDER BY expires_at LIMIT $3`, pq.Array(stateStrings(openStates)), now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due offers: %w", err)
	}
	return collect(rows)
}

func (p *Postgres) Unsettled(ctx context.Context, before time.Time, limit int) ([]Offer, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+offerColumns+` FROM offers
		WHERE settled_at IS NULL AND state = ANY($1) AND updated_at < $2
		ORDER BY updated_at LIMIT $3`, pq.Array(stateStrings(terminalStates)), before, limit)
	if err != nil {
		return nil, fmt.Errorf("list unsettled offers: %w", err)
	}
	return collect(rows)
}

func (p *Postgres) LastRejection(ctx context.Context, senderID, receiverID string) (time.Time, bool, error) {
	var last sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT MAX(updated_at) FROM offers
		WHERE sender_id=$1 AND receiver_id=$2 AND state='REJECTED'`, senderID, receiverID).Scan(&last)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last rejection: %w", err)
	}
	return last.Time, last.Valid, nil
}

func (p *Postgres) SentSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM offers WHERE sender_id=$1 AND created_at >= $2`, userID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sent offers: %w", err)
	}
	return n, nil
}

func (p *Postgres) DeclinedSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM offers
		WHERE sender_id=$1 AND state='REJECTED' AND updated_at >= $2`, userID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count declined offers: %w", err)
	}
	return n, nil
}
