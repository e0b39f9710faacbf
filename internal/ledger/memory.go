package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/radieske/lvnd-offer-ledger/internal/shared/bizerr"
)

// Memory implementa Store em memória com um mutex por usuário.
// Usado em desenvolvimento local (STORAGE=memory) e nos testes.
type Memory struct {
	// mu protege os mapas; o conteúdo de cada saldo é protegido pelo lock do usuário
	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	balances map[string]*Balance
	txs      map[string][]Transaction
	byKey    map[string]Transaction
	inFlight map[string]struct{}

	now   func() time.Time
	newID func() string
}

func NewMemory() *Memory {
	return &Memory{
		locks:    make(map[string]*sync.Mutex),
		balances: make(map[string]*Balance),
		txs:      make(map[string][]Transaction),
		byKey:    make(map[string]Transaction),
		inFlight: make(map[string]struct{}),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

func (m *Memory) Credit(ctx context.Context, e Entry) (Result, error) { return m.apply(ctx, e, 1) }

func (m *Memory) Debit(ctx context.Context, e Entry) (Result, error) { return m.apply(ctx, e, -1) }

func (m *Memory) apply(ctx context.Context, e Entry, sign int64) (Result, error) {
	if err := e.validate(); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	unlock := m.lockUsers(lockOrder(e))
	defer unlock()

	m.mu.Lock()
	if prev, ok := m.byKey[e.IdempotencyKey]; ok {
		bal := m.snapshot(e.UserID)
		m.mu.Unlock()
		if !sameEffect(prev, e, sign) {
			return Result{}, keyMismatch(e.IdempotencyKey)
		}
		return Result{Transaction: prev, Balance: bal, Replayed: true}, nil
	}
	// chave reservada enquanto o lançamento é aplicado (pode vir de outro usuário)
	if _, busy := m.inFlight[e.IdempotencyKey]; busy {
		m.mu.Unlock()
		return Result{}, ErrIdempotencyInFlight
	}
	m.inFlight[e.IdempotencyKey] = struct{}{}
	bal := m.balances[e.UserID]
	if bal == nil && sign > 0 {
		bal = &Balance{UserID: e.UserID}
		m.balances[e.UserID] = bal
	}
	var holder *Balance
	if e.Hold != nil {
		holder = m.balances[e.Hold.UserID]
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.inFlight, e.IdempotencyKey)
		m.mu.Unlock()
	}()

	if sign < 0 {
		var available int64
		if bal != nil {
			available = bal.Available
		}
		if available < e.Amount {
			return Result{}, bizerr.Insufficient(e.Amount, available)
		}
	}

	now := m.now()
	bal.Available += sign * e.Amount
	bal.UpdatedAt = now
	if holder != nil {
		holder.PendingHold += e.Hold.Amount
		if holder.PendingHold < 0 {
			holder.PendingHold = 0
		}
		holder.UpdatedAt = now
	}

	t := Transaction{
		ID:             m.newID(),
		UserID:         e.UserID,
		Amount:         sign * e.Amount,
		Kind:           e.Kind,
		ReferenceID:    e.ReferenceID,
		IdempotencyKey: e.IdempotencyKey,
		CreatedAt:      now,
	}

	m.mu.Lock()
	m.byKey[t.IdempotencyKey] = t
	m.txs[t.UserID] = append(m.txs[t.UserID], t)
	out := *bal
	m.mu.Unlock()

	return Result{Transaction: t, Balance: out}, nil
}

func (m *Memory) GetBalance(ctx context.Context, userID string) (Balance, error) {
	unlock := m.lockUsers([]string{userID})
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot(userID), nil
}

func (m *Memory) Lookup(_ context.Context, key string) (Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byKey[key]
	return t, ok, nil
}

func (m *Memory) Transactions(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// mais recentes primeiro
	txs := m.txs[userID]
	n := len(txs)
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]Transaction, 0, n)
	for i := len(txs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, txs[i])
	}
	return out, nil
}

func (m *Memory) Reconcile(ctx context.Context, userID string) (Reconciliation, error) {
	unlock := m.lockUsers([]string{userID})
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	r := Reconciliation{UserID: userID, Available: m.snapshot(userID).Available}
	for _, t := range m.txs[userID] {
		r.LedgerSum += t.Amount
	}
	r.Consistent = r.Available == r.LedgerSum
	return r, nil
}

// snapshot exige m.mu travado
func (m *Memory) snapshot(userID string) Balance {
	if b := m.balances[userID]; b != nil {
		return *b
	}
	return Balance{UserID: userID}
}

// lockUsers trava os mutexes dos usuários na ordem recebida (já ordenada)
func (m *Memory) lockUsers(users []string) func() {
	mus := make([]*sync.Mutex, 0, len(users))
	m.mu.Lock()
	for _, u := range users {
		mu, ok := m.locks[u]
		if !ok {
			mu = &sync.Mutex{}
			m.locks[u] = mu
		}
		mus = append(mus, mu)
	}
	m.mu.Unlock()

	for _, mu := range mus {
		mu.Lock()
	}
	return func() {
		for i := len(mus) - 1; i >= 0; i-- {
			mus[i].Unlock()
		}
	}
}
