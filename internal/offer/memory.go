package offer

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory implementa Repo em memória (STORAGE=memory e testes)
type Memory struct {
	mu      sync.RWMutex
	offers  map[string]Offer
	history map[string][]History
}

func NewMemory() *Memory {
	return &Memory{offers: make(map[string]Offer), history: make(map[string][]History)}
}

func (m *Memory) Insert(_ context.Context, o Offer, h History) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers[o.ID] = o
	m.history[o.ID] = append(m.history[o.ID], h)
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return Offer{}, ErrNotFound
	}
	return o, nil
}

func (m *Memory) FindByCreateKey(_ context.Context, senderID, key string) (Offer, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.offers {
		if o.SenderID == senderID && o.CreateKey == key {
			return o, true, nil
		}
	}
	return Offer{}, false, nil
}

func (m *Memory) Transition(_ context.Context, id string, from []State, to State, by string, at time.Time) (Offer, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return Offer{}, false, ErrNotFound
	}
	if !containsState(from, o.State) {
		return o, false, nil
	}
	prev := o.State
	o.State = to
	o.UpdatedAt = at
	m.offers[id] = o
	m.history[id] = append(m.history[id], History{OfferID: id, FromState: prev, ToState: to, TriggeredBy: by, Timestamp: at})
	return o, true, nil
}

func (m *Memory) MarkSettled(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return ErrNotFound
	}
	if o.SettledAt == nil {
		o.SettledAt = &at
		m.offers[id] = o
	}
	return nil
}

func (m *Memory) List(_ context.Context, userID string, role Role, state State, limit int) ([]Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Offer
	for _, o := range m.offers {
		sent := o.SenderID == userID
		received := o.ReceiverID == userID
		switch role {
		case RoleSent:
			if !sent {
				continue
			}
		case RoleReceived:
			if !received {
				continue
			}
		default:
			if !sent && !received {
				continue
			}
		}
		if state != "" && o.State != state {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) History(_ context.Context, id string) ([]History, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]History, len(m.history[id]))
	copy(out, m.history[id])
	return out, nil
}

func (m *Memory) DueForExpiry(_ context.Context, now time.Time, limit int) ([]Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Offer
	for _, o := range m.offers {
		if o.State.Open() && now.After(o.ExpiresAt) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Unsettled(_ context.Context, before time.Time, limit int) ([]Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Offer
	for _, o := range m.offers {
		if o.State.Terminal() && o.SettledAt == nil && o.UpdatedAt.Before(before) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) LastRejection(_ context.Context, senderID, receiverID string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var last time.Time
	found := false
	for _, o := range m.offers {
		if o.SenderID == senderID && o.ReceiverID == receiverID && o.State == StateRejected {
			if !found || o.UpdatedAt.After(last) {
				last = o.UpdatedAt
				found = true
			}
		}
	}
	return last, found, nil
}

func (m *Memory) SentSince(_ context.Context, userID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, o := range m.offers {
		if o.SenderID == userID && !o.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) DeclinedSince(_ context.Context, userID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, o := range m.offers {
		if o.SenderID == userID && o.State == StateRejected && !o.UpdatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func containsState(states []State, s State) bool {
	for _, x := range states {
		if x == s {
			return true
		}
	}
	return false
}
