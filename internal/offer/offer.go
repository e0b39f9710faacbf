// Package offer modela a negociação entre dois usuários: criação com débito em
// escrow, aceite, recusa, cancelamento, contraproposta e expiração. Toda
// movimentação de saldo passa pelo ledger; o estado da oferta muda por
// compare-and-swap, então só uma transição terminal vence.
package offer

import (
	"context"
	"errors"
	"time"

	"github.com/radieske/lvnd-offer-ledger/internal/risk"
)

type State string

// valores persistidos em maiúsculas, como nos demais status do banco
const (
	StatePending   State = "PENDING"
	StateAccepted  State = "ACCEPTED"
	StateRejected  State = "REJECTED"
	StateCancelled State = "CANCELLED"
	StateExpired   State = "EXPIRED"
	StateEscalated State = "ESCALATED"
)

type Stage = risk.Stage

// Role filtra a listagem de ofertas de um usuário
type Role string

const (
	RoleAny      Role = ""
	RoleSent     Role = "sent"
	RoleReceived Role = "received"
)

var ErrNotFound = errors.New("offer not found")

// ErrCreateInFlight: o débito de uma criação com a mesma chave já foi aplicado mas
// a oferta ainda não foi gravada. Repetir com a mesma chave.
var ErrCreateInFlight = errors.New("offer creation in flight")

type Offer struct {
	ID           string     `json:"id"`
	ParentID     string     `json:"parentId,omitempty"`
	SenderID     string     `json:"senderId"`
	ReceiverID   string     `json:"receiverId"`
	Amount       int64      `json:"amount"`
	State        State      `json:"state"`
	Stage        Stage      `json:"stage"`
	CounterCount int        `json:"counter_count"`
	ExpiresAt    time.Time  `json:"expires_at"`
	SettledAt    *time.Time `json:"settled_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`

	CreateKey string `json:"-"`
}

// History é o registro append-only de cada transição
type History struct {
	OfferID     string    `json:"offerId"`
	FromState   State     `json:"from_state"`
	ToState     State     `json:"to_state"`
	TriggeredBy string    `json:"triggered_by"`
	Timestamp   time.Time `json:"timestamp"`
}

// Repo é a porta de persistência das ofertas. Transition é um compare-and-swap:
// só muda o estado se o atual estiver em from, gravando o histórico na mesma
// unidade atômica. Quando não troca devolve a oferta como está.
type Repo interface {
	Insert(ctx context.Context, o Offer, h History) error
	Get(ctx context.Context, id string) (Offer, error)
	FindByCreateKey(ctx context.Context, senderID, key string) (Offer, bool, error)
	Transition(ctx context.Context, id string, from []State, to State, by string, at time.Time) (Offer, bool, error)
	MarkSettled(ctx context.Context, id string, at time.Time) error
	List(ctx context.Context, userID string, role Role, state State, limit int) ([]Offer, error)
	History(ctx context.Context, id string) ([]History, error)
	DueForExpiry(ctx context.Context, now time.Time, limit int) ([]Offer, error)
	Unsettled(ctx context.Context, before time.Time, limit int) ([]Offer, error)
	LastRejection(ctx context.Context, senderID, receiverID string) (time.Time, bool, error)

	risk.History
}
