// Package ledger é o dono dos saldos e do log append-only de transações LVND.
// Toda movimentação de dinheiro passa por Credit/Debit, que são idempotentes
// por chave e serializados por usuário.
package ledger

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/radieske/lvnd-offer-ledger/internal/shared/bizerr"
)

type Kind string

const (
	KindPurchase             Kind = "purchase"
	KindOfferSent            Kind = "offer_sent"
	KindOfferAccepted        Kind = "offer_accepted"
	KindOfferRejectedRefund  Kind = "offer_rejected_refund"
	KindOfferCancelledRefund Kind = "offer_cancelled_refund"
	KindOfferExpiredRefund   Kind = "offer_expired_refund"
	KindFee                  Kind = "fee"
	KindBonus                Kind = "bonus"
	KindAdjustment           Kind = "adjustment"
	KindRefund               Kind = "refund"
)

func (k Kind) Valid() bool {
	switch k {
	case KindPurchase, KindOfferSent, KindOfferAccepted, KindOfferRejectedRefund,
		KindOfferCancelledRefund, KindOfferExpiredRefund, KindFee, KindBonus,
		KindAdjustment, KindRefund:
		return true
	}
	return false
}

// ErrIdempotencyInFlight: outra operação com a mesma chave ainda está sendo aplicada.
// O chamador pode repetir com a mesma chave.
var ErrIdempotencyInFlight = errors.New("idempotency key in flight")

// Balance em unidades mínimas da moeda base
type Balance struct {
	UserID      string    `json:"userId"`
	Available   int64     `json:"available"`
	PendingHold int64     `json:"pending_hold"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Transaction é imutável; Amount tem sinal (débitos negativos)
type Transaction struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	Amount         int64     `json:"amount"`
	Kind           Kind      `json:"kind"`
	ReferenceID    string    `json:"referenceId"`
	IdempotencyKey string    `json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
}

// HoldChange ajusta o pendingHold de um usuário na mesma unidade atômica do lançamento.
// Amount > 0 coloca valor em escrow; Amount < 0 libera.
type HoldChange struct {
	UserID string
	Amount int64
}

// Entry descreve um crédito ou débito. Amount é sempre positivo.
type Entry struct {
	UserID         string
	Amount         int64
	Kind           Kind
	ReferenceID    string
	IdempotencyKey string
	Hold           *HoldChange
}

// Result de Credit/Debit. Em replay, Transaction é a original e Balance o saldo atual.
type Result struct {
	Transaction Transaction `json:"transaction"`
	Balance     Balance     `json:"balance"`
	Replayed    bool        `json:"replayed"`
}

// Reconciliation compara o saldo com a soma do log de transações
type Reconciliation struct {
	UserID     string `json:"userId"`
	Available  int64  `json:"available"`
	LedgerSum  int64  `json:"ledger_sum"`
	Consistent bool   `json:"consistent"`
}

// Store é a porta de persistência do ledger.
// Implementações garantem: verificação de saldo + atualização + append numa única
// unidade atômica, serialização por usuário e checagem de idempotência dentro
// dessa mesma unidade.
type Store interface {
	Credit(ctx context.Context, e Entry) (Result, error)
	Debit(ctx context.Context, e Entry) (Result, error)
	GetBalance(ctx context.Context, userID string) (Balance, error)
	// Lookup busca a transação gravada com a chave de idempotência
	Lookup(ctx context.Context, idempotencyKey string) (Transaction, bool, error)
	Transactions(ctx context.Context, userID string, limit int) ([]Transaction, error)
	Reconcile(ctx context.Context, userID string) (Reconciliation, error)
}

func (e Entry) validate() error {
	switch {
	case e.UserID == "":
		return bizerr.Invalid("userId required")
	case e.Amount <= 0:
		return bizerr.Invalid("amount must be positive")
	case !e.Kind.Valid():
		return bizerr.Invalid("unknown transaction kind")
	case e.ReferenceID == "":
		return bizerr.Invalid("referenceId required")
	case e.IdempotencyKey == "":
		return bizerr.Invalid("idempotency key required")
	}
	if e.Hold != nil && (e.Hold.UserID == "" || e.Hold.Amount == 0) {
		return bizerr.Invalid("invalid hold change")
	}
	return nil
}

// sameEffect confere se a transação gravada corresponde ao lançamento repetido
func sameEffect(tx Transaction, e Entry, sign int64) bool {
	return tx.UserID == e.UserID && tx.Amount == sign*e.Amount && tx.Kind == e.Kind
}

func keyMismatch(key string) error {
	return bizerr.New(bizerr.IdempotencyMismatch, "idempotency key reused with a different payload",
		map[string]any{"idempotency_key": key})
}

// lockOrder retorna os usuários envolvidos em ordem determinística (evita deadlock)
func lockOrder(e Entry) []string {
	users := []string{e.UserID}
	if e.Hold != nil && e.Hold.UserID != e.UserID {
		users = append(users, e.Hold.UserID)
	}
	sort.Strings(users)
	return users
}
