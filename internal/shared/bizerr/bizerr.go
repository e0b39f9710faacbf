// Package bizerr define os resultados de negócio esperados (recuperáveis)
// que atravessam a fronteira da API como valores tipados. Qualquer erro que
// não seja *Error é tratado como falha de infraestrutura (retryable).
package bizerr

import (
	"errors"
	"fmt"
	"time"
)

type Code string

const (
	InsufficientFunds    Code = "InsufficientFunds"
	DailyLimitExceeded   Code = "DailyLimitExceeded"
	AmountOutOfRange     Code = "AmountOutOfRange"
	PressureTooHigh      Code = "PressureTooHigh"
	CooldownActive       Code = "CooldownActive"
	CounterTooLow        Code = "CounterTooLow"
	CounterLimitExceeded Code = "CounterLimitExceeded"
	CounterNotAllowed    Code = "CounterNotAllowed"
	NotAuthorized        Code = "NotAuthorized"
	OfferNotFound        Code = "OfferNotFound"
	OfferNotPending      Code = "OfferNotPending"
	RateUnavailable      Code = "RateUnavailable"
	PriceMismatch        Code = "PriceMismatch"
	InvalidRequest       Code = "InvalidRequest"
	IdempotencyMismatch  Code = "IdempotencyMismatch"
	InvalidSignature     Code = "InvalidSignature"
	RateLimited          Code = "RateLimited"
)

// Error carrega código, mensagem e detalhes estruturados para a UI
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Is compara só pelo código, então errors.Is(err, &Error{Code: X}) funciona
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func New(code Code, msg string, details map[string]any) *Error {
	return &Error{Code: code, Message: msg, Details: details}
}

// As extrai o *Error de uma cadeia de erros
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HasCode indica se err é um erro de negócio com o código informado
func HasCode(err error, code Code) bool {
	e, ok := As(err)
	return ok && e.Code == code
}

func Insufficient(required, available int64) *Error {
	return New(InsufficientFunds, "insufficient funds", map[string]any{
		"required":  required,
		"available": available,
	})
}

func DailyLimit(maxPerDay, remaining int) *Error {
	return New(DailyLimitExceeded, "daily offer limit reached", map[string]any{
		"max_per_day":     maxPerDay,
		"remaining_today": remaining,
	})
}

func OutOfRange(amount, min, max int64) *Error {
	return New(AmountOutOfRange, "amount outside allowed range", map[string]any{
		"amount":     amount,
		"min_amount": min,
		"max_amount": max,
	})
}

func Pressure(index, ceiling float64) *Error {
	return New(PressureTooHigh, "offer pressure index above ceiling", map[string]any{
		"pressure_index": index,
		"ceiling":        ceiling,
	})
}

func Cooldown(until time.Time) *Error {
	return New(CooldownActive, "cooldown active", map[string]any{
		"cooldown_ends_at": until.UTC().Format(time.RFC3339),
	})
}

func CounterLow(amount, minimum int64) *Error {
	return New(CounterTooLow, "counter amount too low", map[string]any{
		"amount":         amount,
		"minimum_amount": minimum,
	})
}

func CounterLimit(max int) *Error {
	return New(CounterLimitExceeded, "counter limit reached", map[string]any{
		"max_counters": max,
	})
}

func Unauthorized(msg string) *Error { return New(NotAuthorized, msg, nil) }

func NotFound(offerID string) *Error {
	return New(OfferNotFound, "offer not found", map[string]any{"offer_id": offerID})
}

func NotPending(offerID, state string) *Error {
	return New(OfferNotPending, "offer is not in an actionable state", map[string]any{
		"offer_id": offerID,
		"state":    state,
	})
}

func Invalid(msg string) *Error { return New(InvalidRequest, msg, nil) }
