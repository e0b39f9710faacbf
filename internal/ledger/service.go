package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/radieske/lvnd-offer-ledger/internal/shared/bizerr"
	"github.com/radieske/lvnd-offer-ledger/pkg/contracts/events"
)

var (
	opsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lvnd_ledger_operations_total",
		Help: "Ledger credit/debit operations by kind and result",
	}, []string{"op", "kind", "result"})

	opLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lvnd_ledger_operation_duration_seconds",
		Help:    "Ledger operation latency",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"op"})
)

// CreditNotifier recebe o aviso de saldo creditado (fire-and-forget)
type CreditNotifier interface {
	BalanceCredited(ctx context.Context, e events.BalanceCredited)
}

// Service expõe o ledger para o resto do sistema: logs, métricas e notificação
// em volta de um Store
type Service struct {
	log      *zap.Logger
	store    Store
	notifier CreditNotifier
}

func NewService(log *zap.Logger, store Store, notifier CreditNotifier) *Service {
	return &Service{log: log, store: store, notifier: notifier}
}

func (s *Service) Credit(ctx context.Context, e Entry) (Result, error) {
	res, err := s.run(ctx, "credit", e, s.store.Credit)
	if err == nil && !res.Replayed && s.notifier != nil {
		s.notifier.BalanceCredited(ctx, events.BalanceCredited{
			UserID:        e.UserID,
			TransactionID: res.Transaction.ID,
			Kind:          string(e.Kind),
			ReferenceID:   e.ReferenceID,
			AmountBase:    e.Amount,
			Available:     res.Balance.Available,
			Ts:            res.Transaction.CreatedAt,
		})
	}
	return res, err
}

func (s *Service) Debit(ctx context.Context, e Entry) (Result, error) {
	return s.run(ctx, "debit", e, s.store.Debit)
}

func (s *Service) run(ctx context.Context, op string, e Entry, fn func(context.Context, Entry) (Result, error)) (Result, error) {
	timer := prometheus.NewTimer(opLatency.WithLabelValues(op))
	defer timer.ObserveDuration()

	res, err := fn(ctx, e)
	result := resultLabel(res, err)
	opsTotal.WithLabelValues(op, string(e.Kind), result).Inc()

	fields := []zap.Field{
		zap.String("op", op),
		zap.String("userId", e.UserID),
		zap.Int64("amount", e.Amount),
		zap.String("kind", string(e.Kind)),
		zap.String("referenceId", e.ReferenceID),
		zap.String("idempotencyKey", e.IdempotencyKey),
		zap.String("result", result),
	}
	switch {
	case err == nil:
		s.log.Info("ledger entry", append(fields,
			zap.String("transactionId", res.Transaction.ID),
			zap.Int64("available", res.Balance.Available))...)
	case result == "error":
		s.log.Error("ledger entry failed", append(fields, zap.Error(err))...)
	default:
		s.log.Info("ledger entry refused", append(fields, zap.Error(err))...)
	}
	return res, err
}

func resultLabel(res Result, err error) string {
	if err == nil {
		if res.Replayed {
			return "replay"
		}
		return "ok"
	}
	if errors.Is(err, ErrIdempotencyInFlight) {
		return "in_flight"
	}
	if e, ok := bizerr.As(err); ok {
		return string(e.Code)
	}
	return "error"
}

func (s *Service) GetBalance(ctx context.Context, userID string) (Balance, error) {
	return s.store.GetBalance(ctx, userID)
}

func (s *Service) Lookup(ctx context.Context, key string) (Transaction, bool, error) {
	return s.store.Lookup(ctx, key)
}

func (s *Service) Transactions(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	return s.store.Transactions(ctx, userID, limit)
}

// Reconcile registra inconsistências como erro; não corrige nada
func (s *Service) Reconcile(ctx context.Context, userID string) (Reconciliation, error) {
	r, err := s.store.Reconcile(ctx, userID)
	if err != nil {
		return r, err
	}
	if !r.Consistent {
		s.log.Error("ledger conservation violated",
			zap.String("userId", userID),
			zap.Int64("available", r.Available),
			zap.Int64("ledgerSum", r.LedgerSum),
			zap.Time("checkedAt", time.Now()))
	}
	return r, nil
}
