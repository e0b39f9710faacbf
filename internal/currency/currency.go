// Package currency converte valores da moeda base para a moeda de exibição do
// usuário. Só formata e verifica; nunca decide quanto é liquidado.
package currency

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/radieske/lvnd-offer-ledger/internal/shared/bizerr"
)

var (
	rateLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lvnd_fx_rate_lookups_total",
		Help: "Display rate lookups by outcome",
	}, []string{"result"})
)

// unidades mínimas por unidade da moeda base
var minorUnits = decimal.NewFromInt(100)

const keyPrefix = "fx:rate:"

type Service struct {
	log       *zap.Logger
	rdb       *redis.Client
	source    RateSource
	prefs     Preferences
	base      string
	ttl       time.Duration
	tolerance decimal.Decimal

	mu        sync.RWMutex
	lastKnown map[string]Rate

	now func() time.Time
}

// NewService: rdb pode ser nil; nesse caso só o cache em processo é usado
func NewService(log *zap.Logger, rdb *redis.Client, source RateSource, prefs Preferences,
	base string, ttl time.Duration, tolerance float64) *Service {
	return &Service{
		log:       log,
		rdb:       rdb,
		source:    source,
		prefs:     prefs,
		base:      strings.ToUpper(base),
		ttl:       ttl,
		tolerance: decimal.NewFromFloat(tolerance),
		lastKnown: make(map[string]Rate),
		now:       time.Now,
	}
}

func (s *Service) Base() string { return s.base }

func rateUnavailable(cur string) *bizerr.Error {
	return bizerr.New(bizerr.RateUnavailable, "display rate unavailable", map[string]any{"currency": cur})
}

// Rate devolve a cotação vigente: Redis, depois o provedor, depois a última conhecida
func (s *Service) Rate(ctx context.Context, cur string) (Rate, error) {
	cur = strings.ToUpper(cur)
	if cur == "" || cur == s.base {
		return Rate{Currency: s.base, RateFromBase: decimal.NewFromInt(1), FetchedAt: s.now(), Source: "identity"}, nil
	}

	if r, ok := s.cached(ctx, cur); ok {
		rateLookups.WithLabelValues("cache").Inc()
		return r, nil
	}

	r, err := s.source.Fetch(ctx, s.base, cur)
	if err == nil {
		s.store(ctx, r)
		rateLookups.WithLabelValues("refresh").Inc()
		s.log.Info("display rate refreshed",
			zap.String("currency", cur),
			zap.String("rate", r.RateFromBase.String()),
			zap.String("source", r.Source))
		return r, nil
	}

	s.mu.RLock()
	last, ok := s.lastKnown[cur]
	s.mu.RUnlock()
	if ok {
		rateLookups.WithLabelValues("stale").Inc()
		s.log.Warn("display rate refresh failed, using last known",
			zap.String("currency", cur),
			zap.Time("fetched_at", last.FetchedAt),
			zap.Error(err))
		return last, nil
	}
	rateLookups.WithLabelValues("unavailable").Inc()
	s.log.Warn("display rate unavailable", zap.String("currency", cur), zap.Error(err))
	return Rate{}, rateUnavailable(cur)
}

func (s *Service) cached(ctx context.Context, cur string) (Rate, bool) {
	if s.rdb == nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		r, ok := s.lastKnown[cur]
		if ok && s.now().Sub(r.FetchedAt) < s.ttl {
			return r, true
		}
		return Rate{}, false
	}
	raw, err := s.rdb.Get(ctx, keyPrefix+cur).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Warn("rate cache read failed", zap.String("currency", cur), zap.Error(err))
		}
		return Rate{}, false
	}
	var r Rate
	if err := json.Unmarshal(raw, &r); err != nil {
		return Rate{}, false
	}
	return r, true
}

func (s *Service) store(ctx context.Context, r Rate) {
	s.mu.Lock()
	s.lastKnown[r.Currency] = r
	s.mu.Unlock()
	if s.rdb == nil {
		return
	}
	b, _ := json.Marshal(r)
	if err := s.rdb.Set(ctx, keyPrefix+r.Currency, b, s.ttl).Err(); err != nil {
		s.log.Warn("rate cache write failed", zap.String("currency", r.Currency), zap.Error(err))
	}
}

// ToDisplay converte unidades mínimas da moeda base para a moeda de exibição (2 casas)
func (s *Service) ToDisplay(ctx context.Context, baseAmount int64, cur string) (decimal.Decimal, error) {
	r, err := s.Rate(ctx, cur)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromInt(baseAmount).Div(minorUnits).Mul(r.RateFromBase).Round(2), nil
}

// ToBase é o inverso de ToDisplay; usado apenas para verificar preços reportados
func (s *Service) ToBase(ctx context.Context, display decimal.Decimal, cur string) (int64, error) {
	r, err := s.Rate(ctx, cur)
	if err != nil {
		return 0, err
	}
	return display.Div(r.RateFromBase).Mul(minorUnits).Round(0).IntPart(), nil
}

// VerifyPrice confere se o valor reportado pelo cliente bate com o preço em moeda
// base dentro da tolerância. Não altera o valor creditado.
func (s *Service) VerifyPrice(ctx context.Context, expectedBase int64, reported decimal.Decimal, cur string) error {
	if expectedBase <= 0 {
		return bizerr.Invalid("expected amount must be positive")
	}
	reportedBase, err := s.ToBase(ctx, reported, cur)
	if err != nil {
		return err
	}
	expected := decimal.NewFromInt(expectedBase)
	diff := decimal.NewFromInt(reportedBase).Sub(expected).Abs()
	if diff.Div(expected).GreaterThan(s.tolerance) {
		s.log.Warn("reported price mismatch",
			zap.Int64("expected_base", expectedBase),
			zap.Int64("reported_base", reportedBase),
			zap.String("reported", reported.String()),
			zap.String("currency", cur))
		return bizerr.New(bizerr.PriceMismatch, "reported price does not match", map[string]any{
			"expected_base": expectedBase,
			"reported_base": reportedBase,
			"currency":      strings.ToUpper(cur),
		})
	}
	return nil
}

// Format renderiza o valor na moeda preferida do usuário; sem cotação, cai na moeda base
func (s *Service) Format(ctx context.Context, baseAmount int64, userID string) string {
	cur := s.base
	if s.prefs != nil && userID != "" {
		c, err := s.prefs.DisplayCurrency(ctx, userID)
		if err != nil {
			s.log.Warn("display preference lookup failed", zap.String("userId", userID), zap.Error(err))
		} else if c != "" {
			cur = strings.ToUpper(c)
		}
	}
	v, err := s.ToDisplay(ctx, baseAmount, cur)
	if err != nil {
		cur = s.base
		v = decimal.NewFromInt(baseAmount).Div(minorUnits)
	}
	return v.StringFixed(2) + " " + cur
}
