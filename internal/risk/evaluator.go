// Package risk calcula limites diários, faixa de valores, cooldown e o índice de
// pressão usado para bloquear ofertas abusivas. É uma heurística anti-manipulação,
// não uma barreira de segurança.
package risk

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/radieske/lvnd-offer-ledger/internal/ledger"
	"github.com/radieske/lvnd-offer-ledger/internal/membership"
	"github.com/radieske/lvnd-offer-ledger/internal/shared/bizerr"
)

// Stage é o estágio do relacionamento entre remetente e receptor
type Stage string

const (
	StageFirstContact Stage = "first_contact"
	StageMessaging    Stage = "messaging"
	StageVoiceCall    Stage = "voice_call"
	StageVideoCall    Stage = "video_call"
	StageMeetup       Stage = "meetup"
)

// multiplicadores decrescem conforme o relacionamento avança
var stageMultipliers = map[Stage]float64{
	StageFirstContact: 1.5,
	StageMessaging:    1.2,
	StageVoiceCall:    1.0,
	StageVideoCall:    0.8,
	StageMeetup:       0.6,
}

func (s Stage) Valid() bool {
	_, ok := stageMultipliers[s]
	return ok
}

func (s Stage) Multiplier() float64 {
	if m, ok := stageMultipliers[s]; ok {
		return m
	}
	return stageMultipliers[StageFirstContact]
}

// janela usada para contar recusas recentes
const declineWindow = 7 * 24 * time.Hour

type BalanceReader interface {
	GetBalance(ctx context.Context, userID string) (ledger.Balance, error)
}

type TierResolver interface {
	Resolve(ctx context.Context, userID string) (membership.Capabilities, error)
}

// History é o histórico de ofertas enviadas pelo usuário
type History interface {
	SentSince(ctx context.Context, userID string, since time.Time) (int, error)
	// DeclinedSince conta ofertas enviadas pelo usuário que foram recusadas
	DeclinedSince(ctx context.Context, userID string, since time.Time) (int, error)
}

type Limits struct {
	Tier           membership.Tier `json:"tier"`
	MaxPerDay      int             `json:"max_per_day"`
	RemainingToday int             `json:"remaining_today"`
	MinAmount      int64           `json:"min_amount"`
	MaxAmount      int64           `json:"max_amount"`
	CooldownHours  float64         `json:"cooldown_hours"`
	CanCounter     bool            `json:"can_counter"`

	SentToday int                     `json:"-"`
	Caps      membership.Capabilities `json:"-"`
}

// Assessment é o resultado da validação de uma nova oferta
type Assessment struct {
	Limits   Limits
	Pressure float64
	Ceiling  float64
}

type Evaluator struct {
	log           *zap.Logger
	tiers         TierResolver
	balances      BalanceReader
	history       History
	scorer        TrustScorer
	ceiling       CeilingSource
	riskThreshold float64
	now           func() time.Time
}

func NewEvaluator(log *zap.Logger, tiers TierResolver, balances BalanceReader, history History,
	scorer TrustScorer, ceiling CeilingSource, riskThreshold float64) *Evaluator {
	return &Evaluator{
		log:           log,
		tiers:         tiers,
		balances:      balances,
		history:       history,
		scorer:        scorer,
		ceiling:       ceiling,
		riskThreshold: riskThreshold,
		now:           time.Now,
	}
}

// TrustMultiplier: >=0.8 ×1.0, >=0.6 ×0.8, senão ×0.5
func TrustMultiplier(trust float64) float64 {
	switch {
	case trust >= 0.8:
		return 1.0
	case trust >= 0.6:
		return 0.8
	default:
		return 0.5
	}
}

// CooldownHours cresce com o número de recusas recentes
func CooldownHours(declines int) float64 {
	switch {
	case declines >= 5:
		return 2
	case declines >= 3:
		return 1
	default:
		return 0.5
	}
}

// ComputePressure = (amount / available) × multiplicador do estágio × (1 + min(1, hoje/3) × 0.5)
func ComputePressure(amount, available int64, stage Stage, todaysOffers int) float64 {
	if available <= 0 {
		return math.Inf(1)
	}
	frequency := 1 + math.Min(1, float64(todaysOffers)/3)*0.5
	return float64(amount) / float64(available) * stage.Multiplier() * frequency
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (e *Evaluator) GetLimits(ctx context.Context, userID string) (Limits, error) {
	caps, err := e.tiers.Resolve(ctx, userID)
	if err != nil {
		return Limits{}, err
	}
	scores, err := e.scorer.Scores(ctx, userID)
	if err != nil {
		return Limits{}, err
	}
	now := e.now()
	sent, err := e.history.SentSince(ctx, userID, startOfDay(now))
	if err != nil {
		return Limits{}, err
	}
	declines, err := e.history.DeclinedSince(ctx, userID, now.Add(-declineWindow))
	if err != nil {
		return Limits{}, err
	}

	quota := float64(caps.BaseDailyQuota) * caps.QuotaMultiplier
	maxPerDay := int(math.Floor(quota * TrustMultiplier(scores.Trust)))
	remaining := maxPerDay - sent
	if remaining < 0 {
		remaining = 0
	}

	return Limits{
		Tier:           caps.Tier,
		MaxPerDay:      maxPerDay,
		RemainingToday: remaining,
		MinAmount:      caps.MinOfferAmount,
		MaxAmount:      caps.MaxOfferAmount,
		CooldownHours:  CooldownHours(declines),
		CanCounter:     scores.Risk < e.riskThreshold && caps.Paid,
		SentToday:      sent,
		Caps:           caps,
	}, nil
}

func (e *Evaluator) PressureIndex(ctx context.Context, userID string, amount int64, stage Stage) (float64, error) {
	bal, err := e.balances.GetBalance(ctx, userID)
	if err != nil {
		return 0, err
	}
	sent, err := e.history.SentSince(ctx, userID, startOfDay(e.now()))
	if err != nil {
		return 0, err
	}
	return ComputePressure(amount, bal.Available, stage, sent), nil
}

// CheckCreate valida uma nova oferta antes de qualquer mutação.
// Ordem: cota diária, faixa de valor, saldo, índice de pressão.
func (e *Evaluator) CheckCreate(ctx context.Context, userID string, amount int64, stage Stage) (Assessment, error) {
	limits, err := e.GetLimits(ctx, userID)
	if err != nil {
		return Assessment{}, err
	}
	if limits.RemainingToday <= 0 {
		return Assessment{Limits: limits}, bizerr.DailyLimit(limits.MaxPerDay, limits.RemainingToday)
	}
	if amount < limits.MinAmount || amount > limits.MaxAmount {
		return Assessment{Limits: limits}, bizerr.OutOfRange(amount, limits.MinAmount, limits.MaxAmount)
	}

	bal, err := e.balances.GetBalance(ctx, userID)
	if err != nil {
		return Assessment{}, err
	}
	// pré-checagem para a UI; o débito no ledger continua sendo a fonte da verdade
	if bal.Available < amount {
		return Assessment{Limits: limits}, bizerr.Insufficient(amount, bal.Available)
	}

	pressure := ComputePressure(amount, bal.Available, stage, limits.SentToday)
	ceiling := e.ceiling.Ceiling(ctx)
	a := Assessment{Limits: limits, Pressure: pressure, Ceiling: ceiling}
	if pressure > ceiling {
		e.log.Info("offer blocked by pressure index",
			zap.String("userId", userID),
			zap.Int64("amount", amount),
			zap.String("stage", string(stage)),
			zap.Float64("pressure", pressure),
			zap.Float64("ceiling", ceiling))
		return a, bizerr.Pressure(pressure, ceiling)
	}
	return a, nil
}
