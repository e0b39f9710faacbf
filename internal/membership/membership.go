// Package membership resolve as capacidades do plano de assinatura de um usuário.
package membership

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type Tier string

const (
	TierFree     Tier = "free"
	TierStarter  Tier = "starter"
	TierPro      Tier = "pro"
	TierPlatinum Tier = "platinum"
)

// Capabilities consultadas pelo avaliador de limites e pela máquina de ofertas
type Capabilities struct {
	Tier            Tier          `json:"tier"`
	Paid            bool          `json:"paid"`
	BaseDailyQuota  int           `json:"base_daily_quota"`
	QuotaMultiplier float64       `json:"quota_multiplier"`
	MinOfferAmount  int64         `json:"min_offer_amount"`
	MaxOfferAmount  int64         `json:"max_offer_amount"`
	EscrowHold      time.Duration `json:"escrow_hold"`
	FeeDiscountBps  int64         `json:"fee_discount_bps"` // desconto sobre a taxa da plataforma
}

// DefaultCatalog: valores em unidades mínimas da moeda base
var DefaultCatalog = map[Tier]Capabilities{
	TierFree: {
		Tier: TierFree, BaseDailyQuota: 3, QuotaMultiplier: 1.0,
		MinOfferAmount: 10, MaxOfferAmount: 500, EscrowHold: 24 * time.Hour,
	},
	TierStarter: {
		Tier: TierStarter, Paid: true, BaseDailyQuota: 10, QuotaMultiplier: 1.0,
		MinOfferAmount: 10, MaxOfferAmount: 2000, EscrowHold: 24 * time.Hour,
	},
	TierPro: {
		Tier: TierPro, Paid: true, BaseDailyQuota: 25, QuotaMultiplier: 1.0,
		MinOfferAmount: 10, MaxOfferAmount: 10000, EscrowHold: 24 * time.Hour, FeeDiscountBps: 1000,
	},
	TierPlatinum: {
		Tier: TierPlatinum, Paid: true, BaseDailyQuota: 50, QuotaMultiplier: 1.0,
		MinOfferAmount: 10, MaxOfferAmount: 50000, EscrowHold: 24 * time.Hour, FeeDiscountBps: 2000,
	},
}

type Subscription struct {
	UserID    string
	Tier      Tier
	ExpiresAt *time.Time // nil = sem vencimento
}

type SubscriptionStore interface {
	Subscription(ctx context.Context, userID string) (Subscription, bool, error)
}

type Resolver struct {
	log     *zap.Logger
	store   SubscriptionStore
	catalog map[Tier]Capabilities
	now     func() time.Time
}

func NewResolver(log *zap.Logger, store SubscriptionStore, catalog map[Tier]Capabilities) *Resolver {
	if catalog == nil {
		catalog = DefaultCatalog
	}
	return &Resolver{log: log, store: store, catalog: catalog, now: time.Now}
}

// Resolve devolve as capacidades do plano vigente; sem assinatura, vencida ou
// com plano desconhecido cai no free
func (r *Resolver) Resolve(ctx context.Context, userID string) (Capabilities, error) {
	sub, found, err := r.store.Subscription(ctx, userID)
	if err != nil {
		return Capabilities{}, err
	}
	if !found || (sub.ExpiresAt != nil && !sub.ExpiresAt.After(r.now())) {
		return r.catalog[TierFree], nil
	}
	caps, ok := r.catalog[sub.Tier]
	if !ok {
		r.log.Warn("unknown membership tier", zap.String("userId", userID), zap.String("tier", string(sub.Tier)))
		return r.catalog[TierFree], nil
	}
	return caps, nil
}
