// Package priority classifica uma oferta recebida para a notificação do
// receptor: plano do remetente × quanto a oferta supera o valor pedido.
package priority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/radieske/lvnd-offer-ledger/internal/membership"
)

type Level string

const (
	Low      Level = "low"
	Normal   Level = "normal"
	High     Level = "high"
	Critical Level = "critical"
)

var analyzed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lvnd_offer_priority_total",
	Help: "Received offers by notification priority",
}, []string{"priority"})

var tierMultiplier = map[membership.Tier]float64{
	membership.TierPlatinum: 1.5,
	membership.TierPro:      1.3,
	membership.TierStarter:  1.1,
	membership.TierFree:     1.0,
}

type Analysis struct {
	Priority       Level           `json:"priority"`
	Score          float64         `json:"offerScore"` // 0-100
	ValueRatio     float64         `json:"valueRatio"`
	Sound          string          `json:"notificationSound"`
	Recommendation string          `json:"recommendation"`
	SenderTier     membership.Tier `json:"senderTier"`
	Irresistible   bool            `json:"isIrresistible"`
}

// Analyzer guarda o resultado no Redis por alguns minutos; sem Redis calcula sempre
type Analyzer struct {
	log *zap.Logger
	rdb *redis.Client
	ttl time.Duration
}

func NewAnalyzer(log *zap.Logger, rdb *redis.Client) *Analyzer {
	return &Analyzer{log: log, rdb: rdb, ttl: 5 * time.Minute}
}

func cacheKey(tier membership.Tier, offered, requested int64) string {
	return fmt.Sprintf("offer_analysis:%s:%d:%d", tier, offered, requested)
}

// Analyze nunca falha: erro de cache só é logado
func (a *Analyzer) Analyze(ctx context.Context, offered, requested int64, tier membership.Tier) Analysis {
	key := cacheKey(tier, offered, requested)
	if a.rdb != nil {
		raw, err := a.rdb.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			var cached Analysis
			if json.Unmarshal(raw, &cached) == nil {
				analyzed.WithLabelValues(string(cached.Priority)).Inc()
				return cached
			}
		case !errors.Is(err, redis.Nil):
			a.log.Warn("offer analysis cache read failed", zap.String("key", key), zap.Error(err))
		}
	}

	res := Classify(offered, requested, tier)
	analyzed.WithLabelValues(string(res.Priority)).Inc()

	if a.rdb != nil {
		b, _ := json.Marshal(res)
		if err := a.rdb.Set(ctx, key, b, a.ttl).Err(); err != nil {
			a.log.Warn("offer analysis cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return res
}

// Classify aplica a regra de prioridade:
//   - platinum com 20%+ acima do pedido: critical
//   - pro/platinum com 50%+ acima: high
//   - qualquer plano com 25%+ acima: normal
//
// Sem valor pedido a razão é 1.
func Classify(offered, requested int64, tier membership.Tier) Analysis {
	ratio := 1.0
	if requested > 0 {
		ratio = float64(offered) / float64(requested)
	}
	mult, ok := tierMultiplier[tier]
	if !ok {
		mult = 1.0
	}
	base := math.Min(100, ratio*50)
	score := math.Min(100, base*mult)

	// limiares em inteiros para não depender de arredondamento de float
	above := func(pct int64) bool {
		if requested <= 0 {
			return pct <= 100
		}
		return offered*100 >= requested*pct
	}

	res := Analysis{
		Score:      math.Round(score*100) / 100,
		ValueRatio: math.Round(ratio*100) / 100,
		SenderTier: tier,
	}
	amount := decimal.New(offered, -2).StringFixed(2)
	switch {
	case tier == membership.TierPlatinum && above(120):
		res.Priority, res.Sound = Critical, "liquid_shine"
		res.Recommendation = fmt.Sprintf("High value platinum offer, %d%% above the request", int64(math.Round((ratio-1)*100)))
	case (tier == membership.TierPro || tier == membership.TierPlatinum) && above(150):
		res.Priority, res.Sound = High, "premium_offer"
		res.Recommendation = "Premium subscriber offered " + amount
	case above(125):
		res.Priority, res.Sound = Normal, "gift_received"
		res.Recommendation = "Offer above expectation: " + amount
	default:
		res.Priority, res.Sound = Low, "default"
		res.Recommendation = "New offer received: " + amount
	}
	res.Irresistible = res.Priority == Critical || res.Priority == High
	return res
}
