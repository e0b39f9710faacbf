package risk

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Scores vêm do serviço externo de trust scoring (0..1)
type Scores struct {
	Trust float64
	Risk  float64
}

type TrustScorer interface {
	Scores(ctx context.Context, userID string) (Scores, error)
}

// StaticScorer devolve valores configurados para todos os usuários.
// Placeholder até existir integração com o serviço de trust scoring.
type StaticScorer struct {
	Trust float64
	Risk  float64
}

func (s StaticScorer) Scores(context.Context, string) (Scores, error) {
	return Scores{Trust: s.Trust, Risk: s.Risk}, nil
}

type CeilingSource interface {
	Ceiling(ctx context.Context) float64
}

// FixedCeiling é o teto vindo da configuração
type FixedCeiling float64

func (f FixedCeiling) Ceiling(context.Context) float64 { return float64(f) }

// DefaultCeilingKey permite ajustar o teto em produção sem deploy:
//
//	SET risk:pressure_ceiling 3.0
const DefaultCeilingKey = "risk:pressure_ceiling"

// RedisCeiling lê o teto do Redis; ausente, inválido ou com erro usa o default
type RedisCeiling struct {
	rdb *redis.Client
	key string
	def float64
	log *zap.Logger
}

func NewRedisCeiling(log *zap.Logger, rdb *redis.Client, key string, def float64) *RedisCeiling {
	if key == "" {
		key = DefaultCeilingKey
	}
	return &RedisCeiling{rdb: rdb, key: key, def: def, log: log}
}

func (c *RedisCeiling) Ceiling(ctx context.Context) float64 {
	v, err := c.rdb.Get(ctx, c.key).Result()
	if err == redis.Nil {
		return c.def
	}
	if err != nil {
		c.log.Warn("pressure ceiling lookup failed", zap.Error(err))
		return c.def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		c.log.Warn("invalid pressure ceiling override", zap.String("value", v))
		return c.def
	}
	return f
}
