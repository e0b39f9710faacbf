package priority

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/radieske/lvnd-offer-ledger/internal/membership"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		offered   int64
		requested int64
		tier      membership.Tier
		want      Level
		sound     string
	}{
		{"platinum 20% above", 240, 200, membership.TierPlatinum, Critical, "liquid_shine"},
		{"platinum just below 20%", 239, 200, membership.TierPlatinum, Low, "default"},
		{"platinum 30% above", 260, 200, membership.TierPlatinum, Critical, "liquid_shine"},
		{"pro 50% above", 300, 200, membership.TierPro, High, "premium_offer"},
		{"pro 40% above", 280, 200, membership.TierPro, Normal, "gift_received"},
		{"free 25% above", 250, 200, membership.TierFree, Normal, "gift_received"},
		{"starter 24% above", 248, 200, membership.TierStarter, Low, "default"},
		{"no requested amount", 500, 0, membership.TierPlatinum, Low, "default"},
		{"unknown tier", 300, 200, membership.Tier("gold"), Normal, "gift_received"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.offered, tc.requested, tc.tier)
			assert.Equal(t, tc.want, got.Priority)
			assert.Equal(t, tc.sound, got.Sound)
			assert.Equal(t, tc.want == Critical || tc.want == High, got.Irresistible)
		})
	}
}

func TestClassifyScore(t *testing.T) {
	got := Classify(300, 200, membership.TierPro)
	assert.Equal(t, 1.5, got.ValueRatio)
	assert.Equal(t, 97.5, got.Score)
	assert.Equal(t, "Premium subscriber offered 3.00", got.Recommendation)

	capped := Classify(1000, 200, membership.TierPlatinum)
	assert.Equal(t, float64(100), capped.Score)
	assert.Equal(t, "High value platinum offer, 400% above the request", capped.Recommendation)
}

func TestAnalyzeCachesInRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	a := NewAnalyzer(zap.NewNop(), rdb)
	ctx := context.Background()

	first := a.Analyze(ctx, 300, 200, membership.TierPro)
	assert.Equal(t, High, first.Priority)

	key := "offer_analysis:pro:300:200"
	require.True(t, mr.Exists(key))
	assert.Equal(t, 5*time.Minute, mr.TTL(key))

	// leitura seguinte vem do cache
	require.NoError(t, mr.Set(key, `{"priority":"critical","offerScore":1}`))
	mr.SetTTL(key, 5*time.Minute)
	assert.Equal(t, Critical, a.Analyze(ctx, 300, 200, membership.TierPro).Priority)

	mr.FastForward(6 * time.Minute)
	assert.Equal(t, High, a.Analyze(ctx, 300, 200, membership.TierPro).Priority)
}

func TestAnalyzeWithoutRedis(t *testing.T) {
	a := NewAnalyzer(zap.NewNop(), nil)
	assert.Equal(t, Low, a.Analyze(context.Background(), 200, 200, membership.TierFree).Priority)
}

func TestAnalyzeSurvivesRedisOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	mr.Close()

	a := NewAnalyzer(zap.NewNop(), rdb)
	assert.Equal(t, Normal, a.Analyze(context.Background(), 250, 200, membership.TierFree).Priority)
}
