package currency

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/radieske/lvnd-offer-ledger/internal/ledger"
	"github.com/radieske/lvnd-offer-ledger/internal/shared/bizerr"
)

type stubSource struct {
	rates map[string]decimal.Decimal
	fail  atomic.Bool
	calls atomic.Int32
}

func (s *stubSource) Fetch(_ context.Context, _ string, cur string) (Rate, error) {
	s.calls.Add(1)
	if s.fail.Load() {
		return Rate{}, errors.New("provider down")
	}
	r, ok := s.rates[cur]
	if !ok {
		return Rate{}, errors.New("unknown currency")
	}
	return Rate{Currency: cur, RateFromBase: r, FetchedAt: time.Now().UTC(), Source: "stub"}, nil
}

func newRedisService(t *testing.T, src RateSource, prefs Preferences) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewService(zap.NewNop(), rdb, src, prefs, "try", time.Hour, 0.02), mr
}

func TestConversions(t *testing.T) {
	src := &stubSource{rates: map[string]decimal.Decimal{"USD": decimal.RequireFromString("0.05")}}
	svc, _ := newRedisService(t, src, nil)
	ctx := context.Background()

	d, err := svc.ToDisplay(ctx, 20000, "usd")
	require.NoError(t, err)
	assert.Equal(t, "10.00", d.StringFixed(2))

	d, err = svc.ToDisplay(ctx, 20000, "TRY")
	require.NoError(t, err)
	assert.Equal(t, "200.00", d.StringFixed(2), "base currency is the identity")

	b, err := svc.ToBase(ctx, decimal.RequireFromString("10.00"), "USD")
	require.NoError(t, err)
	assert.Equal(t, int64(20000), b)

	assert.Equal(t, int32(1), src.calls.Load(), "second lookup served from redis")
}

func TestVerifyPrice(t *testing.T) {
	src := &stubSource{rates: map[string]decimal.Decimal{"USD": decimal.RequireFromString("0.05")}}
	svc, _ := newRedisService(t, src, nil)
	ctx := context.Background()

	assert.NoError(t, svc.VerifyPrice(ctx, 20000, decimal.RequireFromString("10.10"), "USD"))
	assert.NoError(t, svc.VerifyPrice(ctx, 20000, decimal.RequireFromString("200"), "TRY"))

	err := svc.VerifyPrice(ctx, 20000, decimal.RequireFromString("10.50"), "USD")
	e, ok := bizerr.As(err)
	require.True(t, ok)
	assert.Equal(t, bizerr.PriceMismatch, e.Code)
	assert.Equal(t, int64(21000), e.Details["reported_base"])

	err = svc.VerifyPrice(ctx, 20000, decimal.RequireFromString("10"), "EUR")
	assert.True(t, bizerr.HasCode(err, bizerr.RateUnavailable))
}

func TestRateFallsBackToLastKnown(t *testing.T) {
	src := &stubSource{rates: map[string]decimal.Decimal{"EUR": decimal.RequireFromString("0.028")}}
	svc, mr := newRedisService(t, src, nil)
	ctx := context.Background()

	_, err := svc.Rate(ctx, "EUR")
	require.NoError(t, err)

	mr.FastForward(2 * time.Hour)
	src.fail.Store(true)

	r, err := svc.Rate(ctx, "EUR")
	require.NoError(t, err)
	assert.True(t, r.RateFromBase.Equal(decimal.RequireFromString("0.028")))
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestInProcessCacheWithoutRedis(t *testing.T) {
	src := &stubSource{rates: map[string]decimal.Decimal{"USD": decimal.RequireFromString("0.05")}}
	svc := NewService(zap.NewNop(), nil, src, nil, "TRY", time.Hour, 0.02)
	now := time.Now()
	svc.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := svc.Rate(ctx, "USD")
	require.NoError(t, err)
	_, err = svc.Rate(ctx, "USD")
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.calls.Load())

	svc.now = func() time.Time { return now.Add(2 * time.Hour) }
	_, err = svc.Rate(ctx, "USD")
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.calls.Load(), "expired entry is refreshed")
}

func TestFormat(t *testing.T) {
	src := &stubSource{rates: map[string]decimal.Decimal{"USD": decimal.RequireFromString("0.05")}}
	prefs := NewMemoryPreferences()
	require.NoError(t, prefs.SetDisplayCurrency(context.Background(), "alice", "usd"))
	require.NoError(t, prefs.SetDisplayCurrency(context.Background(), "bob", "gbp"))
	svc, _ := newRedisService(t, src, prefs)
	ctx := context.Background()

	assert.Equal(t, "10.00 USD", svc.Format(ctx, 20000, "alice"))
	assert.Equal(t, "200.00 TRY", svc.Format(ctx, 20000, "bob"), "missing rate falls back to base")
	assert.Equal(t, "200.00 TRY", svc.Format(ctx, 20000, "carol"))
}

func TestRateChangesNeverTouchSettlement(t *testing.T) {
	src := &stubSource{rates: map[string]decimal.Decimal{"USD": decimal.RequireFromString("0.05")}}
	prefs := NewMemoryPreferences()
	require.NoError(t, prefs.SetDisplayCurrency(context.Background(), "alice", "USD"))
	svc, mr := newRedisService(t, src, prefs)
	ctx := context.Background()

	l := ledger.NewMemory()
	_, err := l.Credit(ctx, ledger.Entry{UserID: "alice", Amount: 1000, Kind: ledger.KindPurchase, ReferenceID: "p1", IdempotencyKey: "k1"})
	require.NoError(t, err)
	before, _ := l.GetBalance(ctx, "alice")
	txsBefore, _ := l.Transactions(ctx, "alice", 10)

	assert.Equal(t, "0.50 USD", svc.Format(ctx, before.Available, "alice"))
	mr.FlushAll()
	src.rates["USD"] = decimal.RequireFromString("0.10")
	assert.Equal(t, "1.00 USD", svc.Format(ctx, before.Available, "alice"))

	after, _ := l.GetBalance(ctx, "alice")
	txsAfter, _ := l.Transactions(ctx, "alice", 10)
	assert.Equal(t, before.Available, after.Available)
	assert.Equal(t, txsBefore, txsAfter)
}

func TestHTTPRateSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/latest", r.URL.Path)
		assert.Equal(t, "TRY", r.URL.Query().Get("base"))
		if r.URL.Query().Get("symbols") == "XXX" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"base":"TRY","rates":{"USD":0.031}}`))
	}))
	defer srv.Close()

	src := NewHTTPRateSource(srv.URL + "/")
	r, err := src.Fetch(context.Background(), "TRY", "USD")
	require.NoError(t, err)
	assert.Equal(t, "USD", r.Currency)
	assert.True(t, r.RateFromBase.Equal(decimal.RequireFromString("0.031")))

	_, err = src.Fetch(context.Background(), "TRY", "XXX")
	assert.Error(t, err)
}
