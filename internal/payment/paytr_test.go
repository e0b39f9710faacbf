package payment

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/radieske/lvnd-offer-ledger/internal/currency"
	"github.com/radieske/lvnd-offer-ledger/internal/ledger"
	"github.com/radieske/lvnd-offer-ledger/internal/shared/bizerr"
)

type noRates struct{}

func (noRates) Fetch(context.Context, string, string) (currency.Rate, error) {
	return currency.Rate{}, errors.New("provider down")
}

type flakyStore struct {
	Store
	failPaid bool
}

func (f *flakyStore) MarkPaid(ctx context.Context, oid string, at time.Time) error {
	if f.failPaid {
		return errors.New("connection reset")
	}
	return f.Store.MarkPaid(ctx, oid, at)
}

type harness struct {
	proc   *Processor
	store  *Memory
	ledger *ledger.Memory
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := NewMemory()
	require.NoError(t, store.Create(context.Background(), Order{
		MerchantOID: "ord1", UserID: "alice", AmountBase: 10000, Currency: "TRY",
		DisplayAmount: decimal.RequireFromString("100.00"),
	}))
	l := ledger.NewMemory()
	fx := currency.NewService(zap.NewNop(), nil, noRates{}, nil, "TRY", time.Hour, 0.02)
	return &harness{
		proc:   NewProcessor(zap.NewNop(), store, l, fx, "merchant-key", "merchant-salt"),
		store:  store,
		ledger: l,
	}
}

func (h *harness) callback(oid, status, total, cur string) Callback {
	return Callback{
		MerchantOID: oid, Status: status, TotalAmount: total, Currency: cur,
		Hash: h.proc.Sign(oid, status, total),
	}
}

func TestParseCallback(t *testing.T) {
	form := url.Values{
		"merchant_oid": {"ord1"}, "status": {"success"}, "total_amount": {"10000"},
		"hash": {"abc"}, "currency": {"TL"},
	}
	cb := ParseCallback(form)
	assert.Equal(t, Callback{MerchantOID: "ord1", Status: "success", TotalAmount: "10000", Hash: "abc", Currency: "TL"}, cb)
}

func TestSignatureVerification(t *testing.T) {
	h := newHarness(t)
	cb := h.callback("ord1", "success", "10000", "TL")
	assert.True(t, h.proc.Verify(cb))

	tampered := cb
	tampered.TotalAmount = "20000"
	assert.False(t, h.proc.Verify(tampered))

	_, err := h.proc.Handle(context.Background(), tampered)
	assert.True(t, bizerr.HasCode(err, bizerr.InvalidSignature))

	bal, err := h.ledger.GetBalance(context.Background(), "alice")
	require.NoError(t, err)
	assert.Zero(t, bal.Available)
}

func TestUnconfiguredMerchantRefusesEveryCallback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, creds := range [][2]string{{"", ""}, {"merchant-key", ""}, {"", "merchant-salt"}} {
		proc := NewProcessor(zap.NewNop(), h.store, h.ledger, h.proc.prices, creds[0], creds[1])
		cb := Callback{MerchantOID: "ord1", Status: "success", TotalAmount: "10000", Currency: "TL"}
		cb.Hash = proc.Sign(cb.MerchantOID, cb.Status, cb.TotalAmount)

		assert.False(t, proc.Verify(cb))
		_, err := proc.Handle(ctx, cb)
		assert.True(t, bizerr.HasCode(err, bizerr.InvalidSignature), "key=%q salt=%q", creds[0], creds[1])
	}

	bal, err := h.ledger.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, bal.Available)
	order, err := h.store.Get(ctx, "ord1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, order.Status)
}

func TestSuccessCreditsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cb := h.callback("ord1", "success", "10000", "TL")

	out, err := h.proc.Handle(ctx, cb)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCredited, out)

	out, err = h.proc.Handle(ctx, cb)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyCredited, out)

	bal, err := h.ledger.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), bal.Available)

	tx, found, err := h.ledger.Lookup(ctx, "paytr:ord1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ledger.KindPurchase, tx.Kind)

	order, err := h.store.Get(ctx, "ord1")
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, order.Status)
	assert.NotNil(t, order.PaidAt)
}

func TestPriceMismatchHoldsOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	out, err := h.proc.Handle(ctx, h.callback("ord1", "success", "5000", "TL"))
	require.NoError(t, err)
	assert.Equal(t, OutcomePriceMismatch, out)

	order, err := h.store.Get(ctx, "ord1")
	require.NoError(t, err)
	assert.Equal(t, StatusReview, order.Status)

	bal, err := h.ledger.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, bal.Available)
}

func TestMissingRateSkipsVerification(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	out, err := h.proc.Handle(ctx, h.callback("ord1", "success", "250", "USD"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCredited, out)

	bal, err := h.ledger.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), bal.Available, "credited amount is the order price")
}

func TestFailedPaymentAndUnknownOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	out, err := h.proc.Handle(ctx, h.callback("ord1", "failed", "10000", "TL"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, out)
	order, err := h.store.Get(ctx, "ord1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, order.Status)

	out, err = h.proc.Handle(ctx, h.callback("ghost", "success", "10000", "TL"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownOrder, out)
}

func TestRedeliveryAfterStoreFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	flaky := &flakyStore{Store: h.store, failPaid: true}
	h.proc.store = flaky
	cb := h.callback("ord1", "success", "10000", "TL")

	_, err := h.proc.Handle(ctx, cb)
	require.Error(t, err)
	_, isBiz := bizerr.As(err)
	assert.False(t, isBiz)

	flaky.failPaid = false
	out, err := h.proc.Handle(ctx, cb)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyCredited, out)

	bal, err := h.ledger.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), bal.Available)
}
