// Package payment processa o callback de liquidação do PAYTR: verifica a
// assinatura e credita a compra de LVND exatamente uma vez.
package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/radieske/lvnd-offer-ledger/internal/ledger"
	"github.com/radieske/lvnd-offer-ledger/internal/shared/bizerr"
)

var callbacks = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lvnd_paytr_callbacks_total",
	Help: "PAYTR callbacks by outcome",
}, []string{"outcome"})

type Outcome string

const (
	OutcomeCredited        Outcome = "credited"
	OutcomeAlreadyCredited Outcome = "already_credited"
	OutcomeFailed          Outcome = "failed"
	OutcomeUnknownOrder    Outcome = "unknown_order"
	OutcomePriceMismatch   Outcome = "price_mismatch"
)

// Callback são os campos do POST form enviado pelo PAYTR
type Callback struct {
	MerchantOID string
	Status      string // "success" | "failed"
	TotalAmount string // em unidades mínimas (kuruş)
	Hash        string
	Currency    string
}

func ParseCallback(form url.Values) Callback {
	return Callback{
		MerchantOID: form.Get("merchant_oid"),
		Status:      form.Get("status"),
		TotalAmount: form.Get("total_amount"),
		Hash:        form.Get("hash"),
		Currency:    form.Get("currency"),
	}
}

type Crediter interface {
	Credit(ctx context.Context, e ledger.Entry) (ledger.Result, error)
}

type PriceVerifier interface {
	VerifyPrice(ctx context.Context, expectedBase int64, reported decimal.Decimal, currency string) error
}

type Processor struct {
	log    *zap.Logger
	store  Store
	ledger Crediter
	prices PriceVerifier
	key    []byte
	salt   string
	now    func() time.Time
}

func NewProcessor(log *zap.Logger, store Store, l Crediter, prices PriceVerifier, merchantKey, merchantSalt string) *Processor {
	return &Processor{
		log:    log,
		store:  store,
		ledger: l,
		prices: prices,
		key:    []byte(merchantKey),
		salt:   merchantSalt,
		now:    time.Now,
	}
}

// Sign = base64(HMAC-SHA256(merchant_key, merchant_oid + merchant_salt + status + total_amount))
func (p *Processor) Sign(oid, status, totalAmount string) string {
	mac := hmac.New(sha256.New, p.key)
	mac.Write([]byte(oid + p.salt + status + totalAmount))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify confere o hash do callback. Sem chave e salt configurados nada é aceito.
func (p *Processor) Verify(cb Callback) bool {
	if len(p.key) == 0 || p.salt == "" {
		return false
	}
	if cb.MerchantOID == "" || cb.Hash == "" {
		return false
	}
	want := p.Sign(cb.MerchantOID, cb.Status, cb.TotalAmount)
	return hmac.Equal([]byte(want), []byte(cb.Hash))
}

func IdempotencyKey(oid string) string { return "paytr:" + oid }

// Handle processa uma entrega do callback. Qualquer retorno sem erro deve ser
// respondido com "OK" para o PAYTR parar de reenviar; erro de infraestrutura
// não responde OK e a entrega é repetida.
func (p *Processor) Handle(ctx context.Context, cb Callback) (Outcome, error) {
	if !p.Verify(cb) {
		callbacks.WithLabelValues("bad_hash").Inc()
		p.log.Warn("paytr callback with invalid hash", zap.String("merchantOid", cb.MerchantOID))
		return "", bizerr.New(bizerr.InvalidSignature, "invalid callback hash", nil)
	}
	outcome, err := p.handle(ctx, cb)
	if err != nil {
		callbacks.WithLabelValues("error").Inc()
		p.log.Error("paytr callback failed", zap.String("merchantOid", cb.MerchantOID), zap.Error(err))
		return "", err
	}
	callbacks.WithLabelValues(string(outcome)).Inc()
	p.log.Info("paytr callback",
		zap.String("merchantOid", cb.MerchantOID),
		zap.String("status", cb.Status),
		zap.String("totalAmount", cb.TotalAmount),
		zap.String("outcome", string(outcome)))
	return outcome, nil
}

func (p *Processor) handle(ctx context.Context, cb Callback) (Outcome, error) {
	order, err := p.store.Get(ctx, cb.MerchantOID)
	if errors.Is(err, ErrOrderNotFound) {
		return OutcomeUnknownOrder, nil
	}
	if err != nil {
		return "", err
	}

	if cb.Status != "success" {
		if order.Status == StatusPending {
			if err := p.store.SetStatus(ctx, order.MerchantOID, StatusFailed); err != nil {
				return "", err
			}
		}
		return OutcomeFailed, nil
	}

	if order.Status != StatusPaid {
		if out, ok := p.checkPrice(ctx, order, cb); !ok {
			if err := p.store.SetStatus(ctx, order.MerchantOID, StatusReview); err != nil {
				return "", err
			}
			return out, nil
		}
	}

	// o valor creditado é sempre o preço em moeda base do pedido, nunca o reportado
	res, err := p.ledger.Credit(ctx, ledger.Entry{
		UserID:         order.UserID,
		Amount:         order.AmountBase,
		Kind:           ledger.KindPurchase,
		ReferenceID:    order.MerchantOID,
		IdempotencyKey: IdempotencyKey(order.MerchantOID),
	})
	if err != nil {
		return "", err
	}
	if err := p.store.MarkPaid(ctx, order.MerchantOID, p.now()); err != nil {
		return "", err
	}
	if res.Replayed {
		return OutcomeAlreadyCredited, nil
	}
	return OutcomeCredited, nil
}

// checkPrice confere o total reportado; sem cotação a verificação é pulada
func (p *Processor) checkPrice(ctx context.Context, order Order, cb Callback) (Outcome, bool) {
	total, err := decimal.NewFromString(cb.TotalAmount)
	if err != nil {
		p.log.Error("paytr total_amount not numeric", zap.String("merchantOid", cb.MerchantOID), zap.String("totalAmount", cb.TotalAmount))
		return OutcomePriceMismatch, false
	}
	cur := normalizeCurrency(cb.Currency)
	if cur == "" {
		cur = order.Currency
	}
	err = p.prices.VerifyPrice(ctx, order.AmountBase, total.Div(decimal.NewFromInt(100)), cur)
	switch {
	case err == nil:
		return "", true
	case bizerr.HasCode(err, bizerr.RateUnavailable):
		p.log.Warn("price verification skipped, rate unavailable",
			zap.String("merchantOid", cb.MerchantOID), zap.String("currency", cur))
		return "", true
	case bizerr.HasCode(err, bizerr.PriceMismatch):
		p.log.Error("paytr price mismatch, order held for review",
			zap.String("merchantOid", cb.MerchantOID),
			zap.Int64("amountBase", order.AmountBase),
			zap.String("totalAmount", cb.TotalAmount),
			zap.String("currency", cur))
		return OutcomePriceMismatch, false
	default:
		p.log.Warn("price verification failed", zap.String("merchantOid", cb.MerchantOID), zap.Error(err))
		return "", true
	}
}

// PAYTR usa "TL" para a lira turca
func normalizeCurrency(c string) string {
	c = strings.ToUpper(strings.TrimSpace(c))
	if c == "TL" {
		return "TRY"
	}
	return c
}
