package currency

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Rate é um fator multiplicativo da moeda base para a moeda de exibição
type Rate struct {
	Currency     string          `json:"currency"`
	RateFromBase decimal.Decimal `json:"rate_from_base"`
	FetchedAt    time.Time       `json:"fetched_at"`
	Source       string          `json:"source"`
}

type RateSource interface {
	Fetch(ctx context.Context, base, currency string) (Rate, error)
}

// HTTPRateSource consulta um provedor no formato
// GET {BaseURL}/latest?base=TRY&symbols=USD -> {"base":"TRY","rates":{"USD":0.031}}
type HTTPRateSource struct {
	BaseURL string
	HTTP    *http.Client
}

func NewHTTPRateSource(base string) *HTTPRateSource {
	return &HTTPRateSource{
		BaseURL: strings.TrimRight(base, "/"),
		HTTP:    &http.Client{Timeout: 2 * time.Second},
	}
}

type latestResponse struct {
	Base  string                     `json:"base"`
	Rates map[string]decimal.Decimal `json:"rates"`
}

func (s *HTTPRateSource) Fetch(ctx context.Context, base, cur string) (Rate, error) {
	q := url.Values{"base": {base}, "symbols": {cur}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+"/latest?"+q.Encode(), nil)
	if err != nil {
		return Rate{}, err
	}
	res, err := s.HTTP.Do(req)
	if err != nil {
		return Rate{}, err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return Rate{}, fmt.Errorf("rates http %d", res.StatusCode)
	}
	var out latestResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return Rate{}, fmt.Errorf("decode rates: %w", err)
	}
	r, ok := out.Rates[cur]
	if !ok || !r.IsPositive() {
		return Rate{}, fmt.Errorf("rate for %s missing in response", cur)
	}
	return Rate{Currency: cur, RateFromBase: r, FetchedAt: time.Now().UTC(), Source: s.BaseURL}, nil
}
