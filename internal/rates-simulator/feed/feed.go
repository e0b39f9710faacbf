// Package feed simula um provedor de câmbio para desenvolvimento local.
// Serve o mesmo formato consumido por currency.HTTPRateSource.
package feed

import (
	"encoding/json"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	rateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lvnd_ratesim_rate",
		Help: "Simulated rate from the base currency",
	}, []string{"currency"})

	quotesServed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lvnd_ratesim_quotes_served_total",
		Help: "Total de cotações servidas",
	})
)

// Cotações iniciais a partir de TRY
var DefaultSeed = map[string]decimal.Decimal{
	"USD": decimal.RequireFromString("0.031"),
	"EUR": decimal.RequireFromString("0.028"),
	"GBP": decimal.RequireFromString("0.024"),
}

type Feed struct {
	log   *zap.Logger
	base  string
	drift float64 // variação relativa máxima por tick

	mu        sync.RWMutex
	rates     map[string]decimal.Decimal
	version   int
	updatedAt time.Time
	rnd       *rand.Rand
}

func New(log *zap.Logger, base string, seed map[string]decimal.Decimal, drift float64, rnd *rand.Rand) *Feed {
	rates := make(map[string]decimal.Decimal, len(seed))
	for c, r := range seed {
		rates[strings.ToUpper(c)] = r
		rateGauge.WithLabelValues(strings.ToUpper(c)).Set(r.InexactFloat64())
	}
	return &Feed{
		log:       log,
		base:      strings.ToUpper(base),
		drift:     drift,
		rates:     rates,
		version:   1,
		updatedAt: time.Now().UTC(),
		rnd:       rnd,
	}
}

// Tick aplica um passeio aleatório em cada cotação
func (f *Feed) Tick() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c, r := range f.rates {
		step := (f.rnd.Float64()*2 - 1) * f.drift
		next := r.Mul(decimal.NewFromFloat(1 + step)).Round(6)
		if !next.IsPositive() {
			continue
		}
		f.rates[c] = next
		rateGauge.WithLabelValues(c).Set(next.InexactFloat64())
	}
	f.version++
	f.updatedAt = time.Now().UTC()
	f.log.Debug("rates tick", zap.Int("version", f.version))
}

type LatestResponse struct {
	Base      string                     `json:"base"`
	Rates     map[string]decimal.Decimal `json:"rates"`
	Version   int                        `json:"version"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

// Latest devolve as cotações pedidas; símbolos desconhecidos são omitidos
func (f *Feed) Latest(symbols []string) LatestResponse {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := LatestResponse{Base: f.base, Rates: map[string]decimal.Decimal{}, Version: f.version, UpdatedAt: f.updatedAt}
	if len(symbols) == 0 {
		for c, r := range f.rates {
			out.Rates[c] = r
		}
		return out
	}
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if r, ok := f.rates[s]; ok {
			out.Rates[s] = r
		}
	}
	return out
}

func (f *Feed) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/rates/latest", f.latest).Methods(http.MethodGet)
	return r
}

func (f *Feed) latest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if b := q.Get("base"); b != "" && !strings.EqualFold(b, f.base) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported base " + b})
		return
	}
	var symbols []string
	if s := q.Get("symbols"); s != "" {
		symbols = strings.Split(s, ",")
	}
	quotesServed.Inc()
	writeJSON(w, http.StatusOK, f.Latest(symbols))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
