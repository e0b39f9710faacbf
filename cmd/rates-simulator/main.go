package main

import (
	"context"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/radieske/lvnd-offer-ledger/internal/rates-simulator/feed"
	"github.com/radieske/lvnd-offer-ledger/internal/shared/config"
	"github.com/radieske/lvnd-offer-ledger/internal/shared/logger"
	"github.com/radieske/lvnd-offer-ledger/internal/shared/metrics"
)

func main() {
	cfg := config.Load()
	if cfg.ServiceName == "" {
		cfg.ServiceName = "rates-simulator"
	}
	log, err := logger.New(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	f := feed.New(log, cfg.BaseCurrency, feed.DefaultSeed, 0.005, rand.New(rand.NewSource(time.Now().UnixNano())))

	// Atualiza as cotações simuladas a cada 3 segundos
	go func() {
		ticker := time.NewTicker(3 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			f.Tick()
		}
	}()

	metrics.StartMetricsServer(cfg.MetricsPort, func(context.Context) error { return nil })

	addr := ":" + cfg.HTTPPort
	log.Info("rates simulator running", zap.String("addr", addr), zap.String("paths", "/rates/latest"))
	if err := http.ListenAndServe(addr, f.Router()); err != nil {
		log.Fatal("public server error", zap.Error(err))
	}
}
