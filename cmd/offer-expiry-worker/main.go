package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/radieske/lvnd-offer-ledger/internal/ledger"
	"github.com/radieske/lvnd-offer-ledger/internal/membership"
	"github.com/radieske/lvnd-offer-ledger/internal/notify"
	"github.com/radieske/lvnd-offer-ledger/internal/offer"
	"github.com/radieske/lvnd-offer-ledger/internal/offer-expiry/sweeper"
	"github.com/radieske/lvnd-offer-ledger/internal/risk"
	"github.com/radieske/lvnd-offer-ledger/internal/shared/config"
	"github.com/radieske/lvnd-offer-ledger/internal/shared/db"
	"github.com/radieske/lvnd-offer-ledger/internal/shared/kafka"
	"github.com/radieske/lvnd-offer-ledger/internal/shared/logger"
	"github.com/radieske/lvnd-offer-ledger/internal/shared/metrics"
)

func main() {
	cfg := config.Load()
	if cfg.ServiceName == "" {
		cfg.ServiceName = "offer-expiry-worker"
	}

	log, err := logger.New(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("starting worker", zap.String("service", cfg.ServiceName), zap.String("env", cfg.Env))

	if cfg.Storage == "memory" {
		log.Fatal("offer-expiry-worker needs postgres; memory storage sweeps inside offer-service")
	}

	// Sinalização para shutdown gracioso (SIGINT/SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pg, err := db.ConnectPostgres(cfg.PostgresDSN)
	if err != nil {
		log.Fatal("postgres connect", zap.Error(err))
	}
	defer pg.Close()

	// Reembolsos de expiração também notificam o remetente
	var publisher notify.Publisher = notify.Nop{}
	if cfg.KafkaBrokers != "" {
		kp := notify.NewKafkaPublisher(log, notify.Topics{
			OfferReceived:   kafka.NewWriter(cfg.KafkaBrokers, cfg.TopicOfferReceived),
			OfferAccepted:   kafka.NewWriter(cfg.KafkaBrokers, cfg.TopicOfferAccepted),
			OfferRejected:   kafka.NewWriter(cfg.KafkaBrokers, cfg.TopicOfferRejected),
			OfferClosed:     kafka.NewWriter(cfg.KafkaBrokers, cfg.TopicOfferClosed),
			BalanceCredited: kafka.NewWriter(cfg.KafkaBrokers, cfg.TopicBalanceCredited),
		})
		defer kp.Close()
		publisher = kp
	}

	repo := offer.NewPostgres(pg)
	ledgerSvc := ledger.NewService(log, ledger.NewPostgres(pg), publisher)
	tiers := membership.NewResolver(log, membership.NewPostgres(pg), nil)
	evaluator := risk.NewEvaluator(log, tiers, ledgerSvc, repo,
		risk.StaticScorer{Trust: cfg.DefaultTrustScore, Risk: cfg.DefaultRiskScore},
		risk.FixedCeiling(cfg.PressureCeiling), cfg.RiskThreshold)
	offers := offer.NewService(log, repo, ledgerSvc, evaluator, tiers, publisher, offer.Config{
		PlatformUserID:  cfg.PlatformUserID,
		FeeBps:          cfg.FeeBps,
		CancelCooldown:  cfg.CancelCooldown,
		CounterMinRatio: cfg.CounterMinRatio,
		MaxCounters:     cfg.MaxCounters,
		DefaultTTL:      cfg.OfferTTL,
	})

	metricsSrv := metrics.StartMetricsServer(cfg.MetricsPort, metrics.Checks{"postgres": pg.PingContext}.Run)
	log.Info("metrics/health listening", zap.String("addr", metricsSrv.Addr))

	sw := sweeper.NewSweeper(log, offers, cfg.SweepBatchSize)

	// primeira passada imediata: ofertas que venceram com o worker parado
	runCtx, runCancel := context.WithTimeout(ctx, time.Minute)
	expired, settled, err := sw.RunOnce(runCtx)
	runCancel()
	if err != nil {
		log.Error("initial sweep failed", zap.Error(err))
	} else {
		log.Info("initial sweep", zap.Int("expired", expired), zap.Int("settled", settled))
	}

	if err := sw.Start(cfg.ExpirySweepSpec); err != nil {
		log.Fatal("expiry sweep schedule", zap.Error(err))
	}

	<-ctx.Done()
	log.Info("shutdown signal received")
	<-sw.Stop().Done()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	_ = metricsSrv.Shutdown(shutdownCtx)
	log.Info("offer-expiry-worker stopped")
}
