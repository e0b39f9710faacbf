package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/radieske/lvnd-offer-ledger/internal/currency"
	"github.com/radieske/lvnd-offer-ledger/internal/ledger"
	"github.com/radieske/lvnd-offer-ledger/internal/membership"
	"github.com/radieske/lvnd-offer-ledger/internal/notify"
	"github.com/radieske/lvnd-offer-ledger/internal/offer"
	"github.com/radieske/lvnd-offer-ledger/internal/offer-expiry/sweeper"
	ohttp "github.com/radieske/lvnd-offer-ledger/internal/offer-service/http"
	"github.com/radieske/lvnd-offer-ledger/internal/payment"
	"github.com/radieske/lvnd-offer-ledger/internal/priority"
	"github.com/radieske/lvnd-offer-ledger/internal/risk"
	"github.com/radieske/lvnd-offer-ledger/internal/shared/cache"
	"github.com/radieske/lvnd-offer-ledger/internal/shared/config"
	"github.com/radieske/lvnd-offer-ledger/internal/shared/db"
	"github.com/radieske/lvnd-offer-ledger/internal/shared/kafka"
	"github.com/radieske/lvnd-offer-ledger/internal/shared/logger"
	"github.com/radieske/lvnd-offer-ledger/internal/shared/metrics"
)

// stores agrupa as portas de persistência conforme o modo de armazenamento
type stores struct {
	ledger   ledger.Store
	offers   offer.Repo
	subs     membership.SubscriptionStore
	prefs    currency.Preferences
	payments payment.Store
}

func main() {
	cfg := config.Load()
	if cfg.ServiceName == "" {
		cfg.ServiceName = "offer-service"
	}

	// Inicializa logger estruturado
	log, err := logger.New(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("starting service", zap.String("service", cfg.ServiceName), zap.String("env", cfg.Env), zap.String("storage", cfg.Storage))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	checks := metrics.Checks{}

	var st stores
	var pg *sql.DB
	switch cfg.Storage {
	case "memory":
		log.Warn("memory storage: balances are lost on restart")
		st = stores{
			ledger:   ledger.NewMemory(),
			offers:   offer.NewMemory(),
			subs:     membership.NewMemory(),
			prefs:    currency.NewMemoryPreferences(),
			payments: payment.NewMemory(),
		}
	default:
		pg, err = db.ConnectPostgres(cfg.PostgresDSN)
		if err != nil {
			log.Fatal("postgres connect", zap.Error(err))
		}
		defer pg.Close()

		applied, err := db.Migrate(ctx, pg)
		if err != nil {
			log.Fatal("migrations", zap.Error(err))
		}
		log.Info("migrations applied", zap.Strings("files", applied))

		st = stores{
			ledger:   ledger.NewPostgres(pg),
			offers:   offer.NewPostgres(pg),
			subs:     membership.NewPostgres(pg),
			prefs:    currency.NewPostgresPreferences(pg),
			payments: payment.NewPostgres(pg),
		}
		checks["postgres"] = pg.PingContext
	}

	// Redis é opcional: sem ele o cache de cotação fica em processo e o teto vem da config
	var rdb *redis.Client
	var ceiling risk.CeilingSource = risk.FixedCeiling(cfg.PressureCeiling)
	if cfg.RedisAddr != "" {
		rdb, err = cache.ConnectRedis(ctx, cfg.RedisAddr)
		if err != nil {
			log.Warn("redis unavailable, using in-process rate cache", zap.Error(err))
		} else {
			defer rdb.Close()
			ceiling = risk.NewRedisCeiling(log, rdb, risk.DefaultCeilingKey, cfg.PressureCeiling)
			checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		}
	}

	// Notificações via Kafka (fire-and-forget)
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

	// Núcleo: ledger, planos, risco, ofertas
	ledgerSvc := ledger.NewService(log, st.ledger, publisher)
	tiers := membership.NewResolver(log, st.subs, nil)
	evaluator := risk.NewEvaluator(log, tiers, ledgerSvc, st.offers,
		risk.StaticScorer{Trust: cfg.DefaultTrustScore, Risk: cfg.DefaultRiskScore},
		ceiling, cfg.RiskThreshold)
	offers := offer.NewService(log, st.offers, ledgerSvc, evaluator, tiers, publisher, offer.Config{
		PlatformUserID:  cfg.PlatformUserID,
		FeeBps:          cfg.FeeBps,
		CancelCooldown:  cfg.CancelCooldown,
		CounterMinRatio: cfg.CounterMinRatio,
		MaxCounters:     cfg.MaxCounters,
		DefaultTTL:      cfg.OfferTTL,
	}).WithPrioritizer(priority.NewAnalyzer(log, rdb))

	// Em memória o worker de expiração não enxerga as ofertas: a varredura roda aqui
	if cfg.Storage == "memory" {
		sw := sweeper.NewSweeper(log, offers, cfg.SweepBatchSize)
		if err := sw.Start(cfg.ExpirySweepSpec); err != nil {
			log.Fatal("expiry sweep schedule", zap.Error(err))
		}
		defer sw.Stop()
	}

	// Câmbio só para exibição e verificação do callback
	fx := currency.NewService(log, rdb, currency.NewHTTPRateSource(cfg.RatesURL), st.prefs,
		cfg.BaseCurrency, cfg.RateTTL, cfg.PriceTolerance)

	if cfg.PaytrMerchantKey == "" || cfg.PaytrMerchantSalt == "" {
		log.Warn("PAYTR merchant key/salt not configured, every callback will be refused")
	}
	payments := payment.NewProcessor(log, st.payments, ledgerSvc, fx, cfg.PaytrMerchantKey, cfg.PaytrMerchantSalt)

	api := ohttp.NewServer(log, ohttp.Deps{
		Offers:   offers,
		Ledger:   ledgerSvc,
		Limits:   evaluator,
		Display:  fx,
		Payments: payments,
	}, ohttp.Options{
		AdminToken:     cfg.AdminToken,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	// Servidor de métricas e health check
	metricsSrv := metrics.StartMetricsServer(cfg.MetricsPort, checks.Run)
	log.Info("metrics/health listening", zap.String("addr", metricsSrv.Addr))

	// Servidor HTTP público (API de ofertas)
	apiSrv := &http.Server{
		Addr:              ":" + cfg.HTTPPort, // ex: 8084
		Handler:           api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("api listening", zap.String("addr", apiSrv.Addr))
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("api srv", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	_ = apiSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	log.Info("offer-service stopped")
}
