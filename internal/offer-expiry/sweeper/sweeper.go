// Package sweeper agenda a varredura periódica que expira ofertas vencidas e
// reprocessa liquidações incompletas.
package sweeper

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var (
	sweptTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lvnd_offer_sweep_processed_total",
		Help: "Offers processed by the expiry sweep",
	}, []string{"action"})

	lastSweep = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lvnd_offer_sweep_last_run_timestamp_seconds",
		Help: "Unix time of the last completed sweep",
	})
)

// Expirer é implementado por offer.Service
type Expirer interface {
	ExpireDue(ctx context.Context, limit int) (int, error)
	SettlePending(ctx context.Context, limit int) (int, error)
}

type Sweeper struct {
	log     *zap.Logger
	svc     Expirer
	batch   int
	timeout time.Duration
	cron    *cron.Cron
}

func NewSweeper(log *zap.Logger, svc Expirer, batch int) *Sweeper {
	if batch <= 0 {
		batch = 200
	}
	return &Sweeper{log: log, svc: svc, batch: batch, timeout: 50 * time.Second}
}

// maxBatches limita quantos lotes uma única execução processa
const maxBatches = 20

// RunOnce reprocessa liquidações pendentes e expira lotes até esvaziar a fila
func (s *Sweeper) RunOnce(ctx context.Context) (expired, settled int, err error) {
	settled, err = s.svc.SettlePending(ctx, s.batch)
	if err != nil {
		return 0, settled, err
	}
	sweptTotal.WithLabelValues("settled").Add(float64(settled))

	for i := 0; i < maxBatches; i++ {
		n, err := s.svc.ExpireDue(ctx, s.batch)
		expired += n
		sweptTotal.WithLabelValues("expired").Add(float64(n))
		if err != nil {
			return expired, settled, err
		}
		if n < s.batch {
			break
		}
	}
	lastSweep.SetToCurrentTime()
	return expired, settled, nil
}

// Start agenda RunOnce na expressão cron informada ("@every 1m").
// Execuções sobrepostas são puladas.
func (s *Sweeper) Start(spec string) error {
	cl := cronLogger{s.log.Sugar()}
	s.cron = cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl))
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		expired, settled, err := s.RunOnce(ctx)
		if err != nil {
			s.log.Error("offer sweep failed", zap.Int("expired", expired), zap.Int("settled", settled), zap.Error(err))
			return
		}
		if expired > 0 || settled > 0 {
			s.log.Info("offer sweep", zap.Int("expired", expired), zap.Int("settled", settled))
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info("offer sweep scheduled", zap.String("spec", spec), zap.Int("batch", s.batch))
	return nil
}

// Stop para o agendador e devolve um contexto concluído quando a execução em andamento termina
func (s *Sweeper) Stop() context.Context {
	if s.cron == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return s.cron.Stop()
}

// cronLogger adapta o zap para a interface de log do cron
type cronLogger struct{ s *zap.SugaredLogger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
