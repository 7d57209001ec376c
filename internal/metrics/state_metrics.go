package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"sync"
	"time"

	"github.com/Dhoini/credit-ledger/internal/domain"
	"github.com/Dhoini/credit-ledger/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const sampleTimeout = 5 * time.Second

// StatsSource отдаёт агрегаты ledger, обычно repository.Store.
type StatsSource interface {
	Stats(ctx context.Context) (*domain.LedgerStats, error)
}

// StateSampler периодически переносит состояние ledger в gauges.
type StateSampler interface {
	Sample(ctx context.Context) error
	StartRecording(interval time.Duration)
	Stop()
}

type stateSampler struct {
	source StatsSource
	log    *logger.Logger

	accounts    prometheus.Gauge
	outstanding prometheus.Gauge
	openJobs    prometheus.Gauge
	pending     prometheus.Gauge
	goroutines  prometheus.Gauge
	lastSample  prometheus.Gauge
	failures    prometheus.Counter

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewStateSampler регистрирует gauges состояния. source может быть nil:
// тогда снимаются только рантайм-показатели сервиса.
func NewStateSampler(registry prometheus.Registerer, source StatsSource, log *logger.Logger) StateSampler {
	factory := promauto.With(registry)
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	}
	return &stateSampler{
		source:      source,
		log:         log,
		accounts:    gauge("ledger_accounts", "Number of ledger accounts"),
		outstanding: gauge("ledger_outstanding_credits", "Sum of all account balances"),
		openJobs:    gauge("ledger_open_jobs", "Transcription jobs still processing"),
		pending:     gauge("ledger_pending_webhooks", "Webhook events waiting for an operator or redelivery"),
		goroutines:  gauge("ledger_goroutines", "Goroutines of the ledger service at the last sample"),
		lastSample:  gauge("ledger_state_sampled_at_seconds", "Unix time of the last successful state sample"),
		failures: factory.NewCounter(prometheus.CounterOpts{
			Name: "ledger_state_sample_failures_total",
			Help: "State samples that could not read the database",
		}),
		stopCh: make(chan struct{}),
	}
}

// Sample снимает состояние один раз.
func (s *stateSampler) Sample(ctx context.Context) error {
	s.goroutines.Set(float64(runtime.NumGoroutine()))
	if s.source == nil {
		return nil
	}
	stats, err := s.source.Stats(ctx)
	if err != nil {
		s.failures.Inc()
		return err
	}
	s.accounts.Set(float64(stats.Accounts))
	s.outstanding.Set(float64(stats.OutstandingCredits))
	s.openJobs.Set(float64(stats.OpenJobs))
	s.pending.Set(float64(stats.PendingWebhooks))
	s.lastSample.SetToCurrentTime()
	return nil
}

// StartRecording снимает состояние сразу и затем раз в interval до Stop.
func (s *stateSampler) StartRecording(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			s.sampleWithTimeout()
			select {
			case <-ticker.C:
			case <-s.stopCh:
				return
			}
		}
	}()
	s.log.Infow("Ledger state sampling started", "interval", interval)
}

func (s *stateSampler) sampleWithTimeout() {
	ctx, cancel := context.WithTimeout(context.Background(), sampleTimeout)
	defer cancel()
	if err := s.Sample(ctx); err != nil {
		s.log.Warnw("Failed to sample ledger state", "error", err)
	}
}

// Stop останавливает выборку. Повторный вызов безопасен.
func (s *stateSampler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.log.Info("Ledger state sampling stopped")
	})
}

// RegisterDBStats публикует статистику пула соединений БД.
func RegisterDBStats(registry prometheus.Registerer, db *sql.DB, name string) error {
	return registry.Register(collectors.NewDBStatsCollector(db, name))
}
