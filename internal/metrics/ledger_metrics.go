package metrics

import (
	"time"

	"github.com/Dhoini/credit-ledger/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LedgerMetrics интерфейс для метрик журнала кредитов
type LedgerMetrics interface {
	IncTransactionApplied(category string, amount int64)
	IncWebhook(provider, outcome string)
	IncJobResolved(status string)
	IncInsufficientFunds(source string)
	IncOperatorAlert(kind string)
	ObserveOperation(op string, started time.Time)
}

type ledgerMetrics struct {
	log               *logger.Logger
	transactions      *prometheus.CounterVec
	credits           *prometheus.CounterVec
	webhooks          *prometheus.CounterVec
	jobs              *prometheus.CounterVec
	insufficientFunds *prometheus.CounterVec
	alerts            *prometheus.CounterVec
	duration          *prometheus.HistogramVec
}

// NewLedgerMetrics создает метрики журнала
func NewLedgerMetrics(registry prometheus.Registerer, log *logger.Logger) LedgerMetrics {
	factory := promauto.With(registry)
	return &ledgerMetrics{
		log: log,
		transactions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_transactions_total",
				Help: "The total number of applied ledger transactions",
			},
			[]string{"category"},
		),
		credits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_credits_total",
				Help: "Absolute credits moved by applied transactions",
			},
			[]string{"category", "direction"},
		),
		webhooks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_webhooks_total",
				Help: "Webhook deliveries by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		jobs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_jobs_resolved_total",
				Help: "Transcription jobs resolved by terminal status",
			},
			[]string{"status"},
		),
		insufficientFunds: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_insufficient_funds_total",
				Help: "Debits rejected for insufficient balance",
			},
			[]string{"source"},
		),
		alerts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_operator_alerts_total",
				Help: "Events flagged for manual reconciliation",
			},
			[]string{"kind"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_operation_duration_seconds",
				Help:    "Duration of ledger operations",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 7), // 1ms .. ~4s
			},
			[]string{"operation"},
		),
	}
}

func (m *ledgerMetrics) IncTransactionApplied(category string, amount int64) {
	m.transactions.WithLabelValues(category).Inc()
	direction := "credit"
	if amount < 0 {
		direction = "debit"
		amount = -amount
	}
	m.credits.WithLabelValues(category, direction).Add(float64(amount))
}

func (m *ledgerMetrics) IncWebhook(provider, outcome string) {
	m.webhooks.WithLabelValues(provider, outcome).Inc()
}

func (m *ledgerMetrics) IncJobResolved(status string) {
	m.jobs.WithLabelValues(status).Inc()
}

func (m *ledgerMetrics) IncInsufficientFunds(source string) {
	m.insufficientFunds.WithLabelValues(source).Inc()
}

func (m *ledgerMetrics) IncOperatorAlert(kind string) {
	m.alerts.WithLabelValues(kind).Inc()
}

// ObserveOperation записывает длительность операции от started
func (m *ledgerMetrics) ObserveOperation(op string, started time.Time) {
	m.duration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// Nop метрики-заглушки для тестов и CLI.
type Nop struct{}

func (Nop) IncTransactionApplied(string, int64)  {}
func (Nop) IncWebhook(string, string)            {}
func (Nop) IncJobResolved(string)                {}
func (Nop) IncInsufficientFunds(string)          {}
func (Nop) IncOperatorAlert(string)              {}
func (Nop) ObserveOperation(string, time.Time)   {}
