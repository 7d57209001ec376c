package service

import (
	"context"

	"github.com/Dhoini/credit-ledger/internal/domain"
	"github.com/Dhoini/credit-ledger/internal/metrics"
	"github.com/Dhoini/credit-ledger/internal/repository"
	"github.com/Dhoini/credit-ledger/pkg/logger"
)

// EventPublisher внешняя публикация событий журнала (Kafka).
type EventPublisher interface {
	PublishTransaction(ctx context.Context, txn *domain.Transaction) error
	PublishJobResolved(ctx context.Context, job *domain.TranscriptionJob) error
	PublishAlert(ctx context.Context, alert domain.OperatorAlert) error
}

// Notifier действия после фиксации: сброс кеша, метрики, публикация.
// Ошибки здесь только логируются: источник истины уже записан в БД.
type Notifier struct {
	reads     repository.ReadModel
	publisher EventPublisher
	metrics   metrics.LedgerMetrics
	log       *logger.Logger
}

// NewNotifier создает Notifier; nil-зависимости заменяются заглушками.
func NewNotifier(reads repository.ReadModel, publisher EventPublisher, m metrics.LedgerMetrics, log *logger.Logger) *Notifier {
	if m == nil {
		m = metrics.Nop{}
	}
	return &Notifier{reads: reads, publisher: publisher, metrics: m, log: log}
}

// Metrics метрики журнала
func (n *Notifier) Metrics() metrics.LedgerMetrics { return n.metrics }

func (n *Notifier) transactionApplied(ctx context.Context, txn *domain.Transaction) {
	n.metrics.IncTransactionApplied(string(txn.Category), txn.Amount)
	n.invalidate(ctx, txn.AccountID)
	if n.publisher == nil {
		return
	}
	if err := n.publisher.PublishTransaction(ctx, txn); err != nil {
		n.log.Warnw("Failed to publish transaction", "transactionID", txn.ID, "error", err)
	}
}

func (n *Notifier) jobResolved(ctx context.Context, job *domain.TranscriptionJob) {
	n.metrics.IncJobResolved(string(job.Status))
	if n.publisher == nil {
		return
	}
	if err := n.publisher.PublishJobResolved(ctx, job); err != nil {
		n.log.Warnw("Failed to publish job resolution", "jobID", job.ID, "error", err)
	}
}

func (n *Notifier) alert(ctx context.Context, alert domain.OperatorAlert) {
	n.metrics.IncOperatorAlert(alert.Kind)
	n.log.Errorw("Operator attention required",
		"kind", alert.Kind,
		"provider", alert.Provider,
		"eventID", alert.EventID,
		"eventType", alert.EventType,
		"customerID", alert.CustomerID,
		"accountID", alert.AccountID,
		"message", alert.Message,
	)
	if n.publisher == nil {
		return
	}
	if err := n.publisher.PublishAlert(ctx, alert); err != nil {
		n.log.Warnw("Failed to publish operator alert", "eventID", alert.EventID, "error", err)
	}
}

func (n *Notifier) invalidate(ctx context.Context, accountID string) {
	if n.reads == nil || accountID == "" {
		return
	}
	// CachedReads логирует ошибку сам
	_ = n.reads.Invalidate(ctx, accountID)
}
