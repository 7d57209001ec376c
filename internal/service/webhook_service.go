package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Dhoini/credit-ledger/internal/domain"
	"github.com/Dhoini/credit-ledger/internal/repository"
	"github.com/Dhoini/credit-ledger/pkg/logger"
)

// Виды оповещений оператора
const (
	AlertUnresolvedAccount = "unresolved_account"
	AlertMalformedEvent    = "malformed_event"
	AlertRejectedEvent     = "rejected_event"
)

// EventNormalizer проверка подписи и нормализация (webhook.Registry).
type EventNormalizer interface {
	Normalize(ctx context.Context, provider string, payload []byte, headers http.Header) (domain.CanonicalEvent, error)
}

// IngestResult итог обработки одной доставки
type IngestResult struct {
	Provider  string                    `json:"provider"`
	EventID   string                    `json:"event_id"`
	EventType string                    `json:"event_type"`
	Kind      domain.EventKind          `json:"kind,omitempty"`
	Status    domain.WebhookEventStatus `json:"status"`
}

// WebhookService приём вебхуков провайдеров оплаты
type WebhookService interface {
	// Ingest возвращает ошибку только для доставок, которые провайдер должен
	// повторить или которые не прошли проверку подписи. Всё остальное подтверждается.
	Ingest(ctx context.Context, provider string, payload []byte, headers http.Header) (*IngestResult, error)
	ListEvents(ctx context.Context, status domain.WebhookEventStatus, limit int) ([]domain.WebhookEvent, error)
	GetEvent(ctx context.Context, provider, eventID string) (*domain.WebhookEvent, error)
}

type webhookService struct {
	store      *repository.Store
	normalizer EventNormalizer
	ledger     LedgerService
	reconciler SubscriptionReconciler
	notifier   *Notifier
	log        *logger.Logger
}

// NewWebhookService создает сервис вебхуков
func NewWebhookService(
	store *repository.Store,
	normalizer EventNormalizer,
	ledger LedgerService,
	reconciler SubscriptionReconciler,
	notifier *Notifier,
	log *logger.Logger,
) WebhookService {
	return &webhookService{
		store:      store,
		normalizer: normalizer,
		ledger:     ledger,
		reconciler: reconciler,
		notifier:   notifier,
		log:        log,
	}
}

func (s *webhookService) Ingest(ctx context.Context, provider string, payload []byte, headers http.Header) (*IngestResult, error) {
	started := time.Now()
	defer s.notifier.Metrics().ObserveOperation("ingest_webhook", started)

	ev, err := s.normalizer.Normalize(ctx, provider, payload, headers)
	if err != nil {
		return s.rejected(ctx, provider, payload, err)
	}

	meta := ev.Meta()
	result := &IngestResult{
		Provider:  meta.Provider,
		EventID:   meta.EventID,
		EventType: meta.EventType,
		Kind:      ev.Kind(),
	}
	s.log.Debugw("Webhook normalized", "provider", meta.Provider, "eventID", meta.EventID, "kind", ev.Kind())

	var status domain.WebhookEventStatus
	var accountID, customerID string
	switch e := ev.(type) {
	case domain.PaymentSucceeded:
		accountID, customerID = e.AccountID, e.CustomerID
		status, err = s.paymentSucceeded(ctx, e)
	case domain.SubscriptionActivated:
		accountID, customerID = e.AccountID, e.CustomerID
		status, err = s.reconciler.Reconcile(ctx, e)
	case domain.SubscriptionEnded:
		status, err = s.reconciler.Reconcile(ctx, e)
	default:
		status = domain.WebhookEventStatusIgnored
	}

	var errMsg *string
	if err != nil {
		var unresolved *domain.UnresolvedAccountError
		switch {
		case errors.As(err, &unresolved):
			status = domain.WebhookEventStatusUnresolved
			s.raise(ctx, AlertUnresolvedAccount, meta, unresolved.CustomerID, unresolved.AccountID, err)
		case errors.Is(err, domain.ErrInvalidInput):
			status = domain.WebhookEventStatusFailed
			s.raise(ctx, AlertRejectedEvent, meta, customerID, accountID, err)
		default:
			// временный сбой: провайдер повторит доставку
			s.log.Errorw("Webhook processing failed", "provider", meta.Provider, "eventID", meta.EventID, "error", err)
			s.notifier.Metrics().IncWebhook(meta.Provider, "error")
			return nil, err
		}
		msg := err.Error()
		errMsg = &msg
	}

	if status == domain.WebhookEventStatusProcessed && accountID != "" && customerID != "" {
		if _, linkErr := s.store.LinkCustomer(ctx, meta.Provider, customerID, accountID, false); linkErr != nil {
			s.log.Warnw("Failed to link provider customer", "provider", meta.Provider, "customerID", customerID, "error", linkErr)
		}
	}

	if err := s.record(ctx, meta, status, payload, errMsg); err != nil {
		return nil, err
	}
	result.Status = status
	s.notifier.Metrics().IncWebhook(meta.Provider, string(status))
	s.log.Infow("Webhook processed", "provider", meta.Provider, "eventID", meta.EventID,
		"type", meta.EventType, "status", status)
	return result, nil
}

func (s *webhookService) paymentSucceeded(ctx context.Context, ev domain.PaymentSucceeded) (domain.WebhookEventStatus, error) {
	_, applied, err := s.ledger.ApplyTransaction(ctx, domain.TransactionRequest{
		AccountID:   ev.AccountID,
		Amount:      ev.Credits,
		Category:    domain.CategoryPurchase,
		Description: "Credit pack purchase",
		NaturalKey:  ev.Key(),
		References:  domain.References{ProviderPaymentID: ev.ProviderPaymentID},
		Metadata: domain.Metadata{
			"provider": ev.Provider,
			"event_id": ev.EventID,
			"pack":     ev.PackType,
		},
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", &domain.UnresolvedAccountError{
				Provider: ev.Provider, EventID: ev.EventID, EventType: ev.EventType,
				CustomerID: ev.CustomerID, AccountID: ev.AccountID,
			}
		}
		return "", err
	}
	if !applied {
		return domain.WebhookEventStatusDuplicate, nil
	}
	return domain.WebhookEventStatusProcessed, nil
}

// rejected ошибки нормализации. Неизвестный провайдер и неверная подпись
// отклоняются без записи; неразобранное аутентичное событие подтверждается.
func (s *webhookService) rejected(ctx context.Context, provider string, payload []byte, err error) (*IngestResult, error) {
	var (
		malformed  *domain.MalformedEventError
		unresolved *domain.UnresolvedAccountError
	)
	switch {
	case errors.Is(err, domain.ErrUnknownProvider):
		s.log.Warnw("Webhook for unknown provider", "provider", provider)
		s.notifier.Metrics().IncWebhook(provider, "unknown_provider")
		return nil, err
	case errors.Is(err, domain.ErrUnauthenticated):
		s.log.Warnw("Webhook signature rejected", "provider", provider, "error", err)
		s.notifier.Metrics().IncWebhook(provider, "unauthenticated")
		return nil, err
	case errors.As(err, &unresolved):
		meta := domain.EventMeta{Provider: unresolved.Provider, EventID: unresolved.EventID, EventType: unresolved.EventType}
		return s.acknowledge(ctx, meta, domain.WebhookEventStatusUnresolved, AlertUnresolvedAccount,
			unresolved.CustomerID, unresolved.AccountID, payload, err)
	case errors.As(err, &malformed):
		meta := domain.EventMeta{Provider: malformed.Provider, EventID: malformed.EventID, EventType: malformed.EventType}
		if meta.Provider == "" {
			meta.Provider = provider
		}
		if meta.EventID == "" {
			meta.EventID = payloadID(payload)
		}
		return s.acknowledge(ctx, meta, domain.WebhookEventStatusFailed, AlertMalformedEvent, "", "", payload, err)
	default:
		s.log.Errorw("Webhook normalization failed", "provider", provider, "error", err)
		s.notifier.Metrics().IncWebhook(provider, "error")
		return nil, err
	}
}

func (s *webhookService) acknowledge(ctx context.Context, meta domain.EventMeta, status domain.WebhookEventStatus,
	alertKind, customerID, accountID string, payload []byte, cause error) (*IngestResult, error) {
	s.raise(ctx, alertKind, meta, customerID, accountID, cause)
	msg := cause.Error()
	if err := s.record(ctx, meta, status, payload, &msg); err != nil {
		return nil, err
	}
	s.notifier.Metrics().IncWebhook(meta.Provider, string(status))
	return &IngestResult{
		Provider:  meta.Provider,
		EventID:   meta.EventID,
		EventType: meta.EventType,
		Status:    status,
	}, nil
}

func (s *webhookService) raise(ctx context.Context, kind string, meta domain.EventMeta, customerID, accountID string, cause error) {
	s.notifier.alert(ctx, domain.OperatorAlert{
		Kind:       kind,
		Provider:   meta.Provider,
		EventID:    meta.EventID,
		EventType:  meta.EventType,
		CustomerID: customerID,
		AccountID:  accountID,
		Message:    cause.Error(),
		RaisedAt:   time.Now().UTC(),
	})
}

func (s *webhookService) record(ctx context.Context, meta domain.EventMeta, status domain.WebhookEventStatus, payload []byte, errMsg *string) error {
	err := s.store.RecordWebhookEvent(ctx, &domain.WebhookEvent{
		Provider:     meta.Provider,
		EventID:      meta.EventID,
		EventType:    meta.EventType,
		Status:       status,
		Payload:      string(payload),
		ErrorMessage: errMsg,
	})
	if err != nil {
		return fmt.Errorf("record webhook %s/%s: %w", meta.Provider, meta.EventID, err)
	}
	return nil
}

func (s *webhookService) ListEvents(ctx context.Context, status domain.WebhookEventStatus, limit int) ([]domain.WebhookEvent, error) {
	return s.store.ListWebhookEvents(ctx, status, limit)
}

func (s *webhookService) GetEvent(ctx context.Context, provider, eventID string) (*domain.WebhookEvent, error) {
	return s.store.GetWebhookEvent(ctx, provider, eventID)
}

// payloadID стабильный id для события, из которого id извлечь не удалось.
func payloadID(payload []byte) string {
	sum := sha256.Sum256(payload)
	return "sha256:" + hex.EncodeToString(sum[:16])
}
