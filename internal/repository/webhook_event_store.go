package repository

import (
	"context"

	"github.com/Dhoini/credit-ledger/internal/domain"
	"github.com/jmoiron/sqlx"
)

// RecordWebhookEvent пишет доставку во входящий журнал. Повторная доставка
// увеличивает attempt_count; итоговые статусы processed, stale и ignored не перезаписываются.
func (s *Store) RecordWebhookEvent(ctx context.Context, ev *domain.WebhookEvent) error {
	now := s.now()
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = now
	}
	var processedAt interface{}
	if ev.Status != domain.WebhookEventStatusUnresolved && ev.Status != domain.WebhookEventStatusFailed {
		processedAt = now
	}

	_, err := s.q.ExecContext(ctx, s.rebind(`
        INSERT INTO webhook_events (provider, event_id, event_type, status, attempt_count, payload,
                                    error_message, received_at, processed_at)
        VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?)
        ON CONFLICT (provider, event_id) DO UPDATE SET
            attempt_count = webhook_events.attempt_count + 1,
            status = CASE
                WHEN webhook_events.status IN ('processed', 'stale', 'ignored') THEN webhook_events.status
                ELSE excluded.status
            END,
            error_message = CASE
                WHEN webhook_events.status IN ('processed', 'stale', 'ignored') THEN webhook_events.error_message
                ELSE excluded.error_message
            END,
            processed_at = COALESCE(webhook_events.processed_at, excluded.processed_at)`),
		ev.Provider, ev.EventID, ev.EventType, string(ev.Status), ev.Payload, ev.ErrorMessage,
		ev.ReceivedAt, processedAt)
	return storageErr("record webhook event", err)
}

// GetWebhookEvent запись входящего журнала.
func (s *Store) GetWebhookEvent(ctx context.Context, provider, eventID string) (*domain.WebhookEvent, error) {
	var ev domain.WebhookEvent
	err := sqlx.GetContext(ctx, s.q, &ev, s.rebind(`
        SELECT provider, event_id, event_type, status, attempt_count, payload, error_message, received_at, processed_at
        FROM webhook_events
        WHERE provider = ? AND event_id = ?`), provider, eventID)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.NewNotFoundError("webhook event", provider+":"+eventID)
		}
		return nil, storageErr("get webhook event", err)
	}
	return &ev, nil
}

// ListWebhookEvents последние события; status пустой означает любой.
func (s *Store) ListWebhookEvents(ctx context.Context, status domain.WebhookEventStatus, limit int) ([]domain.WebhookEvent, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = DefaultPageSize
	}
	query := `SELECT provider, event_id, event_type, status, attempt_count, payload, error_message, received_at, processed_at
        FROM webhook_events`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY received_at DESC LIMIT ?`
	args = append(args, limit)

	events := []domain.WebhookEvent{}
	if err := sqlx.SelectContext(ctx, s.q, &events, s.rebind(query), args...); err != nil {
		return nil, storageErr("list webhook events", err)
	}
	return events, nil
}
