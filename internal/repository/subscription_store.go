package repository

import (
	"context"

	"github.com/Dhoini/credit-ledger/internal/domain"
	"github.com/jmoiron/sqlx"
)

const subscriptionColumns = `id, plan_id, account_id, provider, provider_subscription_id, status,
       period_start, period_end, cancel_at_period_end, seats, last_event_at, created_at, updated_at`

// SubscriptionByProviderID ищет подписку по паре (provider, providerSubscriptionId).
func (s *Store) SubscriptionByProviderID(ctx context.Context, provider, providerSubscriptionID string) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := sqlx.GetContext(ctx, s.q, &sub, s.rebind(`
        SELECT `+subscriptionColumns+`
        FROM subscriptions
        WHERE provider = ? AND provider_subscription_id = ?`+s.forUpdate()), provider, providerSubscriptionID)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.NewNotFoundError("subscription", provider+":"+providerSubscriptionID)
		}
		return nil, storageErr("get subscription", err)
	}
	return &sub, nil
}

// InsertSubscription создаёт подписку. false, если подписка с такой парой уже есть.
func (s *Store) InsertSubscription(ctx context.Context, sub *domain.Subscription) (bool, error) {
	now := s.now()
	if sub.ID == "" {
		id, err := newID()
		if err != nil {
			return false, err
		}
		sub.ID = id
	}
	if sub.Seats <= 0 {
		sub.Seats = 1
	}
	sub.CreatedAt = now
	sub.UpdatedAt = now

	res, err := s.q.ExecContext(ctx, s.rebind(`
        INSERT INTO subscriptions (`+subscriptionColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (provider, provider_subscription_id) DO NOTHING`),
		sub.ID, sub.PlanID, sub.AccountID, sub.Provider, sub.ProviderSubscriptionID, string(sub.Status),
		sub.PeriodStart.UTC(), sub.PeriodEnd.UTC(), sub.CancelAtPeriodEnd, sub.Seats, sub.LastEventAt,
		sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return false, storageErr("insert subscription", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("insert subscription", err)
	}
	return n == 1, nil
}

// UpdateSubscription сохраняет изменяемые поля подписки.
func (s *Store) UpdateSubscription(ctx context.Context, sub *domain.Subscription) error {
	sub.UpdatedAt = s.now()
	res, err := s.q.ExecContext(ctx, s.rebind(`
        UPDATE subscriptions
        SET plan_id = ?, status = ?, period_start = ?, period_end = ?, cancel_at_period_end = ?,
            seats = ?, last_event_at = ?, updated_at = ?
        WHERE id = ?`),
		sub.PlanID, string(sub.Status), sub.PeriodStart.UTC(), sub.PeriodEnd.UTC(), sub.CancelAtPeriodEnd,
		sub.Seats, sub.LastEventAt, sub.UpdatedAt, sub.ID)
	if err != nil {
		return storageErr("update subscription", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("update subscription", err)
	}
	if n == 0 {
		return domain.NewNotFoundError("subscription", sub.ID)
	}
	return nil
}

// GetSubscription текущая подписка аккаунта: активная, иначе с самым поздним периодом.
func (s *Store) GetSubscription(ctx context.Context, accountID string) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := sqlx.GetContext(ctx, s.q, &sub, s.rebind(`
        SELECT `+subscriptionColumns+`
        FROM subscriptions
        WHERE account_id = ?
        ORDER BY CASE WHEN status = 'active' THEN 0 ELSE 1 END, period_end DESC
        LIMIT 1`), accountID)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.NewNotFoundError("subscription", accountID)
		}
		return nil, storageErr("get account subscription", err)
	}
	return &sub, nil
}

// ListSubscriptions все подписки аккаунта, новые первыми.
func (s *Store) ListSubscriptions(ctx context.Context, accountID string) ([]domain.Subscription, error) {
	subs := []domain.Subscription{}
	err := sqlx.SelectContext(ctx, s.q, &subs, s.rebind(`
        SELECT `+subscriptionColumns+`
        FROM subscriptions
        WHERE account_id = ?
        ORDER BY created_at DESC`), accountID)
	if err != nil {
		return nil, storageErr("list subscriptions", err)
	}
	return subs, nil
}

// SubscriptionEndByProviderID окончание, записанное до появления подписки.
func (s *Store) SubscriptionEndByProviderID(ctx context.Context, provider, providerSubscriptionID string) (*domain.SubscriptionEnd, error) {
	var end domain.SubscriptionEnd
	err := sqlx.GetContext(ctx, s.q, &end, s.rebind(`
        SELECT provider, provider_subscription_id, event_id, reason, period_end, occurred_at, created_at
        FROM subscription_ends
        WHERE provider = ? AND provider_subscription_id = ?`), provider, providerSubscriptionID)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.NewNotFoundError("subscription end", provider+":"+providerSubscriptionID)
		}
		return nil, storageErr("get subscription end", err)
	}
	return &end, nil
}

// RecordSubscriptionEnd сохраняет окончание; повторная запись заменяет предыдущую.
func (s *Store) RecordSubscriptionEnd(ctx context.Context, end *domain.SubscriptionEnd) error {
	end.CreatedAt = s.now()
	_, err := s.q.ExecContext(ctx, s.rebind(`
        INSERT INTO subscription_ends (provider, provider_subscription_id, event_id, reason, period_end, occurred_at, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (provider, provider_subscription_id) DO UPDATE
        SET event_id = excluded.event_id, reason = excluded.reason, period_end = excluded.period_end,
            occurred_at = excluded.occurred_at, created_at = excluded.created_at`),
		end.Provider, end.ProviderSubscriptionID, end.EventID, end.Reason, end.PeriodEnd, end.OccurredAt, end.CreatedAt)
	if err != nil {
		return storageErr("record subscription end", err)
	}
	return nil
}
