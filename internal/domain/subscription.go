package domain

import "time"

// SubscriptionStatus статус подписки
type SubscriptionStatus string

const (
	SubscriptionStatusActive     SubscriptionStatus = "active"
	SubscriptionStatusCancelled  SubscriptionStatus = "cancelled"
	SubscriptionStatusIncomplete SubscriptionStatus = "incomplete"
)

// Subscription представляет собой модель подписки.
// PeriodEnd не убывает между принятыми обновлениями одной provider-подписки.
type Subscription struct {
	ID                     string             `json:"id" db:"id"`
	PlanID                 string             `json:"plan_id" db:"plan_id"`
	AccountID              string             `json:"account_id" db:"account_id"`
	Provider               string             `json:"provider" db:"provider"`
	ProviderSubscriptionID string             `json:"provider_subscription_id" db:"provider_subscription_id"`
	Status                 SubscriptionStatus `json:"status" db:"status"`
	PeriodStart            time.Time          `json:"period_start" db:"period_start"`
	PeriodEnd              time.Time          `json:"period_end" db:"period_end"`
	CancelAtPeriodEnd      bool               `json:"cancel_at_period_end" db:"cancel_at_period_end"`
	Seats                  int                `json:"seats" db:"seats"`
	LastEventAt            *time.Time         `json:"last_event_at,omitempty" db:"last_event_at"`
	CreatedAt              time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at" db:"updated_at"`
}

// IsActive активна ли подписка
func (s *Subscription) IsActive() bool {
	return s.Status == SubscriptionStatusActive
}

// IsStale сообщает, описывает ли событие более старое состояние, чем сохранённое.
// Сначала сравнивается конец периода; при равенстве решает время события у провайдера.
func (s *Subscription) IsStale(periodEnd time.Time, occurredAt time.Time) bool {
	if !periodEnd.IsZero() {
		if periodEnd.Before(s.PeriodEnd) {
			return true
		}
		if periodEnd.After(s.PeriodEnd) {
			return false
		}
	}
	if occurredAt.IsZero() || s.LastEventAt == nil {
		return false
	}
	return occurredAt.Before(*s.LastEventAt)
}

// SubscriptionEnd окончание подписки, которую ledger ещё не видел.
// Хранится до прихода активации, чтобы поздняя активация не воскресила подписку.
type SubscriptionEnd struct {
	Provider               string     `json:"provider" db:"provider"`
	ProviderSubscriptionID string     `json:"provider_subscription_id" db:"provider_subscription_id"`
	EventID                string     `json:"event_id" db:"event_id"`
	Reason                 string     `json:"reason" db:"reason"`
	PeriodEnd              *time.Time `json:"period_end,omitempty" db:"period_end"`
	OccurredAt             *time.Time `json:"occurred_at,omitempty" db:"occurred_at"`
	CreatedAt              time.Time  `json:"created_at" db:"created_at"`
}

// Supersedes сообщает, перекрывает ли окончание событие с данными периодом и временем.
// Более поздний период всегда новее; без сравнимых времён побеждает окончание.
func (e *SubscriptionEnd) Supersedes(periodEnd time.Time, occurredAt time.Time) bool {
	if e.PeriodEnd != nil && !periodEnd.IsZero() {
		if periodEnd.After(*e.PeriodEnd) {
			return false
		}
		if periodEnd.Before(*e.PeriodEnd) {
			return true
		}
	}
	if e.OccurredAt == nil || occurredAt.IsZero() {
		return true
	}
	return !occurredAt.After(*e.OccurredAt)
}
