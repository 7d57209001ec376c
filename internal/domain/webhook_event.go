package domain

import "time"

// EventKind вид канонического события
type EventKind string

const (
	EventKindPaymentSucceeded      EventKind = "payment_succeeded"
	EventKindSubscriptionActivated EventKind = "subscription_activated"
	EventKindSubscriptionEnded     EventKind = "subscription_ended"
	EventKindUnrecognized          EventKind = "unrecognized"
)

// EventMeta общие поля всех канонических событий.
type EventMeta struct {
	Provider   string    `json:"provider"`
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Meta возвращает общие поля события.
func (m EventMeta) Meta() EventMeta { return m }

// Key натуральный ключ доставки.
func (m EventMeta) Key() NaturalKey { return WebhookKey(m.Provider, m.EventID) }

// CanonicalEvent закрытый набор нормализованных событий провайдеров.
type CanonicalEvent interface {
	Meta() EventMeta
	Kind() EventKind
	canonical()
}

// PaymentSucceeded оплата пакета кредитов.
type PaymentSucceeded struct {
	EventMeta
	AccountID         string `json:"account_id"`
	CustomerID        string `json:"customer_id,omitempty"`
	Credits           int64  `json:"credits"`
	PackType          string `json:"pack_type"`
	ProviderPaymentID string `json:"provider_payment_id"`
}

// SubscriptionActivated подписка активна на указанный период.
type SubscriptionActivated struct {
	EventMeta
	AccountID              string    `json:"account_id"`
	CustomerID             string    `json:"customer_id,omitempty"`
	ProviderSubscriptionID string    `json:"provider_subscription_id"`
	PlanID                 string    `json:"plan_id"`
	Seats                  int       `json:"seats"`
	PeriodStart            time.Time `json:"period_start"`
	PeriodEnd              time.Time `json:"period_end"`
}

// SubscriptionEnded подписка отменена или истекла.
type SubscriptionEnded struct {
	EventMeta
	ProviderSubscriptionID string    `json:"provider_subscription_id"`
	Reason                 string    `json:"reason"`
	PeriodEnd              time.Time `json:"period_end,omitempty"`
}

// Unrecognized событие вне закрытого набора, подтверждается без действий.
type Unrecognized struct {
	EventMeta
}

func (PaymentSucceeded) Kind() EventKind      { return EventKindPaymentSucceeded }
func (SubscriptionActivated) Kind() EventKind { return EventKindSubscriptionActivated }
func (SubscriptionEnded) Kind() EventKind     { return EventKindSubscriptionEnded }
func (Unrecognized) Kind() EventKind          { return EventKindUnrecognized }

func (PaymentSucceeded) canonical()      {}
func (SubscriptionActivated) canonical() {}
func (SubscriptionEnded) canonical()     {}
func (Unrecognized) canonical()          {}

// WebhookEventStatus итог обработки доставки
type WebhookEventStatus string

const (
	WebhookEventStatusProcessed  WebhookEventStatus = "processed"
	WebhookEventStatusDuplicate  WebhookEventStatus = "duplicate"
	WebhookEventStatusStale      WebhookEventStatus = "stale"
	WebhookEventStatusIgnored    WebhookEventStatus = "ignored"
	WebhookEventStatusUnresolved WebhookEventStatus = "unresolved"
	WebhookEventStatusFailed     WebhookEventStatus = "failed"
)

// WebhookEvent запись входящей доставки (журнал для операторов).
type WebhookEvent struct {
	Provider     string             `json:"provider" db:"provider"`
	EventID      string             `json:"event_id" db:"event_id"`
	EventType    string             `json:"event_type" db:"event_type"`
	Status       WebhookEventStatus `json:"status" db:"status"`
	AttemptCount int                `json:"attempt_count" db:"attempt_count"`
	Payload      string             `json:"payload,omitempty" db:"payload"`
	ErrorMessage *string            `json:"error_message,omitempty" db:"error_message"`
	ReceivedAt   time.Time          `json:"received_at" db:"received_at"`
	ProcessedAt  *time.Time         `json:"processed_at,omitempty" db:"processed_at"`
}

// OperatorAlert событие, требующее ручной сверки.
type OperatorAlert struct {
	Kind       string    `json:"kind"`
	Provider   string    `json:"provider"`
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	CustomerID string    `json:"customer_id,omitempty"`
	AccountID  string    `json:"account_id,omitempty"`
	Message    string    `json:"message"`
	RaisedAt   time.Time `json:"raised_at"`
}
