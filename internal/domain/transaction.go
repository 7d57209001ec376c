package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TransactionCategory категория записи в журнале
type TransactionCategory string

const (
	CategoryPurchase          TransactionCategory = "purchase"
	CategoryUsage             TransactionCategory = "usage"
	CategoryRefund            TransactionCategory = "refund"
	CategorySubscriptionGrant TransactionCategory = "subscription_grant"
)

// Valid проверяет, что категория из закрытого набора.
func (c TransactionCategory) Valid() bool {
	switch c {
	case CategoryPurchase, CategoryUsage, CategoryRefund, CategorySubscriptionGrant:
		return true
	}
	return false
}

// Metadata произвольные структурированные данные транзакции, хранятся как JSON.
type Metadata map[string]any

// Value реализует driver.Valuer
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan реализует sql.Scanner
func (m *Metadata) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("metadata: unsupported source type %T", src)
	}
	if len(raw) == 0 {
		*m = Metadata{}
		return nil
	}
	out := Metadata{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("metadata: %w", err)
	}
	*m = out
	return nil
}

// NaturalKey идентификатор внешнего события для дедупликации.
// Не путать с внутренним id строки.
type NaturalKey string

// IsZero сообщает, что ключ не задан.
func (k NaturalKey) IsZero() bool { return k == "" }

func (k NaturalKey) String() string { return string(k) }

// WebhookKey ключ доставки вебхука: (provider, providerEventId).
func WebhookKey(provider, eventID string) NaturalKey {
	return NaturalKey("webhook:" + provider + ":" + eventID)
}

// Job transitions used in natural keys.
const (
	JobTransitionComplete = "complete"
	JobTransitionFail     = "fail"
	JobTransitionRefund   = "refund"
)

// JobKey ключ разрешения задачи: (jobId, transition).
func JobKey(jobID, transition string) NaturalKey {
	return NaturalKey("job:" + jobID + ":" + transition)
}

// SubscriptionPeriodKey один грант на период подписки, независимо от типа события.
func SubscriptionPeriodKey(provider, providerSubscriptionID string, periodEnd time.Time) NaturalKey {
	return NaturalKey("subscription:" + provider + ":" + providerSubscriptionID + ":" +
		strconv.FormatInt(periodEnd.Unix(), 10))
}

// AccountKey ключ разовых операций над аккаунтом (например, стартовый грант).
func AccountKey(accountID, purpose string) NaturalKey {
	return NaturalKey("account:" + accountID + ":" + purpose)
}

// ManualKey ключ ручной корректировки, переданный оператором.
func ManualKey(reference string) NaturalKey {
	return NaturalKey("manual:" + strings.TrimSpace(reference))
}

// Transaction неизменяемая запись журнала.
type Transaction struct {
	ID                     string              `json:"id" db:"id"`
	AccountID              string              `json:"account_id" db:"account_id"`
	Amount                 int64               `json:"amount" db:"amount"`
	Category               TransactionCategory `json:"category" db:"category"`
	Description            string              `json:"description" db:"description"`
	NaturalKey             *string             `json:"natural_key,omitempty" db:"natural_key"`
	ProviderPaymentID      *string             `json:"provider_payment_id,omitempty" db:"provider_payment_id"`
	ProviderSubscriptionID *string             `json:"provider_subscription_id,omitempty" db:"provider_subscription_id"`
	JobID                  *string             `json:"job_id,omitempty" db:"job_id"`
	Metadata               Metadata            `json:"metadata,omitempty" db:"metadata"`
	BalanceAfter           int64               `json:"balance_after" db:"balance_after"`
	CreatedAt              time.Time           `json:"created_at" db:"created_at"`
}

// References внешние ссылки транзакции.
type References struct {
	ProviderPaymentID      string
	ProviderSubscriptionID string
	JobID                  string
}

// TransactionRequest входные данные ApplyTransaction.
type TransactionRequest struct {
	AccountID   string
	Amount      int64
	Category    TransactionCategory
	Description string
	NaturalKey  NaturalKey
	References  References
	Metadata    Metadata
}

// Validate проверяет запрос до открытия транзакции БД.
func (r TransactionRequest) Validate() error {
	if strings.TrimSpace(r.AccountID) == "" {
		return fmt.Errorf("%w: account id is required", ErrInvalidInput)
	}
	if r.Amount == 0 {
		return fmt.Errorf("%w: amount must be non-zero", ErrInvalidInput)
	}
	if !r.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidInput, r.Category)
	}
	switch r.Category {
	case CategoryUsage:
		if r.Amount > 0 {
			return fmt.Errorf("%w: usage must be a debit", ErrInvalidInput)
		}
	case CategorySubscriptionGrant:
		if r.Amount < 0 {
			return fmt.Errorf("%w: subscription grant must be a credit", ErrInvalidInput)
		}
	}
	return nil
}

// TransactionPage страница истории, от новых к старым.
type TransactionPage struct {
	Transactions []Transaction `json:"transactions"`
	NextCursor   string        `json:"next_cursor,omitempty"`
}

// IdempotencyRecord отметка об обработке натурального ключа.
type IdempotencyRecord struct {
	Key           NaturalKey `json:"key" db:"natural_key"`
	TransactionID *string    `json:"transaction_id,omitempty" db:"transaction_id"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}
