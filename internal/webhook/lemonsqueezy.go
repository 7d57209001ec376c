package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Dhoini/credit-ledger/internal/domain"
	"github.com/Dhoini/credit-ledger/pkg/logger"
)

const lemonSqueezySignatureHeader = "X-Signature"

// События Lemon Squeezy, которые переводятся в канонические
const (
	lsOrderCreated          = "order_created"
	lsSubscriptionCreated   = "subscription_created"
	lsSubscriptionUpdated   = "subscription_updated"
	lsSubscriptionResumed   = "subscription_resumed"
	lsSubscriptionCancelled = "subscription_cancelled"
	lsSubscriptionExpired   = "subscription_expired"
)

// lsEnvelope формат JSON:API доставки Lemon Squeezy.
type lsEnvelope struct {
	Meta struct {
		EventName  string            `json:"event_name"`
		CustomData map[string]lsText `json:"custom_data"`
	} `json:"meta"`
	Data struct {
		Type       string          `json:"type"`
		ID         lsText          `json:"id"`
		Attributes json.RawMessage `json:"attributes"`
	} `json:"data"`
}

type lsOrder struct {
	Status         string    `json:"status"`
	CustomerID     lsText    `json:"customer_id"`
	Identifier     string    `json:"identifier"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	FirstOrderItem struct {
		VariantID lsText `json:"variant_id"`
	} `json:"first_order_item"`
}

type lsSubscription struct {
	Status                string     `json:"status"`
	CustomerID            lsText     `json:"customer_id"`
	VariantID             lsText     `json:"variant_id"`
	Cancelled             bool       `json:"cancelled"`
	RenewsAt              *time.Time `json:"renews_at"`
	EndsAt                *time.Time `json:"ends_at"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
	FirstSubscriptionItem *struct {
		Quantity int `json:"quantity"`
	} `json:"first_subscription_item"`
}

// lsText принимает и строку, и число: id и custom_data приходят в обоих видах.
type lsText string

func (t *lsText) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*t = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = lsText(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", string(b))
	}
	*t = lsText(n.String())
	return nil
}

func (t lsText) String() string { return string(t) }

// LemonSqueezyNormalizer проверяет X-Signature (HMAC-SHA256 тела, hex) и разбирает события.
type LemonSqueezyNormalizer struct {
	secret   []byte
	catalog  Catalog
	resolver AccountResolver
	log      *logger.Logger
}

// NewLemonSqueezyNormalizer создает нормализатор Lemon Squeezy
func NewLemonSqueezyNormalizer(secret string, catalog Catalog, resolver AccountResolver, log *logger.Logger) *LemonSqueezyNormalizer {
	return &LemonSqueezyNormalizer{
		secret:   []byte(secret),
		catalog:  catalog,
		resolver: resolver,
		log:      log,
	}
}

// Provider имя провайдера
func (n *LemonSqueezyNormalizer) Provider() string { return ProviderLemonSqueezy }

// Sign подпись тела, как её считает Lemon Squeezy.
func (n *LemonSqueezyNormalizer) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, n.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (n *LemonSqueezyNormalizer) verify(payload []byte, signature string) error {
	if len(n.secret) == 0 {
		return fmt.Errorf("%w: signing secret is not configured", domain.ErrUnauthenticated)
	}
	if signature == "" {
		return fmt.Errorf("%w: missing X-Signature", domain.ErrUnauthenticated)
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return fmt.Errorf("%w: signature is not hex", domain.ErrUnauthenticated)
	}
	mac := hmac.New(sha256.New, n.secret)
	mac.Write(payload)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return fmt.Errorf("%w: signature mismatch", domain.ErrUnauthenticated)
	}
	return nil
}

// Normalize проверяет подпись и переводит событие Lemon Squeezy в каноническое.
func (n *LemonSqueezyNormalizer) Normalize(ctx context.Context, payload []byte, headers http.Header) (domain.CanonicalEvent, error) {
	if err := n.verify(payload, headers.Get(lemonSqueezySignatureHeader)); err != nil {
		return nil, err
	}

	var env lsEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, &domain.MalformedEventError{Provider: ProviderLemonSqueezy, Reason: err.Error()}
	}
	meta := domain.EventMeta{Provider: ProviderLemonSqueezy, EventType: env.Meta.EventName}
	if env.Meta.EventName == "" || env.Data.ID == "" {
		return nil, malformed(meta, "event name or data id is missing")
	}

	switch env.Meta.EventName {
	case lsOrderCreated:
		var order lsOrder
		if err := json.Unmarshal(env.Data.Attributes, &order); err != nil {
			return nil, malformed(n.withID(meta, env, time.Time{}), "order attributes: %v", err)
		}
		return n.orderCreated(ctx, n.withID(meta, env, order.UpdatedAt), env, order)
	case lsSubscriptionCreated, lsSubscriptionUpdated, lsSubscriptionResumed, lsSubscriptionCancelled, lsSubscriptionExpired:
		var sub lsSubscription
		if err := json.Unmarshal(env.Data.Attributes, &sub); err != nil {
			return nil, malformed(n.withID(meta, env, time.Time{}), "subscription attributes: %v", err)
		}
		return n.subscriptionChanged(ctx, n.withID(meta, env, sub.UpdatedAt), env, sub)
	default:
		n.log.Debugw("Ignored Lemon Squeezy event type", "type", env.Meta.EventName)
		return domain.Unrecognized{EventMeta: n.withID(meta, env, time.Time{})}, nil
	}
}

// withID: у Lemon Squeezy нет id события, ключом служит
// event_name:type:id:updated_at, так что повтор доставки совпадает, а новое изменение нет.
func (n *LemonSqueezyNormalizer) withID(meta domain.EventMeta, env lsEnvelope, updatedAt time.Time) domain.EventMeta {
	stamp := "0"
	if !updatedAt.IsZero() {
		stamp = fmt.Sprintf("%d", updatedAt.UTC().Unix())
		meta.OccurredAt = updatedAt.UTC()
	}
	meta.EventID = strings.Join([]string{env.Meta.EventName, env.Data.Type, env.Data.ID.String(), stamp}, ":")
	return meta
}

func (n *LemonSqueezyNormalizer) orderCreated(ctx context.Context, meta domain.EventMeta, env lsEnvelope, order lsOrder) (domain.CanonicalEvent, error) {
	if order.Status != "paid" {
		n.log.Infow("Lemon Squeezy order is not paid", "eventID", meta.EventID, "status", order.Status)
		return domain.Unrecognized{EventMeta: meta}, nil
	}

	custom := env.Meta.CustomData
	customerID := order.CustomerID.String()
	accountID, err := resolveAccount(ctx, n.resolver, meta, custom["account_id"].String(), customerID)
	if err != nil {
		return nil, err
	}

	pack := custom["pack"].String()
	if pack == "" {
		pack = order.FirstOrderItem.VariantID.String()
	}
	credits, ok := parseCredits(custom["credits"].String())
	if !ok {
		credits, ok = n.catalog.PackCredits(pack)
	}
	if !ok {
		return nil, malformed(meta, "order %s has no credit amount (pack %q)", env.Data.ID, pack)
	}

	return domain.PaymentSucceeded{
		EventMeta:         meta,
		AccountID:         accountID,
		CustomerID:        customerID,
		Credits:           credits,
		PackType:          pack,
		ProviderPaymentID: env.Data.ID.String(),
	}, nil
}

func (n *LemonSqueezyNormalizer) subscriptionChanged(ctx context.Context, meta domain.EventMeta, env lsEnvelope, sub lsSubscription) (domain.CanonicalEvent, error) {
	subID := env.Data.ID.String()
	periodEnd := timeOrZero(sub.RenewsAt)

	ended := meta.EventType == lsSubscriptionCancelled || meta.EventType == lsSubscriptionExpired
	switch sub.Status {
	case "active", "on_trial":
		if sub.Cancelled {
			ended = true
		}
	case "cancelled", "expired":
		ended = true
	default:
		if !ended {
			n.log.Infow("Ignored Lemon Squeezy subscription status", "status", sub.Status, "subscriptionID", subID)
			return domain.Unrecognized{EventMeta: meta}, nil
		}
	}

	if ended {
		if sub.EndsAt != nil {
			periodEnd = sub.EndsAt.UTC()
		}
		reason := sub.Status
		if meta.EventType == lsSubscriptionExpired {
			reason = "expired"
		}
		return domain.SubscriptionEnded{
			EventMeta:              meta,
			ProviderSubscriptionID: subID,
			Reason:                 reason,
			PeriodEnd:              periodEnd,
		}, nil
	}

	if periodEnd.IsZero() {
		return nil, malformed(meta, "subscription %s has no renews_at", subID)
	}

	custom := env.Meta.CustomData
	customerID := sub.CustomerID.String()
	accountID, err := resolveAccount(ctx, n.resolver, meta, custom["account_id"].String(), customerID)
	if err != nil {
		return nil, err
	}

	planID := custom["plan"].String()
	if planID == "" {
		planID = sub.VariantID.String()
	}
	seats := 1
	if sub.FirstSubscriptionItem != nil && sub.FirstSubscriptionItem.Quantity > 0 {
		seats = sub.FirstSubscriptionItem.Quantity
	}

	return domain.SubscriptionActivated{
		EventMeta:              meta,
		AccountID:              accountID,
		CustomerID:             customerID,
		ProviderSubscriptionID: subID,
		PlanID:                 planID,
		Seats:                  seats,
		PeriodStart:            sub.UpdatedAt.UTC(),
		PeriodEnd:              periodEnd,
	}, nil
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
