package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Dhoini/credit-ledger/internal/domain"
	"github.com/Dhoini/credit-ledger/pkg/logger"
	"github.com/stripe/stripe-go/v78"
	stripewebhook "github.com/stripe/stripe-go/v78/webhook"
)

const stripeSignatureHeader = "Stripe-Signature"

// Типы событий Stripe, которые переводятся в канонические
const (
	stripeCheckoutCompleted      = "checkout.session.completed"
	stripeCheckoutAsyncSucceeded = "checkout.session.async_payment_succeeded"
	stripeSubscriptionCreated    = "customer.subscription.created"
	stripeSubscriptionUpdated    = "customer.subscription.updated"
	stripeSubscriptionDeleted    = "customer.subscription.deleted"
)

// StripeNormalizer проверяет Stripe-Signature и разбирает события Stripe.
type StripeNormalizer struct {
	secret    string
	tolerance time.Duration
	catalog   Catalog
	resolver  AccountResolver
	log       *logger.Logger
}

// NewStripeNormalizer создает нормализатор Stripe
func NewStripeNormalizer(secret string, tolerance time.Duration, catalog Catalog, resolver AccountResolver, log *logger.Logger) *StripeNormalizer {
	if tolerance <= 0 {
		tolerance = stripewebhook.DefaultTolerance
	}
	return &StripeNormalizer{
		secret:    secret,
		tolerance: tolerance,
		catalog:   catalog,
		resolver:  resolver,
		log:       log,
	}
}

// Provider имя провайдера
func (n *StripeNormalizer) Provider() string { return ProviderStripe }

// Normalize проверяет подпись и переводит событие Stripe в каноническое.
func (n *StripeNormalizer) Normalize(ctx context.Context, payload []byte, headers http.Header) (domain.CanonicalEvent, error) {
	signature := headers.Get(stripeSignatureHeader)
	if signature == "" || n.secret == "" {
		return nil, fmt.Errorf("%w: missing Stripe signature", domain.ErrUnauthenticated)
	}

	event, err := stripewebhook.ConstructEventWithOptions(payload, signature, n.secret, stripewebhook.ConstructEventOptions{
		Tolerance:                n.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isStripeSignatureError(err) {
			return nil, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
		}
		return nil, &domain.MalformedEventError{Provider: ProviderStripe, Reason: err.Error()}
	}

	meta := domain.EventMeta{
		Provider:   ProviderStripe,
		EventID:    event.ID,
		EventType:  string(event.Type),
		OccurredAt: time.Unix(event.Created, 0).UTC(),
	}
	if event.ID == "" {
		return nil, malformed(meta, "event id is empty")
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, malformed(meta, "event has no data object")
	}

	switch meta.EventType {
	case stripeCheckoutCompleted, stripeCheckoutAsyncSucceeded:
		return n.checkoutCompleted(ctx, meta, event.Data.Raw)
	case stripeSubscriptionCreated, stripeSubscriptionUpdated:
		return n.subscriptionChanged(ctx, meta, event.Data.Raw)
	case stripeSubscriptionDeleted:
		return n.subscriptionDeleted(meta, event.Data.Raw)
	default:
		n.log.Debugw("Ignored Stripe event type", "type", meta.EventType, "eventID", meta.EventID)
		return domain.Unrecognized{EventMeta: meta}, nil
	}
}

func (n *StripeNormalizer) checkoutCompleted(ctx context.Context, meta domain.EventMeta, raw json.RawMessage) (domain.CanonicalEvent, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, malformed(meta, "checkout session: %v", err)
	}

	// подписки приходят отдельными событиями customer.subscription.*
	if session.Mode != stripe.CheckoutSessionModePayment {
		return domain.Unrecognized{EventMeta: meta}, nil
	}
	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		n.log.Infow("Checkout session is not paid yet", "eventID", meta.EventID, "paymentStatus", session.PaymentStatus)
		return domain.Unrecognized{EventMeta: meta}, nil
	}

	customerID := ""
	if session.Customer != nil {
		customerID = session.Customer.ID
	}
	accountID := session.ClientReferenceID
	if accountID == "" {
		accountID = session.Metadata["account_id"]
	}
	accountID, err := resolveAccount(ctx, n.resolver, meta, accountID, customerID)
	if err != nil {
		return nil, err
	}

	pack := session.Metadata["pack"]
	credits, ok := parseCredits(session.Metadata["credits"])
	if !ok {
		credits, ok = n.catalog.PackCredits(pack)
	}
	if !ok {
		return nil, malformed(meta, "checkout session %s has no credit amount (pack %q)", session.ID, pack)
	}

	paymentID := session.ID
	if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
		paymentID = session.PaymentIntent.ID
	}

	return domain.PaymentSucceeded{
		EventMeta:         meta,
		AccountID:         accountID,
		CustomerID:        customerID,
		Credits:           credits,
		PackType:          pack,
		ProviderPaymentID: paymentID,
	}, nil
}

func (n *StripeNormalizer) subscriptionChanged(ctx context.Context, meta domain.EventMeta, raw json.RawMessage) (domain.CanonicalEvent, error) {
	sub, err := decodeStripeSubscription(meta, raw)
	if err != nil {
		return nil, err
	}

	periodEnd := unixOrZero(sub.CurrentPeriodEnd)
	switch sub.Status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		if sub.CancelAtPeriodEnd {
			return domain.SubscriptionEnded{
				EventMeta:              meta,
				ProviderSubscriptionID: sub.ID,
				Reason:                 "cancel_at_period_end",
				PeriodEnd:              periodEnd,
			}, nil
		}
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusIncompleteExpired:
		return domain.SubscriptionEnded{
			EventMeta:              meta,
			ProviderSubscriptionID: sub.ID,
			Reason:                 string(sub.Status),
			PeriodEnd:              periodEnd,
		}, nil
	default:
		n.log.Infow("Ignored Stripe subscription status", "status", sub.Status, "subscriptionID", sub.ID)
		return domain.Unrecognized{EventMeta: meta}, nil
	}

	if sub.CurrentPeriodEnd == 0 {
		return nil, malformed(meta, "subscription %s has no current period", sub.ID)
	}

	customerID := ""
	if sub.Customer != nil {
		customerID = sub.Customer.ID
	}
	accountID, err := resolveAccount(ctx, n.resolver, meta, sub.Metadata["account_id"], customerID)
	if err != nil {
		return nil, err
	}

	planID, seats := stripePlan(sub)
	return domain.SubscriptionActivated{
		EventMeta:              meta,
		AccountID:              accountID,
		CustomerID:             customerID,
		ProviderSubscriptionID: sub.ID,
		PlanID:                 planID,
		Seats:                  seats,
		PeriodStart:            unixOrZero(sub.CurrentPeriodStart),
		PeriodEnd:              periodEnd,
	}, nil
}

func (n *StripeNormalizer) subscriptionDeleted(meta domain.EventMeta, raw json.RawMessage) (domain.CanonicalEvent, error) {
	sub, err := decodeStripeSubscription(meta, raw)
	if err != nil {
		return nil, err
	}
	return domain.SubscriptionEnded{
		EventMeta:              meta,
		ProviderSubscriptionID: sub.ID,
		Reason:                 "deleted",
		PeriodEnd:              unixOrZero(sub.CurrentPeriodEnd),
	}, nil
}

func decodeStripeSubscription(meta domain.EventMeta, raw json.RawMessage) (*stripe.Subscription, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, malformed(meta, "subscription: %v", err)
	}
	if sub.ID == "" {
		return nil, malformed(meta, "subscription id is empty")
	}
	return &sub, nil
}

// stripePlan план из metadata.plan, иначе lookup_key или id цены первой позиции.
func stripePlan(sub *stripe.Subscription) (string, int) {
	planID := sub.Metadata["plan"]
	seats := 1
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.Quantity > 0 {
			seats = int(item.Quantity)
		}
		if planID == "" && item.Price != nil {
			planID = item.Price.LookupKey
			if planID == "" {
				planID = item.Price.ID
			}
		}
	}
	return planID, seats
}

func isStripeSignatureError(err error) bool {
	return errors.Is(err, stripewebhook.ErrNotSigned) ||
		errors.Is(err, stripewebhook.ErrInvalidHeader) ||
		errors.Is(err, stripewebhook.ErrNoValidSignature) ||
		errors.Is(err, stripewebhook.ErrTooOld)
}

func unixOrZero(ts int64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0).UTC()
}
