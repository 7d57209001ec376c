package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/credit-ledger/internal/domain"
	"github.com/Dhoini/credit-ledger/internal/repository"
	"github.com/Dhoini/credit-ledger/pkg/logger"
)

// SubscriptionReconciler применяет канонические события подписок.
type SubscriptionReconciler interface {
	// Reconcile возвращает итог: processed, duplicate, stale или ignored.
	// Устаревшие и повторные события не являются ошибкой.
	Reconcile(ctx context.Context, ev domain.CanonicalEvent) (domain.WebhookEventStatus, error)
}

type subscriptionReconciler struct {
	store    *repository.Store
	notifier *Notifier
	plans    map[string]int64
	log      *logger.Logger
}

// NewSubscriptionReconciler создает сверщик подписок. plans: кредиты за период по id плана.
func NewSubscriptionReconciler(store *repository.Store, notifier *Notifier, plans map[string]int64, log *logger.Logger) SubscriptionReconciler {
	return &subscriptionReconciler{
		store:    store,
		notifier: notifier,
		plans:    plans,
		log:      log,
	}
}

type reconcileResult struct {
	status  domain.WebhookEventStatus
	granted *domain.Transaction
	account string
}

func (r *subscriptionReconciler) Reconcile(ctx context.Context, ev domain.CanonicalEvent) (domain.WebhookEventStatus, error) {
	started := time.Now()
	defer r.notifier.Metrics().ObserveOperation("reconcile_subscription", started)

	var res reconcileResult
	err := r.store.InTx(ctx, func(ctx context.Context, tx *repository.Store) error {
		var err error
		switch e := ev.(type) {
		case domain.SubscriptionActivated:
			res, err = r.activated(ctx, tx, e)
		case domain.SubscriptionEnded:
			res, err = r.ended(ctx, tx, e)
		default:
			return fmt.Errorf("%w: reconciler cannot handle %s", domain.ErrInvalidInput, ev.Kind())
		}
		return err
	})
	if err != nil {
		return "", err
	}

	if res.granted != nil {
		r.notifier.transactionApplied(ctx, res.granted)
	} else if res.account != "" {
		r.notifier.invalidate(ctx, res.account)
	}
	return res.status, nil
}

func (r *subscriptionReconciler) activated(ctx context.Context, tx *repository.Store, ev domain.SubscriptionActivated) (reconcileResult, error) {
	if ev.ProviderSubscriptionID == "" || ev.PeriodEnd.IsZero() {
		return reconcileResult{}, fmt.Errorf("%w: subscription id and period end are required", domain.ErrInvalidInput)
	}

	if _, err := tx.GetAccount(ctx, ev.AccountID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return reconcileResult{}, &domain.UnresolvedAccountError{
				Provider: ev.Provider, EventID: ev.EventID, EventType: ev.EventType,
				CustomerID: ev.CustomerID, AccountID: ev.AccountID,
			}
		}
		return reconcileResult{}, err
	}

	sub, err := tx.SubscriptionByProviderID(ctx, ev.Provider, ev.ProviderSubscriptionID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return reconcileResult{}, err
	}
	if sub == nil {
		end, err := tx.SubscriptionEndByProviderID(ctx, ev.Provider, ev.ProviderSubscriptionID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return reconcileResult{}, err
		}
		if end != nil && end.Supersedes(ev.PeriodEnd, ev.OccurredAt) {
			return r.createEnded(ctx, tx, ev, end)
		}
		res, inserted, err := r.create(ctx, tx, ev)
		if err != nil || inserted {
			return res, err
		}
		// параллельная доставка успела создать подписку
		sub, err = tx.SubscriptionByProviderID(ctx, ev.Provider, ev.ProviderSubscriptionID)
		if err != nil {
			return reconcileResult{}, err
		}
	}
	return r.update(ctx, tx, sub, ev)
}

// create первая активация: подписка и грант плана под ключом доставки.
func (r *subscriptionReconciler) create(ctx context.Context, tx *repository.Store, ev domain.SubscriptionActivated) (reconcileResult, bool, error) {
	occurred := eventTime(ev.OccurredAt)
	sub := &domain.Subscription{
		PlanID:                 ev.PlanID,
		AccountID:              ev.AccountID,
		Provider:               ev.Provider,
		ProviderSubscriptionID: ev.ProviderSubscriptionID,
		Status:                 domain.SubscriptionStatusActive,
		PeriodStart:            ev.PeriodStart,
		PeriodEnd:              ev.PeriodEnd,
		Seats:                  ev.Seats,
		LastEventAt:            occurred,
	}
	if sub.PeriodStart.IsZero() {
		sub.PeriodStart = ev.OccurredAt
	}
	inserted, err := tx.InsertSubscription(ctx, sub)
	if err != nil || !inserted {
		return reconcileResult{}, false, err
	}
	r.log.Infow("Subscription created", "accountID", ev.AccountID, "provider", ev.Provider,
		"subscriptionID", ev.ProviderSubscriptionID, "plan", ev.PlanID, "periodEnd", ev.PeriodEnd)

	res := reconcileResult{status: domain.WebhookEventStatusProcessed, account: ev.AccountID}
	credits, ok := r.plans[ev.PlanID]
	if !ok || credits <= 0 {
		r.log.Warnw("No credits configured for plan, skipping grant", "plan", ev.PlanID,
			"subscriptionID", ev.ProviderSubscriptionID)
		if _, err := tx.ClaimOnce(ctx, ev.Key()); err != nil {
			return reconcileResult{}, false, err
		}
		return res, true, nil
	}

	txn, applied, err := tx.ApplyTransaction(ctx, r.grantRequest(ev, credits, ev.Key()))
	if err != nil {
		return reconcileResult{}, false, err
	}
	if !applied {
		res.status = domain.WebhookEventStatusDuplicate
		return res, true, nil
	}
	// один грант на период, какое бы событие его ни описало
	if _, err := tx.ClaimOnce(ctx, domain.SubscriptionPeriodKey(ev.Provider, ev.ProviderSubscriptionID, ev.PeriodEnd)); err != nil {
		return reconcileResult{}, false, err
	}
	res.granted = txn
	return res, true, nil
}

// createEnded активация пришла после окончания той же подписки:
// подписка создаётся уже отменённой и без гранта.
func (r *subscriptionReconciler) createEnded(ctx context.Context, tx *repository.Store, ev domain.SubscriptionActivated, end *domain.SubscriptionEnd) (reconcileResult, error) {
	claimed, err := tx.ClaimOnce(ctx, ev.Key())
	if err != nil {
		return reconcileResult{}, err
	}
	if !claimed {
		return reconcileResult{status: domain.WebhookEventStatusDuplicate}, nil
	}

	sub := &domain.Subscription{
		PlanID:                 ev.PlanID,
		AccountID:              ev.AccountID,
		Provider:               ev.Provider,
		ProviderSubscriptionID: ev.ProviderSubscriptionID,
		Status:                 domain.SubscriptionStatusCancelled,
		PeriodStart:            ev.PeriodStart,
		PeriodEnd:              ev.PeriodEnd,
		CancelAtPeriodEnd:      true,
		Seats:                  ev.Seats,
		LastEventAt:            end.OccurredAt,
	}
	if sub.PeriodStart.IsZero() {
		sub.PeriodStart = ev.OccurredAt
	}
	if end.PeriodEnd != nil && end.PeriodEnd.After(sub.PeriodEnd) {
		sub.PeriodEnd = *end.PeriodEnd
	}
	if occurred := eventTime(ev.OccurredAt); occurred != nil && (sub.LastEventAt == nil || occurred.After(*sub.LastEventAt)) {
		sub.LastEventAt = occurred
	}
	inserted, err := tx.InsertSubscription(ctx, sub)
	if err != nil {
		return reconcileResult{}, err
	}
	if !inserted {
		r.log.Warnw("Subscription appeared concurrently, ended activation skipped", "subscriptionID", ev.ProviderSubscriptionID,
			"eventID", ev.EventID)
		return reconcileResult{status: domain.WebhookEventStatusStale}, nil
	}
	r.log.Infow("Activation superseded by earlier recorded end", "accountID", ev.AccountID,
		"subscriptionID", ev.ProviderSubscriptionID, "eventID", ev.EventID, "endEventID", end.EventID)
	return reconcileResult{status: domain.WebhookEventStatusStale, account: ev.AccountID}, nil
}

func (r *subscriptionReconciler) update(ctx context.Context, tx *repository.Store, sub *domain.Subscription, ev domain.SubscriptionActivated) (reconcileResult, error) {
	claimed, err := tx.ClaimOnce(ctx, ev.Key())
	if err != nil {
		return reconcileResult{}, err
	}
	if !claimed {
		return reconcileResult{status: domain.WebhookEventStatusDuplicate}, nil
	}

	if sub.IsStale(ev.PeriodEnd, ev.OccurredAt) {
		r.log.Infow("Stale subscription update ignored", "subscriptionID", sub.ProviderSubscriptionID,
			"storedPeriodEnd", sub.PeriodEnd, "eventPeriodEnd", ev.PeriodEnd, "eventID", ev.EventID)
		return reconcileResult{status: domain.WebhookEventStatusStale}, nil
	}

	renewed := ev.PeriodEnd.After(sub.PeriodEnd)
	if !ev.PeriodStart.IsZero() {
		sub.PeriodStart = ev.PeriodStart
	}
	sub.PeriodEnd = ev.PeriodEnd
	sub.Status = domain.SubscriptionStatusActive
	sub.CancelAtPeriodEnd = false
	if ev.PlanID != "" {
		sub.PlanID = ev.PlanID
	}
	if ev.Seats > 0 {
		sub.Seats = ev.Seats
	}
	if occurred := eventTime(ev.OccurredAt); occurred != nil {
		sub.LastEventAt = occurred
	}
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return reconcileResult{}, err
	}

	res := reconcileResult{status: domain.WebhookEventStatusProcessed, account: sub.AccountID}
	if !renewed {
		return res, nil
	}

	credits, ok := r.plans[sub.PlanID]
	if !ok || credits <= 0 {
		r.log.Warnw("No credits configured for plan, skipping renewal grant", "plan", sub.PlanID,
			"subscriptionID", sub.ProviderSubscriptionID)
		return res, nil
	}
	grant := r.grantRequest(ev, credits, domain.SubscriptionPeriodKey(ev.Provider, ev.ProviderSubscriptionID, ev.PeriodEnd))
	grant.AccountID = sub.AccountID
	grant.Description = "Subscription renewal credits"
	txn, applied, err := tx.ApplyTransaction(ctx, grant)
	if err != nil {
		return reconcileResult{}, err
	}
	if applied {
		r.log.Infow("Subscription renewed", "subscriptionID", sub.ProviderSubscriptionID, "periodEnd", sub.PeriodEnd,
			"credits", credits)
		res.granted = txn
	}
	return res, nil
}

func (r *subscriptionReconciler) ended(ctx context.Context, tx *repository.Store, ev domain.SubscriptionEnded) (reconcileResult, error) {
	claimed, err := tx.ClaimOnce(ctx, ev.Key())
	if err != nil {
		return reconcileResult{}, err
	}
	if !claimed {
		return reconcileResult{status: domain.WebhookEventStatusDuplicate}, nil
	}

	sub, err := tx.SubscriptionByProviderID(ctx, ev.Provider, ev.ProviderSubscriptionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return r.endBeforeActivation(ctx, tx, ev)
		}
		return reconcileResult{}, err
	}

	if sub.IsStale(ev.PeriodEnd, ev.OccurredAt) {
		r.log.Infow("Stale subscription end ignored", "subscriptionID", sub.ProviderSubscriptionID, "eventID", ev.EventID)
		return reconcileResult{status: domain.WebhookEventStatusStale}, nil
	}

	// выданные кредиты не отзываются
	sub.Status = domain.SubscriptionStatusCancelled
	sub.CancelAtPeriodEnd = true
	if occurred := eventTime(ev.OccurredAt); occurred != nil {
		sub.LastEventAt = occurred
	}
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return reconcileResult{}, err
	}
	r.log.Infow("Subscription cancelled", "subscriptionID", sub.ProviderSubscriptionID, "reason", ev.Reason)
	return reconcileResult{status: domain.WebhookEventStatusProcessed, account: sub.AccountID}, nil
}

// endBeforeActivation запоминает окончание неизвестной подписки до её активации.
func (r *subscriptionReconciler) endBeforeActivation(ctx context.Context, tx *repository.Store, ev domain.SubscriptionEnded) (reconcileResult, error) {
	r.log.Warnw("Subscription end for unknown subscription, recording", "provider", ev.Provider,
		"subscriptionID", ev.ProviderSubscriptionID, "eventID", ev.EventID)

	existing, err := tx.SubscriptionEndByProviderID(ctx, ev.Provider, ev.ProviderSubscriptionID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return reconcileResult{}, err
	}
	if existing != nil && existing.Supersedes(ev.PeriodEnd, ev.OccurredAt) {
		return reconcileResult{status: domain.WebhookEventStatusStale}, nil
	}

	end := &domain.SubscriptionEnd{
		Provider:               ev.Provider,
		ProviderSubscriptionID: ev.ProviderSubscriptionID,
		EventID:                ev.EventID,
		Reason:                 ev.Reason,
		PeriodEnd:              eventTime(ev.PeriodEnd),
		OccurredAt:             eventTime(ev.OccurredAt),
	}
	if err := tx.RecordSubscriptionEnd(ctx, end); err != nil {
		return reconcileResult{}, err
	}
	return reconcileResult{status: domain.WebhookEventStatusProcessed}, nil
}

func (r *subscriptionReconciler) grantRequest(ev domain.SubscriptionActivated, credits int64, key domain.NaturalKey) domain.TransactionRequest {
	return domain.TransactionRequest{
		AccountID:   ev.AccountID,
		Amount:      credits,
		Category:    domain.CategorySubscriptionGrant,
		Description: "Subscription credits",
		NaturalKey:  key,
		References:  domain.References{ProviderSubscriptionID: ev.ProviderSubscriptionID},
		Metadata: domain.Metadata{
			"plan":       ev.PlanID,
			"provider":   ev.Provider,
			"event_id":   ev.EventID,
			"period_end": ev.PeriodEnd.UTC().Format(time.RFC3339),
		},
	}
}

func eventTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}
