package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/Dhoini/credit-ledger/internal/db"
	"github.com/Dhoini/credit-ledger/internal/domain"
	"github.com/Dhoini/credit-ledger/internal/metrics"
	"github.com/Dhoini/credit-ledger/internal/repository"
	"github.com/Dhoini/credit-ledger/internal/webhook"
	"github.com/Dhoini/credit-ledger/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const stripeSecret = "whsec_service_test"

var testPolicy = Policy{
	SignupCredits:     30,
	BetaSignupCredits: 120,
	MinimumJobCredits: 1,
	Plans:             map[string]int64{"pro": 500, "free": 0},
}

type recordingPublisher struct {
	mu     sync.Mutex
	txns   []domain.Transaction
	jobs   []domain.TranscriptionJob
	alerts []domain.OperatorAlert
}

func (p *recordingPublisher) PublishTransaction(_ context.Context, txn *domain.Transaction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.txns = append(p.txns, *txn)
	return nil
}

func (p *recordingPublisher) PublishJobResolved(_ context.Context, job *domain.TranscriptionJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, *job)
	return nil
}

func (p *recordingPublisher) PublishAlert(_ context.Context, alert domain.OperatorAlert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, alert)
	return nil
}

func (p *recordingPublisher) alertKinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	kinds := make([]string, 0, len(p.alerts))
	for _, a := range p.alerts {
		kinds = append(kinds, a.Kind)
	}
	return kinds
}

type harness struct {
	store      *repository.Store
	publisher  *recordingPublisher
	ledger     LedgerService
	jobs       JobService
	reconciler SubscriptionReconciler
	webhooks   WebhookService
	customers  CustomerService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := logger.NewNop()
	client, err := db.OpenSQLiteMemory(log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	_, err = db.Migrate(context.Background(), client.DB(), log)
	require.NoError(t, err)

	store := repository.NewStore(client.DB(), log)
	publisher := &recordingPublisher{}
	notifier := NewNotifier(store, publisher, metrics.NewLedgerMetrics(prometheus.NewRegistry(), log), log)

	ledger := NewLedgerService(store, nil, notifier, testPolicy, log)
	reconciler := NewSubscriptionReconciler(store, notifier, testPolicy.Plans, log)
	registry := webhook.NewRegistry(
		webhook.NewStripeNormalizer(stripeSecret, 0, webhook.Catalog{Packs: map[string]int64{"starter": 120}}, store, log),
	)

	return &harness{
		store:      store,
		publisher:  publisher,
		ledger:     ledger,
		jobs:       NewJobService(store, notifier, testPolicy.MinimumJobCredits, log),
		reconciler: reconciler,
		webhooks:   NewWebhookService(store, registry, ledger, reconciler, notifier, log),
		customers:  NewCustomerService(store, log),
	}
}

func (h *harness) balance(t *testing.T, accountID string) int64 {
	t.Helper()
	balance, err := h.store.GetBalance(context.Background(), accountID)
	require.NoError(t, err)
	return balance
}

func (h *harness) assertConserved(t *testing.T, accountID string) {
	t.Helper()
	sum, err := h.store.SumTransactions(context.Background(), accountID)
	require.NoError(t, err)
	assert.Equal(t, sum, h.balance(t, accountID), "balance must equal the sum of the log")
}

// fund открывает аккаунт без стартового гранта и начисляет credits.
func (h *harness) fund(t *testing.T, accountID string, credits int64) {
	t.Helper()
	ctx := context.Background()
	_, err := h.store.CreateAccount(ctx, accountID, false)
	require.NoError(t, err)
	if credits > 0 {
		_, _, err = h.ledger.Grant(ctx, GrantRequest{
			AccountID: accountID, Amount: credits, Category: domain.CategoryPurchase,
			Reference: "seed-" + accountID,
		})
		require.NoError(t, err)
	}
}

func signStripe(payload []byte) http.Header {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(stripeSecret))
	mac.Write([]byte(fmt.Sprintf("%d.%s", ts, payload)))
	h := http.Header{}
	h.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil))))
	return h
}

func checkoutEvent(eventID, accountID, customerID string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"object":"event","type":"checkout.session.completed","created":1700000000,
        "data":{"object":{"id":"cs_%s","object":"checkout.session","mode":"payment","payment_status":"paid",
        "client_reference_id":%q,"customer":%q,"payment_intent":"pi_%s","metadata":{"pack":"starter"}}}}`,
		eventID, eventID, accountID, customerID, eventID))
}

func TestOpenAccountGrantsSignupOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		acc, err := h.ledger.OpenAccount(ctx, "acc-1", false)
		require.NoError(t, err)
		assert.Equal(t, int64(30), acc.Balance)
	}

	beta, err := h.ledger.OpenAccount(ctx, "acc-beta", true)
	require.NoError(t, err)
	assert.Equal(t, int64(120), beta.Balance)
	assert.True(t, beta.Beta)

	_, err = h.ledger.OpenAccount(ctx, "  ", false)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	h.assertConserved(t, "acc-1")
}

func TestManualGrantIsIdempotentByReference(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "acc-1", 0)

	req := GrantRequest{AccountID: "acc-1", Amount: 50, Category: domain.CategoryRefund, Reference: "ticket-17"}
	first, applied, err := h.ledger.Grant(ctx, req)
	require.NoError(t, err)
	assert.True(t, applied)

	again, applied, err := h.ledger.Grant(ctx, req)
	require.NoError(t, err)
	assert.False(t, applied)
	require.NotNil(t, again)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, int64(50), h.balance(t, "acc-1"))

	_, _, err = h.ledger.Grant(ctx, GrantRequest{AccountID: "acc-1", Amount: 5, Category: domain.CategoryUsage, Reference: "x"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, _, err = h.ledger.Grant(ctx, GrantRequest{AccountID: "acc-1", Amount: -500, Category: domain.CategoryRefund, Reference: "y"})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
}

func TestSubmitJobRequiresBalance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "empty", 0)
	h.fund(t, "acc-1", 5)

	_, err := h.jobs.SubmitJob(ctx, SubmitJobRequest{AccountID: "empty"})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	_, err = h.jobs.SubmitJob(ctx, SubmitJobRequest{AccountID: "acc-1", EstimatedCredits: 6})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	job, err := h.jobs.SubmitJob(ctx, SubmitJobRequest{AccountID: "acc-1", JobID: "job-1", EstimatedCredits: 5})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, job.Status)

	// повторная отправка с тем же id возвращает ту же задачу
	again, err := h.jobs.SubmitJob(ctx, SubmitJobRequest{AccountID: "acc-1", JobID: "job-1", EstimatedCredits: 5})
	require.NoError(t, err)
	assert.Equal(t, job.ID, again.ID)

	h.fund(t, "acc-2", 5)
	_, err = h.jobs.SubmitJob(ctx, SubmitJobRequest{AccountID: "acc-2", JobID: "job-1"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	// допуск ничего не списывает
	assert.Equal(t, int64(5), h.balance(t, "acc-1"))
}

func TestCompleteJobChargesRoundedUpMinutes(t *testing.T) {
	cases := []struct {
		seconds int64
		cost    int64
	}{
		{0, 0},
		{1, 1},
		{60, 1},
		{61, 2},
		{125, 3},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%ds", tc.seconds), func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			h.fund(t, "acc-1", 10)

			job, err := h.jobs.SubmitJob(ctx, SubmitJobRequest{AccountID: "acc-1"})
			require.NoError(t, err)
			done, err := h.jobs.CompleteJob(ctx, job.ID, tc.seconds)
			require.NoError(t, err)

			assert.Equal(t, domain.JobStatusCompleted, done.Status)
			require.NotNil(t, done.CreditsCharged)
			assert.Equal(t, tc.cost, *done.CreditsCharged)
			assert.Equal(t, 10-tc.cost, h.balance(t, "acc-1"))
			h.assertConserved(t, "acc-1")
		})
	}
}

func TestCompleteJobReplayChargesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "acc-1", 100)
	job, err := h.jobs.SubmitJob(ctx, SubmitJobRequest{AccountID: "acc-1"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.jobs.CompleteJob(ctx, job.ID, 150)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for i := 0; i < 3; i++ {
		_, err := h.jobs.CompleteJob(ctx, job.ID, 150)
		require.NoError(t, err)
	}

	txns, err := h.store.TransactionsForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, int64(-3), txns[0].Amount)
	assert.Equal(t, int64(97), h.balance(t, "acc-1"))
	assert.Len(t, h.publisher.jobs, 1)
}

func TestCompleteJobInsufficientFunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "acc-1", 2)
	job, err := h.jobs.SubmitJob(ctx, SubmitJobRequest{AccountID: "acc-1"})
	require.NoError(t, err)

	failed, err := h.jobs.CompleteJob(ctx, job.ID, 300)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	require.NotNil(t, failed)
	assert.Equal(t, domain.JobStatusFailed, failed.Status)
	require.NotNil(t, failed.CreditsCharged)
	assert.Equal(t, int64(0), *failed.CreditsCharged)
	assert.Equal(t, int64(2), h.balance(t, "acc-1"))

	txns, err := h.store.TransactionsForJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, txns)

	// повтор после отказа ничего не меняет
	again, err := h.jobs.CompleteJob(ctx, job.ID, 300)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, again.Status)
	assert.Equal(t, int64(2), h.balance(t, "acc-1"))
	h.assertConserved(t, "acc-1")
}

func TestConcurrentCompletionsNeverOverdraw(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "acc-1", 10)

	const n = 8
	jobs := make([]string, 0, n)
	for i := 0; i < n; i++ {
		job, err := h.jobs.SubmitJob(ctx, SubmitJobRequest{AccountID: "acc-1"})
		require.NoError(t, err)
		jobs = append(jobs, job.ID)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed int
		failed    int
	)
	for _, id := range jobs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			// 3 минуты: баланса хватает только на часть задач
			job, err := h.jobs.CompleteJob(ctx, id, 180)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				assert.Equal(t, domain.JobStatusCompleted, job.Status)
				completed++
			case errors.Is(err, domain.ErrInsufficientFunds):
				assert.Equal(t, domain.JobStatusFailed, job.Status)
				failed++
			default:
				t.Errorf("job %s: unexpected error %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	usage := 0
	for _, id := range jobs {
		txns, err := h.store.TransactionsForJob(ctx, id)
		require.NoError(t, err)
		for _, txn := range txns {
			if txn.Category == domain.CategoryUsage {
				assert.Equal(t, int64(-3), txn.Amount)
				usage++
			}
		}
	}

	assert.Equal(t, 3, completed)
	assert.Equal(t, completed, usage)
	assert.Equal(t, n, usage+failed)
	balance := h.balance(t, "acc-1")
	assert.GreaterOrEqual(t, balance, int64(0))
	assert.Equal(t, int64(10-3*completed), balance)
	h.assertConserved(t, "acc-1")
}

func TestJobTransitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "acc-1", 10)

	completed, err := h.jobs.SubmitJob(ctx, SubmitJobRequest{AccountID: "acc-1"})
	require.NoError(t, err)
	_, err = h.jobs.CompleteJob(ctx, completed.ID, 60)
	require.NoError(t, err)
	// завершённая задача не переходит в другой итог
	late, err := h.jobs.FailJob(ctx, completed.ID, "late failure")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, late.Status)
	assert.Nil(t, late.Error)

	failed, err := h.jobs.SubmitJob(ctx, SubmitJobRequest{AccountID: "acc-1"})
	require.NoError(t, err)
	out, err := h.jobs.FailJob(ctx, failed.ID, "decoder crashed")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, out.Status)
	require.NotNil(t, out.Error)
	assert.Equal(t, "decoder crashed", *out.Error)

	_, err = h.jobs.FailJob(ctx, failed.ID, "again")
	require.NoError(t, err)
	out, err = h.jobs.CompleteJob(ctx, failed.ID, 60)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, out.Status)
	assert.Equal(t, "decoder crashed", *out.Error)

	_, err = h.jobs.CompleteJob(ctx, "missing", 60)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.jobs.CompleteJob(ctx, failed.ID, -1)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	assert.Equal(t, int64(9), h.balance(t, "acc-1"))
}

func TestFailJobRefundsPriorCharges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "acc-1", 10)
	job, err := h.jobs.SubmitJob(ctx, SubmitJobRequest{AccountID: "acc-1"})
	require.NoError(t, err)

	// частичное списание по задаче, сделанное в обход CompleteJob
	_, _, err = h.store.ApplyTransaction(ctx, domain.TransactionRequest{
		AccountID: "acc-1", Amount: -4, Category: domain.CategoryUsage,
		NaturalKey: "partial:" + domain.NaturalKey(job.ID), References: domain.References{JobID: job.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(6), h.balance(t, "acc-1"))

	for i := 0; i < 3; i++ {
		_, err = h.jobs.FailJob(ctx, job.ID, "worker lost")
		require.NoError(t, err)
	}

	txns, err := h.store.TransactionsForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, domain.CategoryRefund, txns[1].Category)
	assert.Equal(t, int64(4), txns[1].Amount)
	assert.Equal(t, txns[0].ID, txns[1].Metadata["original_transaction_id"])
	assert.Equal(t, int64(10), h.balance(t, "acc-1"))
	h.assertConserved(t, "acc-1")
}

func activated(eventID, subID string, periodEnd time.Time, occurred time.Time) domain.SubscriptionActivated {
	return domain.SubscriptionActivated{
		EventMeta: domain.EventMeta{
			Provider: "stripe", EventID: eventID, EventType: "customer.subscription.updated", OccurredAt: occurred,
		},
		AccountID:              "acc-1",
		CustomerID:             "cus_1",
		ProviderSubscriptionID: subID,
		PlanID:                 "pro",
		Seats:                  1,
		PeriodStart:            periodEnd.AddDate(0, -1, 0),
		PeriodEnd:              periodEnd,
	}
}

func TestReconcileActivationAndRenewal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "acc-1", 0)

	jan := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	status, err := h.reconciler.Reconcile(ctx, activated("evt_1", "sub_1", jan, jan.AddDate(0, -1, 0)))
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookEventStatusProcessed, status)
	assert.Equal(t, int64(500), h.balance(t, "acc-1"))

	// та же доставка ещё раз
	status, err = h.reconciler.Reconcile(ctx, activated("evt_1", "sub_1", jan, jan.AddDate(0, -1, 0)))
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookEventStatusDuplicate, status)

	// другое событие про тот же период не даёт второго гранта
	status, err = h.reconciler.Reconcile(ctx, activated("evt_2", "sub_1", jan, jan.AddDate(0, 0, -20)))
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookEventStatusProcessed, status)
	assert.Equal(t, int64(500), h.balance(t, "acc-1"))

	status, err = h.reconciler.Reconcile(ctx, activated("evt_3", "sub_1", feb, jan))
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookEventStatusProcessed, status)
	assert.Equal(t, int64(1000), h.balance(t, "acc-1"))

	sub, err := h.ledger.GetSubscription(ctx, "acc-1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.True(t, sub.PeriodEnd.Equal(feb))
	assert.Equal(t, domain.SubscriptionStatusActive, sub.Status)
	h.assertConserved(t, "acc-1")
}

func TestReconcileOutOfOrderUpdateIsStale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "acc-1", 0)

	jan := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	_, err := h.reconciler.Reconcile(ctx, activated("evt_feb", "sub_1", feb, jan))
	require.NoError(t, err)

	status, err := h.reconciler.Reconcile(ctx, activated("evt_jan", "sub_1", jan, jan.AddDate(0, -1, 0)))
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookEventStatusStale, status)

	sub, err := h.store.SubscriptionByProviderID(ctx, "stripe", "sub_1")
	require.NoError(t, err)
	assert.True(t, sub.PeriodEnd.Equal(feb), "period end must not regress")
	assert.Equal(t, int64(500), h.balance(t, "acc-1"))
}

func TestReconcileSubscriptionEnded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "acc-1", 0)
	jan := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := h.reconciler.Reconcile(ctx, activated("evt_1", "sub_1", jan, jan.AddDate(0, -1, 0)))
	require.NoError(t, err)

	ended := domain.SubscriptionEnded{
		EventMeta:              domain.EventMeta{Provider: "stripe", EventID: "evt_del", EventType: "customer.subscription.deleted", OccurredAt: jan},
		ProviderSubscriptionID: "sub_1",
		Reason:                 "deleted",
		PeriodEnd:              jan,
	}
	status, err := h.reconciler.Reconcile(ctx, ended)
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookEventStatusProcessed, status)

	status, err = h.reconciler.Reconcile(ctx, ended)
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookEventStatusDuplicate, status)

	sub, err := h.store.SubscriptionByProviderID(ctx, "stripe", "sub_1")
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusCancelled, sub.Status)
	assert.True(t, sub.CancelAtPeriodEnd)
	// выданные кредиты остаются
	assert.Equal(t, int64(500), h.balance(t, "acc-1"))

	unknown := ended
	unknown.EventID = "evt_other"
	unknown.ProviderSubscriptionID = "sub_unknown"
	status, err = h.reconciler.Reconcile(ctx, unknown)
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookEventStatusProcessed, status)

	end, err := h.store.SubscriptionEndByProviderID(ctx, "stripe", "sub_unknown")
	require.NoError(t, err)
	assert.Equal(t, "evt_other", end.EventID)
}

func TestReconcileEndBeforeActivation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "acc-1", 0)

	jan := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	dec1 := time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
	dec31 := time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)

	ended := domain.SubscriptionEnded{
		EventMeta:              domain.EventMeta{Provider: "stripe", EventID: "evt_del", EventType: "customer.subscription.deleted", OccurredAt: dec31},
		ProviderSubscriptionID: "sub_1",
		Reason:                 "deleted",
	}
	status, err := h.reconciler.Reconcile(ctx, ended)
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookEventStatusProcessed, status)

	// активация старше окончания
	status, err = h.reconciler.Reconcile(ctx, activated("evt_1", "sub_1", jan, dec1))
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookEventStatusStale, status)

	status, err = h.reconciler.Reconcile(ctx, ended)
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookEventStatusDuplicate, status)

	sub, err := h.store.SubscriptionByProviderID(ctx, "stripe", "sub_1")
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusCancelled, sub.Status)
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.True(t, sub.PeriodEnd.Equal(jan))

	// за закончившийся период кредиты не выдаются
	assert.Equal(t, int64(0), h.balance(t, "acc-1"))
	claimed, err := h.store.IsClaimed(ctx, domain.SubscriptionPeriodKey("stripe", "sub_1", jan))
	require.NoError(t, err)
	assert.False(t, claimed)

	// новый период после отмены снова активирует подписку
	feb := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	status, err = h.reconciler.Reconcile(ctx, activated("evt_2", "sub_1", feb, jan.AddDate(0, 0, 2)))
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookEventStatusProcessed, status)
	sub, err = h.store.SubscriptionByProviderID(ctx, "stripe", "sub_1")
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, int64(500), h.balance(t, "acc-1"))
	h.assertConserved(t, "acc-1")
}

func TestReconcileNewerActivationOutlivesRecordedEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "acc-1", 0)

	jan := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	ended := domain.SubscriptionEnded{
		EventMeta:              domain.EventMeta{Provider: "stripe", EventID: "evt_del", EventType: "customer.subscription.deleted", OccurredAt: jan},
		ProviderSubscriptionID: "sub_1",
		PeriodEnd:              jan,
	}
	_, err := h.reconciler.Reconcile(ctx, ended)
	require.NoError(t, err)

	status, err := h.reconciler.Reconcile(ctx, activated("evt_1", "sub_1", feb, jan.AddDate(0, 0, 1)))
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookEventStatusProcessed, status)

	sub, err := h.store.SubscriptionByProviderID(ctx, "stripe", "sub_1")
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, int64(500), h.balance(t, "acc-1"))
}

func TestReconcileUnknownAccount(t *testing.T) {
	h := newHarness(t)
	jan := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := h.reconciler.Reconcile(context.Background(), activated("evt_1", "sub_1", jan, jan))
	assert.ErrorIs(t, err, domain.ErrUnresolvedAccount)

	// ключ не захвачен: после появления аккаунта событие применится
	claimed, err := h.store.IsClaimed(context.Background(), domain.WebhookKey("stripe", "evt_1"))
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestWebhookPurchaseAndUsageEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.ledger.OpenAccount(ctx, "acc-1", false)
	require.NoError(t, err)
	assert.Equal(t, int64(30), h.balance(t, "acc-1"))

	payload := checkoutEvent("evt_100", "acc-1", "cus_1")
	first, err := h.webhooks.Ingest(ctx, "stripe", payload, signStripe(payload))
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookEventStatusProcessed, first.Status)

	second, err := h.webhooks.Ingest(ctx, "stripe", payload, signStripe(payload))
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookEventStatusDuplicate, second.Status)
	assert.Equal(t, int64(150), h.balance(t, "acc-1"))

	job, err := h.jobs.SubmitJob(ctx, SubmitJobRequest{AccountID: "acc-1", EstimatedCredits: 3})
	require.NoError(t, err)
	_, err = h.jobs.CompleteJob(ctx, job.ID, 125)
	require.NoError(t, err)
	assert.Equal(t, int64(147), h.balance(t, "acc-1"))

	page, err := h.ledger.ListTransactions(ctx, "acc-1", 10, "")
	require.NoError(t, err)
	require.Len(t, page.Transactions, 3)
	assert.Equal(t, int64(-3), page.Transactions[0].Amount)
	assert.Equal(t, domain.CategoryUsage, page.Transactions[0].Category)
	assert.Equal(t, int64(120), page.Transactions[1].Amount)
	assert.Equal(t, domain.CategoryPurchase, page.Transactions[1].Category)
	require.NotNil(t, page.Transactions[1].ProviderPaymentID)
	assert.Equal(t, "pi_evt_100", *page.Transactions[1].ProviderPaymentID)

	inbox, err := h.webhooks.GetEvent(ctx, "stripe", "evt_100")
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookEventStatusProcessed, inbox.Status)
	assert.Equal(t, 2, inbox.AttemptCount)

	// клиент привязан к аккаунту после первой оплаты
	accountID, err := h.customers.ResolveAccount(ctx, "stripe", "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "acc-1", accountID)
	h.assertConserved(t, "acc-1")
}

func TestWebhookUnresolvedAccountIsAcknowledged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "acc-1", 0)

	payload := checkoutEvent("evt_200", "", "cus_new")
	res, err := h.webhooks.Ingest(ctx, "stripe", payload, signStripe(payload))
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookEventStatusUnresolved, res.Status)
	assert.Contains(t, h.publisher.alertKinds(), AlertUnresolvedAccount)
	assert.Equal(t, int64(0), h.balance(t, "acc-1"))

	_, err = h.customers.LinkCustomer(ctx, LinkCustomerRequest{Provider: "stripe", CustomerID: "cus_new", AccountID: "acc-1"})
	require.NoError(t, err)

	res, err = h.webhooks.Ingest(ctx, "stripe", payload, signStripe(payload))
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookEventStatusProcessed, res.Status)
	assert.Equal(t, int64(120), h.balance(t, "acc-1"))

	unresolved, err := h.webhooks.ListEvents(ctx, domain.WebhookEventStatusUnresolved, 10)
	require.NoError(t, err)
	assert.Empty(t, unresolved)
}

func TestWebhookUnknownLocalAccountIsUnresolved(t *testing.T) {
	h := newHarness(t)
	payload := checkoutEvent("evt_300", "acc-ghost", "cus_3")

	res, err := h.webhooks.Ingest(context.Background(), "stripe", payload, signStripe(payload))
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookEventStatusUnresolved, res.Status)

	ev, err := h.webhooks.GetEvent(context.Background(), "stripe", "evt_300")
	require.NoError(t, err)
	require.NotNil(t, ev.ErrorMessage)
	assert.Contains(t, *ev.ErrorMessage, "acc-ghost")
}

func TestWebhookRejectsUnauthenticatedAndUnknownProvider(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	payload := checkoutEvent("evt_400", "acc-1", "cus_1")

	_, err := h.webhooks.Ingest(ctx, "stripe", payload, http.Header{})
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)

	_, err = h.webhooks.Ingest(ctx, "paypal", payload, signStripe(payload))
	assert.ErrorIs(t, err, domain.ErrUnknownProvider)

	events, err := h.webhooks.ListEvents(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestWebhookMalformedAndUnrecognized(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	malformed := []byte(`{"id":"evt_500","object":"event","type":"checkout.session.completed","created":1700000000,
        "data":{"object":{"id":"cs_500","mode":"payment","payment_status":"paid","client_reference_id":"acc-1"}}}`)
	res, err := h.webhooks.Ingest(ctx, "stripe", malformed, signStripe(malformed))
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookEventStatusFailed, res.Status)
	assert.Contains(t, h.publisher.alertKinds(), AlertMalformedEvent)

	other := []byte(`{"id":"evt_501","object":"event","type":"invoice.created","created":1700000000,"data":{"object":{"id":"in_1"}}}`)
	res, err = h.webhooks.Ingest(ctx, "stripe", other, signStripe(other))
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookEventStatusIgnored, res.Status)
	assert.Equal(t, domain.EventKindUnrecognized, res.Kind)
}

func TestWebhookSubscriptionFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "acc-1", 0)

	periodEnd := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).Unix()
	payload := []byte(fmt.Sprintf(`{"id":"evt_sub_1","object":"event","type":"customer.subscription.created","created":1700000000,
        "data":{"object":{"id":"sub_9","object":"subscription","status":"active","customer":"cus_9",
        "current_period_start":%d,"current_period_end":%d,"metadata":{"account_id":"acc-1","plan":"pro"}}}}`,
		periodEnd-30*24*3600, periodEnd))

	res, err := h.webhooks.Ingest(ctx, "stripe", payload, signStripe(payload))
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookEventStatusProcessed, res.Status)
	assert.Equal(t, domain.EventKindSubscriptionActivated, res.Kind)
	assert.Equal(t, int64(500), h.balance(t, "acc-1"))

	sub, err := h.ledger.GetSubscription(ctx, "acc-1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "pro", sub.PlanID)

	none, err := h.ledger.GetSubscription(ctx, "acc-2")
	require.NoError(t, err)
	assert.Nil(t, none)
}
