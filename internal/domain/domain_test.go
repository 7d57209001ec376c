package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCostForDuration(t *testing.T) {
	tests := []struct {
		seconds int64
		want    int64
	}{
		{0, 0},
		{-5, 0},
		{1, 1},
		{59, 1},
		{60, 1},
		{61, 2},
		{125, 3},
		{3600, 60},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CostForDuration(tt.seconds), "duration %d", tt.seconds)
	}
}

func TestSubscriptionIsStale(t *testing.T) {
	end := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	lastEvent := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	sub := &Subscription{PeriodEnd: end, LastEventAt: &lastEvent}

	assert.True(t, sub.IsStale(end.AddDate(0, -1, 0), time.Time{}), "earlier period")
	assert.False(t, sub.IsStale(end.AddDate(0, 1, 0), lastEvent.Add(-time.Hour)), "later period wins over event time")
	assert.False(t, sub.IsStale(end, time.Time{}), "equal period without event time")
	assert.False(t, sub.IsStale(end, lastEvent.Add(time.Minute)), "equal period newer event")
	assert.True(t, sub.IsStale(end, lastEvent.Add(-time.Minute)), "equal period older event")
}

func TestSubscriptionEndSupersedes(t *testing.T) {
	periodEnd := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	occurred := time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)
	end := &SubscriptionEnd{PeriodEnd: &periodEnd, OccurredAt: &occurred}

	assert.True(t, end.Supersedes(periodEnd.AddDate(0, -1, 0), occurred.AddDate(0, 1, 0)), "earlier period")
	assert.False(t, end.Supersedes(periodEnd.AddDate(0, 1, 0), occurred.AddDate(0, -1, 0)), "later period")
	assert.True(t, end.Supersedes(periodEnd, occurred.Add(-time.Hour)), "same period older event")
	assert.False(t, end.Supersedes(periodEnd, occurred.Add(time.Hour)), "same period newer event")
	assert.True(t, end.Supersedes(periodEnd, time.Time{}), "no event time")

	bare := &SubscriptionEnd{OccurredAt: &occurred}
	assert.True(t, bare.Supersedes(periodEnd, occurred.AddDate(0, -1, 0)))
	assert.False(t, bare.Supersedes(periodEnd, occurred.AddDate(0, 0, 1)))
}

func TestTransactionRequestValidate(t *testing.T) {
	ok := TransactionRequest{AccountID: "acc", Amount: 10, Category: CategoryPurchase}
	require.NoError(t, ok.Validate())

	bad := []TransactionRequest{
		{Amount: 10, Category: CategoryPurchase},
		{AccountID: "acc", Category: CategoryPurchase},
		{AccountID: "acc", Amount: 1, Category: "gift"},
		{AccountID: "acc", Amount: 5, Category: CategoryUsage},
		{AccountID: "acc", Amount: -5, Category: CategorySubscriptionGrant},
	}
	for _, r := range bad {
		err := r.Validate()
		assert.True(t, errors.Is(err, ErrInvalidInput), "%+v", r)
	}
}

func TestMetadataScan(t *testing.T) {
	var m Metadata
	require.NoError(t, m.Scan(`{"pack":"starter","credits":120}`))
	assert.Equal(t, "starter", m["pack"])
	assert.EqualValues(t, 120, m["credits"])

	require.NoError(t, m.Scan(nil))
	assert.Empty(t, m)

	assert.Error(t, m.Scan(42))
}

func TestNaturalKeys(t *testing.T) {
	assert.Equal(t, NaturalKey("webhook:stripe:evt_1"), WebhookKey("stripe", "evt_1"))
	assert.Equal(t, NaturalKey("job:j1:complete"), JobKey("j1", JobTransitionComplete))
	assert.NotEqual(t, JobKey("j1", JobTransitionComplete), JobKey("j1", JobTransitionFail))

	end := time.Unix(1767225600, 0)
	assert.Equal(t, NaturalKey("subscription:lemonsqueezy:42:1767225600"), SubscriptionPeriodKey("lemonsqueezy", "42", end))
}

func TestErrorsIs(t *testing.T) {
	err := error(&UnresolvedAccountError{Provider: "stripe", EventID: "evt", CustomerID: "cus"})
	assert.ErrorIs(t, err, ErrUnresolvedAccount)

	err = NewStorageError("apply transaction", errors.New("connection refused"))
	assert.ErrorIs(t, err, ErrStorageFailure)
	assert.Nil(t, NewStorageError("noop", nil))

	assert.ErrorIs(t, NewNotFoundError("job", "j1"), ErrNotFound)
}
