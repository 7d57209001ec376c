package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Dhoini/credit-ledger/internal/domain"
	"github.com/Dhoini/credit-ledger/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewLedgerMetrics(registry, logger.NewNop()).(*ledgerMetrics)

	m.IncTransactionApplied("purchase", 120)
	m.IncTransactionApplied("usage", -3)
	m.IncTransactionApplied("usage", -2)
	m.IncWebhook("stripe", "processed")
	m.IncWebhook("stripe", "duplicate")
	m.IncJobResolved("completed")
	m.IncInsufficientFunds("complete_job")
	m.IncOperatorAlert("unresolved_account")
	m.ObserveOperation("apply_transaction", time.Now())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.transactions.WithLabelValues("purchase")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.transactions.WithLabelValues("usage")))
	assert.Equal(t, 120.0, testutil.ToFloat64(m.credits.WithLabelValues("purchase", "credit")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.credits.WithLabelValues("usage", "debit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhooks.WithLabelValues("stripe", "duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.alerts.WithLabelValues("unresolved_account")))

	count, err := testutil.GatherAndCount(registry, "ledger_operation_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

type stubStats struct {
	stats *domain.LedgerStats
	err   error
}

func (s stubStats) Stats(context.Context) (*domain.LedgerStats, error) {
	return s.stats, s.err
}

func TestStateSamplerSetsGauges(t *testing.T) {
	registry := prometheus.NewRegistry()
	source := stubStats{stats: &domain.LedgerStats{Accounts: 3, OutstandingCredits: 420, OpenJobs: 2, PendingWebhooks: 1}}
	s := NewStateSampler(registry, source, logger.NewNop()).(*stateSampler)

	require.NoError(t, s.Sample(context.Background()))
	assert.Equal(t, 3.0, testutil.ToFloat64(s.accounts))
	assert.Equal(t, 420.0, testutil.ToFloat64(s.outstanding))
	assert.Equal(t, 2.0, testutil.ToFloat64(s.openJobs))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.pending))
	assert.Positive(t, testutil.ToFloat64(s.goroutines))
	assert.Positive(t, testutil.ToFloat64(s.lastSample))
}

func TestStateSamplerCountsFailures(t *testing.T) {
	registry := prometheus.NewRegistry()
	s := NewStateSampler(registry, stubStats{err: errors.New("db down")}, logger.NewNop()).(*stateSampler)

	assert.Error(t, s.Sample(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.failures))
	assert.Zero(t, testutil.ToFloat64(s.lastSample))
}

func TestStateSamplerStopIsIdempotent(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewStateSampler(registry, nil, logger.NewNop())

	m.StartRecording(10 * time.Millisecond)
	m.Stop()
	m.Stop()

	count, err := testutil.GatherAndCount(registry, "ledger_goroutines")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
