package repository

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/Dhoini/credit-ledger/internal/db"
	"github.com/Dhoini/credit-ledger/internal/domain"
	"github.com/Dhoini/credit-ledger/pkg/logger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	client, err := db.OpenSQLiteMemory(logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = db.Migrate(context.Background(), client.DB(), logger.NewNop())
	require.NoError(t, err)
	return NewStore(client.DB(), logger.NewNop())
}

func newAccount(t *testing.T, s *Store, id string, balance int64) {
	t.Helper()
	ctx := context.Background()
	created, err := s.CreateAccount(ctx, id, false)
	require.NoError(t, err)
	require.True(t, created)
	if balance > 0 {
		_, _, err := s.ApplyTransaction(ctx, domain.TransactionRequest{
			AccountID: id, Amount: balance, Category: domain.CategoryPurchase, Description: "seed",
		})
		require.NoError(t, err)
	}
}

func TestCreateAccountIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateAccount(ctx, "acc-1", true)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.CreateAccount(ctx, "acc-1", false)
	require.NoError(t, err)
	assert.False(t, created)

	acc, err := s.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Zero(t, acc.Balance)
	assert.True(t, acc.Beta)

	_, err = s.GetAccount(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestApplyTransactionUpdatesBalanceAndLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newAccount(t, s, "acc-1", 0)

	txn, applied, err := s.ApplyTransaction(ctx, domain.TransactionRequest{
		AccountID:   "acc-1",
		Amount:      120,
		Category:    domain.CategoryPurchase,
		Description: "pack",
		NaturalKey:  domain.WebhookKey("stripe", "evt_1"),
		References:  domain.References{ProviderPaymentID: "pi_1"},
		Metadata:    domain.Metadata{"pack": "starter"},
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(120), txn.BalanceAfter)
	require.NotNil(t, txn.ProviderPaymentID)
	assert.Equal(t, "pi_1", *txn.ProviderPaymentID)

	balance, err := s.GetBalance(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(120), balance)

	stored, err := s.TransactionByKey(ctx, domain.WebhookKey("stripe", "evt_1"))
	require.NoError(t, err)
	assert.Equal(t, txn.ID, stored.ID)
	assert.Equal(t, "starter", stored.Metadata["pack"])

	rec, err := s.GetIdempotencyRecord(ctx, domain.WebhookKey("stripe", "evt_1"))
	require.NoError(t, err)
	require.NotNil(t, rec.TransactionID)
	assert.Equal(t, txn.ID, *rec.TransactionID)
}

func TestApplyTransactionReplayIsNoop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newAccount(t, s, "acc-1", 0)

	req := domain.TransactionRequest{
		AccountID:  "acc-1",
		Amount:     50,
		Category:   domain.CategoryPurchase,
		NaturalKey: domain.WebhookKey("stripe", "evt_replay"),
	}
	first, applied, err := s.ApplyTransaction(ctx, req)
	require.NoError(t, err)
	require.True(t, applied)

	for i := 0; i < 5; i++ {
		again, applied, err := s.ApplyTransaction(ctx, req)
		require.NoError(t, err)
		assert.False(t, applied)
		require.NotNil(t, again)
		assert.Equal(t, first.ID, again.ID)
	}

	balance, err := s.GetBalance(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance)

	page, err := s.ListTransactions(ctx, "acc-1", 10, "")
	require.NoError(t, err)
	assert.Len(t, page.Transactions, 1)
}

func TestApplyTransactionConcurrentReplay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newAccount(t, s, "acc-1", 0)

	req := domain.TransactionRequest{
		AccountID:  "acc-1",
		Amount:     10,
		Category:   domain.CategoryPurchase,
		NaturalKey: domain.WebhookKey("lemonsqueezy", "order_created:orders:1:x"),
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.ApplyTransaction(ctx, req)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	balance, err := s.GetBalance(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)
}

func TestApplyTransactionInsufficientFunds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newAccount(t, s, "acc-1", 2)

	_, applied, err := s.ApplyTransaction(ctx, domain.TransactionRequest{
		AccountID:  "acc-1",
		Amount:     -5,
		Category:   domain.CategoryUsage,
		NaturalKey: domain.JobKey("job-1", domain.JobTransitionComplete),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.False(t, applied)

	balance, err := s.GetBalance(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), balance)

	// неудачное списание не занимает ключ
	claimed, err := s.IsClaimed(ctx, domain.JobKey("job-1", domain.JobTransitionComplete))
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestApplyTransactionUnknownAccount(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.ApplyTransaction(context.Background(), domain.TransactionRequest{
		AccountID: "ghost", Amount: 5, Category: domain.CategoryPurchase,
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestApplyTransactionRejectsInvalidRequest(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.ApplyTransaction(context.Background(), domain.TransactionRequest{
		AccountID: "acc-1", Amount: 5, Category: domain.CategoryUsage,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestInTxRollsBackEverything(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newAccount(t, s, "acc-1", 10)

	boom := errors.New("boom")
	err := s.InTx(ctx, func(ctx context.Context, tx *Store) error {
		if _, _, err := tx.ApplyTransaction(ctx, domain.TransactionRequest{
			AccountID: "acc-1", Amount: 7, Category: domain.CategoryPurchase,
			NaturalKey: domain.ManualKey("rollback"),
		}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	balance, err := s.GetBalance(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)

	claimed, err := s.IsClaimed(ctx, domain.ManualKey("rollback"))
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestInTxIgnoresCallerCancellation(t *testing.T) {
	s := newTestStore(t)
	newAccount(t, s, "acc-1", 0)

	ctx, cancel := context.WithCancel(context.Background())
	err := s.InTx(ctx, func(txCtx context.Context, tx *Store) error {
		cancel()
		_, _, err := tx.ApplyTransaction(txCtx, domain.TransactionRequest{
			AccountID: "acc-1", Amount: 3, Category: domain.CategoryPurchase,
		})
		return err
	})
	require.NoError(t, err)

	balance, err := s.GetBalance(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), balance)
}

func TestBalanceEqualsSumOfTransactions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newAccount(t, s, "acc-1", 30)

	steps := []struct {
		req     domain.TransactionRequest
		wantErr error
	}{
		{req: domain.TransactionRequest{AccountID: "acc-1", Amount: 120, Category: domain.CategorySubscriptionGrant}},
		{req: domain.TransactionRequest{AccountID: "acc-1", Amount: -3, Category: domain.CategoryUsage}},
		{req: domain.TransactionRequest{AccountID: "acc-1", Amount: -500, Category: domain.CategoryUsage}, wantErr: domain.ErrInsufficientFunds},
		{req: domain.TransactionRequest{AccountID: "acc-1", Amount: 3, Category: domain.CategoryRefund}},
	}
	for i, step := range steps {
		_, _, err := s.ApplyTransaction(ctx, step.req)
		if step.wantErr != nil {
			require.ErrorIs(t, err, step.wantErr, "step %d", i)
		} else {
			require.NoError(t, err, "step %d", i)
		}
		assertConserved(t, s, "acc-1")
	}

	balance, err := s.GetBalance(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), balance)
}

func TestBalanceConservedOverRandomSequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newAccount(t, s, "acc-1", 0)

	rng := rand.New(rand.NewSource(20250101))
	var (
		expected int64
		applied  []domain.TransactionRequest
	)
	for i := 0; i < 300; i++ {
		switch op := rng.Intn(3); {
		case op == 2 && len(applied) > 0:
			// повтор уже применённой операции ничего не меняет
			req := applied[rng.Intn(len(applied))]
			_, ok, err := s.ApplyTransaction(ctx, req)
			require.NoError(t, err, "step %d replay %s", i, req.NaturalKey)
			assert.False(t, ok, "step %d replay %s", i, req.NaturalKey)
		case op == 1:
			amount := rng.Int63n(40) + 1
			req := domain.TransactionRequest{
				AccountID: "acc-1", Amount: -amount, Category: domain.CategoryUsage,
				NaturalKey: domain.JobKey(fmt.Sprintf("job-%d", i), domain.JobTransitionComplete),
			}
			_, ok, err := s.ApplyTransaction(ctx, req)
			if amount > expected {
				require.ErrorIs(t, err, domain.ErrInsufficientFunds, "step %d", i)
				assert.False(t, ok)
				break
			}
			require.NoError(t, err, "step %d", i)
			require.True(t, ok)
			expected -= amount
			applied = append(applied, req)
		default:
			amount := rng.Int63n(50) + 1
			req := domain.TransactionRequest{
				AccountID: "acc-1", Amount: amount, Category: domain.CategoryPurchase,
				NaturalKey: domain.WebhookKey("stripe", fmt.Sprintf("evt_%d", i)),
			}
			_, ok, err := s.ApplyTransaction(ctx, req)
			require.NoError(t, err, "step %d", i)
			require.True(t, ok)
			expected += amount
			applied = append(applied, req)
		}

		balance := assertConserved(t, s, "acc-1")
		require.GreaterOrEqual(t, balance, int64(0), "step %d", i)
		require.Equal(t, expected, balance, "step %d", i)
	}
}

// assertConserved проверяет, что баланс равен сумме журнала, и возвращает его.
func assertConserved(t *testing.T, s *Store, accountID string) int64 {
	t.Helper()
	ctx := context.Background()
	balance, err := s.GetBalance(ctx, accountID)
	require.NoError(t, err)
	sum, err := s.SumTransactions(ctx, accountID)
	require.NoError(t, err)
	require.Equal(t, sum, balance, "balance must equal the sum of the log")
	return balance
}

func TestListTransactionsPaginates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newAccount(t, s, "acc-1", 0)

	for i := 0; i < 5; i++ {
		_, _, err := s.ApplyTransaction(ctx, domain.TransactionRequest{
			AccountID: "acc-1", Amount: int64(i + 1), Category: domain.CategoryPurchase,
		})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	first, err := s.ListTransactions(ctx, "acc-1", 2, "")
	require.NoError(t, err)
	require.Len(t, first.Transactions, 2)
	require.NotEmpty(t, first.NextCursor)
	assert.Equal(t, int64(5), first.Transactions[0].Amount)

	var all []domain.Transaction
	all = append(all, first.Transactions...)
	cursor := first.NextCursor
	for cursor != "" {
		page, err := s.ListTransactions(ctx, "acc-1", 2, cursor)
		require.NoError(t, err)
		all = append(all, page.Transactions...)
		cursor = page.NextCursor
	}
	require.Len(t, all, 5)
	assert.Equal(t, int64(1), all[4].Amount)
}

func TestHasSufficientBalance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newAccount(t, s, "acc-1", 4)

	ok, err := s.HasSufficientBalance(ctx, "acc-1", 4)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.HasSufficientBalance(ctx, "acc-1", 5)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.HasSufficientBalance(ctx, "ghost", 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestClaimOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := domain.JobKey("job-9", domain.JobTransitionFail)

	ok, err := s.ClaimOnce(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimOnce(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	rec, err := s.GetIdempotencyRecord(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, rec.TransactionID)

	_, err = s.ClaimOnce(ctx, "")
	assert.Error(t, err)
}

func TestNewIDIsTimeOrderedV7(t *testing.T) {
	prev := ""
	for i := 0; i < 100; i++ {
		id, err := newID()
		require.NoError(t, err)
		parsed, err := uuid.Parse(id)
		require.NoError(t, err)
		assert.Equal(t, uuid.Version(7), parsed.Version())
		assert.Greater(t, id, prev, "ids must grow so they can serve as a cursor")
		prev = id
	}
}
