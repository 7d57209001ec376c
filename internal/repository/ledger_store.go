package repository

import (
	"context"
	"fmt"

	"github.com/Dhoini/credit-ledger/internal/domain"
	"github.com/jmoiron/sqlx"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

const transactionColumns = `id, account_id, amount, category, description, natural_key,
       provider_payment_id, provider_subscription_id, job_id, metadata, balance_after, created_at`

// CreateAccount создаёт аккаунт с нулевым балансом. Повторный вызов ничего не меняет.
func (s *Store) CreateAccount(ctx context.Context, accountID string, beta bool) (bool, error) {
	now := s.now()
	res, err := s.q.ExecContext(ctx, s.rebind(`
        INSERT INTO accounts (id, balance, beta, created_at, updated_at)
        VALUES (?, 0, ?, ?, ?)
        ON CONFLICT (id) DO NOTHING`), accountID, beta, now, now)
	if err != nil {
		return false, storageErr("create account", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("create account", err)
	}
	return n == 1, nil
}

// GetAccount возвращает аккаунт по id.
func (s *Store) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	var acc domain.Account
	err := sqlx.GetContext(ctx, s.q, &acc, s.rebind(`
        SELECT id, balance, beta, created_at, updated_at
        FROM accounts
        WHERE id = ?`+s.forUpdate()), accountID)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.NewNotFoundError("account", accountID)
		}
		return nil, storageErr("get account", err)
	}
	return &acc, nil
}

// GetBalance текущий баланс аккаунта.
func (s *Store) GetBalance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := sqlx.GetContext(ctx, s.q, &balance, s.rebind(`SELECT balance FROM accounts WHERE id = ?`), accountID)
	if err != nil {
		if isNoRows(err) {
			return 0, domain.NewNotFoundError("account", accountID)
		}
		return 0, storageErr("get balance", err)
	}
	return balance, nil
}

// HasSufficientBalance проверяет баланс. Внутри InTx строка аккаунта блокируется
// до конца транзакции, так что проверка и последующее списание не разделены гонкой.
func (s *Store) HasSufficientBalance(ctx context.Context, accountID string, amount int64) (bool, error) {
	acc, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return false, err
	}
	return acc.CanAfford(amount), nil
}

// ApplyTransaction единственный путь изменения баланса.
// В одной транзакции: захват натурального ключа, изменение баланса, запись в журнал.
// Повтор ключа возвращает ранее записанную транзакцию (или nil) и applied=false.
func (s *Store) ApplyTransaction(ctx context.Context, req domain.TransactionRequest) (*domain.Transaction, bool, error) {
	if err := req.Validate(); err != nil {
		return nil, false, err
	}

	var (
		out     *domain.Transaction
		applied bool
	)
	err := s.InTx(ctx, func(ctx context.Context, tx *Store) error {
		if !req.NaturalKey.IsZero() {
			claimed, err := tx.ClaimOnce(ctx, req.NaturalKey)
			if err != nil {
				return err
			}
			if !claimed {
				prev, err := tx.TransactionByKey(ctx, req.NaturalKey)
				if err != nil && !isNotFound(err) {
					return err
				}
				out = prev
				return nil
			}
		}

		balance, err := tx.adjustBalance(ctx, req.AccountID, req.Amount)
		if err != nil {
			return err
		}

		id, err := newID()
		if err != nil {
			return err
		}
		txn := domain.Transaction{
			ID:                     id,
			AccountID:              req.AccountID,
			Amount:                 req.Amount,
			Category:               req.Category,
			Description:            req.Description,
			NaturalKey:             nullable(req.NaturalKey.String()),
			ProviderPaymentID:      nullable(req.References.ProviderPaymentID),
			ProviderSubscriptionID: nullable(req.References.ProviderSubscriptionID),
			JobID:                  nullable(req.References.JobID),
			Metadata:               req.Metadata,
			BalanceAfter:           balance,
			CreatedAt:              tx.now(),
		}
		if txn.Metadata == nil {
			txn.Metadata = domain.Metadata{}
		}
		if err := tx.insertTransaction(ctx, &txn); err != nil {
			return err
		}
		if !req.NaturalKey.IsZero() {
			if err := tx.attachTransaction(ctx, req.NaturalKey, txn.ID); err != nil {
				return err
			}
		}
		out = &txn
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, applied, nil
}

// adjustBalance меняет баланс; списание не может увести его ниже нуля.
func (s *Store) adjustBalance(ctx context.Context, accountID string, amount int64) (int64, error) {
	var (
		balance int64
		err     error
	)
	if amount < 0 {
		err = s.q.QueryRowxContext(ctx, s.rebind(`
            UPDATE accounts SET balance = balance + ?, updated_at = ?
            WHERE id = ? AND balance + ? >= 0
            RETURNING balance`), amount, s.now(), accountID, amount).Scan(&balance)
	} else {
		err = s.q.QueryRowxContext(ctx, s.rebind(`
            UPDATE accounts SET balance = balance + ?, updated_at = ?
            WHERE id = ?
            RETURNING balance`), amount, s.now(), accountID).Scan(&balance)
	}
	if err == nil {
		return balance, nil
	}
	if !isNoRows(err) {
		return 0, storageErr("update balance", err)
	}

	current, getErr := s.GetBalance(ctx, accountID)
	if getErr != nil {
		return 0, getErr
	}
	return 0, fmt.Errorf("%w: account %s has %d credits, needs %d", domain.ErrInsufficientFunds, accountID, current, -amount)
}

func (s *Store) insertTransaction(ctx context.Context, txn *domain.Transaction) error {
	_, err := s.q.ExecContext(ctx, s.rebind(`
        INSERT INTO transactions (`+transactionColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		txn.ID, txn.AccountID, txn.Amount, string(txn.Category), txn.Description, txn.NaturalKey,
		txn.ProviderPaymentID, txn.ProviderSubscriptionID, txn.JobID, txn.Metadata, txn.BalanceAfter, txn.CreatedAt)
	if err != nil {
		return storageErr("insert transaction", err)
	}
	return nil
}

// TransactionByKey транзакция, записанная под натуральным ключом.
func (s *Store) TransactionByKey(ctx context.Context, key domain.NaturalKey) (*domain.Transaction, error) {
	var txn domain.Transaction
	err := sqlx.GetContext(ctx, s.q, &txn, s.rebind(`
        SELECT `+transactionColumns+`
        FROM transactions
        WHERE natural_key = ?`), key.String())
	if err != nil {
		if isNoRows(err) {
			return nil, domain.NewNotFoundError("transaction", key.String())
		}
		return nil, storageErr("get transaction by key", err)
	}
	return &txn, nil
}

// TransactionsForJob все записи журнала, ссылающиеся на задачу.
func (s *Store) TransactionsForJob(ctx context.Context, jobID string) ([]domain.Transaction, error) {
	txns := []domain.Transaction{}
	err := sqlx.SelectContext(ctx, s.q, &txns, s.rebind(`
        SELECT `+transactionColumns+`
        FROM transactions
        WHERE job_id = ?
        ORDER BY id`), jobID)
	if err != nil {
		return nil, storageErr("list job transactions", err)
	}
	return txns, nil
}

// ListTransactions история аккаунта от новых к старым. cursor это id последней
// записи предыдущей страницы.
func (s *Store) ListTransactions(ctx context.Context, accountID string, limit int, cursor string) (*domain.TransactionPage, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE account_id = ?`
	args := []interface{}{accountID}
	if cursor != "" {
		query += ` AND id < ?`
		args = append(args, cursor)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit+1)

	txns := []domain.Transaction{}
	if err := sqlx.SelectContext(ctx, s.q, &txns, s.rebind(query), args...); err != nil {
		return nil, storageErr("list transactions", err)
	}

	page := &domain.TransactionPage{Transactions: txns}
	if len(txns) > limit {
		page.Transactions = txns[:limit]
		page.NextCursor = txns[limit-1].ID
	}
	return page, nil
}

// SumTransactions сумма всех записей аккаунта (сверка с балансом).
func (s *Store) SumTransactions(ctx context.Context, accountID string) (int64, error) {
	var sum int64
	err := sqlx.GetContext(ctx, s.q, &sum, s.rebind(`
        SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE account_id = ?`), accountID)
	if err != nil {
		return 0, storageErr("sum transactions", err)
	}
	return sum, nil
}

// Stats считает агрегаты одним запросом. PendingWebhooks это события,
// которые ждут оператора или повторной доставки.
func (s *Store) Stats(ctx context.Context) (*domain.LedgerStats, error) {
	var stats domain.LedgerStats
	err := sqlx.GetContext(ctx, s.q, &stats, s.rebind(`
        SELECT
            (SELECT COUNT(*) FROM accounts) AS accounts,
            (SELECT CAST(COALESCE(SUM(balance), 0) AS BIGINT) FROM accounts) AS outstanding_credits,
            (SELECT COUNT(*) FROM transcription_jobs WHERE status = ?) AS open_jobs,
            (SELECT COUNT(*) FROM webhook_events WHERE status IN (?, ?)) AS pending_webhooks`),
		string(domain.JobStatusProcessing),
		string(domain.WebhookEventStatusUnresolved), string(domain.WebhookEventStatusFailed))
	if err != nil {
		return nil, storageErr("ledger stats", err)
	}
	return &stats, nil
}
