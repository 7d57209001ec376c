package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Dhoini/credit-ledger/internal/domain"
	"github.com/Dhoini/credit-ledger/internal/repository"
	"github.com/Dhoini/credit-ledger/pkg/logger"
)

const purposeSignup = "signup"

// Policy кредитная политика сервиса
type Policy struct {
	SignupCredits     int64
	BetaSignupCredits int64
	MinimumJobCredits int64
	Plans             map[string]int64
}

// GrantRequest ручная корректировка баланса оператором.
// Reference обязателен: повтор с тем же Reference ничего не меняет.
type GrantRequest struct {
	AccountID   string                     `json:"account_id" validate:"required"`
	Amount      int64                      `json:"amount" validate:"required"`
	Category    domain.TransactionCategory `json:"category" validate:"required,oneof=purchase refund"`
	Description string                     `json:"description" validate:"max=500"`
	Reference   string                     `json:"reference" validate:"required,max=200"`
	Metadata    domain.Metadata            `json:"metadata,omitempty"`
}

// LedgerService интерфейс сервиса баланса и истории
type LedgerService interface {
	OpenAccount(ctx context.Context, accountID string, beta bool) (*domain.Account, error)
	GetAccount(ctx context.Context, accountID string) (*domain.Account, error)
	GetBalance(ctx context.Context, accountID string) (int64, error)
	CanAfford(ctx context.Context, accountID string, credits int64) (bool, error)
	ListTransactions(ctx context.Context, accountID string, limit int, cursor string) (*domain.TransactionPage, error)
	GetSubscription(ctx context.Context, accountID string) (*domain.Subscription, error)
	Grant(ctx context.Context, req GrantRequest) (*domain.Transaction, bool, error)
	ApplyTransaction(ctx context.Context, req domain.TransactionRequest) (*domain.Transaction, bool, error)
}

type ledgerService struct {
	store    *repository.Store
	reads    repository.ReadModel
	notifier *Notifier
	policy   Policy
	log      *logger.Logger
}

// NewLedgerService создает сервис журнала. reads может быть nil: тогда чтения идут в БД.
func NewLedgerService(store *repository.Store, reads repository.ReadModel, notifier *Notifier, policy Policy, log *logger.Logger) LedgerService {
	if reads == nil {
		reads = store
	}
	return &ledgerService{
		store:    store,
		reads:    reads,
		notifier: notifier,
		policy:   policy,
		log:      log,
	}
}

// OpenAccount создаёт аккаунт и начисляет стартовый грант ровно один раз.
func (s *ledgerService) OpenAccount(ctx context.Context, accountID string, beta bool) (*domain.Account, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, fmt.Errorf("%w: account id is required", domain.ErrInvalidInput)
	}

	credits := s.policy.SignupCredits
	if beta {
		credits = s.policy.BetaSignupCredits
	}

	var granted *domain.Transaction
	err := s.store.InTx(ctx, func(ctx context.Context, tx *repository.Store) error {
		created, err := tx.CreateAccount(ctx, accountID, beta)
		if err != nil {
			return err
		}
		if created {
			s.log.Infow("Account opened", "accountID", accountID, "beta", beta)
		}
		if credits <= 0 {
			return nil
		}
		txn, applied, err := tx.ApplyTransaction(ctx, domain.TransactionRequest{
			AccountID:   accountID,
			Amount:      credits,
			Category:    domain.CategoryPurchase,
			Description: "Signup credits",
			NaturalKey:  domain.AccountKey(accountID, purposeSignup),
			Metadata:    domain.Metadata{"beta": beta},
		})
		if err != nil {
			return err
		}
		if applied {
			granted = txn
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if granted != nil {
		s.notifier.transactionApplied(ctx, granted)
	}
	return s.store.GetAccount(ctx, accountID)
}

func (s *ledgerService) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	return s.store.GetAccount(ctx, accountID)
}

// GetBalance баланс для отображения; может обслуживаться из кеша.
func (s *ledgerService) GetBalance(ctx context.Context, accountID string) (int64, error) {
	return s.reads.GetBalance(ctx, accountID)
}

// CanAfford всегда читает БД.
func (s *ledgerService) CanAfford(ctx context.Context, accountID string, credits int64) (bool, error) {
	return s.store.HasSufficientBalance(ctx, accountID, credits)
}

func (s *ledgerService) ListTransactions(ctx context.Context, accountID string, limit int, cursor string) (*domain.TransactionPage, error) {
	return s.store.ListTransactions(ctx, accountID, limit, cursor)
}

// GetSubscription nil, nil если подписок у аккаунта нет.
func (s *ledgerService) GetSubscription(ctx context.Context, accountID string) (*domain.Subscription, error) {
	sub, err := s.reads.GetSubscription(ctx, accountID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return sub, nil
}

// Grant ручное начисление (purchase) или возврат (refund) с ключом manual:<reference>.
func (s *ledgerService) Grant(ctx context.Context, req GrantRequest) (*domain.Transaction, bool, error) {
	if req.Category != domain.CategoryPurchase && req.Category != domain.CategoryRefund {
		return nil, false, fmt.Errorf("%w: manual grants must be purchase or refund", domain.ErrInvalidInput)
	}
	if strings.TrimSpace(req.Reference) == "" {
		return nil, false, fmt.Errorf("%w: reference is required", domain.ErrInvalidInput)
	}
	metadata := domain.Metadata{"source": "manual", "reference": req.Reference}
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	description := req.Description
	if description == "" {
		description = "Manual adjustment"
	}

	txn, applied, err := s.ApplyTransaction(ctx, domain.TransactionRequest{
		AccountID:   req.AccountID,
		Amount:      req.Amount,
		Category:    req.Category,
		Description: description,
		NaturalKey:  domain.ManualKey(req.Reference),
		Metadata:    metadata,
	})
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientFunds) {
			s.notifier.Metrics().IncInsufficientFunds("manual_grant")
		}
		return nil, false, err
	}
	s.log.Infow("Manual grant processed", "accountID", req.AccountID, "amount", req.Amount,
		"reference", req.Reference, "applied", applied)
	return txn, applied, nil
}

// ApplyTransaction применяет запись и выполняет действия после фиксации.
func (s *ledgerService) ApplyTransaction(ctx context.Context, req domain.TransactionRequest) (*domain.Transaction, bool, error) {
	started := time.Now()
	defer s.notifier.Metrics().ObserveOperation("apply_transaction", started)

	txn, applied, err := s.store.ApplyTransaction(ctx, req)
	if err != nil {
		return nil, false, err
	}
	if applied {
		s.notifier.transactionApplied(ctx, txn)
	}
	return txn, applied, nil
}
