package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/Dhoini/credit-ledger/internal/domain"
	"github.com/Dhoini/credit-ledger/internal/repository"
	"github.com/Dhoini/credit-ledger/pkg/logger"
)

// LinkCustomerRequest ручная привязка клиента провайдера к аккаунту
type LinkCustomerRequest struct {
	Provider   string `json:"provider" validate:"required,oneof=stripe lemonsqueezy"`
	CustomerID string `json:"customer_id" validate:"required"`
	AccountID  string `json:"account_id" validate:"required"`
}

// CustomerService связи клиентов провайдеров с аккаунтами
type CustomerService interface {
	LinkCustomer(ctx context.Context, req LinkCustomerRequest) (*domain.ProviderCustomer, error)
	ResolveAccount(ctx context.Context, provider, customerID string) (string, error)
}

type customerService struct {
	store *repository.Store
	log   *logger.Logger
}

// NewCustomerService создает сервис клиентов
func NewCustomerService(store *repository.Store, log *logger.Logger) CustomerService {
	return &customerService{store: store, log: log}
}

// LinkCustomer перезаписывает существующую связь: это действие оператора.
func (s *customerService) LinkCustomer(ctx context.Context, req LinkCustomerRequest) (*domain.ProviderCustomer, error) {
	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	if provider == "" || req.CustomerID == "" || req.AccountID == "" {
		return nil, fmt.Errorf("%w: provider, customer id and account id are required", domain.ErrInvalidInput)
	}
	if _, err := s.store.GetAccount(ctx, req.AccountID); err != nil {
		return nil, err
	}
	link, err := s.store.LinkCustomer(ctx, provider, req.CustomerID, req.AccountID, true)
	if err != nil {
		return nil, err
	}
	s.log.Infow("Provider customer linked", "provider", provider, "customerID", req.CustomerID, "accountID", req.AccountID)
	return link, nil
}

func (s *customerService) ResolveAccount(ctx context.Context, provider, customerID string) (string, error) {
	return s.store.ResolveAccount(ctx, provider, customerID)
}
