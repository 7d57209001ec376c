package repository

import (
	"context"

	"github.com/Dhoini/credit-ledger/internal/domain"
	"github.com/jmoiron/sqlx"
)

// LinkCustomer сохраняет связь клиента провайдера с аккаунтом.
// Без overwrite существующая связь не меняется; возвращается фактическая.
func (s *Store) LinkCustomer(ctx context.Context, provider, customerID, accountID string, overwrite bool) (*domain.ProviderCustomer, error) {
	conflict := `ON CONFLICT (provider, customer_id) DO NOTHING`
	if overwrite {
		conflict = `ON CONFLICT (provider, customer_id) DO UPDATE SET account_id = excluded.account_id`
	}
	_, err := s.q.ExecContext(ctx, s.rebind(`
        INSERT INTO provider_customers (provider, customer_id, account_id, created_at)
        VALUES (?, ?, ?, ?) `+conflict), provider, customerID, accountID, s.now())
	if err != nil {
		return nil, storageErr("link customer", err)
	}

	var link domain.ProviderCustomer
	err = sqlx.GetContext(ctx, s.q, &link, s.rebind(`
        SELECT provider, customer_id, account_id, created_at
        FROM provider_customers
        WHERE provider = ? AND customer_id = ?`), provider, customerID)
	if err != nil {
		return nil, storageErr("link customer", err)
	}
	return &link, nil
}

// ResolveAccount аккаунт по id клиента у провайдера.
func (s *Store) ResolveAccount(ctx context.Context, provider, customerID string) (string, error) {
	var accountID string
	err := sqlx.GetContext(ctx, s.q, &accountID, s.rebind(`
        SELECT account_id FROM provider_customers
        WHERE provider = ? AND customer_id = ?`), provider, customerID)
	if err != nil {
		if isNoRows(err) {
			return "", domain.NewNotFoundError("customer", provider+":"+customerID)
		}
		return "", storageErr("resolve account", err)
	}
	return accountID, nil
}
