package domain

import "time"

// Account держатель баланса. Баланс меняется только через ApplyTransaction.
type Account struct {
	ID        string    `json:"id" db:"id"`
	Balance   int64     `json:"balance" db:"balance"`
	Beta      bool      `json:"beta" db:"beta"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// CanAfford проверяет, хватает ли кредитов.
func (a *Account) CanAfford(credits int64) bool {
	return credits <= 0 || a.Balance >= credits
}

// ProviderCustomer связывает id клиента у провайдера с локальным аккаунтом.
type ProviderCustomer struct {
	Provider   string    `json:"provider" db:"provider"`
	CustomerID string    `json:"customer_id" db:"customer_id"`
	AccountID  string    `json:"account_id" db:"account_id"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
