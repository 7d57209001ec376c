package repository

import (
	"context"
	"errors"

	"github.com/Dhoini/credit-ledger/internal/domain"
	"github.com/jmoiron/sqlx"
)

// ClaimOnce атомарно записывает натуральный ключ. true получает только первый вызов;
// конкурентный вызов с тем же ключом ждёт фиксации первого и получает false.
// Внутри InTx захват откатывается вместе с транзакцией.
func (s *Store) ClaimOnce(ctx context.Context, key domain.NaturalKey) (bool, error) {
	if key.IsZero() {
		return false, errors.New("repository: empty natural key")
	}
	res, err := s.q.ExecContext(ctx, s.rebind(`
        INSERT INTO idempotency_keys (natural_key, transaction_id, created_at)
        VALUES (?, NULL, ?)
        ON CONFLICT (natural_key) DO NOTHING`), key.String(), s.now())
	if err != nil {
		return false, storageErr("claim natural key", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("claim natural key", err)
	}
	return n == 1, nil
}

// IsClaimed проверяет ключ без захвата.
func (s *Store) IsClaimed(ctx context.Context, key domain.NaturalKey) (bool, error) {
	_, err := s.GetIdempotencyRecord(ctx, key)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

// GetIdempotencyRecord возвращает отметку об обработке ключа.
func (s *Store) GetIdempotencyRecord(ctx context.Context, key domain.NaturalKey) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	err := sqlx.GetContext(ctx, s.q, &rec, s.rebind(`
        SELECT natural_key, transaction_id, created_at
        FROM idempotency_keys
        WHERE natural_key = ?`), key.String())
	if err != nil {
		if isNoRows(err) {
			return nil, domain.NewNotFoundError("idempotency key", key.String())
		}
		return nil, storageErr("get idempotency record", err)
	}
	return &rec, nil
}

func (s *Store) attachTransaction(ctx context.Context, key domain.NaturalKey, txnID string) error {
	_, err := s.q.ExecContext(ctx, s.rebind(`
        UPDATE idempotency_keys SET transaction_id = ? WHERE natural_key = ?`), txnID, key.String())
	return storageErr("attach transaction to key", err)
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
