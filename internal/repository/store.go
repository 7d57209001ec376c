package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/credit-ledger/internal/db"
	"github.com/Dhoini/credit-ledger/pkg/logger"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// DefaultTxTimeout верхняя граница одной атомарной единицы.
const DefaultTxTimeout = 15 * time.Second

// Store единая точка доступа к журналу, подпискам и задачам.
// Все изменения баланса проходят через ApplyTransaction.
type Store struct {
	db        *sqlx.DB
	q         sqlx.ExtContext
	inTx      bool
	log       *logger.Logger
	now       func() time.Time
	txTimeout time.Duration
}

// StoreOption настройка Store.
type StoreOption func(*Store)

// WithClock подменяет источник времени (тесты).
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithTxTimeout задаёт таймаут транзакции.
func WithTxTimeout(d time.Duration) StoreOption {
	return func(s *Store) { s.txTimeout = d }
}

// NewStore создает хранилище поверх пула sqlx.
func NewStore(conn *sqlx.DB, log *logger.Logger, opts ...StoreOption) *Store {
	s := &Store{
		db:        conn,
		q:         conn,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
		txTimeout: DefaultTxTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InTx выполняет fn в одной транзакции БД: либо всё, либо ничего.
// Отмена ctx вызывающего не прерывает начатую транзакцию; её ограничивает только txTimeout.
// Вложенные вызовы переиспользуют внешнюю транзакцию.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx *Store) error) (err error) {
	if s.inTx {
		return fn(ctx, s)
	}

	txCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.txTimeout)
	defer cancel()

	tx, err := s.db.BeginTxx(txCtx, nil)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	txStore := &Store{db: s.db, q: tx, inTx: true, log: s.log, now: s.now, txTimeout: s.txTimeout}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.log.Errorw("Failed to rollback transaction", "error", rbErr)
			}
		}
	}()

	if err = fn(txCtx, txStore); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return storageErr("commit transaction", err)
	}
	return nil
}

func (s *Store) rebind(query string) string {
	return s.q.Rebind(query)
}

// forUpdate блокирует строку до конца транзакции (только PostgreSQL; SQLite сериализует писателей сам).
func (s *Store) forUpdate() string {
	if s.inTx && s.db.DriverName() == db.DriverPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// newID возвращает UUIDv7: идентификаторы растут со временем и служат курсором,
// поэтому случайный v4 вместо него не годится.
func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate id: %w", err)
	}
	return id.String(), nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
