package repository

import (
	"context"

	"github.com/Dhoini/credit-ledger/internal/domain"
	"github.com/Dhoini/credit-ledger/pkg/logger"
)

// ReadModel чтения, которые можно обслуживать из кеша.
// Проверки перед списанием (HasSufficientBalance) кеш не используют.
type ReadModel interface {
	GetBalance(ctx context.Context, accountID string) (int64, error)
	GetSubscription(ctx context.Context, accountID string) (*domain.Subscription, error)
	Invalidate(ctx context.Context, accountID string) error
}

// Invalidate у Store нечего сбрасывать.
func (s *Store) Invalidate(context.Context, string) error { return nil }

// ReadSource источник истины для кеша, обычно Store.
type ReadSource interface {
	GetBalance(ctx context.Context, accountID string) (int64, error)
	GetSubscription(ctx context.Context, accountID string) (*domain.Subscription, error)
}

// CachedReads реализует ReadModel с кешированием в Redis
type CachedReads struct {
	source ReadSource
	cache  *RedisCache
	log    *logger.Logger
}

// NewCachedReads создает read-through обёртку над source.
func NewCachedReads(source ReadSource, cache *RedisCache, log *logger.Logger) ReadModel {
	return &CachedReads{source: source, cache: cache, log: log}
}

// GetBalance сначала из кеша, потом из БД
func (r *CachedReads) GetBalance(ctx context.Context, accountID string) (int64, error) {
	balance, ok, err := r.cache.GetCachedBalance(ctx, accountID)
	if err != nil {
		r.log.Warnw("Error getting balance from cache", "error", err, "accountID", accountID)
	}
	if ok {
		return balance, nil
	}

	version, verr := r.cache.Version(ctx, accountID)
	balance, err = r.source.GetBalance(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if verr != nil {
		return balance, nil
	}
	stored, err := r.cache.CacheBalance(ctx, accountID, balance, version)
	if err != nil {
		r.log.Warnw("Failed to cache balance", "error", err, "accountID", accountID)
	} else if !stored {
		r.log.Debugw("Balance changed during read, not cached", "accountID", accountID)
	}
	return balance, nil
}

// GetSubscription сначала из кеша, потом из БД
func (r *CachedReads) GetSubscription(ctx context.Context, accountID string) (*domain.Subscription, error) {
	cached, err := r.cache.GetCachedSubscription(ctx, accountID)
	if err != nil {
		r.log.Warnw("Error getting subscription from cache", "error", err, "accountID", accountID)
	}
	if cached != nil {
		return cached, nil
	}

	// версия до чтения из БД: инвалидация между чтением и записью отменит запись
	version, verr := r.cache.Version(ctx, accountID)
	sub, err := r.source.GetSubscription(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if verr != nil {
		return sub, nil
	}
	if _, err := r.cache.CacheSubscription(ctx, sub, version); err != nil {
		r.log.Warnw("Failed to cache subscription", "error", err, "accountID", accountID)
	}
	return sub, nil
}

// Invalidate вызывается после фиксации изменения аккаунта.
func (r *CachedReads) Invalidate(ctx context.Context, accountID string) error {
	if err := r.cache.Invalidate(ctx, accountID); err != nil {
		r.log.Warnw("Failed to invalidate account cache", "error", err, "accountID", accountID)
		return err
	}
	return nil
}
