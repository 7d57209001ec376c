package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Dhoini/credit-ledger/internal/domain"
	"github.com/Dhoini/credit-ledger/pkg/logger"
	"github.com/redis/go-redis/v9"
)

const (
	// Префиксы ключей для различных типов данных
	balanceKeyPrefix      = "ledger:balance:"
	subscriptionKeyPrefix = "ledger:subscription:"
	// версия растёт при каждой инвалидации; без TTL, иначе счётчик может повториться
	versionKeyPrefix = "ledger:version:"

	// TTL для кэша
	defaultCacheTTL = 15 * time.Minute
)

// setIfVersionScript пишет значение, только если версия аккаунта не менялась с момента чтения из БД.
var setIfVersionScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1]) or '0'
if current ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
return 1
`)

// RedisCache кеш чтений баланса и подписки. Источник истины всегда БД.
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	log    *logger.Logger
}

// RedisOptions параметры подключения
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// NewRedisCache подключается к Redis и проверяет соединение.
func NewRedisCache(opts RedisOptions, log *logger.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		log.Errorw("Failed to connect to Redis", "error", err)
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Infow("Connected to Redis successfully", "addr", opts.Addr)
	return NewRedisCacheWithClient(client, opts.TTL, log), nil
}

// NewRedisCacheWithClient оборачивает готовый клиент.
func NewRedisCacheWithClient(client redis.UniversalClient, ttl time.Duration, log *logger.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &RedisCache{client: client, ttl: ttl, log: log}
}

// Close закрывает соединение с Redis
func (r *RedisCache) Close() error {
	return r.client.Close()
}

// Version текущая версия кеша аккаунта; снимается до чтения из БД.
func (r *RedisCache) Version(ctx context.Context, accountID string) (int64, error) {
	v, err := r.client.Get(ctx, versionKeyPrefix+accountID).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get cache version: %w", err)
	}
	return v, nil
}

func (r *RedisCache) setIfVersion(ctx context.Context, key, accountID string, version int64, value interface{}) (bool, error) {
	stored, err := setIfVersionScript.Run(ctx, r.client,
		[]string{versionKeyPrefix + accountID, key},
		version, value, r.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return stored == 1, nil
}

// CacheBalance кеширует баланс, прочитанный при версии version.
// false, если аккаунт успели инвалидировать.
func (r *RedisCache) CacheBalance(ctx context.Context, accountID string, balance int64, version int64) (bool, error) {
	stored, err := r.setIfVersion(ctx, balanceKeyPrefix+accountID, accountID, version, balance)
	if err != nil {
		return false, fmt.Errorf("failed to cache balance: %w", err)
	}
	return stored, nil
}

// GetCachedBalance (0, false, nil) при промахе.
func (r *RedisCache) GetCachedBalance(ctx context.Context, accountID string) (int64, bool, error) {
	raw, err := r.client.Get(ctx, balanceKeyPrefix+accountID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get balance from cache: %w", err)
	}
	balance, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("failed to parse cached balance: %w", err)
	}
	return balance, true, nil
}

// CacheSubscription кеширует текущую подписку аккаунта, как и CacheBalance, по версии.
func (r *RedisCache) CacheSubscription(ctx context.Context, sub *domain.Subscription, version int64) (bool, error) {
	data, err := json.Marshal(sub)
	if err != nil {
		return false, fmt.Errorf("failed to marshal subscription: %w", err)
	}
	stored, err := r.setIfVersion(ctx, subscriptionKeyPrefix+sub.AccountID, sub.AccountID, version, data)
	if err != nil {
		return false, fmt.Errorf("failed to cache subscription: %w", err)
	}
	return stored, nil
}

// GetCachedSubscription nil, nil при промахе.
func (r *RedisCache) GetCachedSubscription(ctx context.Context, accountID string) (*domain.Subscription, error) {
	data, err := r.client.Get(ctx, subscriptionKeyPrefix+accountID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get subscription from cache: %w", err)
	}
	var sub domain.Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached subscription: %w", err)
	}
	return &sub, nil
}

// Invalidate удаляет все кешированные чтения аккаунта и поднимает его версию,
// чтобы чтения, начатые до записи, не вернули в кеш старое значение.
func (r *RedisCache) Invalidate(ctx context.Context, accountID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, versionKeyPrefix+accountID)
		pipe.Del(ctx, balanceKeyPrefix+accountID, subscriptionKeyPrefix+accountID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to invalidate account cache: %w", err)
	}
	r.log.Debugw("Account cache invalidated", "accountID", accountID)
	return nil
}
