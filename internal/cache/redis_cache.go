package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"billing-api/internal/models"
)

// ErrCacheMiss is returned when a key is absent. Callers fall through to
// the store; the cache is never authoritative.
var ErrCacheMiss = fmt.Errorf("cache miss")

// HistoryPage is one cached page of a user's transaction history.
type HistoryPage struct {
	Transactions []*models.Transaction `json:"transactions"`
	Total        int64                 `json:"total"`
}

type CacheService interface {
	GetBalance(ctx context.Context, userID int64) (*models.Balance, error)
	SetBalance(ctx context.Context, balance *models.Balance) error
	InvalidateBalance(ctx context.Context, userID int64) error

	GetHistoryPage(ctx context.Context, userID int64, page, pageSize int) (*HistoryPage, error)
	SetHistoryPage(ctx context.Context, userID int64, page, pageSize int, history *HistoryPage) error
	// InvalidateHistory bumps the user's history version counter, which
	// drops every cached page for that user at once regardless of depth.
	InvalidateHistory(ctx context.Context, userID int64) error

	GetDebtors(ctx context.Context) ([]*models.Balance, error)
	SetDebtors(ctx context.Context, debtors []*models.Balance) error
	InvalidateDebtors(ctx context.Context) error

	GetPayment(ctx context.Context, paymentID string) (*models.Payment, error)
	SetPayment(ctx context.Context, payment *models.Payment) error
	InvalidatePayment(ctx context.Context, paymentID string) error

	Ping(ctx context.Context) error
	Close() error
}

type CacheConfig struct {
	KeyPrefix  string
	BalanceTTL time.Duration
	HistoryTTL time.Duration
	DebtorsTTL time.Duration
	PaymentTTL time.Duration
}

type redisCache struct {
	client *redis.Client
	config *CacheConfig
}

func NewRedisCache(client *redis.Client, config *CacheConfig) CacheService {
	if config.BalanceTTL == 0 {
		config.BalanceTTL = 5 * time.Minute
	}
	if config.HistoryTTL == 0 {
		config.HistoryTTL = 2 * time.Minute
	}
	if config.DebtorsTTL == 0 {
		config.DebtorsTTL = time.Minute
	}
	if config.PaymentTTL == 0 {
		config.PaymentTTL = 5 * time.Minute
	}
	return &redisCache{
		client: client,
		config: config,
	}
}

func (r *redisCache) buildKey(key string) string {
	if r.config.KeyPrefix != "" {
		return fmt.Sprintf("%s:%s", r.config.KeyPrefix, key)
	}
	return key
}

func (r *redisCache) set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	return r.client.Set(ctx, r.buildKey(key), data, ttl).Err()
}

func (r *redisCache) get(ctx context.Context, key string, dest interface{}) error {
	data, err := r.client.Get(ctx, r.buildKey(key)).Result()
	if err != nil {
		if err == redis.Nil {
			return ErrCacheMiss
		}
		return fmt.Errorf("failed to get cache value: %w", err)
	}
	return json.Unmarshal([]byte(data), dest)
}

func (r *redisCache) delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.buildKey(key)).Err()
}

// Balance

func (r *redisCache) GetBalance(ctx context.Context, userID int64) (*models.Balance, error) {
	var balance models.Balance
	if err := r.get(ctx, fmt.Sprintf("balance:%d", userID), &balance); err != nil {
		return nil, err
	}
	return &balance, nil
}

func (r *redisCache) SetBalance(ctx context.Context, balance *models.Balance) error {
	return r.set(ctx, fmt.Sprintf("balance:%d", balance.UserID), balance, r.config.BalanceTTL)
}

func (r *redisCache) InvalidateBalance(ctx context.Context, userID int64) error {
	return r.delete(ctx, fmt.Sprintf("balance:%d", userID))
}

// Transaction history. Page keys embed a per-user version counter, so
// invalidation is one INCR instead of enumerating cached pages.

func (r *redisCache) historyVersion(ctx context.Context, userID int64) (int64, error) {
	version, err := r.client.Get(ctx, r.buildKey(fmt.Sprintf("history:%d:ver", userID))).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return version, err
}

func (r *redisCache) historyPageKey(userID, version int64, page, pageSize int) string {
	return fmt.Sprintf("history:%d:v%d:p%d:s%d", userID, version, page, pageSize)
}

func (r *redisCache) GetHistoryPage(ctx context.Context, userID int64, page, pageSize int) (*HistoryPage, error) {
	version, err := r.historyVersion(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get history version: %w", err)
	}

	var history HistoryPage
	if err := r.get(ctx, r.historyPageKey(userID, version, page, pageSize), &history); err != nil {
		return nil, err
	}
	return &history, nil
}

func (r *redisCache) SetHistoryPage(ctx context.Context, userID int64, page, pageSize int, history *HistoryPage) error {
	version, err := r.historyVersion(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get history version: %w", err)
	}
	return r.set(ctx, r.historyPageKey(userID, version, page, pageSize), history, r.config.HistoryTTL)
}

func (r *redisCache) InvalidateHistory(ctx context.Context, userID int64) error {
	key := r.buildKey(fmt.Sprintf("history:%d:ver", userID))

	pipe := r.client.TxPipeline()
	pipe.Incr(ctx, key)
	// The counter must outlive any page written under an older version.
	pipe.Expire(ctx, key, 24*time.Hour)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to bump history version: %w", err)
	}
	return nil
}

// Debtors

func (r *redisCache) GetDebtors(ctx context.Context) ([]*models.Balance, error) {
	var debtors []*models.Balance
	if err := r.get(ctx, "debtors", &debtors); err != nil {
		return nil, err
	}
	return debtors, nil
}

func (r *redisCache) SetDebtors(ctx context.Context, debtors []*models.Balance) error {
	return r.set(ctx, "debtors", debtors, r.config.DebtorsTTL)
}

func (r *redisCache) InvalidateDebtors(ctx context.Context) error {
	return r.delete(ctx, "debtors")
}

// Payments

func (r *redisCache) GetPayment(ctx context.Context, paymentID string) (*models.Payment, error) {
	var payment models.Payment
	if err := r.get(ctx, fmt.Sprintf("payment:%s", paymentID), &payment); err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *redisCache) SetPayment(ctx context.Context, payment *models.Payment) error {
	return r.set(ctx, fmt.Sprintf("payment:%s", payment.PaymentID), payment, r.config.PaymentTTL)
}

func (r *redisCache) InvalidatePayment(ctx context.Context, paymentID string) error {
	return r.delete(ctx, fmt.Sprintf("payment:%s", paymentID))
}

func (r *redisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *redisCache) Close() error {
	return r.client.Close()
}
