package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotAcquired is returned when the lock is held by another owner
// and the acquisition attempts were exhausted.
var ErrLockNotAcquired = errors.New("lock not acquired")

type LockRepository interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (*DistributedLock, error)
	ReleaseLock(ctx context.Context, lock *DistributedLock) error
	IsLocked(ctx context.Context, key string) (bool, error)
}

type DistributedLock struct {
	Key        string
	Value      string
	TTL        time.Duration
	AcquiredAt time.Time
}

type lockRepository struct {
	client *redis.Client
}

func NewLockRepository(client *redis.Client) LockRepository {
	return &lockRepository{
		client: client,
	}
}

const (
	lockPrefix = "lock:"

	// Release only deletes the lock if we still own it.
	releaseScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
)

func (r *lockRepository) AcquireLock(ctx context.Context, key string, ttl time.Duration) (*DistributedLock, error) {
	lockKey := lockPrefix + key
	lockValue := uuid.New().String()

	ok, err := r.client.SetNX(ctx, lockKey, lockValue, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}

	return &DistributedLock{
		Key:        lockKey,
		Value:      lockValue,
		TTL:        ttl,
		AcquiredAt: time.Now(),
	}, nil
}

func (r *lockRepository) ReleaseLock(ctx context.Context, lock *DistributedLock) error {
	result, err := r.client.Eval(ctx, releaseScript, []string{lock.Key}, lock.Value).Result()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if result.(int64) == 0 {
		return fmt.Errorf("lock not found or already released: %s", lock.Key)
	}
	return nil
}

func (r *lockRepository) IsLocked(ctx context.Context, key string) (bool, error) {
	exists, err := r.client.Exists(ctx, lockPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check lock existence: %w", err)
	}
	return exists > 0, nil
}

// UserLockManager serializes mutations per user and per payment. Different
// users map to different keys and never contend.
type UserLockManager interface {
	LockUser(ctx context.Context, userID int64) (*DistributedLock, error)
	LockPayment(ctx context.Context, paymentID string) (*DistributedLock, error)
	Release(ctx context.Context, lock *DistributedLock) error
}

type userLockManager struct {
	lockRepo   LockRepository
	ttl        time.Duration
	maxRetries int
	retryDelay time.Duration
}

func NewUserLockManager(lockRepo LockRepository, ttl time.Duration, maxRetries int, retryDelay time.Duration) UserLockManager {
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	if maxRetries == 0 {
		maxRetries = 50
	}
	if retryDelay == 0 {
		retryDelay = 20 * time.Millisecond
	}
	return &userLockManager{
		lockRepo:   lockRepo,
		ttl:        ttl,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}
}

func (m *userLockManager) LockUser(ctx context.Context, userID int64) (*DistributedLock, error) {
	return m.acquireWithRetry(ctx, fmt.Sprintf("user:%d:balance", userID))
}

func (m *userLockManager) LockPayment(ctx context.Context, paymentID string) (*DistributedLock, error) {
	return m.acquireWithRetry(ctx, fmt.Sprintf("payment:%s", paymentID))
}

func (m *userLockManager) Release(ctx context.Context, lock *DistributedLock) error {
	return m.lockRepo.ReleaseLock(ctx, lock)
}

func (m *userLockManager) acquireWithRetry(ctx context.Context, key string) (*DistributedLock, error) {
	for attempt := 0; attempt < m.maxRetries; attempt++ {
		lock, err := m.lockRepo.AcquireLock(ctx, key, m.ttl)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, ErrLockNotAcquired) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.retryDelay):
		}
	}
	return nil, fmt.Errorf("%w: %s after %d attempts", ErrLockNotAcquired, key, m.maxRetries)
}
