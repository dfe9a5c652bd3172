package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/auctionmesh/internal/domain"
)

// unlockLua deletes a lock key only if it still holds the caller's token, so
// a holder whose TTL expired cannot release somebody else's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// lockRetryInterval is how often a blocked Acquire polls the lock key.
const lockRetryInterval = 20 * time.Millisecond

// LockManager implements domain.LockManager with SET NX PX and a token-checked
// Lua unlock. It lets several auctiond processes share one ledger backend and
// still serialise work per item.
type LockManager struct {
	rdb      *redis.Client
	unlockSc *redis.Script
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		rdb:      c.Underlying(),
		unlockSc: redis.NewScript(unlockLua),
	}
}

func lockKey(key string) string {
	return "lock:" + key
}

// TryAcquire takes the lock once, returning domain.ErrLockHeld when another
// holder has it.
func (lm *LockManager) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	lk := lockKey(key)

	ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be cancelled.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = lm.unlockSc.Run(ctx, lm.rdb, []string{lk}, token).Err()
		})
	}, nil
}

// Acquire blocks until the lock is taken or ctx is done.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	ticker := time.NewTicker(lockRetryInterval)
	defer ticker.Stop()
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
		}
		unlock, err := lm.TryAcquire(ctx, key, ttl)
		if !errors.Is(err, domain.ErrLockHeld) {
			return unlock, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("redis: acquire lock %s: %w", key, ctx.Err())
		case <-ticker.C:
		}
	}
}

var _ domain.LockManager = (*LockManager)(nil)
