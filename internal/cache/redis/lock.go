package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/leverageguard/internal/domain"
)

// releaseIfOwner deletes KEYS[1] only while it still holds ARGV[1]. A lock
// that expired and was taken by another engine is left alone.
var releaseIfOwner = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0`)

// releaseTimeout bounds the release call, which runs on a fresh context.
const releaseTimeout = 5 * time.Second

// LockManager holds position locks as token-valued keys, shared by every
// engine on the same server.
type LockManager struct {
	rdb    *redis.Client
	prefix string
}

var _ domain.LockManager = (*LockManager)(nil)

func NewLockManager(c *Client) *LockManager {
	return &LockManager{rdb: c.rdb, prefix: c.prefix}
}

func lockKey(prefix, key string) string {
	return namespaced(prefix, "lock:"+key)
}

// Acquire sets the lock key if absent. A held key yields domain.ErrLockHeld.
// The returned release is idempotent and works after ctx is cancelled.
func (m *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	k := lockKey(m.prefix, key)
	token := uuid.NewString()

	won, err := m.rdb.SetNX(ctx, k, token, ttl).Result()
	switch {
	case err != nil:
		return nil, fmt.Errorf("redis: lock %s: %w", key, err)
	case !won:
		return nil, fmt.Errorf("redis: lock %s: %w", key, domain.ErrLockHeld)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			_ = releaseIfOwner.Run(rctx, m.rdb, []string{k}, token).Err()
		})
	}, nil
}
