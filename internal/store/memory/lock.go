package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/leverageguard/internal/domain"
)

// LockManager is an in-process domain.LockManager used when no Redis is
// configured. Locks expire after their TTL like their Redis counterparts.
type LockManager struct {
	mu    sync.Mutex
	held  map[string]uint64
	until map[string]time.Time
	seq   uint64
	now   func() time.Time
}

var _ domain.LockManager = (*LockManager)(nil)

// NewLockManager creates an empty lock table.
func NewLockManager() *LockManager {
	return &LockManager{
		held:  make(map[string]uint64),
		until: make(map[string]time.Time),
		now:   time.Now,
	}
}

// Acquire takes key for ttl or returns domain.ErrLockHeld. The returned
// unlock only releases the lock if it is still the holder.
func (l *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if _, ok := l.held[key]; ok && now.Before(l.until[key]) {
		return nil, fmt.Errorf("memory: lock %s: %w", key, domain.ErrLockHeld)
	}
	l.seq++
	token := l.seq
	l.held[key] = token
	l.until[key] = now.Add(ttl)

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.held[key] == token {
				delete(l.held, key)
				delete(l.until, key)
			}
		})
	}, nil
}
