package trade

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// NonceStore remembers authenticated requests for the replay window.
// Reserve marks key used for ttl and reports whether it was unused before.
type NonceStore interface {
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// MemoryNonces is a process-local NonceStore. Expired keys are swept at
// most once per ttl.
type MemoryNonces struct {
	mu        sync.Mutex
	seen      map[string]time.Time // key -> expiry
	clock     func() time.Time
	nextSweep time.Time
}

// NewMemoryNonces creates an empty store. A nil clock uses time.Now.
func NewMemoryNonces(clock func() time.Time) *MemoryNonces {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryNonces{seen: make(map[string]time.Time), clock: clock}
}

// Reserve implements NonceStore.
func (m *MemoryNonces) Reserve(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()

	if !now.Before(m.nextSweep) {
		for k, exp := range m.seen {
			if !now.Before(exp) {
				delete(m.seen, k)
			}
		}
		m.nextSweep = now.Add(ttl)
	}
	if exp, ok := m.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.seen[key] = now.Add(ttl)
	return true, nil
}

// RedisNonces keeps the seen set in Redis so every instance behind a load
// balancer rejects the same replays.
type RedisNonces struct {
	rdb redis.Cmdable
}

// NewRedisNonces creates a Redis-backed store.
func NewRedisNonces(rdb redis.Cmdable) *RedisNonces {
	return &RedisNonces{rdb: rdb}
}

// Reserve implements NonceStore with SET NX and an expiry.
func (n *RedisNonces) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return n.rdb.SetNX(ctx, "replay:"+key, 1, ttl).Result()
}
