package tree

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker hands out advisory locks on tree roots. Lock is reentrant for the
// same owner and reports whether the call acquired the lock; a lock is held
// until Unlock or until ttl passes.
type Locker interface {
	Lock(ctx context.Context, key, owner string, ttl time.Duration) (acquired bool, err error)
	Unlock(ctx context.Context, key, owner string) error
}

// NopLocker never blocks.
type NopLocker struct{}

func (NopLocker) Lock(context.Context, string, string, time.Duration) (bool, error) {
	return false, nil
}

func (NopLocker) Unlock(context.Context, string, string) error { return nil }

const lockRetryInterval = 10 * time.Millisecond

// waitLock retries try until it succeeds, ttl elapses or ctx ends.
func waitLock(ctx context.Context, key string, ttl time.Duration, try func() (bool, bool, error)) (bool, error) {
	deadline := time.Now().Add(ttl)
	for {
		acquired, held, err := try()
		if err != nil {
			return false, err
		}
		if held {
			return acquired, nil
		}
		if time.Now().After(deadline) {
			return false, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

type memoryLock struct {
	owner   string
	expires time.Time
}

// MemoryLocker keeps locks in process memory.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memoryLock
	now   func() time.Time
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]memoryLock), now: time.Now}
}

func (m *MemoryLocker) Lock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return waitLock(ctx, key, ttl, func() (bool, bool, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		now := m.now()
		cur, ok := m.locks[key]
		switch {
		case ok && cur.owner == owner && now.Before(cur.expires):
			return false, true, nil
		case ok && now.Before(cur.expires):
			return false, false, nil
		}
		m.locks[key] = memoryLock{owner: owner, expires: now.Add(ttl)}
		return true, true, nil
	})
}

func (m *MemoryLocker) Unlock(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.locks[key]; ok && cur.owner == owner {
		delete(m.locks, key)
	}
	return nil
}

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker keeps locks in Redis with SET NX PX, so processes sharing the
// database also share the locks.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLocker creates a Redis backed locker. Keys are stored under prefix.
func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "treeext:lock:"
	}
	return &RedisLocker{client: client, prefix: prefix}
}

func (r *RedisLocker) Lock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	k := r.prefix + key
	return waitLock(ctx, key, ttl, func() (bool, bool, error) {
		ok, err := r.client.SetNX(ctx, k, owner, ttl).Result()
		if err != nil {
			return false, false, fmt.Errorf("error acquiring lock %s: %w", key, err)
		}
		if ok {
			return true, true, nil
		}
		cur, err := r.client.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			return false, false, nil
		}
		if err != nil {
			return false, false, fmt.Errorf("error reading lock %s: %w", key, err)
		}
		return false, cur == owner, nil
	})
}

func (r *RedisLocker) Unlock(ctx context.Context, key, owner string) error {
	if err := unlockScript.Run(ctx, r.client, []string{r.prefix + key}, owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("error releasing lock %s: %w", key, err)
	}
	return nil
}
