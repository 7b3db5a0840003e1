package tree

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// lockerContract runs the behaviour every blocking locker shares.
func lockerContract(t *testing.T, l Locker) {
	ctx := context.Background()

	acquired, err := l.Lock(ctx, "Page:home", "s1", time.Second)
	require.NoError(t, err)
	assert.True(t, acquired)

	// reentrant for the owner
	acquired, err = l.Lock(ctx, "Page:home", "s1", time.Second)
	require.NoError(t, err)
	assert.False(t, acquired)

	_, err = l.Lock(ctx, "Page:home", "s2", 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockTimeout)

	// other keys are independent
	acquired, err = l.Lock(ctx, "Page:blog", "s2", time.Second)
	require.NoError(t, err)
	assert.True(t, acquired)

	// only the owner releases
	require.NoError(t, l.Unlock(ctx, "Page:home", "s2"))
	_, err = l.Lock(ctx, "Page:home", "s2", 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockTimeout)

	require.NoError(t, l.Unlock(ctx, "Page:home", "s1"))
	acquired, err = l.Lock(ctx, "Page:home", "s2", time.Second)
	require.NoError(t, err)
	assert.True(t, acquired)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = l.Lock(cctx, "Page:home", "s3", time.Second)
	assert.Error(t, err)
}

func TestMemoryLocker(t *testing.T) {
	lockerContract(t, NewMemoryLocker())
}

func TestMemoryLockerExpiry(t *testing.T) {
	l := NewMemoryLocker()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	acquired, err := l.Lock(ctx, "k", "s1", time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	// an abandoned lock is taken over once its ttl passed
	now = now.Add(2 * time.Second)
	acquired, err = l.Lock(ctx, "k", "s2", time.Second)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestNopLocker(t *testing.T) {
	var l NopLocker
	acquired, err := l.Lock(context.Background(), "k", "s1", time.Second)
	require.NoError(t, err)
	assert.False(t, acquired)
	acquired, err = l.Lock(context.Background(), "k", "s2", time.Second)
	require.NoError(t, err)
	assert.False(t, acquired)
	assert.NoError(t, l.Unlock(context.Background(), "k", "s1"))
}

func setupRedis(t *testing.T) (*redis.Client, func()) {
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}
	ctx := context.Background()

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)

	endpoint, err := ctr.Endpoint(ctx, "")
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: endpoint})

	cleanup := func() {
		if err := rdb.Close(); err != nil {
			t.Errorf("Failed to close redis client: %v", err)
		}
		if err := ctr.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	}
	return rdb, cleanup
}

func TestRedisLocker(t *testing.T) {
	rdb, cleanup := setupRedis(t)
	defer cleanup()

	lockerContract(t, NewRedisLocker(rdb, "test:lock:"))

	ttl, err := rdb.PTTL(context.Background(), "test:lock:Page:home").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
