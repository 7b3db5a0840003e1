package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ammiranda/treeext/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func sampleHierarchy() []*models.TreeNode {
	root := models.NewTreeNode(1, 1, map[string]any{"title": "Root"})
	parent := int64(1)
	child := models.NewTreeNode(2, 2, map[string]any{"title": "Child"})
	child.ParentID = &parent
	root.AddChild(child)
	return []*models.TreeNode{root}
}

// testCacheProvider checks the behaviour every provider shares.
func testCacheProvider(t *testing.T, provider Provider) {
	ctx := context.Background()
	tree := sampleHierarchy()
	key := Key{Class: "Category", SortField: "title", SortDir: "asc"}
	other := Key{Class: "Page"}

	_, found := provider.GetHierarchy(ctx, key)
	assert.False(t, found)

	// Test SetHierarchy and GetHierarchy
	provider.SetHierarchy(ctx, key, tree)
	provider.SetHierarchy(ctx, other, tree)
	cached, found := provider.GetHierarchy(ctx, key)
	require.True(t, found)
	assert.Equal(t, tree, cached)

	// keys differ by every listing option
	_, found = provider.GetHierarchy(ctx, Key{Class: "Category", NodeID: 1, SortField: "title", SortDir: "asc"})
	assert.False(t, found)
	_, found = provider.GetHierarchy(ctx, Key{Class: "Category", SortField: "title", SortDir: "ASC"})
	assert.True(t, found, "sort directions are case insensitive")

	// Test cache invalidation
	require.NoError(t, provider.InvalidateClass(ctx, "Category"))
	_, found = provider.GetHierarchy(ctx, key)
	assert.False(t, found)
	_, found = provider.GetHierarchy(ctx, other)
	assert.True(t, found, "other classes keep their entries")

	// entries written after an invalidation are served again
	provider.SetHierarchy(ctx, key, tree)
	_, found = provider.GetHierarchy(ctx, key)
	assert.True(t, found)
}

func TestKeyString(t *testing.T) {
	k := Key{Class: "Page", NodeID: 4, Direct: true, SortField: "title", SortDir: "DESC"}
	assert.Equal(t, "Page:4:true:false:title:desc", k.String())
}

func TestMemoryCache(t *testing.T) {
	memoryCache := NewMemoryCache()
	assert.NoError(t, memoryCache.Initialize(context.Background()))

	testCacheProvider(t, memoryCache)
}

func TestMemoryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.SetCacheTTL(time.Second)
	c.SetHierarchy(ctx, Key{Class: "Category"}, sampleHierarchy())
	assert.Equal(t, 1, c.Len())

	now = now.Add(2 * time.Second)
	_, found := c.GetHierarchy(ctx, Key{Class: "Category"})
	assert.False(t, found)
	assert.Equal(t, 0, c.Len())

	// a new ttl also applies to stored entries
	c.SetHierarchy(ctx, Key{Class: "Category"}, sampleHierarchy())
	c.SetCacheTTL(time.Hour)
	now = now.Add(30 * time.Minute)
	_, found = c.GetHierarchy(ctx, Key{Class: "Category"})
	assert.True(t, found)
}

func TestDynamoDBCache(t *testing.T) {
	// Create DynamoDB cache provider with mock client
	mockClient := NewMockDynamoDBClient()
	dynamoCache := NewDynamoDBCacheWithClient(mockClient, "")
	assert.NoError(t, dynamoCache.Initialize(context.Background()))
	assert.NoError(t, dynamoCache.Initialize(context.Background()), "an existing table is kept")

	testCacheProvider(t, dynamoCache)
}

func TestDynamoDBCacheExpiryAndFailures(t *testing.T) {
	ctx := context.Background()
	mockClient := NewMockDynamoDBClient()
	c := NewDynamoDBCacheWithClient(mockClient, "cache")
	require.NoError(t, c.Initialize(ctx))
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	c.SetCacheTTL(time.Minute)

	key := Key{Class: "Section"}
	c.SetHierarchy(ctx, key, sampleHierarchy())
	assert.Equal(t, 1, mockClient.ItemCount("cache"))

	// expired items are deleted on read
	now = now.Add(2 * time.Minute)
	_, found := c.GetHierarchy(ctx, key)
	assert.False(t, found)
	assert.Equal(t, 0, mockClient.ItemCount("cache"))

	boom := errors.New("throttled")
	mockClient.Err = boom
	c.SetHierarchy(ctx, key, sampleHierarchy())
	_, found = c.GetHierarchy(ctx, key)
	assert.False(t, found)
	assert.ErrorIs(t, c.InvalidateClass(ctx, "Section"), boom)
}

func TestMockCache(t *testing.T) {
	// Create mock cache provider
	mockCache := NewMockCache()
	assert.NoError(t, mockCache.Initialize(context.Background()))

	// Test basic functionality
	testCacheProvider(t, mockCache)
	mockCache.SetCacheTTL(time.Minute)

	// Test call counts
	get, set, invalidate, setTTL, init := mockCache.GetCallCounts()
	assert.Greater(t, get, 0, "GetHierarchy should have been called")
	assert.Greater(t, set, 0, "SetHierarchy should have been called")
	assert.Equal(t, 1, invalidate, "InvalidateClass should have been called once")
	assert.Equal(t, 1, setTTL, "SetCacheTTL should have been called once")
	assert.Equal(t, 1, init, "Initialize should have been called once")
	assert.Equal(t, []string{"Category"}, mockCache.Invalidated)

	// Test failure mode
	mockCache.Reset()
	mockCache.SetShouldFail(true)
	assert.ErrorIs(t, mockCache.Initialize(context.Background()), ErrCacheInitialization)
	assert.ErrorIs(t, mockCache.InvalidateClass(context.Background(), "Category"), ErrCacheInvalidation)
	mockCache.SetHierarchy(context.Background(), Key{Class: "Category"}, sampleHierarchy())
	tree, found := mockCache.GetHierarchy(context.Background(), Key{Class: "Category"})
	assert.Nil(t, tree, "GetHierarchy should return nil when ShouldFail is true")
	assert.False(t, found, "GetHierarchy should return false when ShouldFail is true")

	// Test reset functionality
	mockCache.Reset()
	get, set, invalidate, setTTL, init = mockCache.GetCallCounts()
	assert.Equal(t, 0, get+set+invalidate+setTTL+init, "call counts should be reset")
	assert.False(t, mockCache.ShouldFail, "ShouldFail should be reset")
}

func TestNopCache(t *testing.T) {
	var c NopCache
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))
	c.SetHierarchy(ctx, Key{Class: "Category"}, sampleHierarchy())
	_, found := c.GetHierarchy(ctx, Key{Class: "Category"})
	assert.False(t, found)
	assert.NoError(t, c.InvalidateClass(ctx, "Category"))
}

func TestRedisCache(t *testing.T) {
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
	defer func() {
		if err := ctr.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	}()

	endpoint, err := ctr.Endpoint(ctx, "")
	require.NoError(t, err)
	redisCache := NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: endpoint}))
	defer redisCache.Close()
	require.NoError(t, redisCache.Initialize(ctx))

	testCacheProvider(t, redisCache)

	redisCache.SetCacheTTL(50 * time.Millisecond)
	redisCache.SetHierarchy(ctx, Key{Class: "Section"}, sampleHierarchy())
	time.Sleep(200 * time.Millisecond)
	_, found := redisCache.GetHierarchy(ctx, Key{Class: "Section"})
	assert.False(t, found)
}
