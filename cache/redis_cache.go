package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ammiranda/treeext/models"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const redisPrefix = "treeext:hierarchy:"

// RedisCache implements Provider using Redis. Every class has a generation
// token that is part of the entry keys; invalidating a class replaces the
// token and leaves old entries to expire.
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	log    zerolog.Logger
}

// NewRedisCache creates a new Redis cache provider for addr
func NewRedisCache(addr, password string, db int) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisCacheWithClient(client)
}

// NewRedisCacheWithClient creates a Redis cache provider over an existing client
func NewRedisCacheWithClient(client redis.UniversalClient) *RedisCache {
	return &RedisCache{
		client: client,
		ttl:    DefaultTTL,
		log:    zerolog.Nop(),
	}
}

// WithLogger sets the logger used for failures that are not returned.
func (c *RedisCache) WithLogger(l zerolog.Logger) *RedisCache {
	c.log = l
	return c
}

// Initialize checks the Redis connection
func (c *RedisCache) Initialize(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func generationKey(class string) string {
	return redisPrefix + class + ":generation"
}

func (c *RedisCache) entryKey(ctx context.Context, key Key) (string, error) {
	gen, err := c.client.Get(ctx, generationKey(key.Class)).Result()
	if errors.Is(err, redis.Nil) {
		gen = "0"
	} else if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%s:%s", redisPrefix, gen, key), nil
}

// GetHierarchy retrieves a hierarchy from cache if available
func (c *RedisCache) GetHierarchy(ctx context.Context, key Key) ([]*models.TreeNode, bool) {
	k, err := c.entryKey(ctx, key)
	if err != nil {
		c.log.Warn().Err(err).Str("class", key.Class).Msg("redis cache generation lookup failed")
		return nil, false
	}
	data, err := c.client.Get(ctx, k).Result()
	if err != nil {
		return nil, false
	}

	var tree []*models.TreeNode
	if err := json.Unmarshal([]byte(data), &tree); err != nil {
		return nil, false
	}
	return tree, true
}

// SetHierarchy stores a hierarchy in cache
func (c *RedisCache) SetHierarchy(ctx context.Context, key Key, tree []*models.TreeNode) {
	k, err := c.entryKey(ctx, key)
	if err != nil {
		c.log.Warn().Err(err).Str("class", key.Class).Msg("redis cache generation lookup failed")
		return
	}
	data, err := json.Marshal(tree)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, k, data, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("class", key.Class).Msg("redis cache write failed")
	}
}

// InvalidateClass starts a new generation for class
func (c *RedisCache) InvalidateClass(ctx context.Context, class string) error {
	return c.client.Set(ctx, generationKey(class), uuid.NewString(), 0).Err()
}

// SetCacheTTL sets the cache time-to-live duration
func (c *RedisCache) SetCacheTTL(ttl time.Duration) {
	c.ttl = ttl
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	return c.client.Close()
}
