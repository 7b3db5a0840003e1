// Package app wires the store, the tree listener, the hierarchy cache and
// metrics into the Service the HTTP, Lambda and CLI entry points share.
package app

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"

	"github.com/ammiranda/treeext/cache"
	"github.com/ammiranda/treeext/config"
	"github.com/ammiranda/treeext/internal/logging"
	"github.com/ammiranda/treeext/internal/metrics"
	"github.com/ammiranda/treeext/mapping"
	"github.com/ammiranda/treeext/repository"
	"github.com/ammiranda/treeext/tree"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

//go:embed mapping.yaml
var defaultMapping []byte

// DefaultRegistry returns the tree mapping of the bundled schema.
func DefaultRegistry() (*mapping.Registry, error) {
	return mapping.LoadYAML(bytes.NewReader(defaultMapping), mapping.DefaultDefaults())
}

// LoadRegistry reads the mapping file named by the settings, falling back
// to the bundled one.
func LoadRegistry(s *config.Settings) (*mapping.Registry, error) {
	if s.MappingFile == "" {
		return DefaultRegistry()
	}
	return mapping.LoadYAMLFile(s.MappingFile, mapping.DefaultDefaults())
}

// OpenStore creates and initializes the store selected by the settings.
// Extra options apply to the SQL stores.
func OpenStore(ctx context.Context, s *config.Settings, log zerolog.Logger, extra ...repository.Option) (repository.Store, error) {
	var store repository.Store
	switch s.StoreDriver {
	case "memory":
		store = repository.NewMemoryRepository()
	case "sqlite3", "sqlite":
		path := s.SQLitePath
		if path == "" {
			path = repository.DefaultSQLitePath()
		}
		driver := repository.DriverSQLite3
		if s.StoreDriver == "sqlite" {
			driver = repository.DriverSQLite
		}
		opts := append([]repository.Option{repository.WithDriver(driver), repository.WithLogger(log)}, extra...)
		store = repository.NewSQLiteRepository(path, opts...)
	case "postgres", "pgx":
		provider, err := s.Provider(ctx)
		if err != nil {
			return nil, err
		}
		opts := append([]repository.Option{repository.WithDriver(s.StoreDriver), repository.WithLogger(log)}, extra...)
		pg, err := repository.NewPostgresRepository(provider, opts...)
		if err != nil {
			return nil, err
		}
		store = pg
	default:
		return nil, fmt.Errorf("unknown store driver %q", s.StoreDriver)
	}
	if err := store.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize %s store: %w", s.StoreDriver, err)
	}
	return store, nil
}

// redisClient is shared by the cache and the locker when both use Redis.
func redisClient(s *config.Settings) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     s.RedisAddr,
		Password: s.RedisPassword,
		DB:       s.RedisDB,
	})
}

// OpenCache creates and initializes the hierarchy cache selected by the
// settings.
func OpenCache(ctx context.Context, s *config.Settings, rdb *redis.Client, log zerolog.Logger) (cache.Provider, error) {
	var c cache.Provider
	switch s.CacheProvider {
	case "none":
		return cache.NopCache{}, nil
	case "memory":
		c = cache.NewMemoryCache()
	case "redis":
		c = cache.NewRedisCacheWithClient(rdb).WithLogger(log)
	case "dynamodb":
		d, err := cache.NewDynamoDBCache(ctx, s.DynamoDBTable)
		if err != nil {
			return nil, err
		}
		c = d.WithLogger(log)
	default:
		return nil, fmt.Errorf("unknown cache provider %q", s.CacheProvider)
	}
	c.SetCacheTTL(s.CacheTTL)
	if err := c.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize %s cache: %w", s.CacheProvider, err)
	}
	return c, nil
}

// NewLocker returns the path locker selected by the settings.
func NewLocker(s *config.Settings, rdb *redis.Client) tree.Locker {
	switch s.LockProvider {
	case "redis":
		return tree.NewRedisLocker(rdb, "")
	case "memory":
		return tree.NewMemoryLocker()
	default:
		return tree.NopLocker{}
	}
}

// Build assembles a Service from the settings. The returned cleanup
// function releases the store and Redis connections.
func Build(ctx context.Context, s *config.Settings) (*Service, func(), error) {
	log := logging.New(logging.Options{Level: s.LogLevel, Console: s.Env == config.Development})

	registry, err := LoadRegistry(s)
	if err != nil {
		return nil, nil, err
	}

	var rdb *redis.Client
	if s.CacheProvider == "redis" || s.LockProvider == "redis" {
		rdb = redisClient(s)
	}

	store, err := OpenStore(ctx, s, logging.Component(log, "store"))
	if err != nil {
		return nil, nil, err
	}
	hc, err := OpenCache(ctx, s, rdb, logging.Component(log, "cache"))
	if err != nil {
		store.Cleanup(ctx)
		return nil, nil, err
	}

	svc := NewService(store, registry,
		WithLogger(log),
		WithCache(hc),
		WithLocker(NewLocker(s, rdb)),
		WithMetrics(metrics.New()),
	)
	cleanup := func() {
		if err := store.Cleanup(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("store cleanup failed")
		}
		if rdb != nil {
			rdb.Close()
		}
	}
	return svc, cleanup, nil
}
