package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ammiranda/treeext/config"
	"github.com/ammiranda/treeext/migrations"
	"github.com/ammiranda/treeext/query"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
)

const (
	// DriverPostgres is github.com/lib/pq.
	DriverPostgres = "postgres"
	// DriverPgx is the database/sql adapter of github.com/jackc/pgx/v5.
	DriverPgx = "pgx"
)

// PostgresRepository implements Store using PostgreSQL
type PostgresRepository struct {
	sqlStore
	config *config.DatabaseConfig
	opts   options
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(cfgProvider config.Provider, opts ...Option) (*PostgresRepository, error) {
	ctx := context.Background()
	cfg, err := config.GetDatabaseConfig(ctx, cfgProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to get database config: %w", err)
	}
	return NewPostgresRepositoryWithConfig(cfg, opts...), nil
}

// NewPostgresRepositoryWithConfig creates a PostgreSQL repository from a
// resolved database configuration.
func NewPostgresRepositoryWithConfig(cfg *config.DatabaseConfig, opts ...Option) *PostgresRepository {
	o := defaultOptions()
	o.driver = DriverPostgres
	o.maxConns = 25
	for _, opt := range opts {
		opt(&o)
	}
	return &PostgresRepository{
		sqlStore: sqlStore{sqlExecutor: sqlExecutor{dialect: query.Postgres, returning: true, log: o.log}},
		config:   cfg,
		opts:     o,
	}
}

// DSN renders the connection string of cfg.
func DSN(cfg *config.DatabaseConfig) string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host,
		cfg.Port,
		cfg.User,
		cfg.Password,
		cfg.DBName,
		cfg.SSLMode,
	)
}

// Initialize sets up the PostgreSQL database
func (r *PostgresRepository) Initialize(ctx context.Context) error {
	connStr := r.opts.dataSource
	if connStr == "" {
		if r.config == nil {
			return fmt.Errorf("postgres repository: no database configuration")
		}
		connStr = DSN(r.config)
	}

	db, err := sql.Open(r.opts.driver, connStr)
	if err != nil {
		return fmt.Errorf("error connecting to database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(r.opts.maxConns)
	db.SetMaxIdleConns(r.opts.maxConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Test the connection
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("error pinging database: %w", err)
	}

	if r.opts.migrate {
		if err := migrations.RunMigrations(db, migrations.Postgres); err != nil {
			db.Close()
			return err
		}
	}

	r.db = db
	r.q = db
	r.log.Debug().Str("driver", r.opts.driver).Msg("postgres store initialized")
	return nil
}
