package repository

import "github.com/rs/zerolog"

// Option configures a SQL backed store.
type Option func(*options)

type options struct {
	driver     string
	log        zerolog.Logger
	migrate    bool
	maxConns   int
	dataSource string
}

func defaultOptions() options {
	return options{
		log:     zerolog.Nop(),
		migrate: true,
	}
}

// WithDriver selects the database/sql driver name.
func WithDriver(name string) Option {
	return func(o *options) { o.driver = name }
}

// WithLogger sets the logger used for statement tracing.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithoutMigrations skips applying the bundled schema on Initialize.
func WithoutMigrations() Option {
	return func(o *options) { o.migrate = false }
}

// WithMaxConns caps the connection pool.
func WithMaxConns(n int) Option {
	return func(o *options) { o.maxConns = n }
}

// WithDataSource overrides the connection string.
func WithDataSource(dsn string) Option {
	return func(o *options) { o.dataSource = dsn }
}
