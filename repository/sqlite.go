package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/ammiranda/treeext/migrations"
	"github.com/ammiranda/treeext/query"
	"github.com/mattn/go-sqlite3"
	"modernc.org/sqlite"
)

const (
	// DriverSQLite3 is the cgo driver backed by mattn/go-sqlite3 with a
	// regexp() function installed on every connection.
	DriverSQLite3 = "sqlite3_regexp"
	// DriverSQLite is the pure Go modernc.org/sqlite driver.
	DriverSQLite = "sqlite"
)

var patterns sync.Map

func matchPattern(pattern string, value any) (bool, error) {
	var s string
	switch v := value.(type) {
	case nil:
		return false, nil
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		s = fmt.Sprint(v)
	}
	cached, ok := patterns.Load(pattern)
	if !ok {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, err
		}
		cached, _ = patterns.LoadOrStore(pattern, re)
	}
	return cached.(*regexp.Regexp).MatchString(s), nil
}

func init() {
	sql.Register(DriverSQLite3, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc("regexp", matchPattern, true)
		},
	})

	err := sqlite.RegisterDeterministicScalarFunction("regexp", 2,
		func(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
			pattern, ok := args[0].(string)
			if !ok {
				return nil, fmt.Errorf("regexp: pattern must be text, got %T", args[0])
			}
			matched, err := matchPattern(pattern, args[1])
			if err != nil {
				return nil, err
			}
			if matched {
				return int64(1), nil
			}
			return int64(0), nil
		})
	if err != nil {
		panic(err)
	}
}

// SQLiteRepository implements Store using SQLite
type SQLiteRepository struct {
	sqlStore
	dbPath string
	opts   options
}

// DefaultSQLitePath returns the database file used when no path is configured.
func DefaultSQLitePath() string {
	// Default to data directory in user's home directory
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}

	// Create data directory if it doesn't exist
	dataDir := filepath.Join(homeDir, ".treeext")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		// Fallback to current directory if home directory is not accessible
		dataDir = "."
	}
	return filepath.Join(dataDir, "treeext.db")
}

// NewSQLiteRepository creates a new SQLite repository instance. An empty
// path opens the default database file; ":memory:" keeps everything in
// memory for the lifetime of the store.
func NewSQLiteRepository(path string, opts ...Option) *SQLiteRepository {
	o := defaultOptions()
	o.driver = DriverSQLite3
	for _, opt := range opts {
		opt(&o)
	}
	if path == "" {
		path = DefaultSQLitePath()
	}
	return &SQLiteRepository{
		sqlStore: sqlStore{sqlExecutor: sqlExecutor{dialect: query.SQLite, log: o.log}},
		dbPath:   path,
		opts:     o,
	}
}

// Initialize opens the database and applies the schema
func (r *SQLiteRepository) Initialize(ctx context.Context) error {
	driverName := r.opts.driver
	if driverName == "sqlite3" {
		driverName = DriverSQLite3
	}
	dsn := r.dbPath
	if r.opts.dataSource != "" {
		dsn = r.opts.dataSource
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return fmt.Errorf("error opening sqlite database: %w", err)
	}
	// SQLite serializes writers; a single connection also keeps ":memory:"
	// databases from splitting across connections.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("error pinging database: %w", err)
	}

	if r.opts.migrate {
		if err := migrations.RunMigrations(db, migrations.SQLite); err != nil {
			db.Close()
			return err
		}
	}

	r.db = db
	r.q = db
	r.log.Debug().Str("driver", driverName).Str("path", r.dbPath).Msg("sqlite store initialized")
	return nil
}
