package repository

import (
	"context"
	"errors"

	"github.com/ammiranda/treeext/query"
)

// Executor runs statements against a store, either directly or inside a
// transaction. Tables and columns are storage names, not field names.
type Executor interface {
	// Insert stores row and returns its identifier. When row carries a
	// non-zero value for idColumn that value is kept, otherwise the store
	// generates one.
	Insert(ctx context.Context, table string, row query.Row, idColumn string) (int64, error)

	// InsertRows stores several rows in one statement.
	InsertRows(ctx context.Context, table string, columns []string, rows [][]any) error

	// Select returns the rows q selects.
	Select(ctx context.Context, q *query.Query) ([]query.Row, error)

	// Count returns the number of rows matching the filter of q.
	Count(ctx context.Context, q *query.Query) (int64, error)

	// Update applies sets to every row matching where and returns how many
	// rows changed.
	Update(ctx context.Context, table string, sets []query.Assignment, where query.Cond) (int64, error)

	// Delete removes every row matching where and returns how many rows went.
	Delete(ctx context.Context, table string, where query.Cond) (int64, error)
}

// Tx is an Executor bound to a transaction.
type Tx interface {
	Executor
	Commit() error
	Rollback() error
}

// Store is the persistence backend behind a session.
type Store interface {
	Executor

	// Initialize performs any necessary setup for the store.
	// This may include establishing database connections or running
	// migrations. Returns an error if initialization fails.
	Initialize(ctx context.Context) error

	// Cleanup releases the resources held by the store.
	Cleanup(ctx context.Context) error

	// Begin starts a transaction. Statements issued on the returned Tx are
	// invisible to other callers until Commit.
	Begin(ctx context.Context) (Tx, error)
}

// Common errors
var (
	// ErrNodeNotFound is returned when a requested node does not exist
	ErrNodeNotFound = errors.New("node not found")
	// ErrInvalidInput is returned when the input parameters are invalid
	ErrInvalidInput = errors.New("invalid input")
	// ErrTxDone is returned when a finished transaction is used again
	ErrTxDone = errors.New("transaction already committed or rolled back")
)
