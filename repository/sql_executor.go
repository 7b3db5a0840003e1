package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ammiranda/treeext/query"
	"github.com/rs/zerolog"
)

// querier is the part of *sql.DB and *sql.Tx the executor needs.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqlExecutor compiles the query model for one dialect and runs it.
type sqlExecutor struct {
	q       querier
	dialect query.Dialect
	// returning is set when generated identifiers come back through
	// INSERT ... RETURNING instead of LastInsertId.
	returning bool
	log       zerolog.Logger
}

func (e *sqlExecutor) exec(ctx context.Context, stmt string, args []any) (sql.Result, error) {
	e.log.Trace().Str("sql", stmt).Int("args", len(args)).Msg("exec")
	return e.q.ExecContext(ctx, stmt, args...)
}

// Insert stores a row and returns its identifier
func (e *sqlExecutor) Insert(ctx context.Context, table string, row query.Row, idColumn string) (int64, error) {
	cols := make([]string, 0, len(row))
	for col, v := range row {
		if col == idColumn {
			if id, _ := query.Normalize(v).(int64); id == 0 {
				continue
			}
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)
	values := make([]any, len(cols))
	for i, col := range cols {
		values[i] = bindValue(row[col])
	}
	stmt, args, err := query.InsertSQL(table, cols, [][]any{values}, e.dialect)
	if err != nil {
		return 0, err
	}

	if e.returning {
		var id int64
		stmt += ` RETURNING "` + idColumn + `"`
		e.log.Trace().Str("sql", stmt).Int("args", len(args)).Msg("insert")
		if err := e.q.QueryRowContext(ctx, stmt, args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("error inserting into %s: %w", table, err)
		}
		return id, nil
	}

	res, err := e.exec(ctx, stmt, args)
	if err != nil {
		return 0, fmt.Errorf("error inserting into %s: %w", table, err)
	}
	return res.LastInsertId()
}

// InsertRows stores several rows in one statement
func (e *sqlExecutor) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	bound := make([][]any, len(rows))
	for i, r := range rows {
		bound[i] = make([]any, len(r))
		for j, v := range r {
			bound[i][j] = bindValue(v)
		}
	}
	stmt, args, err := query.InsertSQL(table, columns, bound, e.dialect)
	if err != nil {
		return err
	}
	if _, err := e.exec(ctx, stmt, args); err != nil {
		return fmt.Errorf("error inserting into %s: %w", table, err)
	}
	return nil
}

// Select returns the rows q selects
func (e *sqlExecutor) Select(ctx context.Context, q *query.Query) ([]query.Row, error) {
	stmt, args, err := query.SelectSQL(q, e.dialect)
	if err != nil {
		return nil, err
	}
	e.log.Trace().Str("sql", stmt).Int("args", len(args)).Msg("select")
	rows, err := e.q.QueryContext(ctx, stmt, bindAll(args)...)
	if err != nil {
		return nil, fmt.Errorf("error querying %s: %w", q.Table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []query.Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("error scanning %s: %w", q.Table, err)
		}
		r := make(query.Row, len(cols))
		for i, col := range cols {
			r[col] = scanValue(values[i])
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", q.Table, err)
	}
	return out, nil
}

// Count returns the number of rows matching q
func (e *sqlExecutor) Count(ctx context.Context, q *query.Query) (int64, error) {
	stmt, args, err := query.CountSQL(q, e.dialect)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := e.q.QueryRowContext(ctx, stmt, bindAll(args)...).Scan(&n); err != nil {
		return 0, fmt.Errorf("error counting %s: %w", q.Table, err)
	}
	return n, nil
}

// Update applies sets to the matching rows
func (e *sqlExecutor) Update(ctx context.Context, table string, sets []query.Assignment, where query.Cond) (int64, error) {
	stmt, args, err := query.UpdateSQL(table, sets, where, e.dialect)
	if err != nil {
		return 0, err
	}
	res, err := e.exec(ctx, stmt, bindAll(args))
	if err != nil {
		return 0, fmt.Errorf("error updating %s: %w", table, err)
	}
	return res.RowsAffected()
}

// Delete removes the matching rows
func (e *sqlExecutor) Delete(ctx context.Context, table string, where query.Cond) (int64, error) {
	stmt, args, err := query.DeleteSQL(table, where, e.dialect)
	if err != nil {
		return 0, err
	}
	res, err := e.exec(ctx, stmt, bindAll(args))
	if err != nil {
		return 0, fmt.Errorf("error deleting from %s: %w", table, err)
	}
	return res.RowsAffected()
}

func bindAll(args []any) []any {
	for i, a := range args {
		args[i] = bindValue(a)
	}
	return args
}

func bindValue(v any) any {
	return query.Normalize(v)
}

func scanValue(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return query.Normalize(v)
	}
}

// sqlStore carries the connection shared by the SQL backed stores.
type sqlStore struct {
	sqlExecutor
	db *sql.DB
}

// Begin starts a database transaction
func (s *sqlStore) Begin(ctx context.Context) (Tx, error) {
	if s.db == nil {
		return nil, errors.New("store not initialized")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("error beginning transaction: %w", err)
	}
	return &sqlTx{
		sqlExecutor: sqlExecutor{q: tx, dialect: s.dialect, returning: s.returning, log: s.log},
		tx:          tx,
	}, nil
}

// DB exposes the underlying connection pool.
func (s *sqlStore) DB() *sql.DB {
	return s.db
}

// Cleanup closes the database connection
func (s *sqlStore) Cleanup(ctx context.Context) error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type sqlTx struct {
	sqlExecutor
	tx *sql.Tx
}

func (t *sqlTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return ErrTxDone
		}
		return err
	}
	return nil
}

func (t *sqlTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return ErrTxDone
		}
		return err
	}
	return nil
}
