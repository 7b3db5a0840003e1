package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/ammiranda/treeext/query"
)

type memTable struct {
	rows   []query.Row
	nextID int64
}

type memState map[string]*memTable

func (s memState) clone() memState {
	out := make(memState, len(s))
	for name, t := range s {
		rows := make([]query.Row, len(t.rows))
		for i, r := range t.rows {
			rows[i] = copyRow(r)
		}
		out[name] = &memTable{rows: rows, nextID: t.nextID}
	}
	return out
}

func (s memState) table(name string) *memTable {
	t, ok := s[name]
	if !ok {
		t = &memTable{nextID: 1}
		s[name] = t
	}
	return t
}

func copyRow(r query.Row) query.Row {
	c := make(query.Row, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

// MemoryRepository implements Store in memory. Tables are created on first
// use. Transactions run one at a time against a private copy of the data
// which replaces the committed state on Commit.
type MemoryRepository struct {
	state memState
	mu    sync.RWMutex
	txMu  sync.Mutex
}

// NewMemoryRepository creates a new memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		state: make(memState),
	}
}

// Initialize performs any necessary setup
func (m *MemoryRepository) Initialize(ctx context.Context) error {
	return nil
}

// Cleanup drops every table
func (m *MemoryRepository) Cleanup(ctx context.Context) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = make(memState)
	return nil
}

// Begin starts a transaction. It blocks until the running one finishes.
func (m *MemoryRepository) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.txMu.Lock()
	m.mu.RLock()
	work := m.state.clone()
	m.mu.RUnlock()
	return &memTx{repo: m, state: work}, nil
}

// write runs fn on the committed state as a single-statement transaction.
func (m *MemoryRepository) write(ctx context.Context, fn func(memState) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.state.clone()
	if err := fn(work); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (m *MemoryRepository) read(ctx context.Context, fn func(memState) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(m.state)
}

// Insert stores a row
func (m *MemoryRepository) Insert(ctx context.Context, table string, row query.Row, idColumn string) (id int64, err error) {
	err = m.write(ctx, func(s memState) error {
		id, err = s.insert(table, row, idColumn)
		return err
	})
	return id, err
}

// InsertRows stores several rows
func (m *MemoryRepository) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) error {
	return m.write(ctx, func(s memState) error {
		return s.insertRows(table, columns, rows)
	})
}

// Select returns the rows q selects
func (m *MemoryRepository) Select(ctx context.Context, q *query.Query) (rows []query.Row, err error) {
	err = m.read(ctx, func(s memState) error {
		rows, err = s.selectRows(q)
		return err
	})
	return rows, err
}

// Count returns the number of rows matching q
func (m *MemoryRepository) Count(ctx context.Context, q *query.Query) (n int64, err error) {
	err = m.read(ctx, func(s memState) error {
		n, err = s.count(q)
		return err
	})
	return n, err
}

// Update applies sets to the matching rows
func (m *MemoryRepository) Update(ctx context.Context, table string, sets []query.Assignment, where query.Cond) (n int64, err error) {
	err = m.write(ctx, func(s memState) error {
		n, err = s.update(table, sets, where)
		return err
	})
	return n, err
}

// Delete removes the matching rows
func (m *MemoryRepository) Delete(ctx context.Context, table string, where query.Cond) (n int64, err error) {
	err = m.write(ctx, func(s memState) error {
		n, err = s.delete(table, where)
		return err
	})
	return n, err
}

type memTx struct {
	repo  *MemoryRepository
	state memState
	done  bool
}

func (t *memTx) check(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	return ctx.Err()
}

func (t *memTx) Insert(ctx context.Context, table string, row query.Row, idColumn string) (int64, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}
	return t.state.insert(table, row, idColumn)
}

func (t *memTx) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	return t.state.insertRows(table, columns, rows)
}

func (t *memTx) Select(ctx context.Context, q *query.Query) ([]query.Row, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	return t.state.selectRows(q)
}

func (t *memTx) Count(ctx context.Context, q *query.Query) (int64, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}
	return t.state.count(q)
}

func (t *memTx) Update(ctx context.Context, table string, sets []query.Assignment, where query.Cond) (int64, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}
	return t.state.update(table, sets, where)
}

func (t *memTx) Delete(ctx context.Context, table string, where query.Cond) (int64, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}
	return t.state.delete(table, where)
}

func (t *memTx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.repo.mu.Lock()
	t.repo.state = t.state
	t.repo.mu.Unlock()
	t.repo.txMu.Unlock()
	return nil
}

func (t *memTx) Rollback() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.repo.txMu.Unlock()
	return nil
}

func (s memState) insert(table string, row query.Row, idColumn string) (int64, error) {
	t := s.table(table)
	r := make(query.Row, len(row)+1)
	for k, v := range row {
		r[k] = query.Normalize(v)
	}
	id, _ := r[idColumn].(int64)
	if id == 0 {
		id = t.nextID
		r[idColumn] = id
	} else {
		for _, existing := range t.rows {
			if existing[idColumn] == id {
				return 0, ErrInvalidInput
			}
		}
	}
	if id >= t.nextID {
		t.nextID = id + 1
	}
	t.rows = append(t.rows, r)
	return id, nil
}

func (s memState) insertRows(table string, columns []string, rows [][]any) error {
	t := s.table(table)
	for _, values := range rows {
		if len(values) != len(columns) {
			return ErrInvalidInput
		}
		r := make(query.Row, len(columns))
		for i, col := range columns {
			r[col] = query.Normalize(values[i])
		}
		t.rows = append(t.rows, r)
	}
	return nil
}

func (s memState) subquery(q *query.Query) ([]query.Row, error) {
	return s.selectRows(q)
}

func (s memState) filter(table string, where query.Cond) ([]int, error) {
	t, ok := s[table]
	if !ok {
		return nil, nil
	}
	var idx []int
	for i, r := range t.rows {
		ok, err := query.Match(where, r, s.subquery)
		if err != nil {
			return nil, err
		}
		if ok {
			idx = append(idx, i)
		}
	}
	return idx, nil
}

func (s memState) selectRows(q *query.Query) ([]query.Row, error) {
	idx, err := s.filter(q.Table, q.Where)
	if err != nil {
		return nil, err
	}
	rows := make([]query.Row, len(idx))
	for i, j := range idx {
		rows[i] = copyRow(s[q.Table].rows[j])
	}
	if q.Grouped() {
		rows = query.Project(q, rows)
		query.Sort(rows, q.OrderBy)
	} else {
		orders, err := query.ResolveLookups(q, rows, s.subquery)
		if err != nil {
			return nil, err
		}
		query.Sort(rows, orders)
		query.StripLookups(q, rows)
		rows = query.Project(q, rows)
	}
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	return rows, nil
}

func (s memState) count(q *query.Query) (int64, error) {
	idx, err := s.filter(q.Table, q.Where)
	return int64(len(idx)), err
}

func (s memState) update(table string, sets []query.Assignment, where query.Cond) (int64, error) {
	idx, err := s.filter(table, where)
	if err != nil {
		return 0, err
	}
	t := s[table]
	for _, i := range idx {
		if err := query.Apply(sets, t.rows[i]); err != nil {
			return 0, err
		}
	}
	return int64(len(idx)), nil
}

func (s memState) delete(table string, where query.Cond) (int64, error) {
	idx, err := s.filter(table, where)
	if err != nil || len(idx) == 0 {
		return 0, err
	}
	t := s[table]
	drop := make(map[int]bool, len(idx))
	for _, i := range idx {
		drop[i] = true
	}
	kept := t.rows[:0]
	for i, r := range t.rows {
		if !drop[i] {
			kept = append(kept, r)
		}
	}
	t.rows = kept
	return int64(len(idx)), nil
}

// Tables lists the tables that hold data, sorted.
func (m *MemoryRepository) Tables() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.state))
	for name := range m.state {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
