package tree

import (
	"context"
	"fmt"

	"github.com/ammiranda/treeext/mapping"
	"github.com/ammiranda/treeext/query"
	"github.com/ammiranda/treeext/repository"
	"github.com/ammiranda/treeext/session"
)

// Move describes a reparent, or a path source change, of one node.
type Move struct {
	Node      *repository.Node
	OldParent *int64
	// Original holds the field values the node had when the move was
	// detected.
	Original map[string]any
}

// Strategy keeps the auxiliary structure of one tree class consistent with
// its parent pointers. Every method runs on the session's executor, inside
// the transaction of the surrounding flush or repository operation.
type Strategy interface {
	Name() mapping.StrategyType
	Config() *mapping.Config

	// ProcessInsert registers a node that was just inserted.
	ProcessInsert(ctx context.Context, sess *session.Session, n *repository.Node) error
	// ProcessMove rewrites the structure of the subtree of a moved node.
	ProcessMove(ctx context.Context, sess *session.Session, mv Move) error
	// ProcessDelete removes a deleted node and its subtree.
	ProcessDelete(ctx context.Context, sess *session.Session, n *repository.Node) error
}

// moveChecker is implemented by strategies that validate a move before the
// node row is written.
type moveChecker interface {
	CheckMove(ctx context.Context, sess *session.Session, mv Move) error
}

// sourceWatcher is implemented by strategies that also treat changes of
// fields other than the parent as moves.
type sourceWatcher interface {
	WatchedFields() []string
}

// NewStrategy builds the strategy selected by cfg.
func NewStrategy(cfg *mapping.Config, classes *mapping.MetadataRegistry, locker Locker) (Strategy, error) {
	nt, err := newNodeTable(cfg, classes)
	if err != nil {
		return nil, err
	}
	switch cfg.Strategy {
	case mapping.Closure:
		closureMeta, ok := classes.Get(cfg.Closure)
		if !ok {
			return nil, &mapping.MappingError{Class: cfg.Class, Field: "closure", Message: fmt.Sprintf("closure class %s is not registered", cfg.Closure)}
		}
		return &closureStrategy{nodeTable: nt, closure: newClosureTable(closureMeta)}, nil
	case mapping.MaterializedPath:
		if locker == nil {
			locker = NopLocker{}
		}
		return &pathStrategy{nodeTable: nt, locker: locker}, nil
	case mapping.NestedSet:
		return &nestedSetStrategy{nodeTable: nt}, nil
	default:
		return nil, &mapping.MappingError{Class: cfg.Class, Message: fmt.Sprintf("unknown strategy %q", cfg.Strategy)}
	}
}

// nodeTable resolves the storage names of a tree class.
type nodeTable struct {
	cfg    *mapping.Config
	meta   *mapping.ClassMetadata
	table  string
	id     string
	parent string
}

func newNodeTable(cfg *mapping.Config, classes *mapping.MetadataRegistry) (nodeTable, error) {
	meta, ok := classes.Get(cfg.RootClass)
	if !ok {
		return nodeTable{}, &mapping.MappingError{Class: cfg.Class, Message: fmt.Sprintf("root class %s is not registered", cfg.RootClass)}
	}
	idCol, err := repository.IDColumn(meta)
	if err != nil {
		return nodeTable{}, err
	}
	assoc, ok := meta.Associations[cfg.Parent]
	if !ok {
		return nodeTable{}, &mapping.MappingError{Class: cfg.Class, Field: cfg.Parent, Message: "parent association is not mapped"}
	}
	return nodeTable{cfg: cfg, meta: meta, table: meta.Table, id: idCol, parent: assoc.Column}, nil
}

func (t nodeTable) Config() *mapping.Config { return t.cfg }

func (t nodeTable) column(field string) string {
	return t.meta.MustColumn(field)
}

// storedRow reads columns of one node as currently stored.
func (t nodeTable) storedRow(ctx context.Context, exec repository.Executor, id int64, columns ...string) (query.Row, error) {
	rows, err := exec.Select(ctx, query.From(t.table).Select(columns...).Filter(query.Eq{Column: t.id, Value: id}).WithLimit(1))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s %d: %w", t.cfg.RootClass, id, repository.ErrNodeNotFound)
	}
	return rows[0], nil
}

// setFields writes fields of one node and mirrors them on the managed
// instance without marking them as changed.
func (t nodeTable) setFields(ctx context.Context, sess *session.Session, n *repository.Node, values map[string]any) error {
	sets := make([]query.Assignment, 0, len(values))
	for field, v := range values {
		sets = append(sets, query.Set{Column: t.column(field), Value: v})
	}
	if _, err := sess.Executor().Update(ctx, t.table, sets, query.Eq{Column: t.id, Value: n.ID}); err != nil {
		return err
	}
	for field, v := range values {
		n.Set(field, v)
		sess.SetOriginal(n, field, v)
	}
	return nil
}

// refreshManaged reloads fields of every managed node of the class after a
// bulk update touched rows behind the session's back.
func (t nodeTable) refreshManaged(ctx context.Context, sess *session.Session, fields ...string) error {
	managed := sess.ManagedNodes(t.cfg.RootClass)
	if len(managed) == 0 || len(fields) == 0 {
		return nil
	}
	ids := make([]any, len(managed))
	byID := make(map[int64]*repository.Node, len(managed))
	for i, n := range managed {
		ids[i] = n.ID
		byID[n.ID] = n
	}
	cols := []string{t.id}
	for _, f := range fields {
		cols = append(cols, t.column(f))
	}
	rows, err := sess.Executor().Select(ctx, query.From(t.table).Select(cols...).Filter(query.In{Column: t.id, Values: ids}))
	if err != nil {
		return err
	}
	for _, row := range rows {
		id, _ := query.Normalize(row[t.id]).(int64)
		n, ok := byID[id]
		if !ok {
			continue
		}
		for _, f := range fields {
			v := row[t.column(f)]
			n.Set(f, v)
			sess.SetOriginal(n, f, v)
		}
	}
	return nil
}

// idsWhere selects the identifiers of the rows matching cond.
func (t nodeTable) idsWhere(ctx context.Context, exec repository.Executor, cond query.Cond) ([]int64, error) {
	rows, err := exec.Select(ctx, query.From(t.table).Select(t.id).Filter(cond))
	if err != nil {
		return nil, err
	}
	return collectIDs(rows, t.id), nil
}

func collectIDs(rows []query.Row, column string) []int64 {
	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		if id, ok := query.Normalize(r[column]).(int64); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func anyIDs(ids []int64) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func int64Value(v any) int64 {
	switch x := query.Normalize(v).(type) {
	case int64:
		return x
	case float64:
		return int64(x)
	default:
		return 0
	}
}

// bulkUpdate runs a bulk update on the node table and mirrors it on the
// nodes the running flush already deleted, so their position stays current
// until their own delete is processed.
func (t nodeTable) bulkUpdate(ctx context.Context, sess *session.Session, sets []query.Assignment, where query.Cond) error {
	if _, err := sess.Executor().Update(ctx, t.table, sets, where); err != nil {
		return err
	}
	noSubquery := func(*query.Query) ([]query.Row, error) {
		return nil, fmt.Errorf("subqueries are not supported on removed nodes")
	}
	for _, n := range sess.RemovedNodes(t.cfg.RootClass) {
		row := repository.ToRow(t.meta, n)
		ok, err := query.Match(where, row, noSubquery)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := query.Apply(sets, row); err != nil {
			return err
		}
		for _, a := range sets {
			col := assignedColumn(a)
			if field, found := t.meta.FieldByColumn(col); found {
				n.Set(field, row[col])
			}
		}
	}
	return nil
}

func assignedColumn(a query.Assignment) string {
	switch x := a.(type) {
	case query.Set:
		return x.Column
	case query.Add:
		return x.Column
	case query.ReplacePrefix:
		return x.Column
	default:
		return ""
	}
}
