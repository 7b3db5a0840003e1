package tree

import (
	"context"

	"github.com/ammiranda/treeext/mapping"
	"github.com/ammiranda/treeext/query"
	"github.com/ammiranda/treeext/repository"
	"github.com/ammiranda/treeext/session"
)

// nestedSetStrategy numbers the whole forest with left/right bounds; a
// node's subtree is every node whose bounds fall within its own.
type nestedSetStrategy struct {
	nodeTable
}

func (s *nestedSetStrategy) Name() mapping.StrategyType { return mapping.NestedSet }

func (s *nestedSetStrategy) left() string  { return s.column(s.cfg.Left) }
func (s *nestedSetStrategy) right() string { return s.column(s.cfg.Right) }

func (s *nestedSetStrategy) boundFields() []string {
	fields := []string{s.cfg.Left, s.cfg.Right}
	if s.cfg.HasLevel() {
		fields = append(fields, s.cfg.Level)
	}
	return fields
}

type bounds struct {
	left, right, level int64
}

func (s *nestedSetStrategy) storedBounds(ctx context.Context, exec repository.Executor, id int64) (bounds, error) {
	cols := []string{s.left(), s.right()}
	if s.cfg.HasLevel() {
		cols = append(cols, s.column(s.cfg.Level))
	}
	row, err := s.storedRow(ctx, exec, id, cols...)
	if err != nil {
		return bounds{}, err
	}
	b := bounds{left: int64Value(row[s.left()]), right: int64Value(row[s.right()])}
	if s.cfg.HasLevel() {
		b.level = int64Value(row[s.column(s.cfg.Level)])
	}
	return b, nil
}

// nextRootPosition is the left bound of a new last root.
func (s *nestedSetStrategy) nextRootPosition(ctx context.Context, exec repository.Executor) (int64, error) {
	rows, err := exec.Select(ctx, query.From(s.table).GroupByColumns(nil, query.Aggregate{Func: query.Max, Column: s.right(), Alias: "max_right"}))
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 1, nil
	}
	return int64Value(rows[0]["max_right"]) + 1, nil
}

// shift moves every bound at or after from by delta.
func (s *nestedSetStrategy) shift(ctx context.Context, sess *session.Session, from, delta int64, inclusive bool) error {
	for _, col := range []string{s.left(), s.right()} {
		var where query.Cond = query.Gte{Column: col, Value: from}
		if !inclusive {
			where = query.Gt{Column: col, Value: from}
		}
		if err := s.bulkUpdate(ctx, sess, []query.Assignment{query.Add{Column: col, Delta: delta}}, where); err != nil {
			return err
		}
	}
	return nil
}

// target returns where n goes as the last child of its current parent.
func (s *nestedSetStrategy) target(ctx context.Context, exec repository.Executor, n *repository.Node) (pos, level int64, parent *bounds, err error) {
	parentID := n.Ref(s.cfg.Parent)
	if parentID == nil {
		pos, err = s.nextRootPosition(ctx, exec)
		return pos, 1, nil, err
	}
	pb, err := s.storedBounds(ctx, exec, *parentID)
	if err != nil {
		return 0, 0, nil, err
	}
	return pb.right, pb.level + 1, &pb, nil
}

func (s *nestedSetStrategy) ProcessInsert(ctx context.Context, sess *session.Session, n *repository.Node) error {
	exec := sess.Executor()
	pos, level, _, err := s.target(ctx, exec, n)
	if err != nil {
		return err
	}
	if err := s.shift(ctx, sess, pos, 2, true); err != nil {
		return err
	}
	values := map[string]any{s.cfg.Left: pos, s.cfg.Right: pos + 1}
	if s.cfg.HasLevel() {
		values[s.cfg.Level] = level
	}
	if err := s.setFields(ctx, sess, n, values); err != nil {
		return err
	}
	return s.refreshManaged(ctx, sess, s.cfg.Left, s.cfg.Right)
}

func (s *nestedSetStrategy) ProcessMove(ctx context.Context, sess *session.Session, mv Move) error {
	exec := sess.Executor()
	n := mv.Node

	cur, err := s.storedBounds(ctx, exec, n.ID)
	if err != nil {
		return err
	}
	pos, level, parent, err := s.target(ctx, exec, n)
	if err != nil {
		return err
	}
	if parent != nil && parent.left >= cur.left && parent.right <= cur.right {
		return ErrCyclicMove
	}

	width := cur.right - cur.left + 1
	if err := s.shift(ctx, sess, pos, width, true); err != nil {
		return err
	}
	if cur.left >= pos {
		cur.left += width
		cur.right += width
	}

	dist := pos - cur.left
	sets := []query.Assignment{
		query.Add{Column: s.left(), Delta: dist},
		query.Add{Column: s.right(), Delta: dist},
	}
	if s.cfg.HasLevel() && level != cur.level {
		sets = append(sets, query.Add{Column: s.column(s.cfg.Level), Delta: level - cur.level})
	}
	subtree := query.And{
		query.Gte{Column: s.left(), Value: cur.left},
		query.Lte{Column: s.right(), Value: cur.right},
	}
	if err := s.bulkUpdate(ctx, sess, sets, subtree); err != nil {
		return err
	}

	if err := s.shift(ctx, sess, cur.right, -width, false); err != nil {
		return err
	}
	return s.refreshManaged(ctx, sess, s.boundFields()...)
}

func (s *nestedSetStrategy) ProcessDelete(ctx context.Context, sess *session.Session, n *repository.Node) error {
	l, r := n.Int(s.cfg.Left), n.Int(s.cfg.Right)
	if l == 0 || r < l {
		return nil
	}
	exec := sess.Executor()
	within := query.And{
		query.Gte{Column: s.left(), Value: l},
		query.Lte{Column: s.right(), Value: r},
	}
	ids, err := s.idsWhere(ctx, exec, within)
	if err != nil {
		return err
	}
	if _, err := exec.Delete(ctx, s.table, within); err != nil {
		return err
	}
	sess.DetachIDs(s.cfg.RootClass, ids)

	if err := s.shift(ctx, sess, r, -(r - l + 1), false); err != nil {
		return err
	}
	return s.refreshManaged(ctx, sess, s.cfg.Left, s.cfg.Right)
}
