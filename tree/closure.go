package tree

import (
	"context"
	"fmt"

	"github.com/ammiranda/treeext/mapping"
	"github.com/ammiranda/treeext/query"
	"github.com/ammiranda/treeext/repository"
	"github.com/ammiranda/treeext/session"
)

// closureTable resolves the storage names of a closure class.
type closureTable struct {
	table      string
	ancestor   string
	descendant string
	depth      string
}

func newClosureTable(meta *mapping.ClassMetadata) closureTable {
	return closureTable{
		table:      meta.Table,
		ancestor:   meta.Associations["ancestor"].Column,
		descendant: meta.Associations["descendant"].Column,
		depth:      meta.MustColumn("depth"),
	}
}

// closureEdge is one closure row.
type closureEdge struct {
	ancestor   int64
	descendant int64
	depth      int64
}

func (c closureTable) edges(ctx context.Context, exec repository.Executor, cond query.Cond) ([]closureEdge, error) {
	rows, err := exec.Select(ctx, query.From(c.table).Select(c.ancestor, c.descendant, c.depth).Filter(cond))
	if err != nil {
		return nil, err
	}
	out := make([]closureEdge, len(rows))
	for i, r := range rows {
		out[i] = closureEdge{
			ancestor:   int64Value(r[c.ancestor]),
			descendant: int64Value(r[c.descendant]),
			depth:      int64Value(r[c.depth]),
		}
	}
	return out, nil
}

func (c closureTable) insert(ctx context.Context, exec repository.Executor, edges []closureEdge) error {
	if len(edges) == 0 {
		return nil
	}
	rows := make([][]any, len(edges))
	for i, e := range edges {
		rows[i] = []any{e.ancestor, e.descendant, e.depth}
	}
	return exec.InsertRows(ctx, c.table, []string{c.ancestor, c.descendant, c.depth}, rows)
}

// closureStrategy keeps one row per ancestor/descendant pair, including the
// depth 0 row of every node to itself.
type closureStrategy struct {
	nodeTable
	closure closureTable
}

func (s *closureStrategy) Name() mapping.StrategyType { return mapping.Closure }

func (s *closureStrategy) ProcessInsert(ctx context.Context, sess *session.Session, n *repository.Node) error {
	exec := sess.Executor()
	edges := []closureEdge{{ancestor: n.ID, descendant: n.ID, depth: 0}}

	var level int64 = 1
	if parent := n.Ref(s.cfg.Parent); parent != nil {
		above, err := s.closure.edges(ctx, exec, query.Eq{Column: s.closure.descendant, Value: *parent})
		if err != nil {
			return err
		}
		if len(above) == 0 {
			return fmt.Errorf("parent %d of %s %d has no closure rows", *parent, s.cfg.Class, n.ID)
		}
		for _, e := range above {
			edges = append(edges, closureEdge{ancestor: e.ancestor, descendant: n.ID, depth: e.depth + 1})
		}
		level = int64(len(above)) + 1
	}
	if err := s.closure.insert(ctx, exec, edges); err != nil {
		return err
	}

	if s.cfg.HasLevel() {
		return s.setFields(ctx, sess, n, map[string]any{s.cfg.Level: level})
	}
	return nil
}

func (s *closureStrategy) ProcessMove(ctx context.Context, sess *session.Session, mv Move) error {
	exec := sess.Executor()
	n := mv.Node

	subtree, err := s.closure.edges(ctx, exec, query.Eq{Column: s.closure.ancestor, Value: n.ID})
	if err != nil {
		return err
	}
	members := make([]int64, len(subtree))
	inSubtree := make(map[int64]bool, len(subtree))
	for i, e := range subtree {
		members[i] = e.descendant
		inSubtree[e.descendant] = true
	}

	var above []closureEdge
	newParent := n.Ref(s.cfg.Parent)
	if newParent != nil {
		if inSubtree[*newParent] {
			return ErrCyclicMove
		}
		above, err = s.closure.edges(ctx, exec, query.Eq{Column: s.closure.descendant, Value: *newParent})
		if err != nil {
			return err
		}
	}

	// Rows describing the old ancestry of the subtree.
	_, err = exec.Delete(ctx, s.closure.table, query.And{
		query.In{Column: s.closure.descendant, Values: anyIDs(members)},
		query.InQuery{
			Column: s.closure.ancestor,
			Query:  query.From(s.closure.table).Select(s.closure.ancestor).Filter(query.Eq{Column: s.closure.descendant, Value: n.ID}),
		},
		query.Ne{Column: s.closure.ancestor, Value: n.ID},
	})
	if err != nil {
		return err
	}

	edges := make([]closureEdge, 0, len(above)*len(subtree))
	for _, a := range above {
		for _, x := range subtree {
			edges = append(edges, closureEdge{ancestor: a.ancestor, descendant: x.descendant, depth: a.depth + 1 + x.depth})
		}
	}
	if err := s.closure.insert(ctx, exec, edges); err != nil {
		return err
	}

	if !s.cfg.HasLevel() {
		return nil
	}
	stored, err := s.storedRow(ctx, exec, n.ID, s.column(s.cfg.Level))
	if err != nil {
		return err
	}
	delta := int64(len(above)) + 1 - int64Value(stored[s.column(s.cfg.Level)])
	if delta != 0 {
		_, err = exec.Update(ctx, s.table,
			[]query.Assignment{query.Add{Column: s.column(s.cfg.Level), Delta: delta}},
			query.In{Column: s.id, Values: anyIDs(members)})
		if err != nil {
			return err
		}
	}
	return s.refreshManaged(ctx, sess, s.cfg.Level)
}

func (s *closureStrategy) ProcessDelete(ctx context.Context, sess *session.Session, n *repository.Node) error {
	exec := sess.Executor()
	subtree, err := s.closure.edges(ctx, exec, query.Eq{Column: s.closure.ancestor, Value: n.ID})
	if err != nil {
		return err
	}
	members := []int64{n.ID}
	for _, e := range subtree {
		if e.descendant != n.ID {
			members = append(members, e.descendant)
		}
	}
	ids := anyIDs(members)

	if _, err := exec.Delete(ctx, s.closure.table, query.Or{
		query.In{Column: s.closure.descendant, Values: ids},
		query.In{Column: s.closure.ancestor, Values: ids},
	}); err != nil {
		return err
	}
	if _, err := exec.Delete(ctx, s.table, query.In{Column: s.id, Values: ids}); err != nil {
		return err
	}
	sess.DetachIDs(s.cfg.RootClass, members[1:])
	return nil
}
