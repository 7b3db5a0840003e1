package tree

import (
	"context"
	"fmt"

	"github.com/ammiranda/treeext/models"
	"github.com/ammiranda/treeext/query"
	"github.com/ammiranda/treeext/repository"
)

// ClosureRepository queries trees stored with a closure table.
type ClosureRepository struct {
	baseRepository
	closure closureTable
}

func (r *ClosureRepository) RootNodesQuery(sortField, dir string) (*query.Query, error) {
	return r.rootNodesQuery(sortField, dir, "")
}

func (r *ClosureRepository) RootNodes(ctx context.Context, sortField, dir string) ([]*repository.Node, error) {
	q, err := r.RootNodesQuery(sortField, dir)
	if err != nil {
		return nil, err
	}
	return r.fetch(ctx, q)
}

// descendants selects the closure descendants of id.
func (r *ClosureRepository) descendants(id int64, direct, includeNode bool) *query.Query {
	where := query.And{query.Eq{Column: r.closure.ancestor, Value: id}}
	switch {
	case direct && includeNode:
		where = append(where, query.Lte{Column: r.closure.depth, Value: 1})
	case direct:
		where = append(where, query.Eq{Column: r.closure.depth, Value: 1})
	case !includeNode:
		where = append(where, query.Ne{Column: r.closure.descendant, Value: id})
	}
	return query.From(r.closure.table).Select(r.closure.descendant).Filter(where)
}

func (r *ClosureRepository) childrenFilter(node *repository.Node, direct, includeNode bool) query.Cond {
	if node == nil {
		if direct {
			return query.IsNull{Column: r.parent}
		}
		return nil
	}
	return query.InQuery{Column: r.id, Query: r.descendants(node.ID, direct, includeNode)}
}

func (r *ClosureRepository) ChildrenQuery(node *repository.Node, direct bool, sortField, dir string, includeNode bool) (*query.Query, error) {
	if err := r.validateNode(node); err != nil {
		return nil, err
	}
	return r.order(query.From(r.table).Filter(r.childrenFilter(node, direct, includeNode)), sortField, dir, "")
}

func (r *ClosureRepository) Children(ctx context.Context, node *repository.Node, direct bool, sortField, dir string, includeNode bool) ([]*repository.Node, error) {
	q, err := r.ChildrenQuery(node, direct, sortField, dir, includeNode)
	if err != nil {
		return nil, err
	}
	return r.fetch(ctx, q)
}

func (r *ClosureRepository) ChildCount(ctx context.Context, node *repository.Node, direct bool) (int64, error) {
	q, err := r.ChildrenQuery(node, direct, "", "", false)
	if err != nil {
		return 0, err
	}
	return r.count(ctx, q)
}

func (r *ClosureRepository) PathQuery(node *repository.Node) (*query.Query, error) {
	if node == nil {
		return nil, fmt.Errorf("%w: path needs a node", ErrInvalidArgument)
	}
	if err := r.validateNode(node); err != nil {
		return nil, err
	}
	ofNode := query.Eq{Column: r.closure.descendant, Value: node.ID}
	ancestors := query.From(r.closure.table).Select(r.closure.ancestor).Filter(ofNode)
	depth := query.From(r.closure.table).Select(r.closure.depth).Filter(ofNode)
	return query.From(r.table).
		Filter(query.InQuery{Column: r.id, Query: ancestors}).
		AddOrderByLookup(query.Lookup{Query: depth, Match: r.closure.ancestor, Outer: r.id}, true), nil
}

func (r *ClosureRepository) Path(ctx context.Context, node *repository.Node) ([]*repository.Node, error) {
	q, err := r.PathQuery(node)
	if err != nil {
		return nil, err
	}
	return r.fetch(ctx, q)
}

// NodesHierarchyQuery selects the nodes of a hierarchy. Without a node the
// whole forest is selected.
func (r *ClosureRepository) NodesHierarchyQuery(node *repository.Node, direct bool, opts HierarchyOptions, includeNode bool) (*query.Query, error) {
	if err := r.validateHierarchy(node, opts); err != nil {
		return nil, err
	}
	var where query.Cond
	if node != nil {
		where = r.childrenFilter(node, direct, includeNode)
	}
	return query.From(r.table).Filter(where).AddOrderBy(r.id, false), nil
}

func (r *ClosureRepository) NodesHierarchyRows(ctx context.Context, node *repository.Node, direct bool, opts HierarchyOptions, includeNode bool) ([]HierarchyRow, error) {
	q, err := r.NodesHierarchyQuery(node, direct, opts, includeNode)
	if err != nil {
		return nil, err
	}
	nodes, err := r.fetch(ctx, q)
	if err != nil {
		return nil, err
	}
	levelOf, err := r.levels(ctx, nodes)
	if err != nil {
		return nil, err
	}
	return r.hierarchyRows(nodes, levelOf, opts), nil
}

// levels reads the level field, or derives it from the deepest closure row
// of each node when the class maps none.
func (r *ClosureRepository) levels(ctx context.Context, nodes []*repository.Node) (func(*repository.Node) int64, error) {
	if r.cfg.HasLevel() {
		return func(n *repository.Node) int64 { return n.Int(r.cfg.Level) }, nil
	}
	ids := make([]int64, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	rows, err := r.sess.Executor().Select(ctx, query.From(r.closure.table).
		Filter(query.In{Column: r.closure.descendant, Values: anyIDs(ids)}).
		GroupByColumns([]string{r.closure.descendant}, query.Aggregate{Func: query.Max, Column: r.closure.depth, Alias: "max_depth"}))
	if err != nil {
		return nil, err
	}
	level := make(map[int64]int64, len(rows))
	for _, row := range rows {
		level[int64Value(row[r.closure.descendant])] = int64Value(row["max_depth"]) + 1
	}
	return func(n *repository.Node) int64 { return level[n.ID] }, nil
}

func (r *ClosureRepository) NodesHierarchy(ctx context.Context, node *repository.Node, direct bool, opts HierarchyOptions, includeNode bool) ([]*models.TreeNode, error) {
	rows, err := r.NodesHierarchyRows(ctx, node, direct, opts, includeNode)
	if err != nil {
		return nil, err
	}
	return BuildTreeArray(rows), nil
}

func (r *ClosureRepository) RemoveFromTree(ctx context.Context, node *repository.Node) error {
	if node == nil {
		return fmt.Errorf("%w: nothing to remove", ErrInvalidArgument)
	}
	children, err := r.Children(ctx, node, true, "", "", false)
	if err != nil {
		return err
	}
	return r.removeFromTree(ctx, node, children)
}

// Verify compares the closure rows and levels with the parent pointers.
func (r *ClosureRepository) Verify(ctx context.Context) ([]Violation, error) {
	nodes, err := r.allNodes(ctx)
	if err != nil {
		return nil, err
	}
	chains, violations := ancestry(nodes, r.cfg.Parent)

	edges, err := r.closure.edges(ctx, r.sess.Executor(), nil)
	if err != nil {
		return nil, err
	}
	type pair struct{ ancestor, descendant int64 }
	stored := make(map[pair]int64, len(edges))
	for _, e := range edges {
		stored[pair{e.ancestor, e.descendant}] = e.depth
	}

	for _, n := range nodes {
		chain, ok := chains[n.ID]
		if !ok {
			continue
		}
		expected := map[pair]int64{{n.ID, n.ID}: 0}
		for i, a := range chain {
			expected[pair{a, n.ID}] = int64(i + 1)
		}
		for p, d := range expected {
			got, found := stored[p]
			switch {
			case !found:
				violations = append(violations, Violation{NodeID: n.ID, Message: fmt.Sprintf("missing closure row from ancestor %d", p.ancestor)})
			case got != d:
				violations = append(violations, Violation{NodeID: n.ID, Message: fmt.Sprintf("closure row from ancestor %d has depth %d, expected %d", p.ancestor, got, d)})
			}
			delete(stored, p)
		}
		if r.cfg.HasLevel() {
			if want := int64(len(chain)) + 1; n.Int(r.cfg.Level) != want {
				violations = append(violations, Violation{NodeID: n.ID, Message: fmt.Sprintf("level is %d, expected %d", n.Int(r.cfg.Level), want)})
			}
		}
	}
	for p := range stored {
		if _, ok := chains[p.descendant]; ok {
			violations = append(violations, Violation{NodeID: p.descendant, Message: fmt.Sprintf("stale closure row from ancestor %d", p.ancestor)})
		}
	}
	return sortViolations(violations), nil
}
