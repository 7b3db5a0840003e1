package tree

import (
	"context"
	"fmt"
	"sort"

	"github.com/ammiranda/treeext/models"
	"github.com/ammiranda/treeext/query"
	"github.com/ammiranda/treeext/repository"
)

// NestedSetRepository queries trees stored as nested sets.
type NestedSetRepository struct {
	baseRepository
	strategy *nestedSetStrategy
}

func (r *NestedSetRepository) RootNodesQuery(sortField, dir string) (*query.Query, error) {
	return r.rootNodesQuery(sortField, dir, r.strategy.left())
}

func (r *NestedSetRepository) RootNodes(ctx context.Context, sortField, dir string) ([]*repository.Node, error) {
	q, err := r.RootNodesQuery(sortField, dir)
	if err != nil {
		return nil, err
	}
	return r.fetch(ctx, q)
}

func (r *NestedSetRepository) childrenFilter(node *repository.Node, direct, includeNode bool) query.Cond {
	if node == nil {
		if direct {
			return query.IsNull{Column: r.parent}
		}
		return nil
	}
	if direct {
		var c query.Cond = query.Eq{Column: r.parent, Value: node.ID}
		if includeNode {
			c = query.Or{c, query.Eq{Column: r.id, Value: node.ID}}
		}
		return c
	}
	l, rt := node.Int(r.cfg.Left), node.Int(r.cfg.Right)
	if includeNode {
		return query.And{
			query.Gte{Column: r.strategy.left(), Value: l},
			query.Lte{Column: r.strategy.right(), Value: rt},
		}
	}
	return query.And{
		query.Gt{Column: r.strategy.left(), Value: l},
		query.Lt{Column: r.strategy.right(), Value: rt},
	}
}

func (r *NestedSetRepository) ChildrenQuery(node *repository.Node, direct bool, sortField, dir string, includeNode bool) (*query.Query, error) {
	if err := r.validateNode(node); err != nil {
		return nil, err
	}
	return r.order(query.From(r.table).Filter(r.childrenFilter(node, direct, includeNode)), sortField, dir, r.strategy.left())
}

func (r *NestedSetRepository) Children(ctx context.Context, node *repository.Node, direct bool, sortField, dir string, includeNode bool) ([]*repository.Node, error) {
	q, err := r.ChildrenQuery(node, direct, sortField, dir, includeNode)
	if err != nil {
		return nil, err
	}
	return r.fetch(ctx, q)
}

func (r *NestedSetRepository) ChildCount(ctx context.Context, node *repository.Node, direct bool) (int64, error) {
	q, err := r.ChildrenQuery(node, direct, "", "", false)
	if err != nil {
		return 0, err
	}
	return r.count(ctx, q)
}

func (r *NestedSetRepository) PathQuery(node *repository.Node) (*query.Query, error) {
	if node == nil {
		return nil, fmt.Errorf("%w: path needs a node", ErrInvalidArgument)
	}
	if err := r.validateNode(node); err != nil {
		return nil, err
	}
	return query.From(r.table).Filter(query.And{
		query.Lte{Column: r.strategy.left(), Value: node.Int(r.cfg.Left)},
		query.Gte{Column: r.strategy.right(), Value: node.Int(r.cfg.Right)},
	}).AddOrderBy(r.strategy.left(), false), nil
}

func (r *NestedSetRepository) Path(ctx context.Context, node *repository.Node) ([]*repository.Node, error) {
	q, err := r.PathQuery(node)
	if err != nil {
		return nil, err
	}
	return r.fetch(ctx, q)
}

func (r *NestedSetRepository) NodesHierarchyQuery(node *repository.Node, direct bool, opts HierarchyOptions, includeNode bool) (*query.Query, error) {
	if err := r.validateHierarchy(node, opts); err != nil {
		return nil, err
	}
	return query.From(r.table).
		Filter(r.childrenFilter(node, direct, includeNode)).
		AddOrderBy(r.strategy.left(), false), nil
}

func (r *NestedSetRepository) NodesHierarchyRows(ctx context.Context, node *repository.Node, direct bool, opts HierarchyOptions, includeNode bool) ([]HierarchyRow, error) {
	q, err := r.NodesHierarchyQuery(node, direct, opts, includeNode)
	if err != nil {
		return nil, err
	}
	nodes, err := r.fetch(ctx, q)
	if err != nil {
		return nil, err
	}
	return r.hierarchyRows(nodes, r.levels(nodes), opts), nil
}

// levels reads the level field, or counts the enclosing bounds of each node
// when the class maps none. nodes must be ordered by left bound.
func (r *NestedSetRepository) levels(nodes []*repository.Node) func(*repository.Node) int64 {
	if r.cfg.HasLevel() {
		return func(n *repository.Node) int64 { return n.Int(r.cfg.Level) }
	}
	level := make(map[int64]int64, len(nodes))
	var open []int64
	for _, n := range nodes {
		l := n.Int(r.cfg.Left)
		for len(open) > 0 && open[len(open)-1] < l {
			open = open[:len(open)-1]
		}
		level[n.ID] = int64(len(open)) + 1
		open = append(open, n.Int(r.cfg.Right))
	}
	return func(n *repository.Node) int64 { return level[n.ID] }
}

func (r *NestedSetRepository) NodesHierarchy(ctx context.Context, node *repository.Node, direct bool, opts HierarchyOptions, includeNode bool) ([]*models.TreeNode, error) {
	rows, err := r.NodesHierarchyRows(ctx, node, direct, opts, includeNode)
	if err != nil {
		return nil, err
	}
	return BuildTreeArray(rows), nil
}

func (r *NestedSetRepository) RemoveFromTree(ctx context.Context, node *repository.Node) error {
	if node == nil {
		return fmt.Errorf("%w: nothing to remove", ErrInvalidArgument)
	}
	children, err := r.Children(ctx, node, true, "", "", false)
	if err != nil {
		return err
	}
	return r.removeFromTree(ctx, node, children)
}

// Verify renumbers the forest from the parent pointers, keeping the stored
// sibling order, and compares the result with the stored bounds.
func (r *NestedSetRepository) Verify(ctx context.Context) ([]Violation, error) {
	nodes, err := r.allNodes(ctx)
	if err != nil {
		return nil, err
	}
	_, violations := ancestry(nodes, r.cfg.Parent)
	if len(violations) > 0 {
		return sortViolations(violations), nil
	}

	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].Int(r.cfg.Left) < nodes[j].Int(r.cfg.Left) })
	children := make(map[int64][]*repository.Node)
	var roots []*repository.Node
	for _, n := range nodes {
		if pid := n.Ref(r.cfg.Parent); pid != nil {
			children[*pid] = append(children[*pid], n)
		} else {
			roots = append(roots, n)
		}
	}

	counter := int64(0)
	var walk func(n *repository.Node, level int64)
	walk = func(n *repository.Node, level int64) {
		counter++
		left := counter
		for _, c := range children[n.ID] {
			walk(c, level+1)
		}
		counter++
		right := counter
		if n.Int(r.cfg.Left) != left || n.Int(r.cfg.Right) != right {
			violations = append(violations, Violation{NodeID: n.ID, Message: fmt.Sprintf("bounds are [%d, %d], expected [%d, %d]",
				n.Int(r.cfg.Left), n.Int(r.cfg.Right), left, right)})
		}
		if r.cfg.HasLevel() && n.Int(r.cfg.Level) != level {
			violations = append(violations, Violation{NodeID: n.ID, Message: fmt.Sprintf("level is %d, expected %d", n.Int(r.cfg.Level), level)})
		}
	}
	for _, root := range roots {
		walk(root, 1)
	}
	return sortViolations(violations), nil
}
