package tree

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/ammiranda/treeext/models"
	"github.com/ammiranda/treeext/query"
	"github.com/ammiranda/treeext/repository"
)

// PathRepository queries trees stored as materialized paths. Subtree
// selection is done with regular expressions over the path column.
type PathRepository struct {
	baseRepository
	strategy *pathStrategy
}

func (r *PathRepository) pathColumn() string { return r.strategy.pathColumn() }

func (r *PathRepository) RootNodesQuery(sortField, dir string) (*query.Query, error) {
	return r.rootNodesQuery(sortField, dir, r.pathColumn())
}

func (r *PathRepository) RootNodes(ctx context.Context, sortField, dir string) ([]*repository.Node, error) {
	q, err := r.RootNodesQuery(sortField, dir)
	if err != nil {
		return nil, err
	}
	return r.fetch(ctx, q)
}

// childrenPattern builds the expression matching the paths below node.
func (r *PathRepository) childrenPattern(node *repository.Node, direct, includeNode bool) string {
	sep := regexp.QuoteMeta(r.cfg.PathSeparator)
	if node == nil {
		if direct {
			return "^([^" + sep + "]+)" + sep + "$"
		}
		return ""
	}
	path := regexp.QuoteMeta(node.String(r.cfg.Path))
	optional := ""
	if includeNode {
		optional = "?"
	}
	if direct {
		return "^" + path + "([^" + sep + "]+" + sep + ")" + optional + "$"
	}
	return "^" + path + "(.+)" + optional
}

func (r *PathRepository) childrenFilter(node *repository.Node, direct, includeNode bool) query.Cond {
	pattern := r.childrenPattern(node, direct, includeNode)
	if pattern == "" {
		return nil
	}
	return query.Regexp{Column: r.pathColumn(), Pattern: pattern}
}

func (r *PathRepository) ChildrenQuery(node *repository.Node, direct bool, sortField, dir string, includeNode bool) (*query.Query, error) {
	if err := r.validateNode(node); err != nil {
		return nil, err
	}
	return r.order(query.From(r.table).Filter(r.childrenFilter(node, direct, includeNode)), sortField, dir, r.pathColumn())
}

func (r *PathRepository) Children(ctx context.Context, node *repository.Node, direct bool, sortField, dir string, includeNode bool) ([]*repository.Node, error) {
	q, err := r.ChildrenQuery(node, direct, sortField, dir, includeNode)
	if err != nil {
		return nil, err
	}
	return r.fetch(ctx, q)
}

func (r *PathRepository) ChildCount(ctx context.Context, node *repository.Node, direct bool) (int64, error) {
	q, err := r.ChildrenQuery(node, direct, "", "", false)
	if err != nil {
		return 0, err
	}
	return r.count(ctx, q)
}

// prefixes returns every ancestor path contained in path, shortest first.
func (r *PathRepository) prefixes(path string) []any {
	sep := r.cfg.PathSeparator
	var out []any
	for i := 0; i < len(path); {
		j := strings.Index(path[i:], sep)
		if j < 0 {
			break
		}
		i += j + len(sep)
		out = append(out, path[:i])
	}
	return out
}

func (r *PathRepository) PathQuery(node *repository.Node) (*query.Query, error) {
	if node == nil {
		return nil, fmt.Errorf("%w: path needs a node", ErrInvalidArgument)
	}
	if err := r.validateNode(node); err != nil {
		return nil, err
	}
	return query.From(r.table).
		Filter(query.In{Column: r.pathColumn(), Values: r.prefixes(node.String(r.cfg.Path))}).
		AddOrderBy(r.pathColumn(), false), nil
}

func (r *PathRepository) Path(ctx context.Context, node *repository.Node) ([]*repository.Node, error) {
	q, err := r.PathQuery(node)
	if err != nil {
		return nil, err
	}
	return r.fetch(ctx, q)
}

func (r *PathRepository) NodesHierarchyQuery(node *repository.Node, direct bool, opts HierarchyOptions, includeNode bool) (*query.Query, error) {
	if err := r.validateHierarchy(node, opts); err != nil {
		return nil, err
	}
	return query.From(r.table).
		Filter(r.childrenFilter(node, direct, includeNode)).
		AddOrderBy(r.pathColumn(), false), nil
}

func (r *PathRepository) NodesHierarchyRows(ctx context.Context, node *repository.Node, direct bool, opts HierarchyOptions, includeNode bool) ([]HierarchyRow, error) {
	q, err := r.NodesHierarchyQuery(node, direct, opts, includeNode)
	if err != nil {
		return nil, err
	}
	nodes, err := r.fetch(ctx, q)
	if err != nil {
		return nil, err
	}
	return r.hierarchyRows(nodes, r.levelOf, opts), nil
}

func (r *PathRepository) levelOf(n *repository.Node) int64 {
	if r.cfg.HasLevel() {
		return n.Int(r.cfg.Level)
	}
	return r.strategy.level(n.String(r.cfg.Path))
}

func (r *PathRepository) NodesHierarchy(ctx context.Context, node *repository.Node, direct bool, opts HierarchyOptions, includeNode bool) ([]*models.TreeNode, error) {
	rows, err := r.NodesHierarchyRows(ctx, node, direct, opts, includeNode)
	if err != nil {
		return nil, err
	}
	return BuildTreeArray(rows), nil
}

func (r *PathRepository) RemoveFromTree(ctx context.Context, node *repository.Node) error {
	if node == nil {
		return fmt.Errorf("%w: nothing to remove", ErrInvalidArgument)
	}
	children, err := r.Children(ctx, node, true, "", "", false)
	if err != nil {
		return err
	}
	return r.removeFromTree(ctx, node, children)
}

// Verify recomputes every path and level from the parent pointers.
func (r *PathRepository) Verify(ctx context.Context) ([]Violation, error) {
	nodes, err := r.allNodes(ctx)
	if err != nil {
		return nil, err
	}
	chains, violations := ancestry(nodes, r.cfg.Parent)
	byID := make(map[int64]*repository.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	sep := r.cfg.PathSeparator
	for _, n := range nodes {
		chain, ok := chains[n.ID]
		if !ok {
			continue
		}
		var sb strings.Builder
		valid := true
		for i := len(chain) - 1; i >= -1; i-- {
			cur := n
			if i >= 0 {
				cur = byID[chain[i]]
			}
			seg, err := r.strategy.segment(cur)
			if err != nil {
				violations = append(violations, Violation{NodeID: n.ID, Message: err.Error()})
				valid = false
				break
			}
			sb.WriteString(seg + sep)
		}
		if !valid {
			continue
		}
		want := sb.String()
		if got := n.String(r.cfg.Path); got != want {
			violations = append(violations, Violation{NodeID: n.ID, Message: fmt.Sprintf("path is %q, expected %q", got, want)})
		}
		if r.cfg.HasLevel() {
			if lvl := r.strategy.level(want); n.Int(r.cfg.Level) != lvl {
				violations = append(violations, Violation{NodeID: n.ID, Message: fmt.Sprintf("level is %d, expected %d", n.Int(r.cfg.Level), lvl)})
			}
		}
	}
	return sortViolations(violations), nil
}
