package tree

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ammiranda/treeext/mapping"
	"github.com/ammiranda/treeext/models"
	"github.com/ammiranda/treeext/query"
	"github.com/ammiranda/treeext/repository"
	"github.com/ammiranda/treeext/session"
)

// Sort directions accepted by the repositories, case insensitive.
const (
	Asc  = "asc"
	Desc = "desc"
)

// ChildSort orders siblings of a hierarchy.
type ChildSort struct {
	Field string
	Dir   string
}

// HierarchyOptions tunes NodesHierarchy.
type HierarchyOptions struct {
	ChildSort ChildSort
}

// HierarchyRow is one node of a flat hierarchy listing, ordered so that
// every node comes after its parent.
type HierarchyRow struct {
	Node     *repository.Node
	ParentID *int64
	Level    int64
}

// Violation is one inconsistency found by Verify.
type Violation struct {
	NodeID  int64  `json:"nodeId"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	return fmt.Sprintf("node %d: %s", v.NodeID, v.Message)
}

// Repository answers read queries over one tree class and offers the
// structural operations that need more than a parent change. A nil node
// stands for the whole forest where a method accepts one.
type Repository interface {
	Class() string
	Config() *mapping.Config

	RootNodesQuery(sortField, dir string) (*query.Query, error)
	RootNodes(ctx context.Context, sortField, dir string) ([]*repository.Node, error)

	ChildrenQuery(node *repository.Node, direct bool, sortField, dir string, includeNode bool) (*query.Query, error)
	Children(ctx context.Context, node *repository.Node, direct bool, sortField, dir string, includeNode bool) ([]*repository.Node, error)
	ChildCount(ctx context.Context, node *repository.Node, direct bool) (int64, error)

	// PathQuery selects the ancestors of node and node itself, root first.
	PathQuery(node *repository.Node) (*query.Query, error)
	// Path returns the ancestors of node, root first, ending with node.
	Path(ctx context.Context, node *repository.Node) ([]*repository.Node, error)

	NodesHierarchyQuery(node *repository.Node, direct bool, opts HierarchyOptions, includeNode bool) (*query.Query, error)
	NodesHierarchyRows(ctx context.Context, node *repository.Node, direct bool, opts HierarchyOptions, includeNode bool) ([]HierarchyRow, error)
	NodesHierarchy(ctx context.Context, node *repository.Node, direct bool, opts HierarchyOptions, includeNode bool) ([]*models.TreeNode, error)
	BuildTreeArray(rows []HierarchyRow) []*models.TreeNode

	// RemoveFromTree deletes node alone, handing its children to its parent.
	RemoveFromTree(ctx context.Context, node *repository.Node) error
	// Verify checks the stored structure against the parent pointers.
	Verify(ctx context.Context) ([]Violation, error)
}

// NewRepository returns the repository for class, matching the strategy
// listener resolves for it.
func NewRepository(sess *session.Session, listener *Listener, class string) (Repository, error) {
	st, ok, err := listener.Strategy(class)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotTree, class)
	}
	base := baseRepository{sess: sess, listener: listener, class: class, strategy: st}
	switch s := st.(type) {
	case *closureStrategy:
		base.nodeTable = s.nodeTable
		return &ClosureRepository{baseRepository: base, closure: s.closure}, nil
	case *pathStrategy:
		base.nodeTable = s.nodeTable
		return &PathRepository{baseRepository: base, strategy: s}, nil
	case *nestedSetStrategy:
		base.nodeTable = s.nodeTable
		return &NestedSetRepository{baseRepository: base, strategy: s}, nil
	default:
		return nil, fmt.Errorf("no repository for strategy %s", st.Name())
	}
}

// baseRepository holds what every strategy's repository shares.
type baseRepository struct {
	nodeTable
	sess     *session.Session
	listener *Listener
	class    string
	strategy Strategy
}

func (r *baseRepository) Class() string { return r.class }

// validateNode checks that node belongs to this repository and is managed.
// A nil node is accepted.
func (r *baseRepository) validateNode(node *repository.Node) error {
	if node == nil {
		return nil
	}
	if !r.sess.Classes().IsA(node.Class, r.class) {
		return fmt.Errorf("%w: %s is not a %s", ErrWrongClass, node.Class, r.class)
	}
	if !r.sess.Managed(node) {
		return fmt.Errorf("%w: %s %d", ErrNodeNotManaged, node.Class, node.ID)
	}
	return nil
}

// sortColumn validates a sort request and returns its column.
func (r *baseRepository) sortColumn(field, dir string) (column string, desc bool, err error) {
	switch strings.ToLower(dir) {
	case "", Asc:
	case Desc:
		desc = true
	default:
		return "", false, fmt.Errorf("%w: direction %q", ErrInvalidSort, dir)
	}
	if field == "" {
		return "", desc, nil
	}
	if !r.meta.HasField(field) {
		return "", false, fmt.Errorf("%w: %s has no field %q", ErrInvalidSort, r.class, field)
	}
	return r.column(field), desc, nil
}

// order applies the requested sort, falling back to def, and breaks ties by
// identifier.
func (r *baseRepository) order(q *query.Query, field, dir, def string) (*query.Query, error) {
	col, desc, err := r.sortColumn(field, dir)
	if err != nil {
		return nil, err
	}
	switch {
	case col != "":
		q.AddOrderBy(col, desc)
	case def != "":
		q.AddOrderBy(def, desc)
	}
	return q.AddOrderBy(r.id, false), nil
}

func (r *baseRepository) fetch(ctx context.Context, q *query.Query) ([]*repository.Node, error) {
	rows, err := r.sess.Executor().Select(ctx, q)
	if err != nil {
		return nil, err
	}
	return r.sess.Hydrate(ctx, r.cfg.RootClass, rows)
}

func (r *baseRepository) count(ctx context.Context, q *query.Query) (int64, error) {
	c := q.Clone()
	c.OrderBy = nil
	return r.sess.Executor().Count(ctx, c)
}

func (r *baseRepository) rootNodesQuery(sortField, dir, def string) (*query.Query, error) {
	return r.order(query.From(r.table).Filter(query.IsNull{Column: r.parent}), sortField, dir, def)
}

func (r *baseRepository) validateHierarchy(node *repository.Node, opts HierarchyOptions) error {
	if err := r.validateNode(node); err != nil {
		return err
	}
	_, _, err := r.sortColumn(opts.ChildSort.Field, opts.ChildSort.Dir)
	return err
}

// hierarchyRows orders nodes by level, then by the requested sibling sort,
// keeping the query order for ties.
func (r *baseRepository) hierarchyRows(nodes []*repository.Node, levelOf func(*repository.Node) int64, opts HierarchyOptions) []HierarchyRow {
	rows := make([]HierarchyRow, len(nodes))
	for i, n := range nodes {
		rows[i] = HierarchyRow{Node: n, ParentID: n.Ref(r.cfg.Parent), Level: levelOf(n)}
	}
	field := opts.ChildSort.Field
	desc := strings.EqualFold(opts.ChildSort.Dir, Desc)
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Level != rows[j].Level {
			return rows[i].Level < rows[j].Level
		}
		if field == "" {
			return false
		}
		c, ok := query.Compare(rows[i].Node.Get(field), rows[j].Node.Get(field))
		if !ok || c == 0 {
			return false
		}
		if desc {
			return c > 0
		}
		return c < 0
	})
	return rows
}

func (r *baseRepository) BuildTreeArray(rows []HierarchyRow) []*models.TreeNode {
	return BuildTreeArray(rows)
}

// BuildTreeArray assembles level ordered rows into nested nodes in one pass.
// The level of the first row is the root level. Rows whose parent is not
// part of the listing are dropped together with their descendants.
func BuildTreeArray(rows []HierarchyRow) []*models.TreeNode {
	roots := make([]*models.TreeNode, 0)
	if len(rows) == 0 {
		return roots
	}
	rootLevel := rows[0].Level
	refs := make(map[int64]*models.TreeNode, len(rows))
	for _, row := range rows {
		tn := models.NewTreeNode(row.Node.ID, row.Level, row.Node.Snapshot())
		tn.ParentID = row.ParentID
		if row.Level == rootLevel {
			roots = append(roots, tn)
			refs[tn.ID] = tn
			continue
		}
		if row.ParentID == nil {
			continue
		}
		parent, ok := refs[*row.ParentID]
		if !ok {
			continue
		}
		parent.AddChild(tn)
		refs[tn.ID] = tn
	}
	return roots
}

// removeFromTree hands the children of node to its parent and deletes
// node, all in one transaction.
func (r *baseRepository) removeFromTree(ctx context.Context, node *repository.Node, children []*repository.Node) error {
	newParent := node.Ref(r.cfg.Parent)
	restore := r.sess.Checkpoint()

	start := time.Now()
	err := r.sess.Transactional(ctx, func(ctx context.Context) error {
		exec := r.sess.Executor()
		for _, child := range children {
			mv := Move{
				Node:      child,
				OldParent: r.sess.OriginalRef(child, r.cfg.Parent),
				Original:  r.sess.OriginalValues(child),
			}
			child.SetRef(r.cfg.Parent, newParent)
			if c, ok := r.strategy.(moveChecker); ok {
				if err := c.CheckMove(ctx, r.sess, mv); err != nil {
					return err
				}
			}
			if err := repository.UpdateNode(ctx, exec, r.meta, child); err != nil {
				return err
			}
			if err := r.strategy.ProcessMove(ctx, r.sess, mv); err != nil {
				return err
			}
			r.sess.SetOriginal(child, r.cfg.Parent, child.Get(r.cfg.Parent))
		}
		return r.strategy.ProcessDelete(ctx, r.sess, node)
	})
	r.listener.observe(r.cfg, r.strategy.Name(), "removeFromTree", start, err)
	if err != nil {
		restore()
		r.sess.Logger().Error().Err(err).
			Str("class", r.cfg.RootClass).
			Int64("node_id", node.ID).
			Msg("remove from tree failed")
		return consistencyError("removeFromTree", r.cfg.RootClass, err)
	}
	r.sess.Detach(node)
	classes := []string{r.cfg.RootClass}
	if r.sess.InTransaction() {
		r.sess.AfterCompletion(func(ctx context.Context, committed bool) {
			if committed {
				r.listener.invalidate(ctx, classes)
			}
		})
		return nil
	}
	r.listener.invalidate(ctx, classes)
	return nil
}

// allNodes loads every stored node of the class without attaching them to
// the session.
func (r *baseRepository) allNodes(ctx context.Context) ([]*repository.Node, error) {
	rows, err := r.sess.Executor().Select(ctx, query.From(r.table).AddOrderBy(r.id, false))
	if err != nil {
		return nil, err
	}
	nodes := make([]*repository.Node, len(rows))
	for i, row := range rows {
		nodes[i] = repository.FromRow(r.meta, row)
	}
	return nodes, nil
}

// ancestry returns the parent chain of every node, nearest first, or a
// violation for nodes whose chain is broken or loops.
func ancestry(nodes []*repository.Node, parentField string) (map[int64][]int64, []Violation) {
	byID := make(map[int64]*repository.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}
	chains := make(map[int64][]int64, len(nodes))
	var violations []Violation
	for _, n := range nodes {
		var chain []int64
		seen := map[int64]bool{n.ID: true}
		cur := n
		ok := true
		for {
			pid := cur.Ref(parentField)
			if pid == nil {
				break
			}
			if seen[*pid] {
				violations = append(violations, Violation{NodeID: n.ID, Message: "parent chain loops"})
				ok = false
				break
			}
			p, found := byID[*pid]
			if !found {
				violations = append(violations, Violation{NodeID: n.ID, Message: fmt.Sprintf("parent %d does not exist", *pid)})
				ok = false
				break
			}
			seen[*pid] = true
			chain = append(chain, *pid)
			cur = p
		}
		if ok {
			chains[n.ID] = chain
		}
	}
	return chains, violations
}

func sortViolations(v []Violation) []Violation {
	sort.SliceStable(v, func(i, j int) bool { return v[i].NodeID < v[j].NodeID })
	return v
}
