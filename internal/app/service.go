package app

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ammiranda/treeext/cache"
	"github.com/ammiranda/treeext/internal/logging"
	"github.com/ammiranda/treeext/internal/metrics"
	"github.com/ammiranda/treeext/mapping"
	"github.com/ammiranda/treeext/models"
	"github.com/ammiranda/treeext/repository"
	"github.com/ammiranda/treeext/session"
	"github.com/ammiranda/treeext/tree"
	"github.com/rs/zerolog"
)

// Option configures a Service.
type Option func(*Service)

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.log = l } }

func WithCache(c cache.Provider) Option { return func(s *Service) { s.cache = c } }

func WithLocker(l tree.Locker) Option { return func(s *Service) { s.locker = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

// Service runs tree operations, each in a session of its own. It is safe
// for concurrent use.
type Service struct {
	store    repository.Store
	registry *mapping.Registry
	listener *tree.Listener
	cache    cache.Provider
	locker   tree.Locker
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

// NewService creates a service over an initialized store.
func NewService(store repository.Store, registry *mapping.Registry, opts ...Option) *Service {
	s := &Service{
		store:    store,
		registry: registry,
		cache:    cache.NopCache{},
		locker:   tree.NewMemoryLocker(),
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	lopts := []tree.ListenerOption{
		tree.WithLocker(s.locker),
		tree.WithLogger(logging.Component(s.log, "tree")),
		tree.WithInvalidator(s.cache),
	}
	if s.metrics != nil {
		lopts = append(lopts, tree.WithObserver(s.metrics))
	}
	s.listener = tree.NewListener(registry, lopts...)
	return s
}

func (s *Service) Listener() *tree.Listener    { return s.listener }
func (s *Service) Metrics() *metrics.Metrics   { return s.metrics }
func (s *Service) Registry() *mapping.Registry { return s.registry }
func (s *Service) Store() repository.Store     { return s.store }

// NewSession opens a session with the tree listener subscribed.
func (s *Service) NewSession() *session.Session {
	return session.New(s.store, s.registry.Classes(),
		session.WithLogger(logging.Component(s.log, "session")),
		session.WithSubscriber(s.listener))
}

// ClassInfo describes one tree class.
type ClassInfo struct {
	Class    string               `json:"class"`
	Strategy mapping.StrategyType `json:"strategy"`
	Table    string               `json:"table"`
}

// Classes lists the configured tree classes.
func (s *Service) Classes() []ClassInfo {
	names := s.registry.TreeClasses()
	out := make([]ClassInfo, 0, len(names))
	for _, name := range names {
		cfg, _ := s.registry.Get(name)
		info := ClassInfo{Class: name, Strategy: cfg.Strategy}
		if meta, ok := s.registry.Classes().Get(cfg.RootClass); ok {
			info.Table = meta.Table
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Class < out[j].Class })
	return out
}

func (s *Service) open(class string) (*session.Session, tree.Repository, error) {
	sess := s.NewSession()
	repo, err := tree.NewRepository(sess, s.listener, class)
	if err != nil {
		return nil, nil, err
	}
	return sess, repo, nil
}

func (s *Service) find(ctx context.Context, sess *session.Session, class string, id *int64) (*repository.Node, error) {
	if id == nil {
		return nil, nil
	}
	return sess.Find(ctx, class, *id)
}

func view(cfg *mapping.Config, n *repository.Node) *models.TreeNode {
	var level int64
	if cfg.HasLevel() {
		level = n.Int(cfg.Level)
	}
	tn := models.NewTreeNode(n.ID, level, n.Snapshot())
	tn.ParentID = n.Ref(cfg.Parent)
	return tn
}

func views(cfg *mapping.Config, nodes []*repository.Node) []*models.TreeNode {
	out := make([]*models.TreeNode, len(nodes))
	for i, n := range nodes {
		out[i] = view(cfg, n)
	}
	return out
}

// Roots lists the root nodes of class.
func (s *Service) Roots(ctx context.Context, class, sortField, dir string) ([]*models.TreeNode, error) {
	_, repo, err := s.open(class)
	if err != nil {
		return nil, err
	}
	nodes, err := repo.RootNodes(ctx, sortField, dir)
	if err != nil {
		return nil, err
	}
	return views(repo.Config(), nodes), nil
}

// ListRequest selects children or a hierarchy below a node, or the whole
// forest when NodeID is nil.
type ListRequest struct {
	NodeID      *int64
	Direct      bool
	IncludeNode bool
	SortField   string
	SortDir     string
}

// Children lists the nodes below a node.
func (s *Service) Children(ctx context.Context, class string, req ListRequest) ([]*models.TreeNode, error) {
	sess, repo, err := s.open(class)
	if err != nil {
		return nil, err
	}
	node, err := s.find(ctx, sess, class, req.NodeID)
	if err != nil {
		return nil, err
	}
	nodes, err := repo.Children(ctx, node, req.Direct, req.SortField, req.SortDir, req.IncludeNode)
	if err != nil {
		return nil, err
	}
	return views(repo.Config(), nodes), nil
}

// ChildCount counts the nodes below a node.
func (s *Service) ChildCount(ctx context.Context, class string, id *int64, direct bool) (int64, error) {
	sess, repo, err := s.open(class)
	if err != nil {
		return 0, err
	}
	node, err := s.find(ctx, sess, class, id)
	if err != nil {
		return 0, err
	}
	return repo.ChildCount(ctx, node, direct)
}

// Path lists the ancestors of a node, root first, ending with the node.
func (s *Service) Path(ctx context.Context, class string, id int64) ([]*models.TreeNode, error) {
	sess, repo, err := s.open(class)
	if err != nil {
		return nil, err
	}
	node, err := sess.Find(ctx, class, id)
	if err != nil {
		return nil, err
	}
	nodes, err := repo.Path(ctx, node)
	if err != nil {
		return nil, err
	}
	return views(repo.Config(), nodes), nil
}

// Hierarchy returns nested nodes, served from the cache when possible.
func (s *Service) Hierarchy(ctx context.Context, class string, req ListRequest) ([]*models.TreeNode, error) {
	sess, repo, err := s.open(class)
	if err != nil {
		return nil, err
	}
	key := cache.Key{
		Class:       repo.Config().RootClass,
		Direct:      req.Direct,
		IncludeNode: req.IncludeNode,
		SortField:   req.SortField,
		SortDir:     req.SortDir,
	}
	if req.NodeID != nil {
		key.NodeID = *req.NodeID
	}
	if cached, ok := s.cache.GetHierarchy(ctx, key); ok {
		s.cacheLookup(key.Class, true)
		return cached, nil
	}
	s.cacheLookup(key.Class, false)

	node, err := s.find(ctx, sess, class, req.NodeID)
	if err != nil {
		return nil, err
	}
	opts := tree.HierarchyOptions{ChildSort: tree.ChildSort{Field: req.SortField, Dir: req.SortDir}}
	result, err := repo.NodesHierarchy(ctx, node, req.Direct, opts, req.IncludeNode)
	if err != nil {
		return nil, err
	}
	s.cache.SetHierarchy(ctx, key, result)
	return result, nil
}

func (s *Service) cacheLookup(class string, hit bool) {
	if s.metrics != nil {
		s.metrics.CacheLookup(class, hit)
	}
}

// NodeInput carries the fields of a create or update. Parent is applied
// when set; Root detaches the node from its parent instead.
type NodeInput struct {
	Fields   map[string]any
	ParentID *int64
	Root     bool
}

// ErrReadOnlyField is returned for fields maintained by the tree.
var ErrReadOnlyField = fmt.Errorf("%w: field is maintained by the tree", tree.ErrInvalidArgument)

// ErrUnknownField is returned for fields the class does not map.
var ErrUnknownField = fmt.Errorf("%w: unknown field", tree.ErrInvalidArgument)

func checkFields(cfg *mapping.Config, meta *mapping.ClassMetadata, fields map[string]any) error {
	managed := map[string]bool{
		cfg.Identifier: true, cfg.Parent: true, cfg.Level: true,
		cfg.Left: true, cfg.Right: true, cfg.Path: true,
	}
	for name := range fields {
		if _, ok := meta.Fields[name]; !ok {
			return fmt.Errorf("%w: %s.%s", ErrUnknownField, meta.Name, name)
		}
		if managed[name] {
			return fmt.Errorf("%w: %s.%s", ErrReadOnlyField, meta.Name, name)
		}
	}
	return nil
}

func (s *Service) parent(ctx context.Context, sess *session.Session, class string, id int64) (*repository.Node, error) {
	p, err := sess.Find(ctx, class, id)
	if errors.Is(err, repository.ErrNodeNotFound) {
		return nil, fmt.Errorf("%w: parent %d does not exist", tree.ErrInvalidArgument, id)
	}
	return p, err
}

// CreateNode inserts a node, optionally below a parent.
func (s *Service) CreateNode(ctx context.Context, class string, in NodeInput) (*models.TreeNode, error) {
	sess, repo, err := s.open(class)
	if err != nil {
		return nil, err
	}
	cfg := repo.Config()
	meta, err := sess.Metadata(class)
	if err != nil {
		return nil, err
	}
	if err := checkFields(cfg, meta, in.Fields); err != nil {
		return nil, err
	}

	n := repository.NewNode(class, in.Fields)
	if in.ParentID != nil && !in.Root {
		p, err := s.parent(ctx, sess, class, *in.ParentID)
		if err != nil {
			return nil, err
		}
		n.Set(cfg.Parent, p)
	}
	if err := sess.Persist(n); err != nil {
		return nil, err
	}
	if err := sess.Flush(ctx); err != nil {
		return nil, err
	}
	s.log.Info().Str("class", class).Int64("node_id", n.ID).Msg("node created")
	return view(cfg, n), nil
}

// UpdateNode changes fields of a node and optionally moves it.
func (s *Service) UpdateNode(ctx context.Context, class string, id int64, in NodeInput) (*models.TreeNode, error) {
	sess, repo, err := s.open(class)
	if err != nil {
		return nil, err
	}
	cfg := repo.Config()
	meta, err := sess.Metadata(class)
	if err != nil {
		return nil, err
	}
	if err := checkFields(cfg, meta, in.Fields); err != nil {
		return nil, err
	}
	n, err := sess.Find(ctx, class, id)
	if err != nil {
		return nil, err
	}
	for k, v := range in.Fields {
		n.Set(k, v)
	}
	switch {
	case in.Root:
		n.SetRef(cfg.Parent, nil)
	case in.ParentID != nil:
		p, err := s.parent(ctx, sess, class, *in.ParentID)
		if err != nil {
			return nil, err
		}
		n.Set(cfg.Parent, p)
	}
	if err := sess.Flush(ctx); err != nil {
		return nil, err
	}
	s.log.Info().Str("class", class).Int64("node_id", n.ID).Msg("node updated")
	return view(cfg, n), nil
}

// DeleteNode removes a node together with its subtree.
func (s *Service) DeleteNode(ctx context.Context, class string, id int64) error {
	sess := s.NewSession()
	n, err := sess.Find(ctx, class, id)
	if err != nil {
		return err
	}
	if err := sess.Remove(n); err != nil {
		return err
	}
	if err := sess.Flush(ctx); err != nil {
		return err
	}
	s.log.Info().Str("class", class).Int64("node_id", id).Msg("subtree deleted")
	return nil
}

// RemoveFromTree deletes a node alone; its children move to its parent.
func (s *Service) RemoveFromTree(ctx context.Context, class string, id int64) error {
	sess, repo, err := s.open(class)
	if err != nil {
		return err
	}
	n, err := sess.Find(ctx, class, id)
	if err != nil {
		return err
	}
	if err := repo.RemoveFromTree(ctx, n); err != nil {
		return err
	}
	s.log.Info().Str("class", class).Int64("node_id", id).Msg("node removed from tree")
	return nil
}

// Verify checks the stored structure of class.
func (s *Service) Verify(ctx context.Context, class string) ([]tree.Violation, error) {
	_, repo, err := s.open(class)
	if err != nil {
		return nil, err
	}
	return repo.Verify(ctx)
}
