// Package session is a small unit-of-work over a repository.Store: an
// identity map of managed nodes, original value snapshots for change
// detection, scheduled inserts and removals, and lifecycle events that
// extensions subscribe to.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ammiranda/treeext/mapping"
	"github.com/ammiranda/treeext/query"
	"github.com/ammiranda/treeext/repository"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrDetached is returned for nodes that carry an identifier but are
	// not managed by the session.
	ErrDetached = errors.New("node is detached")
	// ErrUnknownClass is returned for nodes whose class has no metadata.
	ErrUnknownClass = errors.New("unknown class")
	// ErrFlushInProgress is returned when Flush is called from inside a flush.
	ErrFlushInProgress = errors.New("flush already in progress")
	// ErrNoTransaction is returned by Commit and Rollback without Begin.
	ErrNoTransaction = errors.New("no active transaction")
)

type identityKey struct {
	class string
	id    int64
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithSubscriber registers a subscriber at construction.
func WithSubscriber(sub Subscriber) Option {
	return func(s *Session) { s.Subscribe(sub) }
}

// Session tracks nodes for one unit of work. It is not safe for
// concurrent use.
type Session struct {
	id      string
	store   repository.Store
	classes *mapping.MetadataRegistry
	log     zerolog.Logger

	subscribers map[EventType][]Subscriber

	identity  map[identityKey]*repository.Node
	originals map[*repository.Node]map[string]any
	inserts   []*repository.Node
	removals  []*repository.Node

	tx              repository.Tx
	afterCompletion []func(ctx context.Context, committed bool)
	flushing        bool
	// removed holds the nodes deleted by the running flush.
	removed []*repository.Node
}

// New creates a session over store for the classes in registry.
func New(store repository.Store, classes *mapping.MetadataRegistry, opts ...Option) *Session {
	s := &Session{
		id:          uuid.NewString(),
		store:       store,
		classes:     classes,
		log:         zerolog.Nop(),
		subscribers: make(map[EventType][]Subscriber),
		identity:    make(map[identityKey]*repository.Node),
		originals:   make(map[*repository.Node]map[string]any),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("session", s.id).Logger()
	return s
}

// ID identifies the session in logs and lock owners.
func (s *Session) ID() string { return s.id }

// Logger returns the session logger.
func (s *Session) Logger() *zerolog.Logger { return &s.log }

// Store returns the backing store.
func (s *Session) Store() repository.Store { return s.store }

// Classes returns the class metadata registry.
func (s *Session) Classes() *mapping.MetadataRegistry { return s.classes }

// Subscribe registers sub for its events.
func (s *Session) Subscribe(sub Subscriber) {
	for _, t := range sub.SubscribedEvents() {
		s.subscribers[t] = append(s.subscribers[t], sub)
	}
}

func (s *Session) dispatch(ctx context.Context, ev Event) error {
	ev.Session = s
	for _, sub := range s.subscribers[ev.Type] {
		if err := sub.HandleEvent(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// Metadata returns the metadata of class.
func (s *Session) Metadata(class string) (*mapping.ClassMetadata, error) {
	meta, ok := s.classes.Get(class)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClass, class)
	}
	return meta, nil
}

func (s *Session) key(n *repository.Node) identityKey {
	return identityKey{class: s.classes.RootClass(n.Class), id: n.ID}
}

// Executor returns the active transaction, or the store when none is open.
func (s *Session) Executor() repository.Executor {
	if s.tx != nil {
		return s.tx
	}
	return s.store
}

// InTransaction reports whether a transaction is open.
func (s *Session) InTransaction() bool { return s.tx != nil }

// Managed reports whether n is in the identity map.
func (s *Session) Managed(n *repository.Node) bool {
	if n == nil || n.ID == 0 {
		return false
	}
	return s.identity[s.key(n)] == n
}

// Scheduled reports whether n waits to be inserted.
func (s *Session) Scheduled(n *repository.Node) bool {
	for _, p := range s.inserts {
		if p == n {
			return true
		}
	}
	return false
}

// Persist schedules a new node for insertion. Managed nodes are left alone;
// their changes are picked up by Flush.
func (s *Session) Persist(n *repository.Node) error {
	if _, err := s.Metadata(n.Class); err != nil {
		return err
	}
	if n.ID != 0 {
		if s.Managed(n) {
			return nil
		}
		return fmt.Errorf("%w: %s %d", ErrDetached, n.Class, n.ID)
	}
	if !s.Scheduled(n) {
		s.inserts = append(s.inserts, n)
	}
	return nil
}

// Remove schedules a managed node for deletion. A node that was only
// scheduled for insertion is unscheduled.
func (s *Session) Remove(n *repository.Node) error {
	for i, p := range s.inserts {
		if p == n {
			s.inserts = append(s.inserts[:i], s.inserts[i+1:]...)
			return nil
		}
	}
	if !s.Managed(n) {
		return fmt.Errorf("%w: %s %d", ErrDetached, n.Class, n.ID)
	}
	for _, p := range s.removals {
		if p == n {
			return nil
		}
	}
	s.removals = append(s.removals, n)
	return nil
}

// Detach removes n from the session. Pending writes for n are dropped.
func (s *Session) Detach(n *repository.Node) {
	if s.Managed(n) {
		delete(s.identity, s.key(n))
	}
	delete(s.originals, n)
	for i, p := range s.inserts {
		if p == n {
			s.inserts = append(s.inserts[:i], s.inserts[i+1:]...)
			break
		}
	}
	for i, p := range s.removals {
		if p == n {
			s.removals = append(s.removals[:i], s.removals[i+1:]...)
			break
		}
	}
}

// DetachIDs detaches the managed nodes of class with the given identifiers.
// Stores call it after bulk deletes that bypass the session.
func (s *Session) DetachIDs(class string, ids []int64) {
	root := s.classes.RootClass(class)
	for _, id := range ids {
		if n, ok := s.identity[identityKey{class: root, id: id}]; ok {
			s.Detach(n)
		}
	}
}

// Clear detaches every node.
func (s *Session) Clear() {
	s.identity = make(map[identityKey]*repository.Node)
	s.originals = make(map[*repository.Node]map[string]any)
	s.inserts = nil
	s.removals = nil
}

// Original returns the value field had when n was loaded or last flushed.
func (s *Session) Original(n *repository.Node, field string) any {
	return s.originals[n][field]
}

// OriginalRef returns the original value of an association as an identifier.
func (s *Session) OriginalRef(n *repository.Node, field string) *int64 {
	if id, ok := repository.RefValue(s.originals[n][field]).(int64); ok {
		return &id
	}
	return nil
}

// SetOriginal overwrites the recorded original value of a field, so a
// change applied outside Flush is not detected again.
func (s *Session) SetOriginal(n *repository.Node, field string, v any) {
	orig, ok := s.originals[n]
	if !ok {
		orig = make(map[string]any)
		s.originals[n] = orig
	}
	if ref, isNode := v.(*repository.Node); isNode {
		orig[field] = repository.RefValue(ref)
		return
	}
	orig[field] = query.Normalize(v)
}

func (s *Session) register(n *repository.Node) {
	s.identity[s.key(n)] = n
	s.originals[n] = n.Snapshot()
}

// Find returns the managed node of class with id, loading it when needed.
func (s *Session) Find(ctx context.Context, class string, id int64) (*repository.Node, error) {
	meta, err := s.Metadata(class)
	if err != nil {
		return nil, err
	}
	if n, ok := s.identity[identityKey{class: s.classes.RootClass(class), id: id}]; ok {
		return n, nil
	}
	loaded, err := repository.FindNode(ctx, s.Executor(), meta, id)
	if err != nil {
		return nil, err
	}
	return s.attach(ctx, meta, loaded)
}

func (s *Session) attach(ctx context.Context, meta *mapping.ClassMetadata, loaded *repository.Node) (*repository.Node, error) {
	if n, ok := s.identity[s.key(loaded)]; ok {
		return n, nil
	}
	s.register(loaded)
	if err := s.dispatch(ctx, Event{Type: PostLoad, Node: loaded, Meta: meta}); err != nil {
		return nil, err
	}
	return loaded, nil
}

// Hydrate turns stored rows of class into managed nodes. Rows already in
// the identity map resolve to the managed instance.
func (s *Session) Hydrate(ctx context.Context, class string, rows []query.Row) ([]*repository.Node, error) {
	meta, err := s.Metadata(class)
	if err != nil {
		return nil, err
	}
	out := make([]*repository.Node, 0, len(rows))
	for _, row := range rows {
		n, err := s.attach(ctx, meta, repository.FromRow(meta, row))
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// Changes returns the fields of a managed node that differ from their
// original values.
func (s *Session) Changes(n *repository.Node) map[string]Change {
	orig := s.originals[n]
	current := n.Snapshot()
	changes := make(map[string]Change)
	for field, v := range current {
		if !sameValue(orig[field], v) {
			changes[field] = Change{Old: orig[field], New: v}
		}
	}
	for field, v := range orig {
		if _, ok := current[field]; !ok && v != nil {
			changes[field] = Change{Old: v, New: nil}
		}
	}
	return changes
}

func sameValue(a, b any) bool {
	a, b = query.Normalize(a), query.Normalize(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if c, ok := query.Compare(a, b); ok {
		return c == 0
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// AfterCompletion registers fn to run once the current transaction ends.
// Outside a transaction fn runs after the next one.
func (s *Session) AfterCompletion(fn func(ctx context.Context, committed bool)) {
	s.afterCompletion = append(s.afterCompletion, fn)
}

func (s *Session) complete(ctx context.Context, committed bool) {
	hooks := s.afterCompletion
	s.afterCompletion = nil
	for _, fn := range hooks {
		fn(ctx, committed)
	}
}

// Begin opens a transaction that Flush and Executor join.
func (s *Session) Begin(ctx context.Context) error {
	if s.tx != nil {
		return errors.New("transaction already active")
	}
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	s.tx = tx
	return nil
}

// Commit commits the transaction opened by Begin.
func (s *Session) Commit(ctx context.Context) error {
	if s.tx == nil {
		return ErrNoTransaction
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Commit(); err != nil {
		s.complete(ctx, false)
		return err
	}
	s.complete(ctx, true)
	return nil
}

// Rollback aborts the transaction opened by Begin.
func (s *Session) Rollback(ctx context.Context) error {
	if s.tx == nil {
		return ErrNoTransaction
	}
	tx := s.tx
	s.tx = nil
	err := tx.Rollback()
	s.complete(ctx, false)
	return err
}

// Transactional runs fn inside a transaction. When one is already open fn
// joins it and the caller stays in charge of committing.
func (s *Session) Transactional(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.tx != nil {
		return fn(ctx)
	}
	if err := s.Begin(ctx); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		if rbErr := s.Rollback(ctx); rbErr != nil {
			s.log.Error().Err(rbErr).Msg("rollback failed")
		}
		return err
	}
	return s.Commit(ctx)
}

// ManagedNodes returns the managed nodes stored in the table of class,
// ordered by identifier.
func (s *Session) ManagedNodes(class string) []*repository.Node {
	root := s.classes.RootClass(class)
	var out []*repository.Node
	for k, n := range s.identity {
		if k.class == root {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RemovedNodes returns the nodes of class whose rows the running flush has
// deleted. They are no longer managed but still describe their position.
func (s *Session) RemovedNodes(class string) []*repository.Node {
	root := s.classes.RootClass(class)
	var out []*repository.Node
	for _, n := range s.removed {
		if s.classes.RootClass(n.Class) == root {
			out = append(out, n)
		}
	}
	return out
}

// OriginalValues returns a copy of the recorded original values of n.
func (s *Session) OriginalValues(n *repository.Node) map[string]any {
	orig := s.originals[n]
	out := make(map[string]any, len(orig))
	for k, v := range orig {
		out[k] = v
	}
	return out
}
