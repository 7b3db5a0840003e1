package tree

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ammiranda/treeext/mapping"
	"github.com/ammiranda/treeext/repository"
	"github.com/ammiranda/treeext/session"
	"github.com/rs/zerolog"
)

// Invalidator drops cached reads of a tree class after its structure changed.
type Invalidator interface {
	InvalidateClass(ctx context.Context, class string) error
}

// Observer is told about every structural operation a strategy ran.
type Observer interface {
	ObserveOperation(class string, strategy mapping.StrategyType, op string, d time.Duration, err error)
}

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithLocker sets the locker used by materialized path trees.
func WithLocker(l Locker) ListenerOption {
	return func(ls *Listener) { ls.locker = l }
}

// WithLogger sets the listener logger.
func WithLogger(l zerolog.Logger) ListenerOption {
	return func(ls *Listener) { ls.log = l }
}

// WithInvalidator registers a cache to invalidate after commits.
func WithInvalidator(inv Invalidator) ListenerOption {
	return func(ls *Listener) { ls.invalidators = append(ls.invalidators, inv) }
}

// WithObserver registers an operation observer.
func WithObserver(o Observer) ListenerOption {
	return func(ls *Listener) { ls.observer = o }
}

// Listener subscribes to session events and keeps the auxiliary structure
// of every tree class in step with parent changes. Structural work is
// queued per session and applied once the flush has written all rows. One
// Listener may serve many sessions concurrently.
type Listener struct {
	registry     *mapping.Registry
	locker       Locker
	log          zerolog.Logger
	invalidators []Invalidator
	observer     Observer

	mu         sync.RWMutex
	strategies map[string]Strategy

	qmu    sync.Mutex
	queues map[*session.Session]*pendingQueue
}

// NewListener creates a listener for the tree classes of registry.
func NewListener(registry *mapping.Registry, opts ...ListenerOption) *Listener {
	l := &Listener{
		registry:   registry,
		locker:     NopLocker{},
		log:        zerolog.Nop(),
		strategies: make(map[string]Strategy),
		queues:     make(map[*session.Session]*pendingQueue),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Registry returns the tree configurations the listener serves.
func (l *Listener) Registry() *mapping.Registry { return l.registry }

func (l *Listener) SubscribedEvents() []session.EventType {
	return []session.EventType{
		session.PostLoad,
		session.PrePersist,
		session.PostPersist,
		session.PreUpdate,
		session.PreRemove,
		session.FlushComplete,
	}
}

// Strategy returns the strategy of class. ok is false for classes that are
// not trees.
func (l *Listener) Strategy(class string) (st Strategy, ok bool, err error) {
	cfg, found := l.registry.Get(class)
	if !found {
		return nil, false, nil
	}
	l.mu.RLock()
	st, ok = l.strategies[cfg.RootClass]
	l.mu.RUnlock()
	if ok {
		return st, true, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok = l.strategies[cfg.RootClass]; ok {
		return st, true, nil
	}
	st, err = NewStrategy(cfg, l.registry.Classes(), l.locker)
	if err != nil {
		return nil, false, err
	}
	l.strategies[cfg.RootClass] = st
	l.log.Debug().Str("class", cfg.RootClass).Str("strategy", string(st.Name())).Msg("tree strategy resolved")
	return st, true, nil
}

func (l *Listener) queue(sess *session.Session) *pendingQueue {
	l.qmu.Lock()
	defer l.qmu.Unlock()
	q, ok := l.queues[sess]
	if !ok {
		q = newPendingQueue()
		l.queues[sess] = q
		sess.AfterCompletion(func(ctx context.Context, committed bool) {
			l.complete(ctx, sess, committed)
		})
	}
	return q
}

func (l *Listener) lookupQueue(sess *session.Session) *pendingQueue {
	l.qmu.Lock()
	defer l.qmu.Unlock()
	return l.queues[sess]
}

func (l *Listener) HandleEvent(ctx context.Context, ev session.Event) error {
	if ev.Type == session.FlushComplete {
		return l.drain(ctx, ev.Session)
	}
	if ev.Node == nil {
		return nil
	}
	st, ok, err := l.Strategy(ev.Node.Class)
	if err != nil || !ok {
		return err
	}

	switch ev.Type {
	case session.PostPersist:
		l.queue(ev.Session).insert(ev.Node, st)
	case session.PreUpdate:
		return l.onUpdate(ctx, ev, st)
	case session.PreRemove:
		l.queue(ev.Session).remove(ev.Node, st)
	}
	return nil
}

func (l *Listener) onUpdate(ctx context.Context, ev session.Event, st Strategy) error {
	cfg := st.Config()
	sess := ev.Session
	_, reparented := ev.Changes[cfg.Parent]
	moved := reparented
	if w, ok := st.(sourceWatcher); ok {
		for _, f := range w.WatchedFields() {
			if _, changed := ev.Changes[f]; changed {
				moved = true
			}
		}
	}
	if !moved {
		return nil
	}

	if reparented {
		if err := l.checkCycle(ctx, sess, cfg, ev.Node); err != nil {
			return err
		}
	}
	mv := Move{
		Node:      ev.Node,
		OldParent: sess.OriginalRef(ev.Node, cfg.Parent),
		Original:  sess.OriginalValues(ev.Node),
	}
	if !l.queue(sess).move(mv, st) {
		return nil
	}
	if c, ok := st.(moveChecker); ok {
		if err := c.CheckMove(ctx, sess, mv); err != nil {
			return consistencyError("move", cfg.RootClass, err)
		}
	}
	return nil
}

// parentNode resolves the current parent of n, loading it when needed.
func parentNode(ctx context.Context, sess *session.Session, cfg *mapping.Config, n *repository.Node) (*repository.Node, error) {
	if ref := n.RefNode(cfg.Parent); ref != nil {
		return ref, nil
	}
	id := n.Ref(cfg.Parent)
	if id == nil {
		return nil, nil
	}
	return sess.Find(ctx, cfg.RootClass, *id)
}

// checkCycle rejects a new parent that is n itself or one of its
// descendants, following the parent pointers as they are in memory.
func (l *Listener) checkCycle(ctx context.Context, sess *session.Session, cfg *mapping.Config, n *repository.Node) error {
	seen := make(map[*repository.Node]bool)
	cur, err := parentNode(ctx, sess, cfg, n)
	for ; err == nil && cur != nil; cur, err = parentNode(ctx, sess, cfg, cur) {
		if cur == n || (n.ID != 0 && cur.ID == n.ID) {
			return fmt.Errorf("%w: %s %d", ErrCyclicMove, cfg.RootClass, n.ID)
		}
		if seen[cur] {
			return fmt.Errorf("%w: parent chain of %s %d loops", ErrCyclicMove, cfg.RootClass, cur.ID)
		}
		seen[cur] = true
	}
	return err
}

// depth counts the ancestors n has in memory.
func depth(ctx context.Context, sess *session.Session, cfg *mapping.Config, n *repository.Node) (int, error) {
	d := 0
	seen := make(map[*repository.Node]bool)
	cur, err := parentNode(ctx, sess, cfg, n)
	for ; err == nil && cur != nil && !seen[cur]; cur, err = parentNode(ctx, sess, cfg, cur) {
		seen[cur] = true
		d++
	}
	return d, err
}

// drain applies the queued operations of sess. It runs inside the flush
// transaction; any failure aborts the flush.
func (l *Listener) drain(ctx context.Context, sess *session.Session) error {
	q := l.lookupQueue(sess)
	if q == nil || q.empty() {
		return nil
	}
	if q.draining {
		return ErrReentrantFlush
	}
	q.draining = true
	defer func() { q.draining = false }()

	for _, op := range q.ops {
		if op.kind != opMove {
			continue
		}
		d, err := depth(ctx, sess, op.strategy.Config(), op.move.Node)
		if err != nil {
			return consistencyError("move", op.strategy.Config().RootClass, err)
		}
		op.depth = d
	}

	ops := q.ordered()
	q.ops = make(map[*repository.Node]*pendingOp)

	for _, op := range ops {
		cfg := op.strategy.Config()
		start := time.Now()
		var err error
		switch op.kind {
		case opInsert:
			err = op.strategy.ProcessInsert(ctx, sess, op.move.Node)
		case opMove:
			err = op.strategy.ProcessMove(ctx, sess, op.move)
		case opDelete:
			err = op.strategy.ProcessDelete(ctx, sess, op.move.Node)
		}
		l.observe(cfg, op.strategy.Name(), op.kind.String(), start, err)
		if err != nil {
			l.log.Error().Err(err).
				Str("class", cfg.RootClass).
				Int64("node_id", op.move.Node.ID).
				Str("op", op.kind.String()).
				Msg("tree operation failed")
			return consistencyError(op.kind.String(), cfg.RootClass, err)
		}
		l.log.Debug().
			Str("class", cfg.RootClass).
			Int64("node_id", op.move.Node.ID).
			Str("strategy", string(op.strategy.Name())).
			Str("op", op.kind.String()).
			Msg("tree operation applied")
	}
	return nil
}

func (l *Listener) observe(cfg *mapping.Config, name mapping.StrategyType, op string, start time.Time, err error) {
	if l.observer != nil {
		l.observer.ObserveOperation(cfg.RootClass, name, op, time.Since(start), err)
	}
}

// complete forgets the queue of sess once its transaction ended and, after
// a commit, invalidates the caches of every class it touched.
func (l *Listener) complete(ctx context.Context, sess *session.Session, committed bool) {
	l.qmu.Lock()
	q := l.queues[sess]
	delete(l.queues, sess)
	l.qmu.Unlock()
	if q == nil || !committed {
		return
	}
	l.invalidate(ctx, q.touched())
}

func (l *Listener) invalidate(ctx context.Context, classes []string) {
	ctx = context.WithoutCancel(ctx)
	for _, class := range classes {
		for _, inv := range l.invalidators {
			if err := inv.InvalidateClass(ctx, class); err != nil {
				l.log.Warn().Err(err).Str("class", class).Msg("cache invalidation failed")
			}
		}
	}
}
