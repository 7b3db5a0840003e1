package session

import (
	"context"
	"fmt"
	"sort"

	"github.com/ammiranda/treeext/repository"
)

type flushState struct {
	inserts   []*repository.Node
	removals  []*repository.Node
	originals map[*repository.Node]map[string]any
	identity  map[identityKey]*repository.Node
	fields    map[*repository.Node]map[string]any
}

func (s *Session) saveState() flushState {
	st := flushState{
		inserts:   append([]*repository.Node(nil), s.inserts...),
		removals:  append([]*repository.Node(nil), s.removals...),
		originals: make(map[*repository.Node]map[string]any, len(s.originals)),
		identity:  make(map[identityKey]*repository.Node, len(s.identity)),
		fields:    make(map[*repository.Node]map[string]any, len(s.identity)+len(s.inserts)),
	}
	for n, o := range s.originals {
		c := make(map[string]any, len(o))
		for k, v := range o {
			c[k] = v
		}
		st.originals[n] = c
	}
	for k, n := range s.identity {
		st.identity[k] = n
		st.keepFields(n)
	}
	for _, n := range s.inserts {
		st.keepFields(n)
	}
	for _, n := range s.removals {
		st.keepFields(n)
	}
	return st
}

func (st flushState) keepFields(n *repository.Node) {
	if _, ok := st.fields[n]; ok {
		return
	}
	c := make(map[string]any, len(n.Fields))
	for k, v := range n.Fields {
		c[k] = v
	}
	st.fields[n] = c
}

func (s *Session) restoreState(st flushState) {
	for n, f := range st.fields {
		n.Fields = f
	}
	for _, n := range st.inserts {
		n.ID = 0
	}
	s.inserts = st.inserts
	s.removals = st.removals
	s.originals = st.originals
	s.identity = st.identity
}

// Checkpoint records the scheduled work, the managed nodes and their field
// values. The returned function puts all of it back, undoing what a failed
// transaction left on the nodes in memory.
func (s *Session) Checkpoint() (restore func()) {
	st := s.saveState()
	return func() { s.restoreState(st) }
}

// orderInserts puts every node after the unsaved nodes its associations
// point to.
func (s *Session) orderInserts() []*repository.Node {
	pending := make(map[*repository.Node]bool, len(s.inserts))
	for _, n := range s.inserts {
		pending[n] = true
	}
	visited := make(map[*repository.Node]bool, len(s.inserts))
	ordered := make([]*repository.Node, 0, len(s.inserts))
	var visit func(n *repository.Node)
	visit = func(n *repository.Node) {
		if visited[n] {
			return
		}
		visited[n] = true
		fields := make([]string, 0, len(n.Fields))
		for f := range n.Fields {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, f := range fields {
			if ref := n.RefNode(f); ref != nil && pending[ref] {
				visit(ref)
			}
		}
		ordered = append(ordered, n)
	}
	for _, n := range s.inserts {
		visit(n)
	}
	return ordered
}

func (s *Session) changedNodes() []*repository.Node {
	removing := make(map[*repository.Node]bool, len(s.removals))
	for _, n := range s.removals {
		removing[n] = true
	}
	var changed []*repository.Node
	for _, n := range s.identity {
		if removing[n] {
			continue
		}
		if len(s.Changes(n)) > 0 {
			changed = append(changed, n)
		}
	}
	sort.Slice(changed, func(i, j int) bool {
		if changed[i].Class != changed[j].Class {
			return changed[i].Class < changed[j].Class
		}
		return changed[i].ID < changed[j].ID
	})
	return changed
}

// Flush writes every scheduled insert, every change of a managed node and
// every scheduled removal in one transaction, then raises FlushComplete
// inside it. On failure the transaction is rolled back and the session is
// restored to its state before the flush.
func (s *Session) Flush(ctx context.Context) (err error) {
	if s.flushing {
		return ErrFlushInProgress
	}
	inserts := s.orderInserts()
	updates := s.changedNodes()
	removals := append([]*repository.Node(nil), s.removals...)
	if len(inserts) == 0 && len(updates) == 0 && len(removals) == 0 {
		return nil
	}

	s.flushing = true
	defer func() {
		s.flushing = false
		s.removed = nil
	}()

	saved := s.saveState()
	ownTx := s.tx == nil
	if ownTx {
		if err := s.Begin(ctx); err != nil {
			return fmt.Errorf("flush: %w", err)
		}
	}

	if err := s.flushWrites(ctx, inserts, updates, removals); err != nil {
		s.log.Warn().Err(err).Msg("flush failed")
		if ownTx {
			if rbErr := s.Rollback(ctx); rbErr != nil {
				s.log.Error().Err(rbErr).Msg("rollback failed")
			}
		}
		s.restoreState(saved)
		return fmt.Errorf("flush: %w", err)
	}

	if ownTx {
		if err := s.Commit(ctx); err != nil {
			s.restoreState(saved)
			return fmt.Errorf("flush: commit: %w", err)
		}
	}

	s.log.Debug().
		Int("inserts", len(inserts)).
		Int("updates", len(updates)).
		Int("removals", len(removals)).
		Msg("flushed")
	return s.dispatch(ctx, Event{Type: PostFlush})
}

func (s *Session) flushWrites(ctx context.Context, inserts, updates, removals []*repository.Node) error {
	exec := s.Executor()

	for _, n := range inserts {
		meta, err := s.Metadata(n.Class)
		if err != nil {
			return err
		}
		if err := s.dispatch(ctx, Event{Type: PrePersist, Node: n, Meta: meta}); err != nil {
			return err
		}
		if err := repository.InsertNode(ctx, exec, meta, n); err != nil {
			return err
		}
		s.register(n)
		if err := s.dispatch(ctx, Event{Type: PostPersist, Node: n, Meta: meta}); err != nil {
			return err
		}
	}
	s.inserts = nil

	for _, n := range updates {
		meta, err := s.Metadata(n.Class)
		if err != nil {
			return err
		}
		changes := s.Changes(n)
		if len(changes) == 0 {
			continue
		}
		if err := s.dispatch(ctx, Event{Type: PreUpdate, Node: n, Meta: meta, Changes: changes}); err != nil {
			return err
		}
		if err := repository.UpdateNode(ctx, exec, meta, n); err != nil {
			return err
		}
		s.originals[n] = n.Snapshot()
		if err := s.dispatch(ctx, Event{Type: PostUpdate, Node: n, Meta: meta, Changes: changes}); err != nil {
			return err
		}
	}

	for _, n := range removals {
		meta, err := s.Metadata(n.Class)
		if err != nil {
			return err
		}
		if err := s.dispatch(ctx, Event{Type: PreRemove, Node: n, Meta: meta}); err != nil {
			return err
		}
		if err := repository.DeleteNode(ctx, exec, meta, n); err != nil {
			return err
		}
		delete(s.identity, s.key(n))
		delete(s.originals, n)
		s.removed = append(s.removed, n)
		if err := s.dispatch(ctx, Event{Type: PostRemove, Node: n, Meta: meta}); err != nil {
			return err
		}
	}
	s.removals = nil

	return s.dispatch(ctx, Event{Type: FlushComplete})
}
