package tree

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ammiranda/treeext/mapping"
	"github.com/ammiranda/treeext/repository"
	"github.com/ammiranda/treeext/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu  sync.Mutex
	ops []string
}

func (o *recordingObserver) ObserveOperation(class string, strategy mapping.StrategyType, op string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry := class + ":" + string(strategy) + ":" + op
	if err != nil {
		entry += ":failed"
	}
	o.ops = append(o.ops, entry)
}

func TestListenerResolvesStrategies(t *testing.T) {
	f, cleanup := setupTree(t)
	defer cleanup()

	st, ok, err := f.listener.Strategy("Page")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, mapping.MaterializedPath, st.Name())

	again, _, err := f.listener.Strategy("Page")
	require.NoError(t, err)
	assert.Same(t, st, again)

	_, ok, err = f.listener.Strategy("CategoryClosure")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListenerObservesAndInvalidates(t *testing.T) {
	obs := &recordingObserver{}
	f, cleanup := setupTree(t, WithObserver(obs))
	defer cleanup()
	ctx := context.Background()
	sess := f.session()

	a := create(t, sess, "Category", "a", nil)
	b := create(t, sess, "Category", "b", nil)
	b.Set("parent", a)
	require.NoError(t, sess.Flush(ctx))
	require.NoError(t, sess.Remove(b))
	require.NoError(t, sess.Flush(ctx))

	assert.Equal(t, []string{
		"Category:closure:insert",
		"Category:closure:insert",
		"Category:closure:move",
		"Category:closure:delete",
	}, obs.ops)
	assert.Equal(t, []string{"Category", "Category", "Category", "Category"}, f.cache.Invalidated)

	// plain field updates are not structural
	f.cache.Reset()
	a.Set("title", "renamed")
	require.NoError(t, sess.Flush(ctx))
	assert.Empty(t, f.cache.Invalidated)
}

func TestListenerSkipsInvalidationOnRollback(t *testing.T) {
	f, cleanup := setupTree(t)
	defer cleanup()
	ctx := context.Background()
	sess := f.session()
	boom := errors.New("boom")

	err := sess.Transactional(ctx, func(ctx context.Context) error {
		create(t, sess, "Section", "a", nil)
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Empty(t, f.cache.Invalidated)
	assert.Equal(t, int64(0), countRows(t, f.store, "sections"))

	// invalidation failures do not fail the flush
	f.cache.SetShouldFail(true)
	create(t, f.session(), "Section", "b", nil)
	assert.Equal(t, []string{"Section"}, f.cache.Invalidated)
}

func TestListenerBatchesOneFlush(t *testing.T) {
	obs := &recordingObserver{}
	f, cleanup := setupTree(t, WithObserver(obs))
	defer cleanup()
	ctx := context.Background()
	sess := f.session()
	n := sampleForest(t, sess, "Page")
	obs.ops = nil

	// a fresh child and the move of its new parent settle in one flush
	x := newNode("Page", "x", n["d"])
	require.NoError(t, sess.Persist(x))
	n["d"].Set("parent", n["e"])
	require.NoError(t, sess.Flush(ctx))

	assert.Equal(t, []string{
		"Page:materializedPath:insert",
		"Page:materializedPath:move",
	}, obs.ops)
	assert.Equal(t, seg(n["e"])+seg(n["d"])+seg(x), x.String("path"))

	violations, err := f.repo(t, sess, "Page").Verify(ctx)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

type stubStrategy struct {
	cfg *mapping.Config
}

func (s stubStrategy) Name() mapping.StrategyType { return "stub" }
func (s stubStrategy) Config() *mapping.Config    { return s.cfg }

func (stubStrategy) ProcessInsert(context.Context, *session.Session, *repository.Node) error {
	return nil
}

func (stubStrategy) ProcessMove(context.Context, *session.Session, Move) error { return nil }

func (stubStrategy) ProcessDelete(context.Context, *session.Session, *repository.Node) error {
	return nil
}

func TestPendingQueueOrder(t *testing.T) {
	q := newPendingQueue()
	st := stubStrategy{cfg: &mapping.Config{RootClass: "Item"}}
	nodes := make([]*repository.Node, 6)
	for i := range nodes {
		nodes[i] = &repository.Node{Class: "Item", ID: int64(i + 1)}
	}
	first, second := int64(10), int64(20)

	q.remove(nodes[0], st)
	q.insert(nodes[1], st)
	q.insert(nodes[1], st)
	assert.True(t, q.move(Move{Node: nodes[2], OldParent: &first}, st))
	assert.True(t, q.move(Move{Node: nodes[2], OldParent: &second}, st))
	assert.False(t, q.move(Move{Node: nodes[1]}, st), "a pending insert absorbs the move")
	assert.True(t, q.move(Move{Node: nodes[3]}, st))
	q.insert(nodes[4], st)
	q.remove(nodes[4], st)
	q.insert(nodes[5], st)

	assert.Equal(t, &first, q.ops[nodes[2]].move.OldParent, "the first move keeps its old parent")
	q.ops[nodes[2]].depth = 2
	q.ops[nodes[3]].depth = 1

	var got []string
	for _, op := range q.ordered() {
		got = append(got, fmt.Sprintf("%s:%d", op.kind, op.move.Node.ID))
	}
	assert.Equal(t, []string{"insert:2", "insert:6", "move:4", "move:3", "delete:1", "delete:5"}, got)
	assert.Equal(t, []string{"Item"}, q.touched())
	assert.False(t, q.empty())
	assert.Equal(t, "unknown", opKind(0).String())
}

func nodeIDs(nodes []*repository.Node) []int64 {
	out := make([]int64, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

// sourceField is the field a class builds its path segments from.
func sourceField(class string) string {
	switch class {
	case "Page":
		return "slug"
	case "Folder":
		return "name"
	default:
		return "title"
	}
}

func TestListenerMovesNestedNodesInOneFlush(t *testing.T) {
	tests := []struct {
		name   string
		change func(n map[string]*repository.Node, class string)
	}{
		{"ancestor and descendant", func(n map[string]*repository.Node, _ string) {
			n["b"].Set("parent", n["e"])
			n["d"].Set("parent", n["c"])
		}},
		{"renamed ancestor and descendant", func(n map[string]*repository.Node, class string) {
			n["a"].Set(sourceField(class), "z")
			n["d"].Set("parent", n["c"])
		}},
	}
	for _, class := range []string{"Category", "Page", "Folder", "Section"} {
		for _, tt := range tests {
			t.Run(class+"/"+tt.name, func(t *testing.T) {
				f, cleanup := setupTree(t)
				defer cleanup()
				ctx := context.Background()
				sess := f.session()
				n := sampleForest(t, sess, class)

				tt.change(n, class)
				require.NoError(t, sess.Flush(ctx))

				r := f.repo(t, sess, class)
				path, err := r.Path(ctx, n["d"])
				require.NoError(t, err)
				assert.Equal(t, []int64{n["a"].ID, n["c"].ID, n["d"].ID}, nodeIDs(path))
				if class == "Page" {
					assert.Equal(t, seg(n["a"])+seg(n["c"])+seg(n["d"]), n["d"].String("path"))
				}

				violations, err := r.Verify(ctx)
				require.NoError(t, err)
				assert.Empty(t, violations)
			})
		}
	}
}

func TestFailedFlushLeavesTreeIntact(t *testing.T) {
	f, cleanup := setupTree(t)
	defer cleanup()
	ctx := context.Background()
	sess := f.session()
	n := sampleForest(t, sess, "Folder")
	bPath, dPath := n["b"].String("path"), n["d"].String("path")

	// Test two children of e claiming the same path
	n["b"].Set("parent", n["e"])
	n["c"].Set("name", "b")
	n["c"].Set("parent", n["e"])
	require.ErrorIs(t, sess.Flush(ctx), ErrPathCollision)
	assert.Equal(t, bPath, n["b"].String("path"))
	assert.Equal(t, dPath, n["d"].String("path"))

	// Test reverting the changes writes nothing
	n["b"].Set("parent", n["a"])
	n["c"].Set("name", "c")
	n["c"].Set("parent", n["a"])
	require.NoError(t, sess.Flush(ctx))
	assert.Equal(t, bPath, storedRow(t, f.store, "folders", n["b"].ID)["path"])
	assert.Equal(t, dPath, storedRow(t, f.store, "folders", n["d"].ID)["path"])

	violations, err := f.repo(t, sess, "Folder").Verify(ctx)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestFailedRemoveFromTreeLeavesTreeIntact(t *testing.T) {
	f, cleanup := setupTree(t)
	defer cleanup()
	ctx := context.Background()
	sess := f.session()

	root := create(t, sess, "Folder", "r", nil)
	create(t, sess, "Folder", "x", root)
	m := create(t, sess, "Folder", "m", root)
	k := create(t, sess, "Folder", "k", m)
	create(t, sess, "Folder", "x", m)
	kPath := k.String("path")

	// k moves up first, then the second x collides with its namesake
	r := f.repo(t, sess, "Folder")
	require.ErrorIs(t, r.RemoveFromTree(ctx, m), ErrPathCollision)
	assert.Equal(t, kPath, k.String("path"))
	assert.Equal(t, &m.ID, k.Ref("parent"))
	assert.True(t, sess.Managed(m))

	require.NoError(t, sess.Flush(ctx))
	assert.Equal(t, kPath, storedRow(t, f.store, "folders", k.ID)["path"])
	violations, err := r.Verify(ctx)
	require.NoError(t, err)
	assert.Empty(t, violations)
}
