package tree

import (
	"context"
	"testing"

	"github.com/ammiranda/treeext/query"
	"github.com/ammiranda/treeext/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nsBounds struct{ left, right, level int64 }

func boundsOf(t *testing.T, store repository.Executor, table string, nodes map[string]*repository.Node) map[string]nsBounds {
	out := make(map[string]nsBounds, len(nodes))
	for name, n := range nodes {
		row := storedRow(t, store, table, n.ID)
		out[name] = nsBounds{int64Value(row["lft"]), int64Value(row["rgt"]), int64Value(row["level"])}
	}
	return out
}

func TestNestedSetInsert(t *testing.T) {
	f, cleanup := setupTree(t)
	defer cleanup()
	sess := f.session()
	n := sampleForest(t, sess, "Section")

	assert.Equal(t, map[string]nsBounds{
		"a": {1, 8, 1},
		"b": {2, 5, 2},
		"d": {3, 4, 3},
		"c": {6, 7, 2},
		"e": {9, 10, 1},
	}, boundsOf(t, f.store, "sections", n))

	// managed instances follow the shifts
	assert.Equal(t, int64(8), n["a"].Int("rgt"))
	assert.Empty(t, sess.Changes(n["a"]))
}

func TestNestedSetMove(t *testing.T) {
	f, cleanup := setupTree(t)
	defer cleanup()
	ctx := context.Background()
	sess := f.session()
	n := sampleForest(t, sess, "Section")

	// b and d go to the end of c
	n["b"].Set("parent", n["c"])
	require.NoError(t, sess.Flush(ctx))
	assert.Equal(t, map[string]nsBounds{
		"a": {1, 8, 1},
		"c": {2, 7, 2},
		"b": {3, 6, 3},
		"d": {4, 5, 4},
		"e": {9, 10, 1},
	}, boundsOf(t, f.store, "sections", n))

	// a moves right of e by becoming a root again after it
	n["a"].Set("parent", n["e"])
	require.NoError(t, sess.Flush(ctx))
	n["a"].Set("parent", nil)
	require.NoError(t, sess.Flush(ctx))
	assert.Equal(t, map[string]nsBounds{
		"e": {1, 2, 1},
		"a": {3, 10, 1},
		"c": {4, 9, 2},
		"b": {5, 8, 3},
		"d": {6, 7, 4},
	}, boundsOf(t, f.store, "sections", n))
	assert.Equal(t, int64(3), n["a"].Int("lft"))

	violations, err := f.repo(t, sess, "Section").Verify(ctx)
	require.NoError(t, err)
	assert.Empty(t, violations)

	n["a"].Set("parent", n["d"])
	assert.ErrorIs(t, sess.Flush(ctx), ErrCyclicMove)
}

func TestNestedSetRemoveClosesGap(t *testing.T) {
	f, cleanup := setupTree(t)
	defer cleanup()
	ctx := context.Background()
	sess := f.session()
	n := sampleForest(t, sess, "Section")

	require.NoError(t, sess.Remove(n["b"]))
	require.NoError(t, sess.Flush(ctx))

	assert.Equal(t, int64(3), countRows(t, f.store, "sections"))
	assert.Equal(t, map[string]nsBounds{
		"a": {1, 4, 1},
		"c": {2, 3, 2},
		"e": {5, 6, 1},
	}, boundsOf(t, f.store, "sections", map[string]*repository.Node{"a": n["a"], "c": n["c"], "e": n["e"]}))
}

func TestNestedSetVerifyReportsDamage(t *testing.T) {
	f, cleanup := setupTree(t)
	defer cleanup()
	ctx := context.Background()
	sess := f.session()
	n := sampleForest(t, sess, "Section")

	_, err := f.store.Update(ctx, "sections",
		[]query.Assignment{query.Set{Column: "rgt", Value: 11}},
		query.Eq{Column: "id", Value: n["e"].ID})
	require.NoError(t, err)

	violations, err := f.repo(t, sess, "Section").Verify(ctx)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, n["e"].ID, violations[0].NodeID)
	assert.Equal(t, "bounds are [9, 11], expected [9, 10]", violations[0].Message)
}

func TestNestedSetLevelsWithoutLevelField(t *testing.T) {
	f, cleanup := setupTree(t)
	defer cleanup()
	ctx := context.Background()
	sess := f.session()
	sampleForest(t, sess, "Chapter")

	rows, err := f.repo(t, sess, "Chapter").NodesHierarchyRows(ctx, nil, false, HierarchyOptions{}, false)
	require.NoError(t, err)
	levels := make(map[string]int64, len(rows))
	for _, r := range rows {
		levels[r.Node.String("title")] = r.Level
	}
	assert.Equal(t, map[string]int64{"a": 1, "b": 2, "c": 2, "d": 3, "e": 1}, levels)
}
