package tree

import (
	"context"
	"testing"

	"github.com/ammiranda/treeext/models"
	"github.com/ammiranda/treeext/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var treeClasses = []string{"Category", "Page", "Section"}

func hierarchyNames(nodes []*models.TreeNode) []any {
	out := make([]any, len(nodes))
	for i, n := range nodes {
		if len(n.Children) == 0 {
			out[i] = n.Fields["title"]
			continue
		}
		out[i] = map[any][]any{n.Fields["title"]: hierarchyNames(n.Children)}
	}
	return out
}

func TestRepositoryQueries(t *testing.T) {
	for _, class := range treeClasses {
		t.Run(class, func(t *testing.T) {
			f, cleanup := setupTree(t)
			defer cleanup()
			ctx := context.Background()
			sess := f.session()
			n := sampleForest(t, sess, class)
			r := f.repo(t, sess, class)
			assert.Equal(t, class, r.Class())

			roots, err := r.RootNodes(ctx, "title", "desc")
			require.NoError(t, err)
			assert.Equal(t, []string{"e", "a"}, names(roots))

			children, err := r.Children(ctx, n["a"], true, "title", "ASC", false)
			require.NoError(t, err)
			assert.Equal(t, []string{"b", "c"}, names(children))

			children, err = r.Children(ctx, n["a"], false, "title", "asc", false)
			require.NoError(t, err)
			assert.Equal(t, []string{"b", "c", "d"}, names(children))

			children, err = r.Children(ctx, n["a"], false, "title", "asc", true)
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b", "c", "d"}, names(children))

			children, err = r.Children(ctx, n["b"], true, "", "", true)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"b", "d"}, names(children))

			// without a node the direct children are the roots
			children, err = r.Children(ctx, nil, true, "title", "asc", false)
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "e"}, names(children))

			count, err := r.ChildCount(ctx, n["a"], true)
			require.NoError(t, err)
			assert.Equal(t, int64(2), count)
			count, err = r.ChildCount(ctx, n["a"], false)
			require.NoError(t, err)
			assert.Equal(t, int64(3), count)
			count, err = r.ChildCount(ctx, nil, false)
			require.NoError(t, err)
			assert.Equal(t, int64(5), count)

			path, err := r.Path(ctx, n["d"])
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b", "d"}, names(path))
			for _, p := range path {
				assert.True(t, sess.Managed(p))
			}
			assert.Same(t, n["b"], path[1], "results resolve through the identity map")
		})
	}
}

func TestRepositoryHierarchy(t *testing.T) {
	for _, class := range treeClasses {
		t.Run(class, func(t *testing.T) {
			f, cleanup := setupTree(t)
			defer cleanup()
			ctx := context.Background()
			sess := f.session()
			n := sampleForest(t, sess, class)
			r := f.repo(t, sess, class)
			byTitle := HierarchyOptions{ChildSort: ChildSort{Field: "title", Dir: Asc}}

			forest, err := r.NodesHierarchy(ctx, nil, false, byTitle, false)
			require.NoError(t, err)
			assert.Equal(t, []any{
				map[any][]any{"a": {map[any][]any{"b": {"d"}}, "c"}},
				"e",
			}, hierarchyNames(forest))
			assert.Equal(t, int64(1), forest[0].Level)
			assert.Nil(t, forest[0].ParentID)
			require.NotNil(t, forest[0].Children[0].ParentID)
			assert.Equal(t, n["a"].ID, *forest[0].Children[0].ParentID)

			sub, err := r.NodesHierarchy(ctx, n["a"], false, HierarchyOptions{ChildSort: ChildSort{Field: "title", Dir: Desc}}, true)
			require.NoError(t, err)
			assert.Equal(t, []any{
				map[any][]any{"a": {"c", map[any][]any{"b": {"d"}}}},
			}, hierarchyNames(sub))

			sub, err = r.NodesHierarchy(ctx, n["a"], true, byTitle, false)
			require.NoError(t, err)
			assert.Equal(t, []any{"b", "c"}, hierarchyNames(sub))

			sub, err = r.NodesHierarchy(ctx, n["c"], false, byTitle, false)
			require.NoError(t, err)
			assert.NotNil(t, sub)
			assert.Empty(t, sub)

			q, err := r.NodesHierarchyQuery(n["a"], false, byTitle, true)
			require.NoError(t, err)
			assert.Equal(t, r.Config().RootClass, class)
			assert.NotEmpty(t, q.Table)
		})
	}
}

func TestRepositoryArgumentErrors(t *testing.T) {
	f, cleanup := setupTree(t)
	defer cleanup()
	ctx := context.Background()
	sess := f.session()
	n := sampleForest(t, sess, "Category")
	page := create(t, sess, "Page", "home", nil)
	r := f.repo(t, sess, "Category")

	_, err := r.RootNodes(ctx, "missing", "asc")
	assert.ErrorIs(t, err, ErrInvalidSort)
	_, err = r.RootNodes(ctx, "title", "sideways")
	assert.ErrorIs(t, err, ErrInvalidSort)
	_, err = r.NodesHierarchy(ctx, nil, false, HierarchyOptions{ChildSort: ChildSort{Field: "missing"}}, false)
	assert.ErrorIs(t, err, ErrInvalidSort)

	_, err = r.Children(ctx, page, true, "", "", false)
	assert.ErrorIs(t, err, ErrWrongClass)

	detached := &repository.Node{Class: "Category", ID: n["a"].ID}
	_, err = r.Children(ctx, detached, true, "", "", false)
	assert.ErrorIs(t, err, ErrNodeNotManaged)
	_, err = r.ChildCount(ctx, detached, false)
	assert.ErrorIs(t, err, ErrNodeNotManaged)

	_, err = r.Path(ctx, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.ErrorIs(t, r.RemoveFromTree(ctx, nil), ErrInvalidArgument)

	_, err = NewRepository(sess, f.listener, "CategoryClosure")
	assert.ErrorIs(t, err, ErrNotTree)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRemoveFromTree(t *testing.T) {
	for _, class := range treeClasses {
		t.Run(class, func(t *testing.T) {
			f, cleanup := setupTree(t)
			defer cleanup()
			ctx := context.Background()
			sess := f.session()

			a := create(t, sess, class, "a", nil)
			b := create(t, sess, class, "b", a)
			c := create(t, sess, class, "c", b)
			f.cache.Reset()

			r := f.repo(t, sess, class)
			require.NoError(t, r.RemoveFromTree(ctx, b))

			assert.False(t, sess.Managed(b))
			require.NotNil(t, c.Ref("parent"))
			assert.Equal(t, a.ID, *c.Ref("parent"))
			assert.Equal(t, int64(2), c.Int("level"))

			children, err := r.Children(ctx, a, true, "", "", false)
			require.NoError(t, err)
			assert.Equal(t, []string{"c"}, names(children))

			violations, err := r.Verify(ctx)
			require.NoError(t, err)
			assert.Empty(t, violations)
			assert.Equal(t, []string{class}, f.cache.Invalidated)

			// a later flush sees no pending change on the moved child
			require.NoError(t, sess.Flush(ctx))
		})
	}
}

func TestBuildTreeArray(t *testing.T) {
	node := func(id int64, title string) *repository.Node {
		return &repository.Node{Class: "Category", ID: id, Fields: map[string]any{"title": title}}
	}
	ref := func(id int64) *int64 { return &id }

	rows := []HierarchyRow{
		{Node: node(1, "a"), Level: 1},
		{Node: node(5, "e"), Level: 1},
		{Node: node(2, "b"), ParentID: ref(1), Level: 2},
		{Node: node(3, "c"), ParentID: ref(1), Level: 2},
		{Node: node(6, "orphan"), ParentID: ref(99), Level: 2},
		{Node: node(4, "d"), ParentID: ref(2), Level: 3},
		{Node: node(7, "lost"), ParentID: ref(6), Level: 3},
	}

	forest := BuildTreeArray(rows)
	assert.Equal(t, []any{
		map[any][]any{"a": {map[any][]any{"b": {"d"}}, "c"}},
		"e",
	}, hierarchyNames(forest))
	assert.Equal(t, 5, forest[0].Count()+forest[1].Count())
	assert.Equal(t, int64(3), forest[0].Children[0].Children[0].Level)

	empty := BuildTreeArray(nil)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	// a listing starting below the roots treats its first level as roots
	sub := BuildTreeArray(rows[2:4])
	assert.Equal(t, []any{"b", "c"}, hierarchyNames(sub))
}
