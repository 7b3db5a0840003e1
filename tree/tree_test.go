package tree

import (
	"context"
	"strings"
	"testing"

	"github.com/ammiranda/treeext/cache"
	"github.com/ammiranda/treeext/mapping"
	"github.com/ammiranda/treeext/query"
	"github.com/ammiranda/treeext/repository"
	"github.com/ammiranda/treeext/session"
	"github.com/stretchr/testify/require"
)

const testMapping = `
classes:
  Category:
    table: categories
    id: [id]
    fields: {id: id, title: title, level: level}
    associations:
      parent: {target: Category, column: parent_id}
    tree:
      strategy: closure
      parent: parent
      level: level
  CategoryClosure:
    table: category_closure
    id: [id]
    fields: {id: id, depth: depth}
    associations:
      ancestor: {target: Category, column: ancestor}
      descendant: {target: Category, column: descendant}
  Page:
    table: pages
    id: [id]
    fields: {id: id, title: title, slug: slug, path: path, level: level}
    associations:
      parent: {target: Page, column: parent_id}
    tree:
      strategy: materializedPath
      parent: parent
      level: level
      path: path
      path_source: slug
      path_separator: /
      activate_locking: true
      locking_timeout: 50ms
  Folder:
    table: folders
    id: [id]
    fields: {id: id, name: name, path: path}
    associations:
      parent: {target: Folder, column: parent_id}
    tree:
      strategy: materializedPath
      parent: parent
      path: path
      path_source: name
      path_append_id: false
  Section:
    table: sections
    id: [id]
    fields: {id: id, title: title, lft: lft, rgt: rgt, level: level}
    associations:
      parent: {target: Section, column: parent_id}
    tree:
      strategy: nested
      parent: parent
      level: level
      left: lft
      right: rgt
  Chapter:
    table: chapters
    id: [id]
    fields: {id: id, title: title, lft: lft, rgt: rgt}
    associations:
      parent: {target: Chapter, column: parent_id}
    tree:
      strategy: nested
      parent: parent
      left: lft
      right: rgt
`

type fixture struct {
	store    *repository.MemoryRepository
	registry *mapping.Registry
	locker   *MemoryLocker
	cache    *cache.MockCache
	listener *Listener
}

func setupTree(t *testing.T, opts ...ListenerOption) (*fixture, func()) {
	registry, err := mapping.LoadYAML(strings.NewReader(testMapping), mapping.DefaultDefaults())
	require.NoError(t, err)

	store := repository.NewMemoryRepository()
	require.NoError(t, store.Initialize(context.Background()))

	f := &fixture{
		store:    store,
		registry: registry,
		locker:   NewMemoryLocker(),
		cache:    cache.NewMockCache(),
	}
	opts = append([]ListenerOption{WithLocker(f.locker), WithInvalidator(f.cache)}, opts...)
	f.listener = NewListener(registry, opts...)

	cleanup := func() {
		if err := store.Cleanup(context.Background()); err != nil {
			t.Errorf("Failed to cleanup repository: %v", err)
		}
	}
	return f, cleanup
}

func (f *fixture) session() *session.Session {
	return session.New(f.store, f.registry.Classes(), session.WithSubscriber(f.listener))
}

func (f *fixture) repo(t *testing.T, sess *session.Session, class string) Repository {
	r, err := NewRepository(sess, f.listener, class)
	require.NoError(t, err)
	return r
}

// fieldsFor returns the fields a node named name needs in class.
func fieldsFor(class, name string) map[string]any {
	switch class {
	case "Page":
		return map[string]any{"title": name, "slug": name}
	case "Folder":
		return map[string]any{"name": name}
	default:
		return map[string]any{"title": name}
	}
}

// create persists and flushes one node.
func create(t *testing.T, sess *session.Session, class, name string, parent *repository.Node) *repository.Node {
	n := newNode(class, name, parent)
	require.NoError(t, sess.Persist(n))
	require.NoError(t, sess.Flush(context.Background()))
	return n
}

func newNode(class, name string, parent *repository.Node) *repository.Node {
	n := repository.NewNode(class, fieldsFor(class, name))
	if parent != nil {
		n.Set("parent", parent)
	}
	return n
}

func names(nodes []*repository.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		if s := n.String("title"); s != "" {
			out[i] = s
			continue
		}
		out[i] = n.String("name")
	}
	return out
}

// storedRow reads one row straight from the store.
func storedRow(t *testing.T, store repository.Executor, table string, id int64) query.Row {
	rows, err := store.Select(context.Background(), query.From(table).Filter(query.Eq{Column: "id", Value: id}))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	return rows[0]
}

func countRows(t *testing.T, store repository.Executor, table string) int64 {
	n, err := store.Count(context.Background(), query.From(table))
	require.NoError(t, err)
	return n
}

// sampleForest builds
//
//	a
//	├── b
//	│   └── d
//	└── c
//	e
//
// in one flush and returns the nodes by name.
func sampleForest(t *testing.T, sess *session.Session, class string) map[string]*repository.Node {
	a := newNode(class, "a", nil)
	b := newNode(class, "b", a)
	c := newNode(class, "c", a)
	d := newNode(class, "d", b)
	e := newNode(class, "e", nil)
	for _, n := range []*repository.Node{a, b, c, d, e} {
		require.NoError(t, sess.Persist(n))
	}
	require.NoError(t, sess.Flush(context.Background()))
	return map[string]*repository.Node{"a": a, "b": b, "c": c, "d": d, "e": e}
}
