package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ammiranda/treeext/internal/app"
	"github.com/ammiranda/treeext/internal/metrics"
	"github.com/ammiranda/treeext/models"
	"github.com/ammiranda/treeext/repository"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(t *testing.T) (*gin.Engine, func()) {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	registry, err := app.DefaultRegistry()
	require.NoError(t, err)
	store := repository.NewMemoryRepository()
	require.NoError(t, store.Initialize(ctx))

	svc := app.NewService(store, registry, app.WithMetrics(metrics.New()))
	cleanup := func() {
		if err := store.Cleanup(ctx); err != nil {
			t.Errorf("Failed to cleanup repository: %v", err)
		}
	}
	return NewRouter(svc, zerolog.Nop()), cleanup
}

func do(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func createNode(t *testing.T, r http.Handler, class, title string, parent *int64) models.TreeNode {
	w := do(t, r, http.MethodPost, "/api/trees/"+class+"/nodes", models.CreateNodeRequest{
		Fields:   map[string]any{"title": title},
		ParentID: parent,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var n models.TreeNode
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &n))
	return n
}

func decodeNodes(t *testing.T, w *httptest.ResponseRecorder) []*models.TreeNode {
	var nodes []*models.TreeNode
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &nodes))
	return nodes
}

func TestTreeAPI(t *testing.T) {
	r, cleanup := setupRouter(t)
	defer cleanup()

	// Test creating a tree
	root := createNode(t, r, "Section", "Root", nil)
	child := createNode(t, r, "Section", "Child", &root.ID)
	grandchild := createNode(t, r, "Section", "Grandchild", &child.ID)
	assert.Equal(t, int64(3), grandchild.Level)
	assert.Equal(t, json.Number("3"), grandchild.Fields["lft"])

	// Test the nested hierarchy
	w := do(t, r, http.MethodGet, "/api/trees/Section/hierarchy", nil)
	require.Equal(t, http.StatusOK, w.Code)
	forest := decodeNodes(t, w)
	require.Len(t, forest, 1)
	assert.Equal(t, 3, forest[0].Count())
	assert.Equal(t, "Grandchild", forest[0].Children[0].Children[0].Fields["title"])

	w = do(t, r, http.MethodGet, fmt.Sprintf("/api/trees/Section/hierarchy?node=%d&direct=true&includeNode=true", root.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	sub := decodeNodes(t, w)
	require.Len(t, sub, 1)
	assert.Len(t, sub[0].Children, 1)
	assert.Empty(t, sub[0].Children[0].Children)

	// Test flat listings
	w = do(t, r, http.MethodGet, "/api/trees/Section/roots", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeNodes(t, w), 1)

	w = do(t, r, http.MethodGet, fmt.Sprintf("/api/trees/Section/children?node=%d&sort=title&dir=desc", root.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	children := decodeNodes(t, w)
	require.Len(t, children, 2)
	assert.Equal(t, "Grandchild", children[0].Fields["title"])

	w = do(t, r, http.MethodGet, "/api/trees/Section/count", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"count": 3}`, w.Body.String())

	w = do(t, r, http.MethodGet, fmt.Sprintf("/api/trees/Section/nodes/%d/path", grandchild.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeNodes(t, w), 3)

	// Test moving a node to the roots
	w = do(t, r, http.MethodPut, fmt.Sprintf("/api/trees/Section/nodes/%d", child.ID), models.UpdateNodeRequest{Root: true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = do(t, r, http.MethodGet, "/api/trees/Section/roots", nil)
	assert.Len(t, decodeNodes(t, w), 2)

	w = do(t, r, http.MethodGet, "/api/trees/Section/verify", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"valid": true, "violations": []}`, w.Body.String())

	// Test removing a node from the tree
	w = do(t, r, http.MethodPost, fmt.Sprintf("/api/trees/Section/nodes/%d/remove-from-tree", child.ID), nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, r, http.MethodGet, fmt.Sprintf("/api/trees/Section/nodes/%d/path", grandchild.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeNodes(t, w), 1)

	// Test deleting a subtree
	w = do(t, r, http.MethodDelete, fmt.Sprintf("/api/trees/Section/nodes/%d", root.ID), nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, r, http.MethodGet, "/api/trees/Section/count", nil)
	assert.JSONEq(t, `{"count": 1}`, w.Body.String())
}

func TestTreeAPIErrors(t *testing.T) {
	r, cleanup := setupRouter(t)
	defer cleanup()
	root := createNode(t, r, "Category", "Root", nil)
	child := createNode(t, r, "Category", "Child", &root.ID)
	missing := int64(999)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"not a tree", http.MethodGet, "/api/trees/CategoryClosure/roots", nil, http.StatusNotFound},
		{"unknown node", http.MethodGet, "/api/trees/Category/nodes/999/path", nil, http.StatusNotFound},
		{"bad node id", http.MethodDelete, "/api/trees/Category/nodes/abc", nil, http.StatusBadRequest},
		{"bad sort", http.MethodGet, "/api/trees/Category/roots?sort=colour", nil, http.StatusBadRequest},
		{"bad direction", http.MethodGet, "/api/trees/Category/roots?dir=up", nil, http.StatusBadRequest},
		{"bad flag", http.MethodGet, "/api/trees/Category/children?direct=maybe", nil, http.StatusBadRequest},
		{"empty create", http.MethodPost, "/api/trees/Category/nodes", map[string]any{}, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/trees/Category/nodes", models.CreateNodeRequest{Fields: map[string]any{"colour": "red"}}, http.StatusBadRequest},
		{"missing parent", http.MethodPost, "/api/trees/Category/nodes", models.CreateNodeRequest{Fields: map[string]any{"title": "x"}, ParentID: &missing}, http.StatusBadRequest},
		{"empty update", http.MethodPut, fmt.Sprintf("/api/trees/Category/nodes/%d", root.ID), map[string]any{}, http.StatusBadRequest},
		{"cycle", http.MethodPut, fmt.Sprintf("/api/trees/Category/nodes/%d", root.ID), models.UpdateNodeRequest{ParentID: &child.ID}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, r, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), `"error"`)
		})
	}
}

func TestRouterMetadataRoutes(t *testing.T) {
	r, cleanup := setupRouter(t)
	defer cleanup()
	createNode(t, r, "Category", "Root", nil)

	w := do(t, r, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, http.MethodGet, "/api/trees", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var classes []app.ClassInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &classes))
	assert.Len(t, classes, 3)

	w = do(t, r, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `treeext_operations_total{class="Category",op="insert",strategy="closure"} 1`)
}
