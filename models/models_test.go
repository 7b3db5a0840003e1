package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTreeNodeJSON(t *testing.T) {
	parent := int64(1)
	root := NewTreeNode(1, 1, map[string]any{"title": "Root"})
	child := NewTreeNode(2, 2, map[string]any{"title": "Child", "slug": "child"})
	child.ParentID = &parent
	root.AddChild(child)
	assert.Equal(t, 2, root.Count())

	data, err := json.Marshal(root)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": 1, "parentId": null, "level": 1, "title": "Root",
		"children": [{"id": 2, "parentId": 1, "level": 2, "title": "Child", "slug": "child", "children": []}]
	}`, string(data))

	// Test that reserved keys win over same-named fields
	clash := NewTreeNode(3, 1, map[string]any{"id": "shadow", "name": "x"})
	data, err = json.Marshal(clash)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id": 3, "parentId": null, "level": 1, "name": "x", "children": []}`, string(data))

	// children are never null
	data, err = json.Marshal(&TreeNode{ID: 4})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"children":[]`)
}

func TestTreeNodeUnmarshal(t *testing.T) {
	var n TreeNode
	err := json.Unmarshal([]byte(`{"id": 1, "level": 1, "parentId": null, "title": "Root", "weight": 2,
		"children": [{"id": 2, "parentId": 1, "level": 2, "title": "Child", "children": []}]}`), &n)
	require.NoError(t, err)

	assert.Equal(t, int64(1), n.ID)
	assert.Nil(t, n.ParentID)
	assert.Equal(t, "Root", n.Fields["title"])
	assert.Equal(t, json.Number("2"), n.Fields["weight"])
	require.Len(t, n.Children, 1)
	require.NotNil(t, n.Children[0].ParentID)
	assert.Equal(t, int64(1), *n.Children[0].ParentID)
	assert.NotNil(t, n.Children[0].Children)

	assert.Error(t, json.Unmarshal([]byte(`{"id": "one"}`), &n))
	assert.Error(t, json.Unmarshal([]byte(`[]`), &n))
}

func TestCreateNodeRequestValidate(t *testing.T) {
	parent := int64(3)
	zero := int64(0)

	r := CreateNodeRequest{Fields: map[string]any{"title": "a"}, ParentID: &parent}
	assert.NoError(t, r.Validate())

	r = CreateNodeRequest{}
	assert.Error(t, r.Validate(), "fields are required")

	r = CreateNodeRequest{Fields: map[string]any{"title": "a"}, ParentID: &zero}
	assert.Error(t, r.Validate())
}

func TestUpdateNodeRequestValidate(t *testing.T) {
	parent := int64(3)

	tests := []struct {
		name    string
		req     UpdateNodeRequest
		wantErr bool
	}{
		{name: "fields only", req: UpdateNodeRequest{Fields: map[string]any{"title": "b"}}},
		{name: "move", req: UpdateNodeRequest{ParentID: &parent}},
		{name: "detach", req: UpdateNodeRequest{Root: true}},
		{name: "nothing", req: UpdateNodeRequest{}, wantErr: true},
		{name: "parent and root", req: UpdateNodeRequest{ParentID: &parent, Root: true}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseListQuery(t *testing.T) {
	q, err := ParseListQuery(map[string]string{"node": "7", "direct": "true", "includeNode": "1", "sort": "title", "dir": "DESC"})
	require.NoError(t, err)
	require.NotNil(t, q.Node)
	assert.Equal(t, int64(7), *q.Node)
	assert.True(t, q.Direct)
	assert.True(t, q.IncludeNode)
	assert.Equal(t, "DESC", q.Dir)

	q, err = ParseListQuery(nil)
	require.NoError(t, err)
	assert.Nil(t, q.Node)
	assert.False(t, q.Direct)

	for _, params := range []map[string]string{
		{"node": "x"},
		{"node": "-1"},
		{"direct": "maybe"},
		{"includeNode": "2"},
		{"dir": "up"},
	} {
		_, err := ParseListQuery(params)
		assert.Error(t, err, "%v", params)
	}
}
