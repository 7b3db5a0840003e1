package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// TreeNode is one node of an assembled hierarchy
type TreeNode struct {
	ID       int64
	ParentID *int64
	Level    int64
	Fields   map[string]any
	Children []*TreeNode
}

// NewTreeNode creates a node without children
func NewTreeNode(id int64, level int64, fields map[string]any) *TreeNode {
	return &TreeNode{
		ID:       id,
		Level:    level,
		Fields:   fields,
		Children: make([]*TreeNode, 0),
	}
}

// AddChild adds a child node to the current node
func (n *TreeNode) AddChild(child *TreeNode) {
	n.Children = append(n.Children, child)
}

// Count returns the number of nodes in the subtree, n included.
func (n *TreeNode) Count() int {
	total := 1
	for _, c := range n.Children {
		total += c.Count()
	}
	return total
}

// MarshalJSON flattens the node fields next to id, parentId, level and
// children.
func (n *TreeNode) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(n.Fields)+4)
	for k, v := range n.Fields {
		out[k] = v
	}
	out["id"] = n.ID
	out["parentId"] = n.ParentID
	out["level"] = n.Level
	children := n.Children
	if children == nil {
		children = []*TreeNode{}
	}
	out["children"] = children
	return json.Marshal(out)
}

func (n *TreeNode) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	*n = TreeNode{Fields: make(map[string]any), Children: make([]*TreeNode, 0)}
	for k, v := range raw {
		var err error
		switch k {
		case "id":
			err = json.Unmarshal(v, &n.ID)
		case "parentId":
			err = json.Unmarshal(v, &n.ParentID)
		case "level":
			err = json.Unmarshal(v, &n.Level)
		case "children":
			err = json.Unmarshal(v, &n.Children)
		default:
			var value any
			d := json.NewDecoder(bytes.NewReader(v))
			d.UseNumber()
			err = d.Decode(&value)
			n.Fields[k] = value
		}
		if err != nil {
			return fmt.Errorf("decode tree node %q: %w", k, err)
		}
	}
	return nil
}
