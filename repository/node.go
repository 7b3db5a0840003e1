package repository

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ammiranda/treeext/mapping"
	"github.com/ammiranda/treeext/query"
)

// Node is a managed record of a mapped class. Fields holds every mapped
// field except the identifier. An association holds the referenced
// identifier (int64), the referenced *Node when it may not be saved yet, or
// nil.
type Node struct {
	Class  string
	ID     int64
	Fields map[string]any
}

// NewNode creates an unsaved node of class.
func NewNode(class string, fields map[string]any) *Node {
	n := &Node{Class: class, Fields: make(map[string]any, len(fields))}
	for k, v := range fields {
		n.Fields[k] = query.Normalize(v)
	}
	return n
}

// Get returns the raw value of a field.
func (n *Node) Get(field string) any {
	return n.Fields[field]
}

// Set assigns a field.
func (n *Node) Set(field string, v any) {
	if n.Fields == nil {
		n.Fields = make(map[string]any)
	}
	if ref, ok := v.(*Node); ok {
		if ref == nil {
			n.Fields[field] = nil
			return
		}
		n.Fields[field] = ref
		return
	}
	n.Fields[field] = query.Normalize(v)
}

// String returns a field rendered as a string; unset fields are empty.
func (n *Node) String(field string) string {
	switch v := query.Normalize(n.Fields[field]).(type) {
	case nil:
		return ""
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return fmt.Sprint(v)
	}
}

// Int returns a numeric field; unset or non-numeric fields are zero.
func (n *Node) Int(field string) int64 {
	switch v := query.Normalize(n.Fields[field]).(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case string:
		i, _ := strconv.ParseInt(v, 10, 64)
		return i
	default:
		return 0
	}
}

// Ref returns the identifier an association points to, or nil. A reference
// to a node that has not been inserted yet is nil as well.
func (n *Node) Ref(field string) *int64 {
	switch v := RefValue(n.Fields[field]).(type) {
	case int64:
		return &v
	default:
		return nil
	}
}

// RefNode returns the unsaved node an association points to, if any.
func (n *Node) RefNode(field string) *Node {
	ref, _ := n.Fields[field].(*Node)
	return ref
}

// RefValue normalizes an association value to the referenced identifier
// or nil.
func RefValue(v any) any {
	switch x := v.(type) {
	case *Node:
		if x == nil || x.ID == 0 {
			return nil
		}
		return x.ID
	default:
		switch y := query.Normalize(v).(type) {
		case int64:
			return y
		case float64:
			return int64(y)
		default:
			return nil
		}
	}
}

// SetRef points an association at id; nil clears it.
func (n *Node) SetRef(field string, id *int64) {
	if id == nil {
		n.Set(field, nil)
		return
	}
	n.Set(field, *id)
}

// Snapshot copies the field values, with node references resolved to
// identifiers.
func (n *Node) Snapshot() map[string]any {
	out := make(map[string]any, len(n.Fields))
	for k, v := range n.Fields {
		if ref, ok := v.(*Node); ok {
			out[k] = RefValue(ref)
			continue
		}
		out[k] = v
	}
	return out
}

// ToRow maps a node onto storage columns using its class metadata.
func ToRow(meta *mapping.ClassMetadata, n *Node) query.Row {
	row := make(query.Row, len(meta.Fields)+len(meta.Associations))
	for field, col := range meta.Fields {
		if len(meta.Identifier) == 1 && field == meta.Identifier[0] {
			if n.ID != 0 {
				row[col] = n.ID
			}
			continue
		}
		row[col] = query.Normalize(n.Fields[field])
	}
	for field, assoc := range meta.Associations {
		row[assoc.Column] = RefValue(n.Fields[field])
	}
	return row
}

// FromRow maps a stored row back onto a node.
func FromRow(meta *mapping.ClassMetadata, row query.Row) *Node {
	n := &Node{Class: meta.Name, Fields: make(map[string]any, len(meta.Fields)+len(meta.Associations))}
	for field, col := range meta.Fields {
		v := query.Normalize(row[col])
		if len(meta.Identifier) == 1 && field == meta.Identifier[0] {
			if id, ok := v.(int64); ok {
				n.ID = id
			}
			continue
		}
		n.Fields[field] = v
	}
	for field, assoc := range meta.Associations {
		n.Fields[field] = RefValue(row[assoc.Column])
	}
	return n
}

// IDColumn returns the storage column of the single identifier of meta.
func IDColumn(meta *mapping.ClassMetadata) (string, error) {
	id, err := meta.SingleIdentifier()
	if err != nil {
		return "", err
	}
	col, ok := meta.Fields[id]
	if !ok {
		return "", fmt.Errorf("class %s: identifier %s is not mapped", meta.Name, id)
	}
	return col, nil
}

// InsertNode stores n and assigns its generated identifier.
func InsertNode(ctx context.Context, exec Executor, meta *mapping.ClassMetadata, n *Node) error {
	idCol, err := IDColumn(meta)
	if err != nil {
		return err
	}
	id, err := exec.Insert(ctx, meta.Table, ToRow(meta, n), idCol)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", meta.Name, err)
	}
	n.ID = id
	return nil
}

// UpdateNode writes every mapped field of n.
func UpdateNode(ctx context.Context, exec Executor, meta *mapping.ClassMetadata, n *Node) error {
	idCol, err := IDColumn(meta)
	if err != nil {
		return err
	}
	row := ToRow(meta, n)
	delete(row, idCol)
	sets := make([]query.Assignment, 0, len(row))
	for _, field := range meta.FieldNames() {
		col := meta.Fields[field]
		if v, ok := row[col]; ok {
			sets = append(sets, query.Set{Column: col, Value: v})
		}
	}
	for _, assoc := range meta.Associations {
		sets = append(sets, query.Set{Column: assoc.Column, Value: row[assoc.Column]})
	}
	affected, err := exec.Update(ctx, meta.Table, sets, query.Eq{Column: idCol, Value: n.ID})
	if err != nil {
		return fmt.Errorf("error updating %s %d: %w", meta.Name, n.ID, err)
	}
	if affected == 0 {
		return ErrNodeNotFound
	}
	return nil
}

// DeleteNode removes the row of n.
func DeleteNode(ctx context.Context, exec Executor, meta *mapping.ClassMetadata, n *Node) error {
	idCol, err := IDColumn(meta)
	if err != nil {
		return err
	}
	affected, err := exec.Delete(ctx, meta.Table, query.Eq{Column: idCol, Value: n.ID})
	if err != nil {
		return fmt.Errorf("error deleting %s %d: %w", meta.Name, n.ID, err)
	}
	if affected == 0 {
		return ErrNodeNotFound
	}
	return nil
}

// FindNode loads a node by identifier.
func FindNode(ctx context.Context, exec Executor, meta *mapping.ClassMetadata, id int64) (*Node, error) {
	idCol, err := IDColumn(meta)
	if err != nil {
		return nil, err
	}
	rows, err := exec.Select(ctx, query.From(meta.Table).Filter(query.Eq{Column: idCol, Value: id}).WithLimit(1))
	if err != nil {
		return nil, fmt.Errorf("error getting %s %d: %w", meta.Name, id, err)
	}
	if len(rows) == 0 {
		return nil, ErrNodeNotFound
	}
	return FromRow(meta, rows[0]), nil
}
