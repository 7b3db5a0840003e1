package models

import (
	"fmt"
	"strconv"

	"github.com/go-playground/validator/v10"
)

// CreateNodeRequest represents the request body for creating a node
type CreateNodeRequest struct {
	Fields   map[string]any `json:"fields" validate:"required,min=1"`
	ParentID *int64         `json:"parentId,omitempty" validate:"omitempty,gt=0"`
}

// UpdateNodeRequest represents the request body for updating a node.
// Root detaches the node and cannot be combined with a parent.
type UpdateNodeRequest struct {
	Fields   map[string]any `json:"fields"`
	ParentID *int64         `json:"parentId,omitempty" validate:"omitempty,gt=0,excluded_with=Root"`
	Root     bool           `json:"root"`
}

// ListQuery holds the query parameters of the listing endpoints
type ListQuery struct {
	Node        *int64 `form:"node" validate:"omitempty,gt=0"`
	Direct      bool   `form:"direct"`
	IncludeNode bool   `form:"includeNode"`
	Sort        string `form:"sort" validate:"omitempty,max=64"`
	Dir         string `form:"dir" validate:"omitempty,oneof=asc desc ASC DESC"`
}

// Validate validates the create node request
func (r *CreateNodeRequest) Validate() error {
	validate := validator.New()
	return validate.Struct(r)
}

// Validate validates the update node request
func (r *UpdateNodeRequest) Validate() error {
	validate := validator.New()
	if err := validate.Struct(r); err != nil {
		return err
	}
	if len(r.Fields) == 0 && r.ParentID == nil && !r.Root {
		return fmt.Errorf("update changes nothing")
	}
	return nil
}

// Validate validates the list query
func (q *ListQuery) Validate() error {
	validate := validator.New()
	return validate.Struct(q)
}

// ParseListQuery reads a ListQuery from single-valued query parameters.
func ParseListQuery(params map[string]string) (*ListQuery, error) {
	q := &ListQuery{Sort: params["sort"], Dir: params["dir"]}
	if v, ok := params["node"]; ok && v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid node %q: %w", v, err)
		}
		q.Node = &id
	}
	var err error
	if q.Direct, err = parseBool(params, "direct"); err != nil {
		return nil, err
	}
	if q.IncludeNode, err = parseBool(params, "includeNode"); err != nil {
		return nil, err
	}
	return q, q.Validate()
}

func parseBool(params map[string]string, name string) (bool, error) {
	v, ok := params[name]
	if !ok || v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	return b, nil
}
