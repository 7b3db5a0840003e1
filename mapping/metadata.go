package mapping

import (
	"fmt"
	"sort"
	"sync"
)

// Association describes a single-valued reference from one class to another.
type Association struct {
	TargetClass string
	Column      string
}

// ClassMetadata is the host's description of a mapped class: where it is
// stored and which fields it has. The tree configuration is validated against it.
type ClassMetadata struct {
	Name         string
	Table        string
	Extends      string
	Identifier   []string
	Fields       map[string]string
	Associations map[string]Association
}

// HasField reports whether name is a scalar field or an association.
func (m *ClassMetadata) HasField(name string) bool {
	if _, ok := m.Fields[name]; ok {
		return true
	}
	_, ok := m.Associations[name]
	return ok
}

// Column returns the storage column of a field or association.
func (m *ClassMetadata) Column(name string) (string, bool) {
	if col, ok := m.Fields[name]; ok {
		return col, true
	}
	if assoc, ok := m.Associations[name]; ok {
		return assoc.Column, true
	}
	return "", false
}

// MustColumn is Column for fields already checked by configuration validation.
func (m *ClassMetadata) MustColumn(name string) string {
	col, ok := m.Column(name)
	if !ok {
		panic(fmt.Sprintf("mapping: class %s has no field %s", m.Name, name))
	}
	return col
}

// FieldByColumn maps a storage column back to its field name.
func (m *ClassMetadata) FieldByColumn(column string) (string, bool) {
	for field, col := range m.Fields {
		if col == column {
			return field, true
		}
	}
	for field, assoc := range m.Associations {
		if assoc.Column == column {
			return field, true
		}
	}
	return "", false
}

// FieldNames returns every scalar field name in a stable order.
func (m *ClassMetadata) FieldNames() []string {
	names := make([]string, 0, len(m.Fields))
	for name := range m.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SingleIdentifier returns the identifier field, failing for composite keys.
func (m *ClassMetadata) SingleIdentifier() (string, error) {
	switch len(m.Identifier) {
	case 0:
		return "", &MappingError{Class: m.Name, Message: "class has no identifier"}
	case 1:
		return m.Identifier[0], nil
	default:
		return "", &MappingError{Class: m.Name, Field: fmt.Sprint(m.Identifier), Message: "composite identifiers are not supported"}
	}
}

// MetadataRegistry holds class metadata by class name.
type MetadataRegistry struct {
	mu      sync.RWMutex
	classes map[string]*ClassMetadata
}

// NewMetadataRegistry creates a registry seeded with the given classes.
func NewMetadataRegistry(classes ...*ClassMetadata) *MetadataRegistry {
	r := &MetadataRegistry{classes: make(map[string]*ClassMetadata)}
	for _, c := range classes {
		r.Add(c)
	}
	return r
}

// Add registers or replaces the metadata of a class.
func (r *MetadataRegistry) Add(meta *ClassMetadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classes[meta.Name] = meta
}

// Get returns the metadata of a class.
func (r *MetadataRegistry) Get(class string) (*ClassMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	meta, ok := r.classes[class]
	return meta, ok
}

// Classes lists registered class names in a stable order.
func (r *MetadataRegistry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.classes))
	for name := range r.classes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RootClass follows the Extends chain up to the class that owns the table.
func (r *MetadataRegistry) RootClass(class string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]bool{}
	for {
		meta, ok := r.classes[class]
		if !ok || meta.Extends == "" || seen[class] {
			return class
		}
		seen[class] = true
		class = meta.Extends
	}
}

// IsA reports whether class is target or one of its subclasses.
func (r *MetadataRegistry) IsA(class, target string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]bool{}
	for class != "" && !seen[class] {
		if class == target {
			return true
		}
		seen[class] = true
		meta, ok := r.classes[class]
		if !ok {
			return false
		}
		class = meta.Extends
	}
	return false
}
