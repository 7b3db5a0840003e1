package mapping

import (
	"sort"
	"sync"
)

// Registry caches validated tree configurations by class. A class without its
// own configuration inherits the one of its root class.
type Registry struct {
	mu      sync.RWMutex
	classes *MetadataRegistry
	builder *Builder
	configs map[string]*Config
}

// NewRegistry creates an empty configuration registry.
func NewRegistry(classes *MetadataRegistry, defaults Defaults) *Registry {
	return &Registry{
		classes: classes,
		builder: NewBuilder(classes, defaults),
		configs: make(map[string]*Config),
	}
}

// Classes returns the class metadata the registry validates against.
func (r *Registry) Classes() *MetadataRegistry {
	return r.classes
}

// Register validates ext for class and caches the result.
func (r *Registry) Register(class string, ext Extension) (*Config, error) {
	cfg, err := r.builder.Build(class, ext)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[class] = cfg
	return cfg, nil
}

// Get returns the configuration managing class, if any.
func (r *Registry) Get(class string) (*Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cfg, ok := r.configs[class]; ok {
		return cfg, true
	}
	cfg, ok := r.configs[r.classes.RootClass(class)]
	return cfg, ok
}

// IsTree reports whether instances of class are managed as tree nodes.
func (r *Registry) IsTree(class string) bool {
	_, ok := r.Get(class)
	return ok
}

// TreeClasses lists every class with its own configuration.
func (r *Registry) TreeClasses() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.configs))
	for name := range r.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
