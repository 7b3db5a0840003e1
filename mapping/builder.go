package mapping

import "time"

// Builder validates extensions against class metadata and produces Configs.
type Builder struct {
	defaults Defaults
	classes  *MetadataRegistry
}

// NewBuilder creates a builder resolving related classes through classes.
func NewBuilder(classes *MetadataRegistry, defaults Defaults) *Builder {
	return &Builder{defaults: defaults, classes: classes}
}

// Build validates ext for class and returns the resulting configuration.
func (b *Builder) Build(class string, ext Extension) (*Config, error) {
	meta, ok := b.classes.Get(class)
	if !ok {
		return nil, &MappingError{Class: class, Message: "class metadata is not registered"}
	}
	id, err := meta.SingleIdentifier()
	if err != nil {
		return nil, err
	}
	if _, ok := meta.Fields[id]; !ok {
		return nil, &MappingError{Class: class, Field: id, Message: "identifier field is not mapped"}
	}

	cfg := &Config{
		Class:           class,
		RootClass:       b.classes.RootClass(class),
		Strategy:        ext.Strategy,
		Identifier:      id,
		Parent:          ext.Parent,
		Level:           ext.Level,
		Left:            ext.Left,
		Right:           ext.Right,
		Path:            ext.Path,
		PathSource:      ext.PathSource,
		PathSeparator:   ext.PathSeparator,
		Closure:         ext.Closure,
		ActivateLocking: ext.ActivateLocking,
		LockingTimeout:  ext.LockingTimeout,
	}

	if cfg.Parent == "" {
		return nil, &MappingError{Class: class, Message: "missing parent field"}
	}
	assoc, ok := meta.Associations[cfg.Parent]
	if !ok {
		return nil, &MappingError{Class: class, Field: cfg.Parent, Message: "parent field is not a mapped association"}
	}
	if b.classes.RootClass(assoc.TargetClass) != cfg.RootClass {
		return nil, &MappingError{Class: class, Field: cfg.Parent, Message: "parent must reference the tree root class " + cfg.RootClass}
	}
	if cfg.Level != "" {
		if _, ok := meta.Fields[cfg.Level]; !ok {
			return nil, &MappingError{Class: class, Field: cfg.Level, Message: "level field is not mapped"}
		}
	}

	switch cfg.Strategy {
	case Closure:
		err = b.validateClosure(meta, cfg)
	case MaterializedPath:
		err = b.validatePath(meta, cfg, ext.PathAppendID)
	case NestedSet:
		err = b.validateNestedSet(meta, cfg)
	case "":
		err = &MappingError{Class: class, Message: "tree strategy is not set"}
	default:
		err = &MappingError{Class: class, Message: "unknown tree strategy " + string(cfg.Strategy)}
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (b *Builder) validateClosure(meta *ClassMetadata, cfg *Config) error {
	if cfg.Closure == "" {
		cfg.Closure = cfg.RootClass + b.defaults.ClosureSuffix
	}
	closure, ok := b.classes.Get(cfg.Closure)
	if !ok {
		return &MappingError{Class: meta.Name, Field: "closure", Message: "closure class " + cfg.Closure + " is not registered"}
	}
	for _, field := range []string{"ancestor", "descendant"} {
		assoc, ok := closure.Associations[field]
		if !ok {
			return &MappingError{Class: closure.Name, Field: field, Message: "closure class must map association " + field}
		}
		if b.classes.RootClass(assoc.TargetClass) != cfg.RootClass {
			return &MappingError{Class: closure.Name, Field: field, Message: "closure association must target " + cfg.RootClass}
		}
	}
	if _, ok := closure.Fields["depth"]; !ok {
		return &MappingError{Class: closure.Name, Field: "depth", Message: "closure class must map field depth"}
	}
	return nil
}

func (b *Builder) validatePath(meta *ClassMetadata, cfg *Config, appendID *bool) error {
	if cfg.Path == "" {
		return &MappingError{Class: meta.Name, Message: "materialized path requires a path field"}
	}
	if _, ok := meta.Fields[cfg.Path]; !ok {
		return &MappingError{Class: meta.Name, Field: cfg.Path, Message: "path field is not mapped"}
	}
	if cfg.PathSource == "" {
		cfg.PathSource = cfg.Identifier
	}
	if _, ok := meta.Fields[cfg.PathSource]; !ok {
		return &MappingError{Class: meta.Name, Field: cfg.PathSource, Message: "path source field is not mapped"}
	}
	if appendID != nil {
		cfg.PathAppendID = *appendID
	} else {
		cfg.PathAppendID = cfg.PathSource != cfg.Identifier
	}
	if cfg.PathSeparator == "" {
		cfg.PathSeparator = b.defaults.PathSeparator
	}
	if len(cfg.PathSeparator) != 1 {
		return &MappingError{Class: meta.Name, Field: cfg.Path, Message: "path separator must be a single character"}
	}
	if cfg.LockingTimeout <= 0 {
		cfg.LockingTimeout = b.defaults.LockingTimeout
	}
	if cfg.LockingTimeout < time.Millisecond {
		return &MappingError{Class: meta.Name, Message: "locking timeout must be at least one millisecond"}
	}
	return nil
}

func (b *Builder) validateNestedSet(meta *ClassMetadata, cfg *Config) error {
	for _, field := range []string{cfg.Left, cfg.Right} {
		if field == "" {
			return &MappingError{Class: meta.Name, Message: "nested set requires left and right fields"}
		}
		if _, ok := meta.Fields[field]; !ok {
			return &MappingError{Class: meta.Name, Field: field, Message: "nested set bound is not mapped"}
		}
	}
	return nil
}
