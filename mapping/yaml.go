package mapping

import (
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// yamlDocument is the layout of a mapping file:
//
//	classes:
//	  Category:
//	    table: categories
//	    id: [id]
//	    fields: {id: id, title: title, level: lvl}
//	    associations:
//	      parent: {target: Category, column: parent_id}
//	    tree:
//	      strategy: closure
//	      parent: parent
//	      level: level
type yamlDocument struct {
	Classes map[string]yamlClass `yaml:"classes"`
}

type yamlClass struct {
	Table        string                     `yaml:"table"`
	Extends      string                     `yaml:"extends"`
	ID           []string                   `yaml:"id"`
	Fields       map[string]string          `yaml:"fields"`
	Associations map[string]yamlAssociation `yaml:"associations"`
	Tree         *Extension                 `yaml:"tree"`
}

type yamlAssociation struct {
	Target string `yaml:"target"`
	Column string `yaml:"column"`
}

// LoadYAMLFile reads a mapping file into a new Registry.
func LoadYAMLFile(path string, defaults Defaults) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mapping file: %w", err)
	}
	defer f.Close()
	return LoadYAML(f, defaults)
}

// LoadYAML registers the class metadata of a mapping document first and then
// validates every tree extension it declares, so declaration order is free.
func LoadYAML(r io.Reader, defaults Defaults) (*Registry, error) {
	var doc yamlDocument
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode mapping: %w", err)
	}

	classes := NewMetadataRegistry()
	names := make([]string, 0, len(doc.Classes))
	for name, c := range doc.Classes {
		names = append(names, name)
		meta := &ClassMetadata{
			Name:         name,
			Table:        c.Table,
			Extends:      c.Extends,
			Identifier:   c.ID,
			Fields:       c.Fields,
			Associations: make(map[string]Association, len(c.Associations)),
		}
		if meta.Fields == nil {
			meta.Fields = map[string]string{}
		}
		for field, a := range c.Associations {
			meta.Associations[field] = Association{TargetClass: a.Target, Column: a.Column}
		}
		classes.Add(meta)
	}
	sort.Strings(names)

	registry := NewRegistry(classes, defaults)
	for _, name := range names {
		// subclasses without a tree block reuse their root class configuration
		ext := doc.Classes[name].Tree
		if ext == nil {
			continue
		}
		if _, err := registry.Register(name, *ext); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
