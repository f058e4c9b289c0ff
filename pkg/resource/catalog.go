// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

package resource

import (
	"sync"
)

// Catalog is the set of declared resources, safe for concurrent lookup.
type Catalog struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewCatalog creates a catalog holding the given schemas.
func NewCatalog(schemas ...*Schema) *Catalog {
	catalog := &Catalog{schemas: make(map[string]*Schema, len(schemas))}
	for _, schema := range schemas {
		catalog.schemas[schema.Name] = schema
	}
	return catalog
}

// Add registers a schema, replacing any previous declaration of the same
// resource.
func (catalog *Catalog) Add(schema *Schema) {
	catalog.mu.Lock()
	defer catalog.mu.Unlock()
	catalog.schemas[schema.Name] = schema
}

// Get returns the schema of the named resource.
func (catalog *Catalog) Get(name string) (*Schema, error) {
	catalog.mu.RLock()
	defer catalog.mu.RUnlock()
	schema, ok := catalog.schemas[name]
	if !ok {
		return nil, Error.New("unknown resource %q", name)
	}
	return schema, nil
}

// Names returns the declared resource names.
func (catalog *Catalog) Names() []string {
	catalog.mu.RLock()
	defer catalog.mu.RUnlock()
	names := make([]string, 0, len(catalog.schemas))
	for name := range catalog.schemas {
		names = append(names, name)
	}
	return names
}
