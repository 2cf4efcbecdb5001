package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaSet holds compiled per-component parameter schemas.
type SchemaSet struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewSchemaSet creates an empty schema set.
func NewSchemaSet() *SchemaSet {
	return &SchemaSet{schemas: make(map[string]*jsonschema.Schema)}
}

// SchemasFromRegistry compiles the schemas published by every registered handler.
func SchemasFromRegistry(r *Registry) (*SchemaSet, error) {
	set := NewSchemaSet()
	for _, info := range r.List() {
		h, ok := r.Lookup(info.Name)
		if !ok {
			continue
		}
		sp, ok := h.(SchemaProvider)
		if !ok || sp.ParamSchema() == "" {
			continue
		}
		if err := set.Add(info.Name, sp.ParamSchema()); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// Add compiles and registers a schema for component, replacing any previous one.
func (s *SchemaSet) Add(component, schema string) error {
	compiled, err := jsonschema.CompileString(component+".schema.json", schema)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", component, err)
	}
	s.mu.Lock()
	s.schemas[component] = compiled
	s.mu.Unlock()
	return nil
}

// Has reports whether component has a schema.
func (s *SchemaSet) Has(component string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.schemas[component]
	return ok
}

// Validate checks params against the component's schema. Components without a
// schema always pass.
func (s *SchemaSet) Validate(component string, params map[string]any) error {
	s.mu.RLock()
	schema, ok := s.schemas[component]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	doc, err := toJSONValue(params)
	if err != nil {
		return err
	}
	return schema.Validate(doc)
}

// toJSONValue normalizes YAML- or CUE-decoded values into the shapes produced by
// encoding/json, which is what the validator expects.
func toJSONValue(v any) (any, error) {
	if v == nil {
		v = map[string]any{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("params are not JSON-compatible: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
