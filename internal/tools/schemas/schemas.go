// Package schemas provides JSON Schema definitions for the tools the
// scheduler offers to the generator in addition to provider tools.
package schemas

import (
	"sort"

	"github.com/elecnix/ai-effort-regulation/pkg/protocol"
)

// Schema defines a tool's JSON schema.
type Schema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Definition converts the schema to a generator tool definition.
func (s *Schema) Definition() protocol.ToolDefinition {
	return protocol.ToolDefinition{
		Name:        s.Name,
		Description: s.Description,
		InputSchema: s.Parameters,
	}
}

// SchemaBuilder provides a fluent interface for building tool schemas.
type SchemaBuilder struct {
	schema *Schema
}

// NewSchema creates a new schema builder with the given name and description.
func NewSchema(name, description string) *SchemaBuilder {
	return &SchemaBuilder{
		schema: &Schema{
			Name:        name,
			Description: description,
			Parameters: map[string]interface{}{
				"type":       "object",
				"properties": make(map[string]interface{}),
				"required":   make([]string, 0),
			},
		},
	}
}

// AddParam adds a parameter to the schema.
func (b *SchemaBuilder) AddParam(name, paramType, description string, required bool) *SchemaBuilder {
	return b.AddParamWithEnum(name, paramType, description, nil, required)
}

// AddParamWithEnum adds a parameter with an enum constraint.
func (b *SchemaBuilder) AddParamWithEnum(name, paramType, description string, enum []string, required bool) *SchemaBuilder {
	props := b.schema.Parameters["properties"].(map[string]interface{})
	paramDef := map[string]interface{}{
		"type":        paramType,
		"description": description,
	}
	if len(enum) > 0 {
		paramDef["enum"] = enum
	}
	props[name] = paramDef
	if required {
		req := b.schema.Parameters["required"].([]string)
		b.schema.Parameters["required"] = append(req, name)
	}
	return b
}

// Build returns the constructed schema.
func (b *SchemaBuilder) Build() *Schema {
	return b.schema
}

// Registry holds tool schemas by name.
type Registry struct {
	schemas map[string]*Schema
}

// NewRegistry creates a new empty schema registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*Schema)}
}

// Register adds a schema to the registry, replacing any with the same name.
func (r *Registry) Register(schema *Schema) {
	r.schemas[schema.Name] = schema
}

// Get retrieves a schema by name.
func (r *Registry) Get(name string) (*Schema, bool) {
	s, ok := r.schemas[name]
	return s, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.schemas[name]
	return ok
}

// List returns all registered schema names, sorted.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns every schema as a tool definition, sorted by name.
func (r *Registry) Definitions() []protocol.ToolDefinition {
	defs := make([]protocol.ToolDefinition, 0, len(r.schemas))
	for _, name := range r.List() {
		defs = append(defs, r.schemas[name].Definition())
	}
	return defs
}
