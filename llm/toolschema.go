package llm

import (
	"github.com/alexschlessinger/pollyd/tools"
	"github.com/google/jsonschema-go/jsonschema"
)

// toolDecl is the provider-neutral declaration of a tool offered to a model.
type toolDecl struct {
	Name        string
	Description string
	// Parameters is a JSON Schema object with type, properties and, when
	// set, required.
	Parameters map[string]any
	Required   []string
}

func declareTools(ts []tools.Tool) []toolDecl {
	decls := make([]toolDecl, 0, len(ts))
	for _, t := range ts {
		decls = append(decls, declareTool(t.GetSchema()))
	}
	return decls
}

// declareTool flattens an MCP input schema into the subset every provider
// accepts. Providers reject objects without properties and arrays without
// items, so both are always filled in.
func declareTool(schema *jsonschema.Schema) toolDecl {
	d := toolDecl{Parameters: map[string]any{"type": "object", "properties": map[string]any{}}}
	if schema == nil {
		return d
	}
	d.Name = schema.Title
	d.Description = schema.Description

	props := make(map[string]any, len(schema.Properties))
	for name, prop := range schema.Properties {
		if prop != nil {
			props[name] = schemaMap(prop)
		}
	}
	d.Parameters["properties"] = props
	if len(schema.Required) > 0 {
		d.Required = schema.Required
		d.Parameters["required"] = schema.Required
	}
	return d
}

func schemaMap(s *jsonschema.Schema) map[string]any {
	m := map[string]any{"type": schemaType(s)}
	if s.Description != "" {
		m["description"] = s.Description
	}
	if len(s.Enum) > 0 {
		m["enum"] = s.Enum
	}

	switch m["type"] {
	case "array":
		items := map[string]any{"type": "string"}
		if s.Items != nil {
			items = schemaMap(s.Items)
		}
		m["items"] = items
	case "object":
		props := make(map[string]any, len(s.Properties))
		for name, prop := range s.Properties {
			if prop != nil {
				props[name] = schemaMap(prop)
			}
		}
		m["properties"] = props
		if len(s.Required) > 0 {
			m["required"] = s.Required
		}
	}
	return m
}

// schemaType picks a single type. Nullable unions like ["string","null"]
// collapse to their first non-null member; untyped schemas become strings.
func schemaType(s *jsonschema.Schema) string {
	if s.Type != "" {
		return s.Type
	}
	for _, t := range s.Types {
		if t != "null" {
			return t
		}
	}
	return "string"
}

// stringEnum keeps the string members of an enum.
func stringEnum(values []any) []string {
	var out []string
	for _, v := range values {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
