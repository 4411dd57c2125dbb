package tools

import (
	"context"

	"github.com/google/jsonschema-go/jsonschema"
)

// Tool is the generic interface for all tools
type Tool interface {
	GetSchema() *jsonschema.Schema
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// ToolCall represents a request to execute a tool
type ToolCall struct {
	ID   string         // Provider-specific ID (if any)
	Name string         // Tool name
	Args map[string]any // Parsed arguments
}

// Name returns the tool's name, taken from its schema title.
func Name(t Tool) string {
	if schema := t.GetSchema(); schema != nil {
		return schema.Title
	}
	return ""
}
