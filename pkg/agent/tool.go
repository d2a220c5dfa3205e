package agent

import (
	"context"
	"encoding/json"
)

// ToolDefinition declares the static interface of a capability as advertised
// to the model. InputSchema is a JSON Schema (draft 2020-12) document; the
// optional OutputSchema constrains Outcome.Data on success.
type ToolDefinition struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"parameters"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}

// Tool is a read-only capability. Invoke receives arguments that already
// conform to InputSchema. Returning an error is allowed; the registry turns it
// into a failed Outcome.
type Tool interface {
	Describe() ToolDefinition
	Invoke(ctx context.Context, args map[string]any) (Outcome, error)
}

// ToolFunc adapts a plain function into a Tool.
type ToolFunc struct {
	Definition ToolDefinition
	Fn         func(ctx context.Context, args map[string]any) (Outcome, error)
}

func (f ToolFunc) Describe() ToolDefinition { return f.Definition }

func (f ToolFunc) Invoke(ctx context.Context, args map[string]any) (Outcome, error) {
	return f.Fn(ctx, args)
}

// DescribeTool is a nil-safe Describe.
func DescribeTool(t Tool) ToolDefinition {
	if t == nil {
		return ToolDefinition{}
	}
	return t.Describe()
}
