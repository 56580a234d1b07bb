package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/haasonsaas/agentcore/backend"
)

// ToolFunc is the callable shape for local tools. Arguments arrive as the
// decoded JSON object from the model, after any hook mutations.
type ToolFunc func(ctx context.Context, args map[string]any) (any, error)

// Tool describes one callable offered to the model. Function tools carry a
// Func; downstream-agent tools come from Agent.AsTool; remote tools are
// bound from MCP listings at each registry build and never constructed
// directly.
type Tool struct {
	// Name must be unique within an agent's registry, remote tools included.
	Name        string
	Description string

	// Parameters is the JSON Schema for the arguments object. Nil means an
	// unconstrained object.
	Parameters map[string]any

	// Func implements the tool. Unset for downstream-agent tools.
	Func ToolFunc

	// RequiresConfirmation gates every invocation behind the confirmation
	// protocol.
	RequiresConfirmation bool

	// ContextVar names an argument that receives the *RunContext at
	// invocation. The injected value is visible to the callable only; the
	// transcript and confirmation ids use the model's arguments.
	ContextVar string

	agent  *Agent // downstream-agent tools
	server string // remote tools: owning MCP server
}

// NewTool builds a function tool.
func NewTool(name, description string, parameters map[string]any, fn ToolFunc) Tool {
	return Tool{Name: name, Description: description, Parameters: parameters, Func: fn}
}

// WithConfirmation returns a copy of t gated on the confirmation protocol.
func (t Tool) WithConfirmation() Tool {
	t.RequiresConfirmation = true
	return t
}

// WithContextVar returns a copy of t that receives the run context under the
// named argument.
func (t Tool) WithContextVar(name string) Tool {
	t.ContextVar = name
	return t
}

// schema renders the descriptor for a backend request.
func (t Tool) schema() backend.ToolSchema {
	params := t.Parameters
	if params == nil {
		params = map[string]any{"type": "object"}
	}
	return backend.ToolSchema{Name: t.Name, Description: t.Description, Parameters: params}
}

// TypedTool builds a function tool whose arguments decode into T and whose
// parameter schema is derived from T's fields and jsonschema struct tags.
// ContextVar injection does not combine with typed arguments.
func TypedTool[T any](name, description string, fn func(ctx context.Context, args T) (any, error)) Tool {
	return Tool{
		Name:        name,
		Description: description,
		Parameters:  reflectSchema(new(T)),
		Func: func(ctx context.Context, raw map[string]any) (any, error) {
			buf, err := json.Marshal(raw)
			if err != nil {
				return nil, fmt.Errorf("encode arguments: %w", err)
			}
			var args T
			if err := json.Unmarshal(buf, &args); err != nil {
				return nil, fmt.Errorf("decode arguments: %w", err)
			}
			return fn(ctx, args)
		},
	}
}

// reflectSchema derives the JSON Schema object for a struct type, inlined
// with no $ref indirection so every backend can consume it.
func reflectSchema(v any) map[string]any {
	r := jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	s := r.Reflect(v)
	buf, err := json.Marshal(s)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(buf, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	delete(m, "$schema")
	delete(m, "$id")
	return m
}

// DownstreamResult is a downstream-agent tool's return value: the nested
// run's final content, tool results, and usage.
type DownstreamResult struct {
	Content     string           `json:"content"`
	ToolResults []ToolCallResult `json:"tool_results,omitempty"`
	Usage       backend.Usage    `json:"usage"`
}
