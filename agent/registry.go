package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/agentcore/backend"
	"github.com/haasonsaas/agentcore/mcp"
)

// boundTool is a registry entry: the descriptor plus its compiled argument
// validator, nil when validation is unavailable.
type boundTool struct {
	Tool
	validator *jsonschema.Schema
}

// validateArgs checks args against the tool's compiled schema. Arguments are
// round-tripped through JSON so hook-supplied Go values normalize into what
// the validator expects.
func (b *boundTool) validateArgs(args map[string]any) error {
	if b.validator == nil {
		return nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	if err := b.validator.Validate(doc); err != nil {
		return fmt.Errorf("arguments rejected by schema: %w", err)
	}
	return nil
}

// registry is one turn's tool catalog: local tools merged with the current
// remote listings, in insertion order.
type registry struct {
	order []string
	tools map[string]*boundTool
}

func newRegistry() *registry {
	return &registry{tools: make(map[string]*boundTool)}
}

func (r *registry) add(bt *boundTool) error {
	if _, exists := r.tools[bt.Name]; exists {
		return &DuplicateToolError{Name: bt.Name}
	}
	r.tools[bt.Name] = bt
	r.order = append(r.order, bt.Name)
	return nil
}

func (r *registry) lookup(name string) (*boundTool, bool) {
	bt, ok := r.tools[name]
	return bt, ok
}

// schemas lists the catalog in registration order for a backend request.
func (r *registry) schemas() []backend.ToolSchema {
	if len(r.order) == 0 {
		return nil
	}
	out := make([]backend.ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].schema())
	}
	return out
}

// compileParams compiles a tool's parameter schema for argument validation.
// A nil schema compiles to no validator.
func compileParams(name string, params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	return jsonschema.CompileString(name+".schema.json", string(raw))
}

// schemaCache memoizes compiled remote schemas across registry rebuilds,
// keyed by server, tool, and schema text. Schemas that fail to compile are
// remembered as unvalidated so the warning fires once, not every turn.
type schemaCache struct {
	mu      sync.Mutex
	entries map[string]*jsonschema.Schema
}

func (c *schemaCache) compile(server string, tool mcp.Tool, log *slog.Logger) *jsonschema.Schema {
	raw, err := json.Marshal(tool.InputSchema)
	if err != nil {
		raw = []byte("null")
	}
	key := server + "\x00" + tool.Name + "\x00" + string(raw)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = make(map[string]*jsonschema.Schema)
	}
	if schema, seen := c.entries[key]; seen {
		return schema
	}
	schema, err := compileParams(server+"/"+tool.Name, tool.InputSchema)
	if err != nil {
		log.Warn("remote tool schema failed to compile; arguments will not be validated",
			"server", server, "tool", tool.Name, "error", err)
		schema = nil
	}
	c.entries[key] = schema
	return schema
}
