// Package backend defines the chat-completion client contract the agent
// runtime drives: one-shot and streaming generation, token counting, and the
// shared request, response, usage, and error types every implementation
// speaks.
//
// Implementations live in the subpackages (anthropic, openai, gemini,
// bedrock); backendtest provides a scripted in-memory client for tests.
package backend

import (
	"context"

	"github.com/haasonsaas/agentcore/chat"
)

// Client is the minimal capability set the run loop requires. Implementations
// must be safe for concurrent use; the loop may share one client across runs.
type Client interface {
	// Name returns the stable lowercase backend identifier ("anthropic",
	// "openai", ...) used for routing, logging, and error attribution.
	Name() string

	// Generate performs a single non-streaming completion.
	Generate(ctx context.Context, req *Request) (*Response, error)

	// GenerateStream performs a streaming completion. The returned channel is
	// closed by the producer when the stream ends. Text chunks preserve
	// generation order, assembled tool calls follow the text they succeed,
	// and the final non-error chunk carries the Usage record. Errors travel
	// on Chunk.Err and terminate the stream.
	GenerateStream(ctx context.Context, req *Request) (<-chan *Chunk, error)

	// CountTokens estimates the token footprint of a conversation. The
	// estimate may be approximate but must be monotonic: appending a message
	// never decreases the count.
	CountTokens(msgs []chat.Message) int

	// Models lists the models this backend serves, with context sizes and
	// pricing for cost estimation.
	Models() []ModelInfo
}

// Embedder is the optional embedding capability. Backends that support it
// additionally implement this interface.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

// ToolSchema describes one tool offered to the model.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema for the arguments object
}

// ToolChoiceKind selects how the model may use the offered tools.
type ToolChoiceKind string

const (
	ToolChoiceAuto     ToolChoiceKind = "auto"     // model decides
	ToolChoiceNone     ToolChoiceKind = "none"     // no tool calls
	ToolChoiceRequired ToolChoiceKind = "required" // must call some tool
	ToolChoiceTool     ToolChoiceKind = "tool"     // must call the named tool
)

// ToolChoice directs the model's tool selection for one request.
type ToolChoice struct {
	Kind ToolChoiceKind `json:"kind"`
	Name string         `json:"name,omitempty"` // required when Kind == ToolChoiceTool
}

// Request carries one completion call.
type Request struct {
	Messages   []chat.Message
	Options    Options
	Tools      []ToolSchema
	ToolChoice *ToolChoice // nil means the backend default (auto)

	// OutputSchema constrains the response to a JSON document matching the
	// schema, on backends that support structured output. JSONMode requests
	// a JSON object response without a schema.
	OutputSchema map[string]any
	JSONMode     bool
}

// Response is the assembled result of a non-streaming call.
type Response struct {
	Content   string
	ToolCalls []chat.ToolCall
	Reasoning string
	Usage     Usage
	Metadata  map[string]any
}

// Chunk is one streaming emission. Exactly one field is populated: Text and
// Reasoning are incremental fragments, ToolCall is a fully assembled call
// (implementations buffer argument deltas until they parse), Usage marks the
// end of a successful stream, and Err terminates a failed one.
type Chunk struct {
	Text      string
	Reasoning string
	ToolCall  *chat.ToolCall
	Usage     *Usage
	Err       error
}
