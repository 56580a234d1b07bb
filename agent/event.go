package agent

import (
	"github.com/haasonsaas/agentcore/backend"
	"github.com/haasonsaas/agentcore/chat"
)

// EventType discriminates the streamed event variants.
type EventType string

const (
	EventText                EventType = "text"
	EventReasoning           EventType = "reasoning"
	EventToolCall            EventType = "tool_call"
	EventToolCallResult      EventType = "tool_call_result"
	EventConfirmationRequest EventType = "confirmation_request"
	EventDownstreamResult    EventType = "downstream_result"
	EventUsage               EventType = "usage"
	EventConversation        EventType = "conversation"
	EventError               EventType = "error"
)

// ToolCallResult is the outcome of one tool call: the arguments as invoked
// (hooks may have replaced them) and the value returned or synthesized.
type ToolCallResult struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    any            `json:"result,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Downstream wraps an event re-emitted from a nested agent run.
type Downstream struct {
	AgentID string `json:"agent_id"`
	Event   *Event `json:"event"`
}

// Event is one emission from a streaming run. Type selects which payload
// field is populated.
//
// Within a turn, text and reasoning precede tool calls, every tool call
// precedes its result or confirmation request, and usage comes last. The
// final event of a successful run is the conversation; a failed run ends
// with an error event and no trailers.
type Event struct {
	Type EventType `json:"type"`

	// Text carries EventText and EventReasoning fragments.
	Text string `json:"text,omitempty"`

	ToolCall     *chat.ToolCall       `json:"tool_call,omitempty"`
	ToolResult   *ToolCallResult      `json:"tool_result,omitempty"`
	Confirmation *ConfirmationRequest `json:"confirmation,omitempty"`
	Downstream   *Downstream          `json:"downstream,omitempty"`
	Usage        *backend.Usage       `json:"usage,omitempty"`
	Conversation []chat.Message       `json:"conversation,omitempty"`
	Err          error                `json:"-"`
}
