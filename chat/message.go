// Package chat defines the transcript types shared by backend clients and
// the agent runtime: messages, tool calls, and the append-only conversation
// buffer the run loop owns.
package chat

import "encoding/json"

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall represents a model's request to execute a tool.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Type      string         `json:"type,omitempty"` // "function" when set
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Message is a single transcript entry. Exactly one shape is populated per
// role: system and user messages carry Content only, assistant messages may
// add ToolCalls, and tool messages carry the result fields.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content,omitempty"`

	// Assistant messages.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// Tool-result messages.
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Result     any            `json:"result,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`
}

// ResultText renders a tool-result payload as the string sent back to the
// backend. Strings pass through; everything else is JSON-encoded.
func (m Message) ResultText() string {
	if m.Result == nil {
		return ""
	}
	if s, ok := m.Result.(string); ok {
		return s
	}
	b, err := json.Marshal(m.Result)
	if err != nil {
		return ""
	}
	return string(b)
}
