package chat

import "fmt"

// Violation records a transcript ordering problem detected during an append.
// Appends never fail; violations are kept for inspection instead.
type Violation struct {
	Index      int    // transcript position of the offending message
	ToolCallID string // the id involved, when the violation concerns a tool result
	Reason     string
}

// Buffer is an append-only conversation transcript. It tracks which
// assistant tool calls are still awaiting a result so that orphaned or
// duplicate tool results can be detected without rejecting the append.
//
// A Buffer is owned by a single run loop and is not safe for concurrent use.
type Buffer struct {
	msgs       []Message
	violations []Violation
	unresolved map[string]string // tool call id -> tool name
}

// NewBuffer creates a transcript seeded with optional history. History
// messages are trusted as-is; assistant tool calls in history that already
// have results are considered resolved.
func NewBuffer(history ...Message) *Buffer {
	b := &Buffer{unresolved: make(map[string]string)}
	for _, msg := range history {
		b.append(msg)
	}
	// Drop violations attributed to caller-supplied history; tracking starts
	// once the run loop takes over.
	b.violations = nil
	return b
}

// AppendSystem appends a system message.
func (b *Buffer) AppendSystem(content string) {
	b.append(Message{Role: RoleSystem, Content: content})
}

// AppendUser appends a user message.
func (b *Buffer) AppendUser(content string) {
	b.append(Message{Role: RoleUser, Content: content})
}

// AppendAssistant appends an assistant message with any tool calls it
// requested. Each call id becomes unresolved until a matching tool result
// arrives.
func (b *Buffer) AppendAssistant(content string, calls ...ToolCall) {
	b.append(Message{Role: RoleAssistant, Content: content, ToolCalls: calls})
}

// AppendToolResult appends the outcome of a tool call. A result whose id has
// no unresolved prior tool call is still appended, but the mismatch is
// recorded as a Violation.
func (b *Buffer) AppendToolResult(callID, name string, args map[string]any, result any, isError bool) {
	if _, ok := b.unresolved[callID]; !ok {
		b.violations = append(b.violations, Violation{
			Index:      len(b.msgs),
			ToolCallID: callID,
			Reason:     fmt.Sprintf("tool result %q (%s) has no unresolved tool call", callID, name),
		})
	} else {
		delete(b.unresolved, callID)
	}
	b.append(Message{
		Role:       RoleTool,
		ToolCallID: callID,
		ToolName:   name,
		Arguments:  args,
		Result:     result,
		IsError:    isError,
	})
}

func (b *Buffer) append(msg Message) {
	for _, tc := range msg.ToolCalls {
		b.unresolved[tc.ID] = tc.Name
	}
	if msg.Role == RoleTool {
		delete(b.unresolved, msg.ToolCallID)
	}
	b.msgs = append(b.msgs, msg)
}

// Messages returns a copy of the transcript in append order.
func (b *Buffer) Messages() []Message {
	out := make([]Message, len(b.msgs))
	copy(out, b.msgs)
	return out
}

// Len returns the number of messages in the transcript.
func (b *Buffer) Len() int { return len(b.msgs) }

// Violations returns the ordering violations recorded so far.
func (b *Buffer) Violations() []Violation {
	out := make([]Violation, len(b.violations))
	copy(out, b.violations)
	return out
}
