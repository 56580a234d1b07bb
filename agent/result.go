package agent

import (
	"context"

	"github.com/haasonsaas/agentcore/backend"
	"github.com/haasonsaas/agentcore/chat"
)

// RunResult aggregates a completed run.
type RunResult struct {
	// Content is the final assistant message.
	Content string

	// Metadata is the provider-specific bag from the final backend response.
	Metadata map[string]any

	// Conversation is the full transcript, inherited history included.
	Conversation []chat.Message

	// ToolResults lists every tool outcome in transcript order, including
	// synthetic entries for denied, declined, and pending invocations.
	ToolResults []ToolCallResult

	// Usage is the cumulative accounting for the run, downstream agents
	// included.
	Usage backend.Usage

	// Reasoning holds the traces collected when LogReasoning is set.
	Reasoning []string

	// Confirmations lists the approvals requested during the run, downstream
	// agents included. Resume by recording decisions on the same run context
	// and running again.
	Confirmations []ConfirmationRequest
}

// PostProcessor rewrites the aggregated result after the loop completes.
// Returning a non-nil result replaces it; returning an error fails the run.
type PostProcessor interface {
	Process(ctx context.Context, r *RunResult) (*RunResult, error)
}

// PostProcessorFunc adapts a function to PostProcessor.
type PostProcessorFunc func(ctx context.Context, r *RunResult) (*RunResult, error)

func (f PostProcessorFunc) Process(ctx context.Context, r *RunResult) (*RunResult, error) {
	return f(ctx, r)
}

// StreamPostProcessor marks a PostProcessor as safe for RunStream. Streaming
// runs apply processors after the loop breaks, so they can only rewrite the
// aggregated result; events already emitted stay as delivered. RunStream
// rejects processors without this marker.
type StreamPostProcessor interface {
	PostProcessor
	StreamSafe()
}
