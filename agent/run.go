package agent

import (
	"context"
	"log/slog"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/agentcore/backend"
	"github.com/haasonsaas/agentcore/chat"
)

// runner drives one run: the turn loop, budget checks, tool dispatch, and
// event emission. Run and RunStream share it; streaming mode additionally
// carries the event channel.
type runner struct {
	a          *Agent
	rc         *RunContext
	opts       Options
	bopts      backend.Options
	toolChoice *backend.ToolChoice
	processors []PostProcessor

	buf      *chat.Buffer
	events   chan *Event // nil for non-streaming runs
	stream   bool
	parallel bool

	maxTurns int
	bounded  bool

	toolResults   []ToolCallResult
	confirmations []ConfirmationRequest
	reasoning     []string
	lastContent   string
	lastMeta      map[string]any

	log *slog.Logger
}

func (a *Agent) newRunner(input any, s *runSettings, stream bool) (*runner, error) {
	rc := s.rc
	if rc == nil {
		rc = NewRunContext()
	}
	rc.registerAgent(a)

	eff := a.defaults.Merge(s.opts)
	var bopts backend.Options
	if eff.Backend != nil {
		bopts = *eff.Backend
	}

	buf := chat.NewBuffer(a.snapshotHistory()...)
	if err := a.renderInput(buf, input); err != nil {
		return nil, err
	}

	maxTurns, bounded := eff.maxTurns()
	return &runner{
		a:          a,
		rc:         rc,
		opts:       eff,
		bopts:      bopts,
		toolChoice: s.toolChoice,
		processors: s.processors,
		buf:        buf,
		stream:     stream,
		parallel:   eff.parallel(),
		maxTurns:   maxTurns,
		bounded:    bounded,
		log:        a.log.With("run_id", uuid.NewString()),
	}, nil
}

// send delivers one event, honoring cancellation. Non-streaming runs have no
// channel and report success.
func (r *runner) send(ctx context.Context, ev *Event) bool {
	if r.events == nil {
		return true
	}
	select {
	case r.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// emitUsage closes out a turn with the cumulative usage snapshot.
func (r *runner) emitUsage(ctx context.Context) bool {
	u := r.rc.Usage()
	return r.send(ctx, &Event{Type: EventUsage, Usage: &u})
}

// checkPromptBudget runs before a backend call, given the token count the
// next prompt would add. Prompt-limit violations surface as exceeded prompt
// tokens; total-limit violations as a next-prompt-over-limit rejection.
func (r *runner) checkPromptBudget(next int) error {
	u := r.rc.Usage()
	if lim := r.opts.MaxPromptTokens; lim != nil && next > *lim-u.PromptTokens {
		return &MaxTokensExceededError{Dimension: DimensionPrompt, Limit: *lim, Observed: u.PromptTokens + next}
	}
	if lim := r.opts.MaxTotalTokens; lim != nil && next > *lim-u.TotalTokens {
		return &NextPromptOverLimitError{Dimension: DimensionTotal, Limit: *lim, Consumed: u.TotalTokens, Next: next}
	}
	return nil
}

// checkCumulativeBudget runs after a call's usage lands.
func (r *runner) checkCumulativeBudget() error {
	u := r.rc.Usage()
	if lim := r.opts.MaxTotalTokens; lim != nil && u.TotalTokens > *lim {
		return &MaxTokensExceededError{Dimension: DimensionTotal, Limit: *lim, Observed: u.TotalTokens}
	}
	if lim := r.opts.MaxPromptTokens; lim != nil && u.PromptTokens > *lim {
		return &MaxTokensExceededError{Dimension: DimensionPrompt, Limit: *lim, Observed: u.PromptTokens}
	}
	if lim := r.opts.MaxCompletionTokens; lim != nil && u.CompletionTokens > *lim {
		return &MaxTokensExceededError{Dimension: DimensionCompletion, Limit: *lim, Observed: u.CompletionTokens}
	}
	return nil
}

// requestOptions returns the backend options for the next call, with
// max_tokens clamped to the remaining budget when any token limit is set and
// the budget is tighter than the configured value.
func (r *runner) requestOptions() backend.Options {
	opts := r.bopts
	limit := math.MaxInt
	for _, lim := range []*int{r.opts.MaxTotalTokens, r.opts.MaxPromptTokens, r.opts.MaxCompletionTokens} {
		if lim != nil && *lim < limit {
			limit = *lim
		}
	}
	if limit == math.MaxInt {
		return opts
	}
	budget := limit - r.rc.Usage().TotalTokens
	if budget <= 0 {
		return opts
	}
	if opts.MaxTokens == nil || budget < *opts.MaxTokens {
		opts.MaxTokens = backend.Int(budget)
	}
	return opts
}

// generate performs one backend call. Streaming mode forwards text and
// reasoning fragments as they arrive and returns the assembled response.
func (r *runner) generate(ctx context.Context, req *backend.Request) (*backend.Response, error) {
	if !r.stream {
		return r.a.backend.Generate(ctx, req)
	}
	ch, err := r.a.backend.GenerateStream(ctx, req)
	if err != nil {
		return nil, err
	}
	resp := &backend.Response{}
	var content, reasoning strings.Builder
	for chunk := range ch {
		switch {
		case chunk.Err != nil:
			return nil, chunk.Err
		case chunk.Text != "":
			content.WriteString(chunk.Text)
			if !r.send(ctx, &Event{Type: EventText, Text: chunk.Text}) {
				return nil, ctx.Err()
			}
		case chunk.Reasoning != "":
			reasoning.WriteString(chunk.Reasoning)
			if r.opts.logReasoning() {
				if !r.send(ctx, &Event{Type: EventReasoning, Text: chunk.Reasoning}) {
					return nil, ctx.Err()
				}
			}
		case chunk.ToolCall != nil:
			resp.ToolCalls = append(resp.ToolCalls, *chunk.ToolCall)
			if !r.send(ctx, &Event{Type: EventToolCall, ToolCall: chunk.ToolCall}) {
				return nil, ctx.Err()
			}
		case chunk.Usage != nil:
			resp.Usage = *chunk.Usage
		}
	}
	resp.Content = content.String()
	resp.Reasoning = reasoning.String()
	return resp, nil
}

// run executes the turn loop to completion and returns the aggregated
// result. Streaming callers see the same loop through its events; the
// conversation trailer is the final successful emission.
func (r *runner) run(ctx context.Context) (*RunResult, error) {
	a := r.a
	if a.mcp != nil {
		if err := a.mcp.ConnectAll(ctx); err != nil {
			return nil, err
		}
	}

	turns := 0
	finisher := false

	for {
		if !finisher && r.bounded && turns >= r.maxTurns {
			return nil, &MaxTurnsExceededError{Limit: r.maxTurns}
		}

		// The registry is rebuilt every turn so remote listing changes are
		// picked up. Finisher turns offer no tools at all.
		var reg *registry
		var schemas []backend.ToolSchema
		if !finisher {
			var err error
			reg, err = a.buildRegistry(ctx)
			if err != nil {
				return nil, err
			}
			schemas = reg.schemas()
		}

		msgs := r.buf.Messages()
		if err := r.checkPromptBudget(a.backend.CountTokens(msgs)); err != nil {
			return nil, err
		}

		req := &backend.Request{
			Messages: msgs,
			Options:  r.requestOptions(),
			Tools:    schemas,
		}
		switch {
		case finisher:
			req.ToolChoice = &backend.ToolChoice{Kind: backend.ToolChoiceNone}
		case turns == 0:
			req.ToolChoice = r.toolChoice
		}

		r.log.Debug("backend call", "turn", turns, "finisher", finisher,
			"tools", len(schemas), "messages", len(msgs))
		resp, err := r.generate(ctx, req)
		if err != nil {
			return nil, err
		}

		r.rc.addUsage(resp.Usage)
		if err := r.checkCumulativeBudget(); err != nil {
			return nil, err
		}
		if r.opts.logReasoning() && resp.Reasoning != "" {
			r.reasoning = append(r.reasoning, resp.Reasoning)
		}
		r.lastContent = resp.Content
		r.lastMeta = resp.Metadata

		if finisher || len(resp.ToolCalls) == 0 {
			r.buf.AppendAssistant(resp.Content)
			if !r.emitUsage(ctx) {
				return nil, ctx.Err()
			}
			break
		}

		r.buf.AppendAssistant(resp.Content, resp.ToolCalls...)
		requested, reEncounter, err := r.dispatch(ctx, reg, resp.ToolCalls)
		if err != nil {
			return nil, err
		}
		if !r.emitUsage(ctx) {
			return nil, ctx.Err()
		}
		turns++

		if reEncounter {
			// The caller never answered these requests; stop rather than ask
			// in a loop.
			break
		}
		if requested > 0 {
			finisher = true
		}
	}

	result := &RunResult{
		Content:       r.lastContent,
		Metadata:      r.lastMeta,
		Conversation:  r.buf.Messages(),
		ToolResults:   r.toolResults,
		Usage:         r.rc.Usage(),
		Reasoning:     r.reasoning,
		Confirmations: r.confirmations,
	}

	if a.keepHistory {
		a.storeHistory(result.Conversation)
	}

	for _, p := range r.processors {
		out, err := p.Process(ctx, result)
		if err != nil {
			return nil, err
		}
		if out != nil {
			result = out
		}
	}

	if !r.send(ctx, &Event{Type: EventConversation, Conversation: result.Conversation}) {
		return nil, ctx.Err()
	}
	return result, nil
}
