package agent

import "github.com/haasonsaas/agentcore/backend"

// DefaultMaxTurns bounds a run when Options.MaxTurns is unset.
const DefaultMaxTurns = 10

// Options tunes one run. Pointer fields distinguish unset from zero so
// overlays compose by rightward override, the same way backend.Options does.
type Options struct {
	// MaxTurns bounds the number of tool-dispatching turns. Unset means
	// DefaultMaxTurns; zero or negative means unbounded.
	MaxTurns *int

	// Token budgets, enforced before and after every backend call. Unset
	// means unbounded.
	MaxTotalTokens      *int
	MaxPromptTokens     *int
	MaxCompletionTokens *int

	// ParallelToolCalls dispatches a turn's tool calls concurrently,
	// recording results in completion order. Off by default.
	ParallelToolCalls *bool

	// LogReasoning surfaces reasoning traces as events and in the result.
	LogReasoning *bool

	// Backend overrides the generation options sent with every call.
	Backend *backend.Options
}

// Merge overlays over onto o pointwise: fields set on over win, unset fields
// keep o's value. Backend options merge pointwise too.
func (o Options) Merge(over Options) Options {
	out := o
	if over.MaxTurns != nil {
		out.MaxTurns = over.MaxTurns
	}
	if over.MaxTotalTokens != nil {
		out.MaxTotalTokens = over.MaxTotalTokens
	}
	if over.MaxPromptTokens != nil {
		out.MaxPromptTokens = over.MaxPromptTokens
	}
	if over.MaxCompletionTokens != nil {
		out.MaxCompletionTokens = over.MaxCompletionTokens
	}
	if over.ParallelToolCalls != nil {
		out.ParallelToolCalls = over.ParallelToolCalls
	}
	if over.LogReasoning != nil {
		out.LogReasoning = over.LogReasoning
	}
	if over.Backend != nil {
		if out.Backend == nil {
			out.Backend = over.Backend
		} else {
			merged := out.Backend.Merge(*over.Backend)
			out.Backend = &merged
		}
	}
	return out
}

// maxTurns resolves the turn bound: unset defaults, non-positive values
// disable it.
func (o Options) maxTurns() (limit int, bounded bool) {
	if o.MaxTurns == nil {
		return DefaultMaxTurns, true
	}
	if *o.MaxTurns <= 0 {
		return 0, false
	}
	return *o.MaxTurns, true
}

func (o Options) parallel() bool {
	return o.ParallelToolCalls != nil && *o.ParallelToolCalls
}

func (o Options) logReasoning() bool {
	return o.LogReasoning != nil && *o.LogReasoning
}

// Int returns a pointer to v, for building Options literals.
func Int(v int) *int { return &v }

// Bool returns a pointer to v, for building Options literals.
func Bool(v bool) *bool { return &v }

// runSettings collects the per-run knobs RunOptions set.
type runSettings struct {
	opts       Options
	rc         *RunContext
	toolChoice *backend.ToolChoice
	processors []PostProcessor
}

func newRunSettings(opts []RunOption) *runSettings {
	s := &runSettings{}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RunOption customizes a single Run or RunStream call.
type RunOption func(*runSettings)

// WithOptions overlays o onto the agent's default options for this run.
func WithOptions(o Options) RunOption {
	return func(s *runSettings) { s.opts = s.opts.Merge(o) }
}

// WithRunContext supplies the run context, typically to resume a
// confirmation handshake or to share state with downstream agents.
func WithRunContext(rc *RunContext) RunOption {
	return func(s *runSettings) { s.rc = rc }
}

// WithToolChoice directs tool selection on the first turn of the run.
// Subsequent turns revert to the backend's auto behavior.
func WithToolChoice(tc backend.ToolChoice) RunOption {
	return func(s *runSettings) { s.toolChoice = &tc }
}

// WithPostProcessors appends result post-processors, applied in order after
// the loop completes.
func WithPostProcessors(ps ...PostProcessor) RunOption {
	return func(s *runSettings) { s.processors = append(s.processors, ps...) }
}
