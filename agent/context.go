package agent

import (
	"errors"
	"sync"

	"github.com/haasonsaas/agentcore/backend"
)

// ErrDepsFrozen is returned by SetDeps once the dependency slot has been
// read.
var ErrDepsFrozen = errors.New("run context dependencies are frozen")

// sharedRunState is the part of a run context a downstream agent shares with
// its parent: dependencies, confirmation decisions, the requested-id set,
// and the agent registry. Usage stays per-context so a nested run's total
// can be folded into the parent exactly once.
type sharedRunState struct {
	mu         sync.Mutex
	deps       any
	depsFrozen bool
	decisions  map[string]bool
	requested  map[string]struct{}
	agents     map[string]*Agent
}

// RunContext carries per-run state across turns and, when reused, across
// runs: a dependency container frozen on first read, cumulative usage,
// confirmation decisions, and the registry of participating agents.
//
// Reuse the same context to resume a confirmation handshake: record
// decisions with Confirm, then run again. Safe for concurrent use by
// parallel tool calls.
type RunContext struct {
	// StreamDownstreamEvents forwards nested-agent events to the parent
	// stream wrapped in downstream envelopes. Off by default; nested streams
	// are then drained silently.
	StreamDownstreamEvents bool

	shared *sharedRunState

	mu    sync.Mutex
	usage backend.Usage
}

// NewRunContext creates an empty run context.
func NewRunContext() *RunContext {
	return &RunContext{
		shared: &sharedRunState{
			decisions: make(map[string]bool),
			requested: make(map[string]struct{}),
			agents:    make(map[string]*Agent),
		},
	}
}

// child derives the context a downstream agent runs under: shared deps,
// decisions, and agent registry, but a fresh usage counter.
func (rc *RunContext) child() *RunContext {
	return &RunContext{
		StreamDownstreamEvents: rc.StreamDownstreamEvents,
		shared:                 rc.shared,
	}
}

// SetDeps stores the dependency container tools receive through their
// context variable. It fails once the container has been read.
func (rc *RunContext) SetDeps(deps any) error {
	s := rc.shared
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.depsFrozen {
		return ErrDepsFrozen
	}
	s.deps = deps
	return nil
}

// Deps returns the dependency container and freezes it against further
// mutation.
func (rc *RunContext) Deps() any {
	s := rc.shared
	s.mu.Lock()
	defer s.mu.Unlock()
	s.depsFrozen = true
	return s.deps
}

// Confirm records the caller's decision for a confirmation id. The next run
// that encounters the matching tool call consumes it; ids the context has
// never seen are accepted for forward compatibility with hook-driven
// gating.
func (rc *RunContext) Confirm(id string, approved bool) {
	s := rc.shared
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions[id] = approved
}

// takeDecision consumes the decision for id, if one is present.
func (rc *RunContext) takeDecision(id string) (approved, ok bool) {
	s := rc.shared
	s.mu.Lock()
	defer s.mu.Unlock()
	approved, ok = s.decisions[id]
	if ok {
		delete(s.decisions, id)
	}
	return approved, ok
}

// markRequested records that a confirmation request for id has been emitted.
// The set persists for the lifetime of the context so a re-run without a
// fresh decision stops instead of asking again.
func (rc *RunContext) markRequested(id string) {
	s := rc.shared
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requested[id] = struct{}{}
}

// wasRequested reports whether a confirmation for id has already been
// emitted on this context.
func (rc *RunContext) wasRequested(id string) bool {
	s := rc.shared
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.requested[id]
	return ok
}

// registerAgent adds a to the participating-agent registry.
func (rc *RunContext) registerAgent(a *Agent) {
	s := rc.shared
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.ID()] = a
}

// AgentByID returns a participating agent by identifier. Downstream agents
// register themselves when their nested run starts.
func (rc *RunContext) AgentByID(id string) (*Agent, bool) {
	s := rc.shared
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	return a, ok
}

// addUsage folds one response's usage into the running total.
func (rc *RunContext) addUsage(u backend.Usage) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.usage.Add(u)
}

// Usage returns a snapshot of the cumulative usage.
func (rc *RunContext) Usage() backend.Usage {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.usage
}
