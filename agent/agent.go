// Package agent implements the run loop that drives a chat backend against a
// tool catalog: turn and token budgets, streaming event emission, hook
// chains, confirmation gating, downstream agents, and remote MCP tools.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/agentcore/backend"
	"github.com/haasonsaas/agentcore/chat"
	"github.com/haasonsaas/agentcore/mcp"
)

const (
	// DefaultToolParallelism caps concurrent tool calls per turn.
	DefaultToolParallelism = 4

	// DefaultEventBuffer is the streaming channel capacity.
	DefaultEventBuffer = 16
)

// MCPSessions is the remote tool-server surface the run loop uses.
// *mcp.Manager implements it; tests substitute fakes.
type MCPSessions interface {
	ConnectAll(ctx context.Context) error
	CloseAll() error
	Tools(ctx context.Context) ([]mcp.ServerTool, error)
	CallTool(ctx context.Context, server, tool string, args map[string]any) (*mcp.ToolResult, error)
}

// Config assembles an Agent.
type Config struct {
	// Backend is the chat client driving the loop. Required.
	Backend backend.Client

	// Name and Description identify the agent, notably when it is wrapped as
	// a tool for a parent agent.
	Name        string
	Description string

	// Prompt is the system prompt. When BuildPrompt is unset and a run is
	// given nil input, Prompt is sent as the user message instead.
	Prompt string

	// BuildPrompt renders structured run input into the user message.
	// Without it, only string (or nil) input is accepted.
	BuildPrompt func(input any) (string, error)

	// History seeds the transcript. KeepHistory additionally persists each
	// run's final transcript for the next run.
	History     []chat.Message
	KeepHistory bool

	// Tools are the local tools. Register another agent by wrapping it with
	// AsTool.
	Tools []Tool

	// MCPServers configures servers the agent owns: connected at run start,
	// torn down on cancellation and by Close. MCPManager instead shares
	// caller-owned sessions, which are left running. Setting both is an
	// error.
	MCPServers []mcp.ServerConfig
	MCPManager MCPSessions

	// Hooks run around every tool call, in registration order.
	Hooks []Hook

	// DefaultOptions apply to every run, overridden per run by WithOptions.
	DefaultOptions Options

	// ToolParallelism caps concurrent tool calls when parallel dispatch is
	// on. Default 4.
	ToolParallelism int

	// ToolTimeout bounds each local tool call. Zero means no bound.
	ToolTimeout time.Duration

	// EventBuffer is the streaming channel capacity. Default 16.
	EventBuffer int

	Logger *slog.Logger
}

// Agent drives conversations against a backend with a tool catalog. An
// Agent is safe for concurrent runs; each run owns its transcript and event
// stream.
type Agent struct {
	id          string
	name        string
	description string
	backend     backend.Client
	prompt      string
	buildPrompt func(any) (string, error)
	keepHistory bool
	hooks       []Hook
	defaults    Options
	mcp         MCPSessions
	ownsMCP     bool

	toolParallelism int
	toolTimeout     time.Duration
	eventBuffer     int
	log             *slog.Logger

	local         []*boundTool
	remoteSchemas schemaCache

	mu      sync.Mutex
	history []chat.Message
	closed  bool
}

// New validates cfg and builds the agent. Local tool names must be unique
// and their parameter schemas must compile.
func New(cfg Config) (*Agent, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("agent: backend client is required")
	}
	if cfg.MCPManager != nil && len(cfg.MCPServers) > 0 {
		return nil, fmt.Errorf("agent: configure MCPServers or MCPManager, not both")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &Agent{
		id:              uuid.NewString(),
		name:            cfg.Name,
		description:     cfg.Description,
		backend:         cfg.Backend,
		prompt:          cfg.Prompt,
		buildPrompt:     cfg.BuildPrompt,
		keepHistory:     cfg.KeepHistory,
		hooks:           cfg.Hooks,
		defaults:        cfg.DefaultOptions,
		toolParallelism: cfg.ToolParallelism,
		toolTimeout:     cfg.ToolTimeout,
		eventBuffer:     cfg.EventBuffer,
		history:         append([]chat.Message(nil), cfg.History...),
	}
	if a.toolParallelism <= 0 {
		a.toolParallelism = DefaultToolParallelism
	}
	if a.eventBuffer <= 0 {
		a.eventBuffer = DefaultEventBuffer
	}
	a.log = logger.With("component", "agent", "agent_id", a.id)

	seen := make(map[string]struct{}, len(cfg.Tools))
	for _, t := range cfg.Tools {
		if t.Name == "" {
			return nil, fmt.Errorf("agent: tool with empty name")
		}
		if _, dup := seen[t.Name]; dup {
			return nil, &DuplicateToolError{Name: t.Name}
		}
		seen[t.Name] = struct{}{}
		if t.Func == nil && t.agent == nil {
			return nil, fmt.Errorf("agent: tool %q has no callable", t.Name)
		}
		validator, err := compileParams(t.Name, t.Parameters)
		if err != nil {
			return nil, fmt.Errorf("agent: tool %q schema: %w", t.Name, err)
		}
		a.local = append(a.local, &boundTool{Tool: t, validator: validator})
	}

	switch {
	case cfg.MCPManager != nil:
		a.mcp = cfg.MCPManager
	case len(cfg.MCPServers) > 0:
		m, err := mcp.NewManager(cfg.MCPServers...)
		if err != nil {
			return nil, err
		}
		a.mcp = m
		a.ownsMCP = true
	}

	return a, nil
}

// ID returns the agent's unique identifier, used in downstream envelopes and
// the run-context agent registry.
func (a *Agent) ID() string { return a.id }

// Name returns the configured name.
func (a *Agent) Name() string { return a.name }

// Run drives the loop to completion and returns the aggregated result.
func (a *Agent) Run(ctx context.Context, input any, opts ...RunOption) (*RunResult, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	r, err := a.newRunner(input, newRunSettings(opts), false)
	if err != nil {
		return nil, err
	}
	res, err := r.run(ctx)
	if err != nil {
		a.cleanupAfterCancel(ctx)
		return nil, err
	}
	return res, nil
}

// RunStream drives the loop on its own goroutine, delivering events on the
// returned channel. The channel closes after the conversation trailer or,
// on failure, after a terminal error event. Cancel ctx to abandon the
// stream; post-processors must implement StreamPostProcessor.
func (a *Agent) RunStream(ctx context.Context, input any, opts ...RunOption) (<-chan *Event, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	s := newRunSettings(opts)
	for _, p := range s.processors {
		if _, ok := p.(StreamPostProcessor); !ok {
			return nil, &InvalidPostProcessorError{
				Reason: fmt.Sprintf("%T is not stream-safe; implement StreamPostProcessor or use Run", p),
			}
		}
	}
	r, err := a.newRunner(input, s, true)
	if err != nil {
		return nil, err
	}
	ch := make(chan *Event, a.eventBuffer)
	r.events = ch
	go func() {
		defer close(ch)
		if _, err := r.run(ctx); err != nil {
			a.cleanupAfterCancel(ctx)
			r.send(ctx, &Event{Type: EventError, Err: err})
		}
	}()
	return ch, nil
}

// Close tears down agent-owned MCP sessions. Caller-owned managers are left
// alone. Close is idempotent; runs started after Close fail.
func (a *Agent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()
	if a.ownsMCP && a.mcp != nil {
		return a.mcp.CloseAll()
	}
	return nil
}

// AsTool wraps the agent as a downstream tool for a parent agent. The tool
// takes a single "input" string forwarded as the nested run's input; name
// and description default to the agent's own.
func (a *Agent) AsTool(name, description string) Tool {
	if name == "" {
		name = a.name
	}
	if description == "" {
		description = a.description
	}
	return Tool{
		Name:        name,
		Description: description,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"input": map[string]any{
					"type":        "string",
					"description": "Input to forward to the agent.",
				},
			},
			"required": []string{"input"},
		},
		agent: a,
	}
}

func (a *Agent) checkOpen() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("agent: closed")
	}
	return nil
}

// cleanupAfterCancel tears down agent-owned MCP sessions when a run died of
// cancellation, so their transports do not outlive the consumer.
func (a *Agent) cleanupAfterCancel(ctx context.Context) {
	if ctx.Err() == nil || !a.ownsMCP || a.mcp == nil {
		return
	}
	if err := a.mcp.CloseAll(); err != nil {
		a.log.Warn("mcp teardown after cancellation", "error", err)
	}
}

// buildRegistry merges the local tools with the current remote listings. A
// name collision, local or remote, is a hard error.
func (a *Agent) buildRegistry(ctx context.Context) (*registry, error) {
	reg := newRegistry()
	for _, bt := range a.local {
		if err := reg.add(bt); err != nil {
			return nil, err
		}
	}
	if a.mcp == nil {
		return reg, nil
	}
	remote, err := a.mcp.Tools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list remote tools: %w", err)
	}
	for _, st := range remote {
		if err := reg.add(a.bindRemote(st)); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// bindRemote turns one remote listing into a registry entry. Schemas that
// fail to compile degrade to unvalidated.
func (a *Agent) bindRemote(st mcp.ServerTool) *boundTool {
	params := st.InputSchema
	if params == nil {
		params = map[string]any{"type": "object"}
	}
	return &boundTool{
		Tool: Tool{
			Name:        st.Name,
			Description: st.Description,
			Parameters:  params,
			server:      st.Server,
		},
		validator: a.remoteSchemas.compile(st.Server, st.Tool, a.log),
	}
}

// renderInput applies the prompt rules to the run input. A prompt builder
// renders structured input into the user message; otherwise string input and
// the configured prompt combine as system and user messages. A system
// message already present in history is not repeated.
func (a *Agent) renderInput(buf *chat.Buffer, input any) error {
	hasSystem := false
	for _, m := range buf.Messages() {
		if m.Role == chat.RoleSystem {
			hasSystem = true
			break
		}
	}

	if a.buildPrompt != nil {
		if input == nil {
			return &InvalidPromptInputError{Reason: "prompt builder requires an input value"}
		}
		user, err := a.buildPrompt(input)
		if err != nil {
			return &InvalidPromptInputError{Reason: err.Error()}
		}
		if a.prompt != "" && !hasSystem {
			buf.AppendSystem(a.prompt)
		}
		buf.AppendUser(user)
		return nil
	}

	switch v := input.(type) {
	case nil:
		if a.prompt == "" {
			return &InvalidPromptInputError{Reason: "no input and no prompt configured"}
		}
		buf.AppendUser(a.prompt)
	case string:
		if a.prompt != "" && !hasSystem {
			buf.AppendSystem(a.prompt)
		}
		buf.AppendUser(v)
	default:
		return &InvalidPromptInputError{Reason: fmt.Sprintf("input type %T requires a prompt builder", input)}
	}
	return nil
}

func (a *Agent) snapshotHistory() []chat.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]chat.Message, len(a.history))
	copy(out, a.history)
	return out
}

func (a *Agent) storeHistory(msgs []chat.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = make([]chat.Message, len(msgs))
	copy(a.history, msgs)
}
