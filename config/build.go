package config

import (
	"fmt"
	"log/slog"

	"github.com/haasonsaas/agentcore/agent"
	"github.com/haasonsaas/agentcore/backend"
	"github.com/haasonsaas/agentcore/backend/anthropic"
	"github.com/haasonsaas/agentcore/backend/bedrock"
	"github.com/haasonsaas/agentcore/backend/gemini"
	"github.com/haasonsaas/agentcore/backend/openai"
	"github.com/haasonsaas/agentcore/mcp"
)

// BuildOptions carries the pieces of an agent that are code rather than
// configuration: tool implementations, hooks, prompt builders, and the
// logger. A non-nil Backend bypasses the agent's declared backend reference,
// which also lets several agents share one client.
type BuildOptions struct {
	Backend     backend.Client
	Tools       []agent.Tool
	Hooks       []agent.Hook
	BuildPrompt func(input any) (string, error)
	Logger      *slog.Logger
}

// BuildBackend constructs the named backend client.
func (c *Config) BuildBackend(name string) (backend.Client, error) {
	b, ok := c.Backends[name]
	if !ok {
		return nil, fmt.Errorf("config: unknown backend %q", name)
	}

	switch b.Provider {
	case "anthropic":
		return anthropic.New(anthropic.Config{
			APIKey:     b.APIKey,
			BaseURL:    b.BaseURL,
			Model:      b.Model,
			MaxRetries: b.MaxRetries,
		})
	case "openai":
		return openai.New(openai.Config{
			APIKey:         b.APIKey,
			BaseURL:        b.BaseURL,
			OrgID:          b.OrgID,
			Model:          b.Model,
			EmbeddingModel: b.EmbeddingModel,
			MaxRetries:     b.MaxRetries,
		})
	case "gemini":
		return gemini.New(gemini.Config{
			APIKey:         b.APIKey,
			Model:          b.Model,
			EmbeddingModel: b.EmbeddingModel,
			MaxRetries:     b.MaxRetries,
		})
	case "bedrock":
		return bedrock.New(bedrock.Config{
			Region:          b.Region,
			AccessKeyID:     b.AccessKeyID,
			SecretAccessKey: b.SecretAccessKey,
			SessionToken:    b.SessionToken,
			Model:           b.Model,
			MaxRetries:      b.MaxRetries,
		})
	default:
		return nil, fmt.Errorf("config: backend %q: unknown provider %q", name, b.Provider)
	}
}

// BuildAgent constructs the named agent, building its backend unless opts
// supplies one.
func (c *Config) BuildAgent(name string, opts BuildOptions) (*agent.Agent, error) {
	a, ok := c.Agents[name]
	if !ok {
		return nil, fmt.Errorf("config: unknown agent %q", name)
	}

	client := opts.Backend
	if client == nil {
		var err error
		if client, err = c.BuildBackend(a.Backend); err != nil {
			return nil, fmt.Errorf("config: agent %q: %w", name, err)
		}
	}

	servers := make([]mcp.ServerConfig, 0, len(a.MCPServers))
	for _, ref := range a.MCPServers {
		srv, ok := c.MCPServers[ref]
		if !ok {
			return nil, fmt.Errorf("config: agent %q: unknown mcp server %q", name, ref)
		}
		servers = append(servers, srv)
	}

	agentName := a.Name
	if agentName == "" {
		agentName = name
	}

	return agent.New(agent.Config{
		Backend:         client,
		Name:            agentName,
		Description:     a.Description,
		Prompt:          a.Prompt,
		BuildPrompt:     opts.BuildPrompt,
		KeepHistory:     a.KeepHistory,
		Tools:           opts.Tools,
		MCPServers:      servers,
		Hooks:           opts.Hooks,
		DefaultOptions:  a.options(),
		ToolParallelism: a.ToolParallelism,
		ToolTimeout:     a.ToolTimeout,
		EventBuffer:     a.EventBuffer,
		Logger:          opts.Logger,
	})
}

// options translates the declarative run settings into agent defaults.
func (a AgentConfig) options() agent.Options {
	opts := agent.Options{
		MaxTurns:            a.MaxTurns,
		MaxTotalTokens:      a.MaxTotalTokens,
		MaxPromptTokens:     a.MaxPromptTokens,
		MaxCompletionTokens: a.MaxCompletionTokens,
		ParallelToolCalls:   a.ParallelToolCalls,
		LogReasoning:        a.LogReasoning,
	}

	gen := backend.Options{
		Model:         a.Model,
		MaxTokens:     a.MaxTokens,
		Temperature:   a.Temperature,
		TopP:          a.TopP,
		StopSequences: a.StopSequences,
	}
	if gen.Model != "" || gen.MaxTokens != nil || gen.Temperature != nil ||
		gen.TopP != nil || len(gen.StopSequences) > 0 {
		opts.Backend = &gen
	}
	return opts
}
