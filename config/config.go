// Package config loads declarative backend, agent, and MCP server
// definitions from YAML and assembles them into runtime values. Environment
// references like ${ANTHROPIC_API_KEY} are expanded before decoding, unknown
// fields are rejected, and files can be watched for live reloads.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/agentcore/mcp"
)

// Config is the root of a configuration file.
type Config struct {
	Backends   map[string]BackendConfig    `yaml:"backends"`
	Agents     map[string]AgentConfig      `yaml:"agents"`
	MCPServers map[string]mcp.ServerConfig `yaml:"mcp_servers"`
}

// BackendConfig declares one chat backend. Provider selects the client;
// the remaining fields apply where the provider supports them.
type BackendConfig struct {
	Provider string `yaml:"provider"` // anthropic | openai | gemini | bedrock

	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	OrgID          string `yaml:"org_id"`
	Model          string `yaml:"model"`
	EmbeddingModel string `yaml:"embedding_model"`
	MaxRetries     int    `yaml:"max_retries"`

	// Bedrock only. Empty credentials fall back to the default AWS chain.
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
}

// AgentConfig declares one agent: which backend drives it, its prompt and
// transcript policy, run options, and the MCP servers it owns. Tools, hooks,
// and prompt builders are code and are attached at build time.
type AgentConfig struct {
	Backend     string `yaml:"backend"` // key into Backends
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Prompt      string `yaml:"prompt"`
	KeepHistory bool   `yaml:"keep_history"`

	MCPServers []string `yaml:"mcp_servers"` // keys into MCPServers

	MaxTurns            *int  `yaml:"max_turns"`
	MaxTotalTokens      *int  `yaml:"max_total_tokens"`
	MaxPromptTokens     *int  `yaml:"max_prompt_tokens"`
	MaxCompletionTokens *int  `yaml:"max_completion_tokens"`
	ParallelToolCalls   *bool `yaml:"parallel_tool_calls"`
	LogReasoning        *bool `yaml:"log_reasoning"`

	ToolParallelism int           `yaml:"tool_parallelism"`
	ToolTimeout     time.Duration `yaml:"tool_timeout"`
	EventBuffer     int           `yaml:"event_buffer"`

	// Per-request generation overrides.
	Model         string   `yaml:"model"`
	MaxTokens     *int     `yaml:"max_tokens"`
	Temperature   *float64 `yaml:"temperature"`
	TopP          *float64 `yaml:"top_p"`
	StopSequences []string `yaml:"stop_sequences"`
}

// Load reads, expands, and decodes the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse decodes one YAML document. Environment variables are expanded on the
// raw bytes first, unknown fields are errors, and the result is validated.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("config: empty document")
		}
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("config: expected a single YAML document")
	}

	// Map keys double as names.
	for name, srv := range cfg.MCPServers {
		srv.Name = name
		cfg.MCPServers[name] = srv
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var providers = map[string]bool{
	"anthropic": true,
	"openai":    true,
	"gemini":    true,
	"bedrock":   true,
}

// Validate checks provider names and cross-references. API keys are not
// required here; the provider constructors enforce their own credentials at
// build time.
func (c *Config) Validate() error {
	for name, b := range c.Backends {
		if b.Provider == "" {
			return fmt.Errorf("config: backend %q: provider is required", name)
		}
		if !providers[b.Provider] {
			return fmt.Errorf("config: backend %q: unknown provider %q", name, b.Provider)
		}
	}

	for name, srv := range c.MCPServers {
		if srv.Command == "" && srv.URL == "" {
			return fmt.Errorf("config: mcp server %q: command or url is required", name)
		}
		if srv.Command != "" && srv.URL != "" {
			return fmt.Errorf("config: mcp server %q: command and url are mutually exclusive", name)
		}
	}

	for name, a := range c.Agents {
		if a.Backend == "" {
			return fmt.Errorf("config: agent %q: backend reference is required", name)
		}
		if _, ok := c.Backends[a.Backend]; !ok {
			return fmt.Errorf("config: agent %q: unknown backend %q", name, a.Backend)
		}
		for _, ref := range a.MCPServers {
			if _, ok := c.MCPServers[ref]; !ok {
				return fmt.Errorf("config: agent %q: unknown mcp server %q", name, ref)
			}
		}
	}
	return nil
}
