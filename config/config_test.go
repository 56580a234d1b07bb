package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/agentcore/mcp"
)

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
backends:
  main:
    provider: anthropic
    api_key: sk-ant-test
    model: claude-sonnet-4-20250514
  aws:
    provider: bedrock
    region: us-west-2

agents:
  researcher:
    backend: main
    description: Finds and summarizes sources.
    prompt: You research things.
    keep_history: true
    max_turns: 5
    parallel_tool_calls: true
    tool_timeout: 45s
    model: claude-3-5-haiku-20241022
    max_tokens: 512
    temperature: 0.2
  operator:
    backend: aws
    prompt: You operate the filesystem.
    mcp_servers: [files]

mcp_servers:
  files:
    command: npx
    args: ["-y", "@modelcontextprotocol/server-filesystem", "/tmp"]
    connect_timeout: 10s
  search:
    transport: sse
    url: https://search.example.test/sse
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	main := cfg.Backends["main"]
	if main.Provider != "anthropic" || main.APIKey != "sk-ant-test" {
		t.Errorf("backend main = %+v, want anthropic with key", main)
	}
	if cfg.Backends["aws"].Region != "us-west-2" {
		t.Errorf("aws region = %q, want us-west-2", cfg.Backends["aws"].Region)
	}

	r := cfg.Agents["researcher"]
	if r.Backend != "main" || !r.KeepHistory {
		t.Errorf("researcher = %+v, want backend main with history", r)
	}
	if r.MaxTurns == nil || *r.MaxTurns != 5 {
		t.Errorf("MaxTurns = %v, want 5", r.MaxTurns)
	}
	if r.ParallelToolCalls == nil || !*r.ParallelToolCalls {
		t.Errorf("ParallelToolCalls = %v, want true", r.ParallelToolCalls)
	}
	if r.ToolTimeout != 45*time.Second {
		t.Errorf("ToolTimeout = %v, want 45s", r.ToolTimeout)
	}
	if r.MaxTokens == nil || *r.MaxTokens != 512 {
		t.Errorf("MaxTokens = %v, want 512", r.MaxTokens)
	}
	if r.Temperature == nil || *r.Temperature != 0.2 {
		t.Errorf("Temperature = %v, want 0.2", r.Temperature)
	}
	if got := cfg.Agents["operator"].MCPServers; len(got) != 1 || got[0] != "files" {
		t.Errorf("operator mcp_servers = %v, want [files]", got)
	}

	files := cfg.MCPServers["files"]
	if files.Name != "files" {
		t.Errorf("server Name = %q, want map key files", files.Name)
	}
	if files.Command != "npx" || len(files.Args) != 3 {
		t.Errorf("files server = %+v, want npx with 3 args", files)
	}
	if files.ConnectTimeout != 10*time.Second {
		t.Errorf("ConnectTimeout = %v, want 10s", files.ConnectTimeout)
	}
	if search := cfg.MCPServers["search"]; search.Transport != mcp.TransportSSE {
		t.Errorf("search transport = %q, want sse", search.Transport)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("AGENTCORE_TEST_KEY", "sk-from-env")

	path := writeConfig(t, `
backends:
  main:
    provider: openai
    api_key: ${AGENTCORE_TEST_KEY}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Backends["main"].APIKey; got != "sk-from-env" {
		t.Errorf("APIKey = %q, want sk-from-env", got)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
backends:
  main:
    provider: anthropic
    flavor: spicy
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestParseRejectsMultipleDocuments(t *testing.T) {
	_, err := Parse([]byte("backends: {}\n---\nbackends: {}\n"))
	if err == nil {
		t.Fatalf("expected error for multi-document input")
	}
	if !strings.Contains(err.Error(), "single YAML document") {
		t.Errorf("error = %v, want single-document complaint", err)
	}
}

func TestParseRejectsEmptyDocument(t *testing.T) {
	if _, err := Parse(nil); err == nil {
		t.Fatalf("expected error for empty input")
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing provider",
			yaml: "backends:\n  main:\n    model: gpt-4o\n",
			want: "provider is required",
		},
		{
			name: "unknown provider",
			yaml: "backends:\n  main:\n    provider: cohere\n",
			want: "unknown provider",
		},
		{
			name: "agent missing backend",
			yaml: "agents:\n  a:\n    prompt: hi\n",
			want: "backend reference is required",
		},
		{
			name: "agent unknown backend",
			yaml: "backends:\n  main:\n    provider: openai\nagents:\n  a:\n    backend: other\n",
			want: `unknown backend "other"`,
		},
		{
			name: "agent unknown mcp server",
			yaml: "backends:\n  main:\n    provider: openai\nagents:\n  a:\n    backend: main\n    mcp_servers: [ghost]\n",
			want: `unknown mcp server "ghost"`,
		},
		{
			name: "mcp server without endpoint",
			yaml: "mcp_servers:\n  files:\n    transport: stdio\n",
			want: "command or url is required",
		},
		{
			name: "mcp server with both endpoints",
			yaml: "mcp_servers:\n  files:\n    command: npx\n    url: https://x.test\n",
			want: "mutually exclusive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want substring %q", err, tt.want)
			}
		})
	}
}

func TestAgentConfigOptions(t *testing.T) {
	turns := 7
	tokens := 256
	temp := 0.5
	a := AgentConfig{
		MaxTurns:    &turns,
		Model:       "claude-3-5-haiku-20241022",
		MaxTokens:   &tokens,
		Temperature: &temp,
	}

	opts := a.options()
	if opts.MaxTurns == nil || *opts.MaxTurns != 7 {
		t.Errorf("MaxTurns = %v, want 7", opts.MaxTurns)
	}
	if opts.Backend == nil {
		t.Fatalf("Backend options = nil, want generation overrides")
	}
	if opts.Backend.Model != "claude-3-5-haiku-20241022" {
		t.Errorf("Model = %q", opts.Backend.Model)
	}
	if opts.Backend.MaxTokens == nil || *opts.Backend.MaxTokens != 256 {
		t.Errorf("MaxTokens = %v, want 256", opts.Backend.MaxTokens)
	}
	if opts.Backend.Temperature == nil || *opts.Backend.Temperature != 0.5 {
		t.Errorf("Temperature = %v, want 0.5", opts.Backend.Temperature)
	}

	if empty := (AgentConfig{}).options(); empty.Backend != nil {
		t.Errorf("empty agent produced backend options %+v", empty.Backend)
	}
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agentcore.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}
