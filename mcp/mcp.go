// Package mcp manages connections to Model Context Protocol servers over
// stdio, SSE, and streamable HTTP transports. A Session owns one server
// connection with a cached tool list; a Manager owns the set of sessions an
// agent is configured with.
package mcp

import (
	"fmt"
	"sort"
	"time"
)

const (
	clientName    = "agentcore"
	clientVersion = "0.1.0"

	// protocolVersion is the MCP protocol revision sent during initialize.
	protocolVersion = "2024-11-05"

	defaultConnectTimeout = 5 * time.Second
	defaultRequestTimeout = 5 * time.Minute
)

// Transport selects how a server is reached.
type Transport string

const (
	TransportStdio          Transport = "stdio"
	TransportSSE            Transport = "sse"
	TransportStreamableHTTP Transport = "streamable-http"
)

// ServerConfig describes one MCP server. Command starts a stdio subprocess;
// URL reaches an HTTP server. When Transport is empty it is inferred from
// whichever of the two is set.
type ServerConfig struct {
	Name      string            `json:"name" yaml:"name"`
	Transport Transport         `json:"transport,omitempty" yaml:"transport"`
	Command   string            `json:"command,omitempty" yaml:"command"`
	Args      []string          `json:"args,omitempty" yaml:"args"`
	Env       map[string]string `json:"env,omitempty" yaml:"env"`
	URL       string            `json:"url,omitempty" yaml:"url"`

	// ConnectTimeout bounds Start+Initialize (default 5s). RequestTimeout
	// bounds individual tool calls and listings (default 5m).
	ConnectTimeout time.Duration `json:"connect_timeout,omitempty" yaml:"connect_timeout"`
	RequestTimeout time.Duration `json:"request_timeout,omitempty" yaml:"request_timeout"`
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.Transport == "" {
		if c.Command != "" {
			c.Transport = TransportStdio
		} else {
			c.Transport = TransportStreamableHTTP
		}
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	return c
}

func (c ServerConfig) validate() error {
	if c.Name == "" {
		return fmt.Errorf("mcp: server name is required")
	}
	switch c.Transport {
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("mcp: server %q: stdio transport requires a command", c.Name)
		}
	case TransportSSE, TransportStreamableHTTP:
		if c.URL == "" {
			return fmt.Errorf("mcp: server %q: %s transport requires a url", c.Name, c.Transport)
		}
	default:
		return fmt.Errorf("mcp: server %q: unsupported transport %q", c.Name, c.Transport)
	}
	return nil
}

// envList flattens the env map to KEY=VALUE pairs in sorted order.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return out
}

// State is a session's connection lifecycle phase.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateFailed       State = "failed"
)

// Status is a point-in-time snapshot of a session.
type Status struct {
	State     State
	Err       error // last connect failure, when State is failed
	ToolCount int   // cached tool count, 0 until the first listing
}

// Tool describes one tool a server exposes.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ToolResult is the outcome of one tool call. Text joins the textual content
// blocks of the response; IsError marks a tool-level failure the server
// reported in-band.
type ToolResult struct {
	Text    string
	IsError bool
}
