package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// rpcClient is the slice of the mcp-go client a session drives. Tests
// substitute a stub.
type rpcClient interface {
	Start(ctx context.Context) error
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	OnNotification(handler func(notification mcp.JSONRPCNotification))
	Close() error
}

func newRPCClient(cfg ServerConfig) (rpcClient, error) {
	switch cfg.Transport {
	case TransportStdio:
		return client.NewStdioMCPClient(cfg.Command, envList(cfg.Env), cfg.Args...)
	case TransportSSE:
		return client.NewSSEMCPClient(cfg.URL)
	case TransportStreamableHTTP:
		return client.NewStreamableHttpClient(cfg.URL)
	default:
		return nil, fmt.Errorf("mcp: unsupported transport %q", cfg.Transport)
	}
}

// Session owns one MCP server connection. Connect is idempotent, the tool
// list is cached until the server signals a change, and all methods are safe
// for concurrent use.
type Session struct {
	cfg    ServerConfig
	logger *slog.Logger

	// newClient is replaced in tests.
	newClient func(cfg ServerConfig) (rpcClient, error)

	mu         sync.Mutex
	client     rpcClient
	state      State
	lastErr    error
	tools      []Tool
	dirty      bool
	serverInfo mcp.Implementation
}

// NewSession creates a disconnected session for the given server.
func NewSession(cfg ServerConfig) (*Session, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Session{
		cfg:       cfg,
		logger:    slog.Default().With("component", "mcp", "server", cfg.Name),
		newClient: newRPCClient,
		state:     StateDisconnected,
	}, nil
}

// Name returns the configured server name.
func (s *Session) Name() string { return s.cfg.Name }

// Status reports the session's current state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{State: s.state, Err: s.lastErr, ToolCount: len(s.tools)}
}

// Connect starts the transport and performs the initialize handshake. It
// returns nil immediately when already connected; concurrent callers
// serialize and the losers observe the winner's outcome. On failure the
// half-open connection is torn down before the error is returned.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateConnected {
		return nil
	}
	s.state = StateConnecting

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	cli, err := s.newClient(s.cfg)
	if err != nil {
		return s.fail(fmt.Errorf("mcp: server %q: create client: %w", s.cfg.Name, err))
	}
	if err := cli.Start(ctx); err != nil {
		_ = cli.Close()
		return s.fail(fmt.Errorf("mcp: server %q: start transport: %w", s.cfg.Name, err))
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = protocolVersion
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    clientName,
		Version: clientVersion,
	}
	initRes, err := cli.Initialize(ctx, initReq)
	if err != nil {
		_ = cli.Close()
		return s.fail(fmt.Errorf("mcp: server %q: initialize: %w", s.cfg.Name, err))
	}

	cli.OnNotification(func(n mcp.JSONRPCNotification) {
		if n.Method == "notifications/tools/list_changed" {
			s.Invalidate()
		}
	})

	s.client = cli
	s.state = StateConnected
	s.lastErr = nil
	s.dirty = true
	s.serverInfo = initRes.ServerInfo
	s.logger.InfoContext(ctx, "connected to MCP server",
		"transport", string(s.cfg.Transport),
		"server_name", initRes.ServerInfo.Name,
		"server_version", initRes.ServerInfo.Version,
	)
	return nil
}

// fail records the error and tears the state down. Caller holds s.mu.
func (s *Session) fail(err error) error {
	s.state = StateFailed
	s.lastErr = err
	s.client = nil
	s.tools = nil
	return err
}

// Invalidate marks the cached tool list stale. The next ListTools refreshes
// from the server.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = true
}

// ListTools returns the server's tools, serving from cache until the server
// signals a change. Errors when the session is not connected.
func (s *Session) ListTools(ctx context.Context) ([]Tool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnected {
		return nil, fmt.Errorf("mcp: server %q is not connected", s.cfg.Name)
	}
	if !s.dirty {
		return append([]Tool(nil), s.tools...), nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	resp, err := s.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("mcp: server %q: list tools: %w", s.cfg.Name, err)
	}

	tools := make([]Tool, 0, len(resp.Tools))
	for _, t := range resp.Tools {
		tools = append(tools, Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schemaMap(t.InputSchema),
		})
	}
	s.tools = tools
	s.dirty = false
	return append([]Tool(nil), tools...), nil
}

// CallTool invokes one tool on the server. The session lock is not held for
// the duration of the call, so slow tools do not block Status or Close.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	s.mu.Lock()
	if s.state != StateConnected || s.client == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("mcp: server %q is not connected", s.cfg.Name)
	}
	cli := s.client
	timeout := s.cfg.RequestTimeout
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := cli.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("mcp: server %q: call %s: %w", s.cfg.Name, name, err)
	}

	var texts []string
	for _, content := range resp.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	return &ToolResult{
		Text:    strings.Join(texts, "\n"),
		IsError: resp.IsError,
	}, nil
}

// Close tears the connection down. Safe to call repeatedly and while
// disconnected.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.client != nil {
		err = s.client.Close()
		s.client = nil
	}
	s.state = StateDisconnected
	s.lastErr = nil
	s.tools = nil
	s.dirty = false
	return err
}

// schemaMap converts the wire schema struct to a plain map.
func schemaMap(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
