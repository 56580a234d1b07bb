package mcp

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
)

type stubRPC struct {
	mu         sync.Mutex
	startErr   error
	initErr    error
	listErr    error
	callErr    error
	tools      []mcp.Tool
	callResult *mcp.CallToolResult

	listCalls  int
	closeCalls int
	lastCall   mcp.CallToolRequest
	notify     func(mcp.JSONRPCNotification)
}

func (s *stubRPC) Start(ctx context.Context) error { return s.startErr }

func (s *stubRPC) Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	if s.initErr != nil {
		return nil, s.initErr
	}
	res := &mcp.InitializeResult{}
	res.ServerInfo = mcp.Implementation{Name: "stub-server", Version: "1.0"}
	return res, nil
}

func (s *stubRPC) ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	s.mu.Lock()
	s.listCalls++
	s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	return &mcp.ListToolsResult{Tools: s.tools}, nil
}

func (s *stubRPC) CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.mu.Lock()
	s.lastCall = req
	s.mu.Unlock()
	if s.callErr != nil {
		return nil, s.callErr
	}
	return s.callResult, nil
}

func (s *stubRPC) OnNotification(handler func(notification mcp.JSONRPCNotification)) {
	s.notify = handler
}

func (s *stubRPC) Close() error {
	s.mu.Lock()
	s.closeCalls++
	s.mu.Unlock()
	return nil
}

func stubSession(t *testing.T, stub *stubRPC) *Session {
	t.Helper()
	s, err := NewSession(ServerConfig{Name: "test", Command: "test-server"})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	s.newClient = func(cfg ServerConfig) (rpcClient, error) { return stub, nil }
	return s
}

func TestServerConfigDefaults(t *testing.T) {
	cfg := ServerConfig{Name: "a", Command: "srv"}.withDefaults()
	if cfg.Transport != TransportStdio {
		t.Errorf("Transport = %q, want stdio for command config", cfg.Transport)
	}
	if cfg.ConnectTimeout != defaultConnectTimeout || cfg.RequestTimeout != defaultRequestTimeout {
		t.Errorf("timeouts = %v/%v", cfg.ConnectTimeout, cfg.RequestTimeout)
	}

	cfg = ServerConfig{Name: "b", URL: "http://localhost:9000/mcp"}.withDefaults()
	if cfg.Transport != TransportStreamableHTTP {
		t.Errorf("Transport = %q, want streamable-http for url config", cfg.Transport)
	}
}

func TestServerConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr bool
	}{
		{"stdio ok", ServerConfig{Name: "a", Transport: TransportStdio, Command: "srv"}, false},
		{"sse ok", ServerConfig{Name: "a", Transport: TransportSSE, URL: "http://x"}, false},
		{"missing name", ServerConfig{Transport: TransportStdio, Command: "srv"}, true},
		{"stdio without command", ServerConfig{Name: "a", Transport: TransportStdio}, true},
		{"sse without url", ServerConfig{Name: "a", Transport: TransportSSE}, true},
		{"bad transport", ServerConfig{Name: "a", Transport: "carrier-pigeon", Command: "srv"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnvListSorted(t *testing.T) {
	got := envList(map[string]string{"B": "2", "A": "1", "C": "3"})
	want := []string{"A=1", "B=2", "C=3"}
	if len(got) != len(want) {
		t.Fatalf("envList() = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("envList()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSessionConnectIdempotent(t *testing.T) {
	stub := &stubRPC{}
	created := 0
	s, err := NewSession(ServerConfig{Name: "test", Command: "srv"})
	if err != nil {
		t.Fatal(err)
	}
	s.newClient = func(cfg ServerConfig) (rpcClient, error) {
		created++
		return stub, nil
	}

	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	if created != 1 {
		t.Errorf("client created %d times, want 1", created)
	}
	if st := s.Status(); st.State != StateConnected {
		t.Errorf("State = %q, want connected", st.State)
	}
}

func TestSessionConnectFailureCleansUp(t *testing.T) {
	stub := &stubRPC{initErr: errors.New("handshake rejected")}
	s := stubSession(t, stub)

	err := s.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect() succeeded, want error")
	}
	if stub.closeCalls != 1 {
		t.Errorf("closeCalls = %d, want 1 (half-open connection must be torn down)", stub.closeCalls)
	}
	st := s.Status()
	if st.State != StateFailed {
		t.Errorf("State = %q, want failed", st.State)
	}
	if st.Err == nil {
		t.Error("Status().Err = nil, want the connect failure")
	}
}

func TestSessionListToolsCaching(t *testing.T) {
	stub := &stubRPC{
		tools: []mcp.Tool{
			{Name: "search", Description: "searches"},
			{Name: "fetch", Description: "fetches"},
		},
	}
	s := stubSession(t, stub)
	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	tools, err := s.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(tools) != 2 || tools[0].Name != "search" {
		t.Fatalf("tools = %+v", tools)
	}
	if _, err := s.ListTools(ctx); err != nil {
		t.Fatal(err)
	}
	if stub.listCalls != 1 {
		t.Errorf("listCalls = %d, want 1 (second call must hit the cache)", stub.listCalls)
	}

	// A list_changed notification marks the cache stale.
	n := mcp.JSONRPCNotification{}
	n.Method = "notifications/tools/list_changed"
	stub.notify(n)

	if _, err := s.ListTools(ctx); err != nil {
		t.Fatal(err)
	}
	if stub.listCalls != 2 {
		t.Errorf("listCalls = %d, want 2 after invalidation", stub.listCalls)
	}
}

func TestSessionListToolsNotConnected(t *testing.T) {
	s := stubSession(t, &stubRPC{})
	if _, err := s.ListTools(context.Background()); err == nil {
		t.Error("ListTools() on disconnected session succeeded, want error")
	}
}

func TestSessionCallTool(t *testing.T) {
	stub := &stubRPC{
		callResult: &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.TextContent{Type: "text", Text: "line one"},
				mcp.TextContent{Type: "text", Text: "line two"},
			},
		},
	}
	s := stubSession(t, stub)
	ctx := context.Background()

	if _, err := s.CallTool(ctx, "search", nil); err == nil {
		t.Fatal("CallTool() before Connect succeeded, want error")
	}

	if err := s.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	res, err := s.CallTool(ctx, "search", map[string]any{"q": "go"})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if res.Text != "line one\nline two" {
		t.Errorf("Text = %q", res.Text)
	}
	if res.IsError {
		t.Error("IsError = true, want false")
	}
	if stub.lastCall.Params.Name != "search" {
		t.Errorf("called tool = %q, want search", stub.lastCall.Params.Name)
	}

	stub.callResult = &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "boom"}},
		IsError: true,
	}
	res, err = s.CallTool(ctx, "search", nil)
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if !res.IsError || res.Text != "boom" {
		t.Errorf("result = %+v, want in-band error", res)
	}
}

func TestSessionCloseIdempotent(t *testing.T) {
	stub := &stubRPC{}
	s := stubSession(t, stub)
	ctx := context.Background()

	if err := s.Close(); err != nil {
		t.Fatalf("Close() before connect error = %v", err)
	}
	if err := s.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("repeated Close() error = %v", err)
	}
	if stub.closeCalls != 1 {
		t.Errorf("closeCalls = %d, want 1", stub.closeCalls)
	}
	if st := s.Status(); st.State != StateDisconnected {
		t.Errorf("State = %q, want disconnected", st.State)
	}
}
