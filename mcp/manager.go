package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Manager owns the set of MCP sessions an agent is configured with. Sessions
// keep their configuration order so merged tool listings are deterministic.
type Manager struct {
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	order    []string
}

// NewManager creates a manager with one disconnected session per config.
// Duplicate server names are an error.
func NewManager(configs ...ServerConfig) (*Manager, error) {
	m := &Manager{
		logger:   slog.Default().With("component", "mcp"),
		sessions: make(map[string]*Session, len(configs)),
	}
	for _, cfg := range configs {
		if err := m.Add(cfg); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Add registers another server. Errors on duplicate names; the new session
// starts disconnected.
func (m *Manager) Add(cfg ServerConfig) error {
	session, err := NewSession(cfg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[session.Name()]; exists {
		return fmt.Errorf("mcp: duplicate server name %q", session.Name())
	}
	m.sessions[session.Name()] = session
	m.order = append(m.order, session.Name())
	return nil
}

// Session returns the named session.
func (m *Manager) Session(name string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[name]
	return s, ok
}

// Names returns the server names in configuration order.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

func (m *Manager) snapshot() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.sessions[name])
	}
	return out
}

// ConnectAll connects every session in parallel. One server failing does not
// stop the others; the individual failures come back joined.
func (m *Manager) ConnectAll(ctx context.Context) error {
	sessions := m.snapshot()
	errs := make([]error, len(sessions))

	var wg sync.WaitGroup
	for i, s := range sessions {
		wg.Add(1)
		go func(i int, s *Session) {
			defer wg.Done()
			if err := s.Connect(ctx); err != nil {
				errs[i] = err
				m.logger.WarnContext(ctx, "MCP server connect failed",
					"server", s.Name(), "error", err)
			}
		}(i, s)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// CloseAll closes every session and joins any close errors.
func (m *Manager) CloseAll() error {
	var errs []error
	for _, s := range m.snapshot() {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Status snapshots every session keyed by server name.
func (m *Manager) Status() map[string]Status {
	sessions := m.snapshot()
	out := make(map[string]Status, len(sessions))
	for _, s := range sessions {
		out[s.Name()] = s.Status()
	}
	return out
}

// ServerTool is a tool along with the server that serves it.
type ServerTool struct {
	Server string
	Tool
}

// Tools merges the tool lists of all connected sessions in configuration
// order. Sessions that are not connected are skipped silently; listing
// failures on connected sessions are joined into the returned error alongside
// the partial result.
func (m *Manager) Tools(ctx context.Context) ([]ServerTool, error) {
	var out []ServerTool
	var errs []error
	for _, s := range m.snapshot() {
		if s.Status().State != StateConnected {
			continue
		}
		tools, err := s.ListTools(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, t := range tools {
			out = append(out, ServerTool{Server: s.Name(), Tool: t})
		}
	}
	return out, errors.Join(errs...)
}

// CallTool routes one tool call to the named server.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args map[string]any) (*ToolResult, error) {
	s, ok := m.Session(server)
	if !ok {
		return nil, fmt.Errorf("mcp: unknown server %q", server)
	}
	return s.CallTool(ctx, tool, args)
}
