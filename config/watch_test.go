package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func watchYAML(model string) string {
	return fmt.Sprintf("backends:\n  main:\n    provider: anthropic\n    api_key: sk-ant-test\n    model: %s\n", model)
}

func rewrite(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWatchReloadsOnChange(t *testing.T) {
	path := writeConfig(t, watchYAML("model-one"))
	got := make(chan *Config, 4)

	w, err := Watch(context.Background(), path, func(c *Config) { got <- c },
		WithDebounce(20*time.Millisecond), WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	rewrite(t, path, watchYAML("model-two"))

	select {
	case cfg := <-got:
		if m := cfg.Backends["main"].Model; m != "model-two" {
			t.Errorf("reloaded model = %q, want model-two", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for reload")
	}
}

func TestWatchKeepsPreviousOnBrokenFile(t *testing.T) {
	path := writeConfig(t, watchYAML("model-one"))
	got := make(chan *Config, 4)

	w, err := Watch(context.Background(), path, func(c *Config) { got <- c },
		WithDebounce(20*time.Millisecond), WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	rewrite(t, path, "backends: [=broken\n")
	select {
	case cfg := <-got:
		t.Fatalf("reload delivered a broken config: %+v", cfg)
	case <-time.After(200 * time.Millisecond):
	}

	// The watcher stays alive after a failed reload.
	rewrite(t, path, watchYAML("model-three"))
	select {
	case cfg := <-got:
		if m := cfg.Backends["main"].Model; m != "model-three" {
			t.Errorf("reloaded model = %q, want model-three", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for reload after recovery")
	}
}

func TestWatchSurvivesAtomicReplace(t *testing.T) {
	path := writeConfig(t, watchYAML("model-one"))
	got := make(chan *Config, 4)

	w, err := Watch(context.Background(), path, func(c *Config) { got <- c },
		WithDebounce(20*time.Millisecond), WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	// Editors save via rename; the directory watch keeps working.
	tmp := filepath.Join(filepath.Dir(path), "agentcore.yaml.tmp")
	rewrite(t, tmp, watchYAML("model-two"))
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	select {
	case cfg := <-got:
		if m := cfg.Backends["main"].Model; m != "model-two" {
			t.Errorf("reloaded model = %q, want model-two", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for reload after rename")
	}
}

func TestWatchCloseStopsDelivery(t *testing.T) {
	path := writeConfig(t, watchYAML("model-one"))
	got := make(chan *Config, 4)

	w, err := Watch(context.Background(), path, func(c *Config) { got <- c },
		WithDebounce(20*time.Millisecond), WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rewrite(t, path, watchYAML("model-two"))
	select {
	case cfg := <-got:
		t.Fatalf("reload delivered after Close: %+v", cfg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatchRequiresCallback(t *testing.T) {
	path := writeConfig(t, watchYAML("model-one"))
	if _, err := Watch(context.Background(), path, nil); err == nil {
		t.Fatalf("expected error for nil callback")
	}
}
