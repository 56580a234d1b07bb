package config

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long a Watcher waits after the last filesystem
// event before reloading. Editors and atomic saves emit bursts of events;
// the delay collapses a burst into one reload.
const DefaultDebounce = 250 * time.Millisecond

// Watcher reloads a configuration file when it changes on disk and hands
// each successfully parsed Config to a callback. Files that fail to load or
// validate are logged and skipped, so the previous configuration stays in
// effect.
type Watcher struct {
	path     string
	debounce time.Duration
	log      *slog.Logger
	onChange func(*Config)

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// WatchOption adjusts a Watcher.
type WatchOption func(*Watcher)

// WithDebounce overrides the reload debounce interval.
func WithDebounce(d time.Duration) WatchOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithLogger sets the logger for reload failures and watch errors.
func WithLogger(log *slog.Logger) WatchOption {
	return func(w *Watcher) { w.log = log }
}

// Watch starts watching the configuration file at path. It watches the
// containing directory rather than the file itself so that atomic saves,
// which replace the file, do not drop the watch. The caller owns the
// returned Watcher and must Close it.
func Watch(ctx context.Context, path string, onChange func(*Config), opts ...WatchOption) (*Watcher, error) {
	if onChange == nil {
		return nil, errors.New("config: watch: onChange callback is required")
	}

	w := &Watcher{
		path:     filepath.Clean(path),
		debounce: DefaultDebounce,
		log:      slog.Default(),
		onChange: onChange,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.debounce <= 0 {
		w.debounce = DefaultDebounce
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return nil, err
	}
	w.watcher = fw

	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go w.loop(watchCtx)
	return w, nil
}

// Close stops the watcher and waits for the watch loop to exit.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, func() {
			if ctx.Err() != nil {
				return
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.log.Warn("config reload failed, keeping previous config",
					"path", w.path, "error", err)
				return
			}
			w.onChange(cfg)
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watch error", "path", w.path, "error", err)
		}
	}
}
