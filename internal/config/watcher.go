package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vyrodovalexey/avamcpgw/internal/observability"
)

// ReloadFunc is called with the freshly loaded configuration after a
// change to the config file is detected and the file parses cleanly.
type ReloadFunc func(*Config)

// Watcher watches a configuration file and invokes a callback on change.
// Events are debounced because editors typically emit several write
// events per save.
type Watcher struct {
	path     string
	onReload ReloadFunc
	logger   observability.Logger
	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	stopped bool
}

// NewWatcher creates a config file watcher.
func NewWatcher(path string, onReload ReloadFunc, logger observability.Logger) *Watcher {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Watcher{
		path:     path,
		onReload: onReload,
		logger:   logger,
		debounce: 500 * time.Millisecond,
	}
}

// Start begins watching. It returns immediately; watching stops when the
// context is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory, not the file: many editors replace the file
	// on save, which drops a direct file watch.
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		_ = fsw.Close()
		return err
	}

	w.mu.Lock()
	w.watcher = fsw
	w.mu.Unlock()

	go w.run(ctx, fsw)
	return nil
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case <-fire:
			w.reload()
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", observability.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous configuration",
			observability.String("path", w.path),
			observability.Error(err),
		)
		return
	}

	w.logger.Info("configuration reloaded", observability.String("path", w.path))
	w.onReload(cfg)
}

// Stop stops watching.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
}
