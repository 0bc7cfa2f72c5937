package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadDebounce is how long a file must stay quiet before reload runs.
const ReloadDebounce = 500 * time.Millisecond

// Watcher calls reload after the watched files change.
type Watcher struct {
	watcher *fsnotify.Watcher
	reload  func() error
	logger  *slog.Logger
	paths   []string
}

// NewWatcher watches every existing path. Missing paths are skipped.
func NewWatcher(paths []string, reload func() error, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	var watched []string
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := fw.Add(p); err != nil {
			fw.Close()
			return nil, fmt.Errorf("failed to watch %q: %w", p, err)
		}
		watched = append(watched, p)
	}
	return &Watcher{watcher: fw, reload: reload, logger: logger, paths: watched}, nil
}

// Paths returns the files actually being watched.
func (w *Watcher) Paths() []string { return w.paths }

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(ReloadDebounce, func() {
					if err := w.reload(); err != nil {
						w.logger.Error("hot-reload failed", "file", ev.Name, "error", err)
						return
					}
					w.logger.Info("hot-reload: configuration reloaded", "file", ev.Name)
				})
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}
