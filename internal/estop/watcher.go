package estop

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/coderwave/wave/internal/telemetry"
)

// defaultPollInterval is the fallback scan cadence when the marker directory
// cannot be watched.
const defaultPollInterval = 2 * time.Second

type (
	// WatcherOptions configures a FileWatcher.
	WatcherOptions struct {
		// PollInterval is the fallback scan cadence. Defaults to 2s.
		PollInterval time.Duration
		// Logger defaults to a no-op.
		Logger telemetry.Logger
	}

	// FileWatcher trips the latch when the stop marker appears on disk. It
	// prefers a filesystem watch on the marker directory and degrades to
	// polling when the watch cannot be established.
	FileWatcher struct {
		latch  *Latch
		poll   time.Duration
		logger telemetry.Logger
	}
)

// NewFileWatcher constructs a watcher for the latch's marker path.
func NewFileWatcher(latch *Latch, opts WatcherOptions) *FileWatcher {
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &FileWatcher{latch: latch, poll: poll, logger: logger}
}

// Run watches the marker path until ctx is canceled and returns ctx.Err().
// A marker that predates the watch trips the latch immediately.
func (w *FileWatcher) Run(ctx context.Context) error {
	if w.markerPresent() {
		w.tripFromFile()
	}

	dir := filepath.Dir(w.latch.MarkerPath())
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create marker dir: %w", err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn(ctx, "filesystem watch unavailable, polling", "err", err)
		return w.runPolling(ctx)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		w.logger.Warn(ctx, "marker dir watch failed, polling", "dir", dir, "err", err)
		return w.runPolling(ctx)
	}

	marker := filepath.Clean(w.latch.MarkerPath())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-watcher.Events:
			if !ok {
				return w.runPolling(ctx)
			}
			if filepath.Clean(evt.Name) == marker && evt.Op.Has(fsnotify.Create|fsnotify.Write) {
				w.tripFromFile()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return w.runPolling(ctx)
			}
			w.logger.Warn(ctx, "marker watch error", "err", err)
		}
	}
}

func (w *FileWatcher) runPolling(ctx context.Context) error {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if w.markerPresent() {
				w.tripFromFile()
			}
		}
	}
}

func (w *FileWatcher) markerPresent() bool {
	_, err := os.Stat(w.latch.MarkerPath())
	return err == nil
}

func (w *FileWatcher) tripFromFile() {
	w.latch.Trip(SourceFile, readMarkerReason(w.latch.MarkerPath()))
}
