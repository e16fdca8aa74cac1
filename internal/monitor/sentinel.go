package monitor

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// SentinelWatcher watches for a ready-file the companion writes once it
// accepts requests. When configured it is the primary readiness source;
// output markers remain the compatibility fallback. The health endpoint
// stays the final authority either way.
type SentinelWatcher struct {
	Path      string
	Readiness *Readiness
	Logger    *slog.Logger
}

// Start begins watching the sentinel's directory. It returns after the
// watch is established; detection runs until ctx is cancelled. A sentinel
// that already exists marks readiness immediately.
func (w *SentinelWatcher) Start(ctx context.Context) error {
	if w.Path == "" {
		return nil
	}
	if _, err := os.Stat(w.Path); err == nil {
		w.Readiness.MarkReady("sentinel")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(w.Path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}
	// The file may have appeared between the stat and the watch.
	if _, err := os.Stat(w.Path); err == nil {
		w.Readiness.MarkReady("sentinel")
		_ = watcher.Close()
		return nil
	}

	go w.loop(ctx, watcher)
	return nil
}

func (w *SentinelWatcher) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer func() { _ = watcher.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Name != w.Path {
				continue
			}
			if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) {
				w.Readiness.MarkReady("sentinel")
				if w.Logger != nil {
					w.Logger.Info("sentinel ready-file observed", "path", w.Path)
				}
				return
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			if w.Logger != nil {
				w.Logger.Warn("sentinel watch error", "path", w.Path, "error", err)
			}
		}
	}
}

// Remove deletes a stale sentinel so a relaunch cannot trust the previous
// run's file. Best-effort.
func (w *SentinelWatcher) Remove() {
	if w.Path == "" {
		return
	}
	_ = os.Remove(w.Path)
}
