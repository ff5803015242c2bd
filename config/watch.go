package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchEndpoints watches a JSON endpoints file and invokes apply with the
// parsed list on every change, starting with the file's current contents.
// It blocks until ctx ends. Parse failures are logged and skipped; the last
// good list stays in effect.
//
// The parent directory is watched rather than the file itself, so editors
// that replace the file via rename are handled.
func WatchEndpoints(ctx context.Context, path string, log *slog.Logger, apply func([]Endpoint)) error {
	if log == nil {
		log = slog.Default()
	}

	eps, err := ReadEndpointsFile(path)
	if err != nil {
		return err
	}
	apply(eps)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	// Writers often produce bursts of events; reload once per burst.
	var pending <-chan time.Time

	target, _ := filepath.Abs(path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			evPath, _ := filepath.Abs(ev.Name)
			if evPath != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(50 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("endpoints watcher error", "err", err)
		case <-pending:
			pending = nil
			eps, err := ReadEndpointsFile(path)
			if err != nil {
				log.Warn("ignoring unreadable endpoints file", "path", path, "err", err)
				continue
			}
			log.Info("endpoints file changed", "path", path, "endpoints", len(eps))
			apply(eps)
		}
	}
}
