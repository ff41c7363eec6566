package registry

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDelay = 500 * time.Millisecond

// Reloader re-reads configuration from the catalog file. The tiering router
// shares the file with the registry and reloads alongside it.
type Reloader interface {
	Reload() error
}

// Watch reloads the registry, then every extra Reloader, whenever the catalog
// file changes. Editors and config tools often replace the file (write to
// temp, rename), so the parent directory is watched and events are debounced.
// Blocks until ctx is done.
func (r *Registry) Watch(ctx context.Context, log *slog.Logger, extra ...Reloader) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	log.LogAttrs(ctx, slog.LevelInfo, "watching model catalog",
		slog.String("path", r.path))

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	target := filepath.Clean(r.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				if err := r.Reload(); err != nil {
					log.LogAttrs(ctx, slog.LevelError, "catalog reload failed",
						slog.String("path", r.path),
						slog.String("error", err.Error()))
					return
				}
				for _, rel := range extra {
					if err := rel.Reload(); err != nil {
						log.LogAttrs(ctx, slog.LevelError, "catalog reload failed",
							slog.String("path", r.path),
							slog.String("error", err.Error()))
						return
					}
				}
				log.LogAttrs(ctx, slog.LevelInfo, "catalog reloaded",
					slog.Int("models", r.Count()))
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.LogAttrs(ctx, slog.LevelWarn, "catalog watcher error",
				slog.String("error", err.Error()))
		}
	}
}
