package pricing

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// WatchOverrides reloads the override file whenever it changes on disk.
// Watches the parent directory so editor rename-and-replace saves are caught.
// Blocks until ctx is done.
func (o *Oracle) WatchOverrides(ctx context.Context, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	if err := o.LoadOverrides(path); err != nil {
		o.logger.Warn().Str("event", "pricing_overrides_initial_load_failed").Err(err).Msg("")
	}

	target := filepath.Clean(path)
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
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := o.LoadOverrides(path); err != nil {
				o.logger.Warn().Str("event", "pricing_overrides_reload_failed").Err(err).Msg("")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			o.logger.Warn().Str("event", "pricing_overrides_watch_error").Err(err).Msg("")
		}
	}
}
