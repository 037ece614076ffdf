package plans

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/platinummonkey/tenantguard/pkg/observability"
)

// reloadDelay coalesces the burst of events editors emit for one save
const reloadDelay = 100 * time.Millisecond

// Watch reloads the table from path whenever the file changes, until ctx
// is done. The parent directory is watched so atomic renames are seen. A
// file that fails to parse or validate is logged and the previous table
// stays in effect.
func (t *Table) Watch(ctx context.Context, path string, logger *observability.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	logger = logger.WithField("plan_file", path)
	go func() {
		defer watcher.Close()
		defer observability.RecoverPanic(logger, "plan watcher")

		target := filepath.Clean(path)
		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					pending = time.After(reloadDelay)
				}
			case <-pending:
				pending = nil
				t.reload(path, logger)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("plan watcher error")
			}
		}
	}()
	return nil
}

func (t *Table) reload(path string, logger *observability.Logger) {
	doc, err := LoadFile(path)
	if err != nil {
		logger.WithError(err).Error("plan reload failed, keeping previous table")
		return
	}
	if err := t.Replace(doc); err != nil {
		logger.WithError(err).Error("plan reload failed, keeping previous table")
		return
	}
	logger.WithField("tiers", t.Tiers()).Info("plan table reloaded")
}
