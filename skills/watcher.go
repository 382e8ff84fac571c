package skills

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// reloadDebounce coalesces bursts of filesystem events (editors write
// several times per save) into a single reload.
const reloadDebounce = 500 * time.Millisecond

// Watch reloads the registry whenever the skills tree changes, until the
// context is cancelled. The root and every subdirectory are watched;
// directories created later are picked up from their create events.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := addRecursive(watcher, r.root); err != nil {
		return err
	}
	r.logger.Info("watching skills tree", zap.String("root", r.root))

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !relevant(event) {
				continue
			}
			if event.Op.Has(fsnotify.Create) {
				if info, statErr := os.Stat(event.Name); statErr == nil && info.IsDir() {
					if addErr := addRecursive(watcher, event.Name); addErr != nil {
						r.logger.Warn("cannot watch new directory",
							zap.String("dir", event.Name), zap.Error(addErr))
					}
				}
			}
			pending = time.After(reloadDebounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("skills watcher error", zap.Error(err))

		case <-pending:
			pending = nil
			if err := r.Reload(ctx); err != nil {
				r.logger.Error("skill reload failed", zap.Error(err))
			}
		}
	}
}

// relevant filters out chmod-only noise.
func relevant(event fsnotify.Event) bool {
	return event.Op.Has(fsnotify.Create) ||
		event.Op.Has(fsnotify.Write) ||
		event.Op.Has(fsnotify.Remove) ||
		event.Op.Has(fsnotify.Rename)
}

// addRecursive watches a directory and all its current subdirectories.
func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}
