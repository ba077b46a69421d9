package bot

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"troupe/internal/logging"
)

const reloadDebounce = 500 * time.Millisecond

// WatchBotsFile reloads the registry when the bots file changes on disk.
// Events are debounced because editors fire several writes per save. An
// invalid file keeps the previous snapshot and logs the rejection.
func WatchBotsFile(ctx context.Context, path string, registry *Registry, logger *logging.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory, not the file: rename-based saves replace the inode
	// and silently drop a file-level watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		var timerC <-chan time.Time
		target := filepath.Clean(path)
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
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(reloadDebounce)
					timerC = timer.C
				} else {
					timer.Reset(reloadDebounce)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("bots file watch error", map[string]string{"error": err.Error()})
			case <-timerC:
				bots, err := LoadBotsFile(path)
				if err != nil {
					logger.Error("bots file reload rejected", map[string]string{
						"path": path, "error": err.Error(),
					})
					continue
				}
				if err := registry.Swap(bots); err != nil {
					logger.Error("bots file reload rejected", map[string]string{
						"path": path, "error": err.Error(),
					})
					continue
				}
				logger.Info("bots file reloaded", map[string]string{"path": path})
			}
		}
	}()
	return nil
}
