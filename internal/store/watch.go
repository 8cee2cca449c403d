package store

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"vawter.tech/stopper"
)

const watchDebounce = 200 * time.Millisecond

// Watcher calls back when the registry file changes on disk, whether through
// Save or an external edit. It watches the parent directory because Save
// replaces the file by rename.
type Watcher struct {
	sctx *stopper.Context
}

// WatchFile starts watching path and calls onChange, debounced, after each
// burst of writes. Stop the watcher to release the inotify handle.
func WatchFile(ctx context.Context, path string, logger *slog.Logger, onChange func()) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	name := filepath.Base(path)
	sctx := stopper.WithContext(ctx)
	sctx.Defer(func() {
		_ = watcher.Close()
	})

	sctx.Go(func(sctx *stopper.Context) error {
		var debouncer *time.Timer
		defer func() {
			if debouncer != nil {
				debouncer.Stop()
			}
		}()

		for {
			select {
			case <-sctx.Stopping():
				return nil

			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if filepath.Base(event.Name) != name {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
					!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
					continue
				}
				if debouncer != nil {
					debouncer.Stop()
				}
				debouncer = time.AfterFunc(watchDebounce, onChange)

			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				logger.Warn("registry watcher error", "path", path, "err", err)
			}
		}
	})

	logger.Debug("watching registry file", "path", path)
	return &Watcher{sctx: sctx}, nil
}

// Stop ends the watch and waits for the watch goroutine to exit.
func (w *Watcher) Stop() error {
	w.sctx.Stop(100 * time.Millisecond)
	return w.sctx.Wait()
}
