// Package watch wraps fsnotify with the debounce every caller here needs:
// editors and git checkouts produce bursts of events, and reloading once
// per burst is the useful behavior.
package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is how long events must settle before onChange fires.
const DefaultDebounce = 500 * time.Millisecond

// Dir watches dir and invokes onChange after write activity settles for
// debounce. match filters event paths; nil matches everything. Dir blocks
// until ctx is cancelled and returns nil on a clean stop.
func Dir(ctx context.Context, logger *zap.Logger, dir string, debounce time.Duration, match func(path string) bool, onChange func()) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating filesystem watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	logger.Debug("watching directory", zap.String("dir", dir))

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Op.Has(fsnotify.Create | fsnotify.Write | fsnotify.Remove | fsnotify.Rename) {
				continue
			}
			if match != nil && !match(ev.Name) {
				continue
			}
			if pending && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(debounce)
			pending = true

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("filesystem watcher error", zap.Error(err))

		case <-timer.C:
			pending = false
			onChange()
		}
	}
}
