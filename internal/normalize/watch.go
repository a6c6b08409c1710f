package normalize

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is how long Watch waits after the last event before a pass.
const DefaultDebounce = 500 * time.Millisecond

// PassFunc receives the result of every pass Watch runs.
type PassFunc func(Result)

// Watch runs a pass over dir immediately and again whenever files are
// created, written or moved into it, until ctx is cancelled.
func (n *Normalizer) Watch(ctx context.Context, dir string, debounce time.Duration, onPass PassFunc) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close() //nolint:errcheck // best-effort shutdown

	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	n.logger.Info("watching directory", zap.String("dir", dir), zap.Duration("debounce", debounce))

	run := func() {
		res, err := n.Normalize(ctx, dir)
		if err != nil {
			n.logger.Warn("normalize pass failed", zap.String("dir", dir), zap.Error(err))
			return
		}
		if onPass != nil {
			onPass(res)
		}
	}
	run()

	timer := time.NewTimer(debounce)
	timer.Stop()
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			n.logger.Info("watcher stopped", zap.String("dir", dir))
			return nil
		case <-timer.C:
			run()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if !n.manages(ev.Name) {
				continue
			}
			timer.Reset(debounce)
		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			n.logger.Warn("watcher error", zap.Error(werr))
		}
	}
}
