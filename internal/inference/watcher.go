package inference

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/Brownie44l1/pneumo-api/internal/metrics"
	"github.com/Brownie44l1/pneumo-api/internal/model"
)

// Watcher reloads a cached model when its weights file is replaced. The
// trainer writes weights by renaming a temp file over the old one, so the
// directory is watched rather than the file itself.
type Watcher struct {
	cache   *Cache
	path    string
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	// OnReload, when set, is called with each freshly loaded model.
	OnReload func(model.Model)
}

// NewWatcher watches the directory holding path. The directory is created
// if it does not exist yet.
func NewWatcher(cache *Cache, path string, logger *zap.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	return &Watcher{cache: cache, path: path, watcher: fw, logger: logger}, nil
}

// Run handles file events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	abs, _ := filepath.Abs(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.reload(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("weights watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload(event fsnotify.Event) {
	w.cache.Invalidate(w.path)
	m := w.cache.Load(w.path)
	metrics.RecordReload()
	w.logger.Info("weights file changed, model reloaded",
		zap.String("path", w.path),
		zap.String("op", event.Op.String()),
		zap.Bool("mock", model.IsMock(m)),
	)
	if w.OnReload != nil {
		w.OnReload(m)
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
