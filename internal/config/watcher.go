package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is how long the catalog must be quiet before a reload.
const DefaultDebounce = 250 * time.Millisecond

// CatalogWatcher reloads the catalog when its file changes and hands the
// result to a callback. Invalid catalogs are logged and skipped.
type CatalogWatcher struct {
	path     string
	debounce time.Duration
	onChange func(*Catalog)

	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once

	mu    sync.Mutex
	timer *time.Timer
}

// WatchCatalog starts watching path. The parent directory is watched so
// editors that replace the file by rename are seen.
func WatchCatalog(path string, debounce time.Duration, onChange func(*Catalog)) (*CatalogWatcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	w := &CatalogWatcher{
		path:     abs,
		debounce: debounce,
		onChange: onChange,
		watcher:  fw,
		done:     make(chan struct{}),
	}
	go w.loop()
	zap.S().Infow("catalog_watch_started", "path", abs)
	return w, nil
}

func (w *CatalogWatcher) loop() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			zap.S().Warnw("catalog_watch_error", "error", err)
		case <-w.done:
			return
		}
	}
}

func (w *CatalogWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *CatalogWatcher) reload() {
	select {
	case <-w.done:
		return
	default:
	}

	cat, err := LoadCatalog(w.path)
	if err != nil {
		zap.S().Errorw("catalog_reload_rejected", "path", w.path, "error", err)
		return
	}
	zap.S().Infow("catalog_reloaded", "path", w.path, "providers", len(cat.Providers))
	w.onChange(cat)
}

// Stop ends the watch. Pending reloads are dropped.
func (w *CatalogWatcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		err = w.watcher.Close()
	})
	return err
}
