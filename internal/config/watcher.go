package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/wavelab/surfgate/internal/logging"
)

// FileWatcher watches a single data file (sessions.json, users.json,
// accounts.json) and invokes callbacks on change. Writes are debounced so
// atomic rename-style rewrites trigger a single reload.
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	path     string
	mu       sync.RWMutex
	callbacks []func()
	debounce time.Duration
}

// NewFileWatcher creates a watcher for the given file path.
func NewFileWatcher(path string) (*FileWatcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &FileWatcher{
		watcher:  fsWatcher,
		path:     path,
		debounce: 500 * time.Millisecond,
	}, nil
}

// OnChange registers a callback invoked after the file changes.
func (w *FileWatcher) OnChange(callback func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching. The parent directory is watched so rename-based
// atomic rewrites are observed.
func (w *FileWatcher) Start() error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	go w.watch()
	return nil
}

func (w *FileWatcher) watch() {
	var debounceTimer *time.Timer
	var lastEvent time.Time

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			now := time.Now()
			if now.Sub(lastEvent) < w.debounce {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
			}
			lastEvent = now

			debounceTimer = time.AfterFunc(w.debounce, w.notify)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("file watcher error", zap.Error(err))
		}
	}
}

func (w *FileWatcher) notify() {
	w.mu.RLock()
	callbacks := make([]func(), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.RUnlock()

	logging.Info("data file changed", zap.String("path", w.path))
	for _, cb := range callbacks {
		go cb()
	}
}

// Stop stops watching for changes.
func (w *FileWatcher) Stop() error {
	return w.watcher.Close()
}

// SetDebounce sets the debounce duration for file changes.
func (w *FileWatcher) SetDebounce(d time.Duration) {
	w.debounce = d
}
