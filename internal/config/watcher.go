package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/chatmesh/gateway/internal/logging"
)

// Watcher watches the configuration file and reloads it on change.
// A reload that fails to parse or validate is logged and dropped; the
// previous configuration stays live.
type Watcher struct {
	watcher    *fsnotify.Watcher
	loader     *Loader
	store      *Store
	configPath string
	debounce   time.Duration
	mu         sync.Mutex
	timer      *time.Timer
}

// NewWatcher creates a watcher feeding reloads into store.
func NewWatcher(configPath string, store *Store) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:    fsWatcher,
		loader:     NewLoader(),
		store:      store,
		configPath: configPath,
		debounce:   250 * time.Millisecond,
	}, nil
}

// Start begins watching for configuration changes.
func (w *Watcher) Start() error {
	// Watch the directory, not the file: editors replace files on save
	dir := filepath.Dir(w.configPath)
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	go w.watch()
	return nil
}

func (w *Watcher) watch() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("config watcher error", zap.Error(err))
		}
	}
}

// schedule arms the debounce timer, collapsing rapid event bursts into a
// single reload.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load(w.configPath)
	if err != nil {
		logging.Error("failed to reload config, keeping previous",
			zap.String("path", w.configPath), zap.Error(err))
		return
	}
	if err := w.store.Swap(cfg); err != nil {
		logging.Error("reloaded config rejected, keeping previous",
			zap.String("path", w.configPath), zap.Error(err))
		return
	}
	logging.Info("configuration reloaded",
		zap.String("path", w.configPath),
		zap.Uint64("generation", w.store.Generation()))
}

// SetDebounce overrides the debounce interval.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	w.debounce = d
	w.mu.Unlock()
}

// Stop stops watching for changes.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}
