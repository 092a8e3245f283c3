package config

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ReloadFunc is invoked with the freshly loaded config after a change on
// disk. Implementations swap snapshots atomically; in-flight operations
// keep the view they started with.
type ReloadFunc func(cfg *Config)

// Watcher watches the config directory and re-loads on changes. Editors
// produce bursts of writes, so events are debounced.
type Watcher struct {
	dir      string
	logger   *zap.Logger
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	onReload []ReloadFunc
	stop     chan struct{}
}

// NewWatcher creates a watcher over the config directory.
func NewWatcher(dir string, logger *zap.Logger) (*Watcher, error) {
	if dir == "" {
		dir = HomeDir()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		dir:     dir,
		logger:  logger.With(zap.String("component", "config-watcher")),
		watcher: fw,
		stop:    make(chan struct{}),
	}, nil
}

// OnReload registers a callback for config changes.
func (w *Watcher) OnReload(fn ReloadFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = append(w.onReload, fn)
}

// Start runs the watch loop until Stop. Call in a goroutine.
func (w *Watcher) Start() {
	var debounce *time.Timer
	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(event.Name)
			if !strings.HasSuffix(name, ".yaml") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(300*time.Millisecond, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.dir)
	if err != nil {
		w.logger.Warn("Config reload failed, keeping previous", zap.Error(err))
		return
	}
	w.logger.Info("Config reloaded", zap.String("dir", w.dir))

	w.mu.Lock()
	callbacks := append([]ReloadFunc(nil), w.onReload...)
	w.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
}

// Stop ends the watch loop and releases the fsnotify watcher.
func (w *Watcher) Stop() {
	close(w.stop)
	w.watcher.Close()
}
