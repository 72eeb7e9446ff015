package config

import (
	"context"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the configuration file when it changes on disk. Edits
// that fail to parse or validate are logged and the last good
// configuration stays current.
type Watcher struct {
	fs       *fsnotify.Watcher
	loader   *Loader
	path     string
	logger   *zap.Logger
	debounce time.Duration

	mu        sync.RWMutex
	current   *Config
	listeners []func(*Config)
}

// NewWatcher loads path once and prepares to watch it.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	loader := NewLoader()
	cfg, err := loader.Load(path)
	if err != nil {
		return nil, err
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		fs:       fs,
		loader:   loader,
		path:     path,
		logger:   logger,
		debounce: 500 * time.Millisecond,
		current:  cfg,
	}, nil
}

// OnChange registers fn to receive every successfully reloaded config.
// Listeners run sequentially on the watch goroutine.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	w.mu.Unlock()
}

// Start watches the file's directory until ctx is done. Editors often
// replace files rather than write them, so the directory is watched.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	go w.loop(ctx)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	name := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			timer.Reset(w.debounce)
		case <-timer.C:
			w.reload()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load(w.path)
	if err != nil {
		w.logger.Error("config reload rejected, keeping previous", zap.String("path", w.path), zap.Error(err))
		return
	}

	w.mu.Lock()
	w.current = cfg
	listeners := slices.Clone(w.listeners)
	w.mu.Unlock()

	w.logger.Info("configuration reloaded", zap.String("path", w.path))
	for _, fn := range listeners {
		fn(cfg)
	}
}

// Current returns the last good configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// SetDebounce sets how long the file must be quiet before reloading.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fs.Close()
}
