package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher reloads the configuration when the file or any of its
// includes changes on disk. Edits are debounced so editors that write
// through temporary files trigger a single reload.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(*Config)
	logger   *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	sources map[string]bool
	cancel  context.CancelFunc
	timer   *time.Timer
	wg      sync.WaitGroup
}

// NewWatcher prepares a watcher for the configuration at path. onChange
// receives each successfully reloaded Config. A non-positive debounce
// uses the default.
func NewWatcher(path string, debounce time.Duration, onChange func(*Config), logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		debounce: debounce,
		onChange: onChange,
		logger:   logger,
		sources:  map[string]bool{},
	}
}

// Start begins watching. It is a no-op when already started.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watcher != nil {
		w.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.watcher = watcher
	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	if err := w.refreshSources(); err != nil {
		w.logger.Warn("config watch setup incomplete", "error", err)
	}

	w.wg.Add(1)
	go w.loop(watchCtx, watcher)
	return nil
}

// Close stops watching and waits for the loop to exit.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	watcher := w.watcher
	w.watcher = nil
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	w.wg.Wait()
	return nil
}

func (w *Watcher) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !w.isSource(event.Name) {
				continue
			}
			w.scheduleReload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "error", err)
		}
	}
}

func (w *Watcher) isSource(name string) bool {
	abs, err := filepath.Abs(name)
	if err != nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sources[abs]
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous config", "error", err)
		return
	}
	// Includes may have been added or removed.
	if err := w.refreshSources(); err != nil {
		w.logger.Warn("config watch refresh failed", "error", err)
	}
	w.logger.Info("configuration reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

// refreshSources recomputes the contributing files and watches their
// directories. Directories are watched rather than files so atomic
// saves (write to temp, rename over) keep being seen.
func (w *Watcher) refreshSources() error {
	files, err := Sources(w.path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher == nil {
		return nil
	}

	w.sources = make(map[string]bool, len(files))
	dirs := map[string]bool{}
	for _, f := range files {
		w.sources[f] = true
		dirs[filepath.Dir(f)] = true
	}
	for dir := range dirs {
		if err := w.watcher.Add(dir); err != nil {
			w.logger.Warn("config watch add failed", "dir", dir, "error", err)
		}
	}
	return nil
}
