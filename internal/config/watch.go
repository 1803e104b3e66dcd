package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ReloadFunc is called with the freshly loaded Config after the config file
// changes on disk. Invalid configs are dropped; the previous one stays in
// effect.
type ReloadFunc func(*Config)

// Watcher watches the config file and invokes a callback on change.
// Editors often replace files via rename, so the parent directory is
// watched and events are debounced.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	onReload ReloadFunc

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// Watch starts watching configPath (empty means ConfigFile()) and calls
// onReload with each valid re-loaded configuration. Close stops the watcher.
func Watch(configPath string, onReload ReloadFunc) (*Watcher, error) {
	if configPath == "" {
		configPath = ConfigFile()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(configPath)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	w := &Watcher{
		watcher:  fsw,
		path:     configPath,
		onReload: onReload,
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer close(w.done)

	// Debounce timer: write storms from editors collapse into one reload.
	var timer *time.Timer
	const debounce = 200 * time.Millisecond

	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, w.reload)
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) reload() {
	if err := viper.ReadInConfig(); err != nil {
		return
	}
	cfg, err := Load()
	if err != nil {
		return
	}

	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if !closed && w.onReload != nil {
		w.onReload(cfg)
	}
}

// Close stops the watcher. Safe to call more than once.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	err := w.watcher.Close()
	<-w.done
	return err
}
