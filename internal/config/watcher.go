package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 250 * time.Millisecond

// Watcher watches the config file for changes and triggers a debounced
// reload of the server list so new servers become connectable without a
// daemon restart.
type Watcher struct {
	watcher *fsnotify.Watcher
	cfg     *Config

	// onReload is called after a successful reload.
	onReload func(*Config)

	debounceTimer   *time.Timer
	debounceTimerMu sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a watcher for the given config. Returns nil if the
// watcher cannot be created; config watching is best effort.
func NewWatcher(cfg *Config, onReload func(*Config)) *Watcher {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		fmt.Printf("[config-watcher] failed to create watcher: %v\n", err)
		return nil
	}
	return &Watcher{
		watcher:  w,
		cfg:      cfg,
		onReload: onReload,
		stopCh:   make(chan struct{}),
	}
}

// Start begins watching the config file's directory. Watching the directory
// instead of the file survives editors that replace the file on save.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.cfg.Path())
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	go w.eventLoop()
	return nil
}

// Stop shuts down the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.watcher.Close()
	})
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			fmt.Printf("[config-watcher] error: %v\n", err)
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.cfg.Path()) {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}

	w.debounceTimerMu.Lock()
	defer w.debounceTimerMu.Unlock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(watchDebounce, w.reload)
}

func (w *Watcher) reload() {
	fresh, err := Load(w.cfg.Path())
	if err != nil {
		fmt.Printf("[config-watcher] reload failed, keeping previous config: %v\n", err)
		return
	}
	w.cfg.ReplaceServers(fresh.GetServers())
	fmt.Printf("[config-watcher] reloaded %d server(s)\n", len(fresh.GetServers()))
	if w.onReload != nil {
		w.onReload(w.cfg)
	}
}
