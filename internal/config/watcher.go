package config

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/chatgate/chatgate/internal/logger"
)

// Watcher re-reads the config file when it changes on disk and hands the
// fresh config to a callback. Only values the server can apply at runtime
// (log level, backend timeout) are expected to be acted on.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onReload func(*Config)
	stopChan chan struct{}
}

// NewWatcher creates a watcher for the config file at path. onReload is
// called with the newly loaded config after every successful reload.
func NewWatcher(path string, onReload func(*Config)) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	// Watch the directory rather than the file itself so editors that
	// replace the file (rename+create) keep triggering events.
	dir := filepath.Dir(path)
	if err := fsWatcher.Add(dir); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch config directory %s: %w", dir, err)
	}

	w := &Watcher{
		path:     path,
		watcher:  fsWatcher,
		onReload: onReload,
		stopChan: make(chan struct{}),
	}

	go w.run()

	return w, nil
}

// run processes filesystem events until Stop is called
func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("config watcher error: %v", err)

		case <-w.stopChan:
			return
		}
	}
}

// reload re-reads the config file and invokes the callback
func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		logger.Warn("config reload failed, keeping previous config: %v", err)
		return
	}

	logger.Info("config reloaded from %s", w.path)
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	close(w.stopChan)
	return w.watcher.Close()
}
