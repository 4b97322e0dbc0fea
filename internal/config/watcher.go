package config

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileWatcher calls back whenever one of a set of files is written or
// recreated.
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	files    map[string]bool
	onChange func(path string)
	done     chan struct{}
	wg       sync.WaitGroup
}

// WatchFiles starts watching paths. onChange runs on the watcher's
// goroutine, one call at a time.
func WatchFiles(paths []string, onChange func(path string)) (*FileWatcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &FileWatcher{
		watcher:  fsWatcher,
		files:    make(map[string]bool),
		onChange: onChange,
		done:     make(chan struct{}),
	}

	// Watch the directories to handle editors that replace files
	dirs := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			fsWatcher.Close()
			return nil, err
		}
		w.files[abs] = true
		dir := filepath.Dir(abs)
		if dirs[dir] {
			continue
		}
		if err := fsWatcher.Add(dir); err != nil {
			fsWatcher.Close()
			return nil, err
		}
		dirs[dir] = true
	}

	w.wg.Add(1)
	go w.watch()
	return w, nil
}

func (w *FileWatcher) watch() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			name, err := filepath.Abs(event.Name)
			if err != nil || !w.files[name] {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.onChange(name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("file watcher error", slog.String("error", err.Error()))
		}
	}
}

// Close stops watching. It waits for a running callback to return.
func (w *FileWatcher) Close() error {
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

// Watcher watches a config file for changes and reloads it.
type Watcher struct {
	path     string
	mu       sync.RWMutex
	config   *Config
	files    *FileWatcher
	onChange func(*Config)
}

// NewWatcher loads the config at path and reloads it on every change.
// onChange is called with each valid new config.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:     path,
		config:   cfg,
		onChange: onChange,
	}
	files, err := WatchFiles([]string{path}, func(string) { w.reload() })
	if err != nil {
		return nil, err
	}
	w.files = files
	return w, nil
}

// Config returns the current configuration.
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// reload reloads the config from disk, keeping the old one if the new one
// is broken. A missing or empty file is taken as a write in progress, not
// as a request for the defaults.
func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(bytes.TrimSpace(data)) == 0) {
		slog.Debug("config file not ready, keeping current config", slog.String("path", w.path))
		return
	}
	if err != nil {
		slog.Error("failed to reload config",
			slog.String("path", w.path),
			slog.String("error", err.Error()),
		)
		return
	}

	cfg, err := parse(data)
	if err != nil {
		slog.Error("failed to reload config",
			slog.String("path", w.path),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config after reload",
			slog.String("error", err.Error()),
		)
		return
	}

	w.mu.Lock()
	w.config = cfg
	w.mu.Unlock()

	slog.Info("config reloaded", slog.String("path", w.path))

	if w.onChange != nil {
		w.onChange(cfg)
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.files.Close()
}
