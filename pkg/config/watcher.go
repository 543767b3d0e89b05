package config

import (
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Watcher serves the current Config and hot-reloads it when the file
// changes on disk. Incident toggles flip without a process restart.
// A reload that fails validation keeps the previous config in service.
type Watcher struct {
	path    string
	current atomic.Pointer[Config]
	fsw     *fsnotify.Watcher
	done    chan struct{}

	// OnReload, when set, observes every successful reload.
	OnReload func(*Config)
}

// NewWatcher loads the config once and starts watching its directory.
// Watching the directory instead of the file survives atomic renames.
func NewWatcher(path string) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w := &Watcher{path: path, fsw: fsw, done: make(chan struct{})}
	w.current.Store(cfg)
	go w.loop()
	return w, nil
}

// Current returns the config in service.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

func (w *Watcher) loop() {
	target := filepath.Clean(w.path)
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				slog.Error("config reload failed, keeping previous", "path", w.path, "error", err)
				continue
			}
			w.current.Store(cfg)
			slog.Info("config reloaded",
				"path", w.path,
				"config_sha256", cfg.ConfigSHA256,
				"incident_force_review", cfg.Incident.ForceReview,
				"incident_disable_llm", cfg.Incident.DisableLLM)
			if w.OnReload != nil {
				w.OnReload(cfg)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)
		}
	}
}
