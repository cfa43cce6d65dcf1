// Package copilot – config_watcher.go reloads the config file when it
// changes on disk. Editors often replace files through a rename, so the
// parent directory is watched and events are filtered by file name.
package copilot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ConfigWatcher watches a config file and calls onChange with the parsed
// config whenever its content hash changes.
type ConfigWatcher struct {
	path     string
	debounce time.Duration
	onChange func(*Config)
	logger   *slog.Logger

	lastHash string
}

// NewConfigWatcher creates a watcher. debounce coalesces bursts of write
// events (default: 500ms).
func NewConfigWatcher(path string, debounce time.Duration, onChange func(*Config), logger *slog.Logger) *ConfigWatcher {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfigWatcher{
		path:     path,
		debounce: debounce,
		onChange: onChange,
		logger:   logger.With("component", "config-watcher"),
	}
}

// Start blocks until ctx is cancelled.
func (w *ConfigWatcher) Start(ctx context.Context) {
	w.lastHash = w.fileHash()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Error("failed to create file watcher", "error", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		w.logger.Error("failed to watch config dir", "path", w.path, "error", err)
		return
	}

	target := filepath.Clean(w.path)
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(w.debounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", "error", err)

		case <-timer.C:
			w.check()
		}
	}
}

func (w *ConfigWatcher) check() {
	hash := w.fileHash()
	if hash == "" || hash == w.lastHash {
		return
	}

	if n, err := ReloadEnvFiles(); err != nil {
		w.logger.Warn("failed to reload env files", "error", err)
	} else if n > 0 {
		w.logger.Debug("env files reloaded", "vars", n)
	}

	cfg, err := LoadConfigFromFile(w.path)
	if err != nil {
		// Keep the old hash so the next valid write is applied.
		w.logger.Warn("config reload failed, keeping current config", "error", err)
		return
	}
	w.lastHash = hash
	w.logger.Info("config file changed, reloading", "path", w.path)
	w.onChange(cfg)
}

func (w *ConfigWatcher) fileHash() string {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
