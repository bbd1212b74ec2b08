package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeFunc receives a reloaded config together with what changed. It runs
// on the watcher goroutine.
type ChangeFunc func(old, new *Config, d ConfigDiff)

// Watcher keeps the config file and the running service in sync. It reloads
// when the file is written or replaced and also on demand
// ([Watcher.Reload], wired to SIGHUP). Edits that fail validation are logged
// and skipped; the last valid config stays current. Edits that do not change
// any setting, such as comment changes, do not reach the callback.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange ChangeFunc

	mu      sync.Mutex
	current *Config
	hash    [sha256.Size]byte

	watching chan struct{} // closed once Run has registered the directory
	once     sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithDebounce sets how long the file must stay quiet after an event before
// it is reloaded. Editors often write a file in several steps. The default is
// 500ms.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher loads the config at path. Watching starts with [Watcher.Run].
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     filepath.Clean(path),
		debounce: 500 * time.Millisecond,
		onChange: onChange,
		watching: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, hash, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.hash = hash
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run watches the file's directory until ctx is cancelled. The directory is
// watched rather than the file so atomic saves, which rename a new file over
// the old one, keep being noticed.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create file watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}
	w.once.Do(func() { close(w.watching) })
	slog.Info("config watcher: watching for changes", "path", w.path)

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if w.relevant(event) {
				timer.Reset(w.debounce)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher: file watcher error", "path", w.path, "err", err)

		case <-timer.C:
			if err := w.Reload(); err != nil {
				slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
			}
		}
	}
}

// relevant reports whether event may have changed the config file's content.
// A removal or rename is followed by the create of the replacement, which
// the debounce folds into one reload.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Base(event.Name) != filepath.Base(w.path) {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
		event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove)
}

// Reload reads the file now. It returns the load or validation error and
// leaves the current config in place on failure.
func (w *Watcher) Reload() error {
	cfg, hash, err := w.read()
	if err != nil {
		return err
	}

	w.mu.Lock()
	if hash == w.hash {
		w.mu.Unlock()
		return nil
	}
	old := w.current
	w.current = cfg
	w.hash = hash
	w.mu.Unlock()

	d := Diff(old, cfg)
	if d.Empty() {
		slog.Debug("config watcher: file changed without setting changes", "path", w.path)
		return nil
	}
	slog.Info("config watcher: configuration reloaded", "path", w.path)
	// Outside the lock so the callback may call Current.
	if w.onChange != nil {
		w.onChange(old, cfg, d)
	}
	return nil
}

func (w *Watcher) read() (*Config, [sha256.Size]byte, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	return cfg, sha256.Sum256(data), nil
}
