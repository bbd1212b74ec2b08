package config_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/farmgpt/krishimitra/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
providers:
  llm:
    name: gemini
assistant:
  language: en
`

const watcherUpdatedYAML = `
server:
  log_level: debug
providers:
  llm:
    name: gemini
assistant:
  language: hi-IN
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

// runWatcher watches in the background until the test ends. It returns once
// the directory is registered, so writes after it are seen.
func runWatcher(t *testing.T, w *config.Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
	select {
	case <-config.Watching(w):
	case err := <-done:
		t.Fatalf("Run exited early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not start")
	}
}

// newWatched writes content to a fresh config file and watches it.
func newWatched(t *testing.T, content string, rec *recorder) (*config.Watcher, string) {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, content)
	w, err := config.NewWatcher(cfgPath, rec.onChange, config.WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	runWatcher(t, w)
	return w, cfgPath
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.called:
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked within timeout")
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	w, err := config.NewWatcher(cfgPath, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if cfg.Assistant.AITimeout != config.DefaultAITimeout {
		t.Errorf("defaults not applied on load: ai_timeout=%s", cfg.Assistant.AITimeout)
	}
}

// recorder collects callback invocations.
type recorder struct {
	mu     sync.Mutex
	calls  int
	old    *config.Config
	new    *config.Config
	diff   config.ConfigDiff
	called chan struct{}
}

func newRecorder() *recorder { return &recorder{called: make(chan struct{}, 8)} }

func (r *recorder) onChange(old, new *config.Config, d config.ConfigDiff) {
	r.mu.Lock()
	r.calls++
	r.old, r.new, r.diff = old, new, d
	r.mu.Unlock()
	r.called <- struct{}{}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestWatcher_DetectsWrite(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	w, cfgPath := newWatched(t, watcherValidYAML, rec)

	writeFile(t, cfgPath, watcherUpdatedYAML)
	rec.wait(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.old == nil || rec.new == nil {
		t.Fatal("callback received nil configs")
	}
	if !rec.diff.LogLevelChanged || !rec.diff.LanguageChanged {
		t.Errorf("diff = %+v, want log level and language changes", rec.diff)
	}
	if rec.diff.NewLanguage != "hi-IN" {
		t.Errorf("NewLanguage = %q, want hi-IN", rec.diff.NewLanguage)
	}
	if cur := w.Current(); cur.Assistant.Language != "hi-IN" {
		t.Errorf("Current() language: got %q, want hi-IN", cur.Assistant.Language)
	}
}

// Editors save by writing a temporary file and renaming it over the config.
func TestWatcher_DetectsAtomicReplace(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	w, cfgPath := newWatched(t, watcherValidYAML, rec)

	replace := func(content string) {
		tmp := cfgPath + ".swp"
		writeFile(t, tmp, content)
		if err := os.Rename(tmp, cfgPath); err != nil {
			t.Fatalf("rename: %v", err)
		}
	}

	replace(watcherUpdatedYAML)
	rec.wait(t)
	if got := w.Current().Assistant.Language; got != "hi-IN" {
		t.Fatalf("language after first replace = %q, want hi-IN", got)
	}

	// The replacement is a new inode; it must still be watched.
	replace(watcherValidYAML)
	rec.wait(t)
	if got := w.Current().Assistant.Language; got != "en" {
		t.Errorf("language after second replace = %q, want en", got)
	}
	if n := rec.count(); n != 2 {
		t.Errorf("calls = %d, want 2", n)
	}
}

func TestWatcher_RemoveThenRecreate(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	w, cfgPath := newWatched(t, watcherValidYAML, rec)

	if err := os.Remove(cfgPath); err != nil {
		t.Fatalf("remove: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if n := rec.count(); n != 0 {
		t.Fatalf("calls = %d after remove, want 0", n)
	}
	if w.Current().Server.LogLevel != config.LogInfo {
		t.Fatal("removal dropped the current config")
	}

	writeFile(t, cfgPath, watcherUpdatedYAML)
	rec.wait(t)
	if w.Current().Server.LogLevel != config.LogDebug {
		t.Errorf("log level = %q, want debug", w.Current().Server.LogLevel)
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	_, cfgPath := newWatched(t, watcherValidYAML, rec)

	writeFile(t, filepath.Join(filepath.Dir(cfgPath), "other.yaml"), watcherUpdatedYAML)
	time.Sleep(100 * time.Millisecond)
	if n := rec.count(); n != 0 {
		t.Errorf("calls = %d, want 0 for a sibling file", n)
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	w, cfgPath := newWatched(t, watcherValidYAML, rec)

	writeFile(t, cfgPath, watcherInvalidYAML)
	time.Sleep(100 * time.Millisecond)

	if n := rec.count(); n != 0 {
		t.Errorf("callback should not be called for invalid config, got %d calls", n)
	}
	if cur := w.Current(); cur.Server.LogLevel != config.LogInfo {
		t.Errorf("Current() should still have old config, got log_level=%q", cur.Server.LogLevel)
	}

	// A later valid write still goes through.
	writeFile(t, cfgPath, watcherUpdatedYAML)
	rec.wait(t)
	if cur := w.Current(); cur.Server.LogLevel != config.LogDebug {
		t.Errorf("log level = %q, want debug", cur.Server.LogLevel)
	}
}

func TestWatcher_Reload(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	rec := newRecorder()
	w, err := config.NewWatcher(cfgPath, rec.onChange)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Nothing changed yet.
	if err := w.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if n := rec.count(); n != 0 {
		t.Fatalf("calls = %d after a no-op reload", n)
	}

	writeFile(t, cfgPath, watcherInvalidYAML)
	if err := w.Reload(); err == nil {
		t.Error("Reload of an invalid file should fail")
	}

	writeFile(t, cfgPath, watcherUpdatedYAML)
	if err := w.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if n := rec.count(); n != 1 {
		t.Fatalf("calls = %d, want 1", n)
	}
	if w.Current().Server.LogLevel != config.LogDebug {
		t.Errorf("log level = %q, want debug", w.Current().Server.LogLevel)
	}
}

func TestWatcher_CommentOnlyEditIsSilent(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	rec := newRecorder()
	w, err := config.NewWatcher(cfgPath, rec.onChange)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	writeFile(t, cfgPath, "# tuned for the kharif season\n"+watcherValidYAML)
	if err := w.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if n := rec.count(); n != 0 {
		t.Errorf("calls = %d, want 0 for a comment-only edit", n)
	}
}

func TestWatcher_CommentOnlyWriteIsSilent(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	w, cfgPath := newWatched(t, watcherValidYAML, rec)

	writeFile(t, cfgPath, "# tuned for the kharif season\n"+watcherValidYAML)
	time.Sleep(100 * time.Millisecond)
	if n := rec.count(); n != 0 {
		t.Fatalf("calls = %d, want 0 for a comment-only edit", n)
	}

	writeFile(t, cfgPath, watcherUpdatedYAML)
	rec.wait(t)
	if n := rec.count(); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
	if w.Current().Assistant.Language != "hi-IN" {
		t.Errorf("language = %q, want hi-IN", w.Current().Assistant.Language)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/path.yaml", nil); err == nil {
		t.Fatal("expected error for non-existent file, got nil")
	}
}

func TestWatcher_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	w, err := config.NewWatcher(cfgPath, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	_, cfgPath := newWatched(t, watcherValidYAML, rec)

	ts := time.Now().Add(time.Second)
	if err := os.Chtimes(cfgPath, ts, ts); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if n := rec.count(); n != 0 {
		t.Errorf("callback should not fire for touch-only, got %d calls", n)
	}
}
