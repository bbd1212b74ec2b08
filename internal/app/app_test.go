package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/farmgpt/krishimitra/internal/app"
	"github.com/farmgpt/krishimitra/internal/config"
	"github.com/farmgpt/krishimitra/internal/health"
	"github.com/farmgpt/krishimitra/internal/observe"
	"github.com/farmgpt/krishimitra/internal/orchestrator"
	audiomock "github.com/farmgpt/krishimitra/pkg/audio/mock"
	"github.com/farmgpt/krishimitra/pkg/provider/llm"
	llmmock "github.com/farmgpt/krishimitra/pkg/provider/llm/mock"
	ttsmock "github.com/farmgpt/krishimitra/pkg/provider/tts/mock"
	"github.com/farmgpt/krishimitra/pkg/types"
)

// testConfig returns a defaulted config listening on a random local port.
func testConfig() *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{
			ListenAddr: "127.0.0.1:0",
			LogLevel:   config.LogInfo,
		},
		Providers: config.ProvidersConfig{
			LLM: config.ProviderEntry{Name: "mock"},
		},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func answering(text string) *llmmock.Provider {
	return &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: text}}
}

func newApp(t *testing.T, cfg *config.Config, p *app.Providers, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{app.WithMetrics(testMetrics(t))}, opts...)
	a, err := app.New(context.Background(), cfg, p, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func get(t *testing.T, h http.Handler, path string) (int, []byte) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Code, rec.Body.Bytes()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ── New ──────────────────────────────────────────────────────────────────────

func TestNew_RequiresLLM(t *testing.T) {
	t.Parallel()
	if _, err := app.New(context.Background(), testConfig(), &app.Providers{}); err == nil {
		t.Fatal("expected error without an llm provider")
	}
	if _, err := app.New(context.Background(), testConfig(), nil); err == nil {
		t.Fatal("expected error with nil providers")
	}
}

func TestNew_AppliesAssistantConfig(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Assistant.Language = "hi-IN"

	a := newApp(t, cfg, &app.Providers{LLM: answering("ok")})
	if got := a.Orchestrator().Language(); got != types.LanguageHindi {
		t.Errorf("Language = %q, want %q", got, types.LanguageHindi)
	}
}

func TestNew_SetsLogLevel(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Server.LogLevel = config.LogDebug
	var lv slog.LevelVar

	newApp(t, cfg, &app.Providers{LLM: answering("ok")}, app.WithLevelVar(&lv))
	if lv.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", lv.Level())
	}
}

func TestNew_BadConfigFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "missing.yaml")
	_, err := app.New(context.Background(), testConfig(), &app.Providers{LLM: answering("ok")},
		app.WithMetrics(testMetrics(t)), app.WithConfigFile(path, 0))
	if err == nil {
		t.Fatal("expected error for a missing config file")
	}
}

// ── HTTP surface ─────────────────────────────────────────────────────────────

func TestHandler_Routes(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(), &app.Providers{LLM: answering("ok")})
	h := a.Handler()

	tests := []struct {
		path string
		want int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/api/v1/state", http.StatusOK},
		{"/api/v1/prompts", http.StatusOK},
		{"/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if code, body := get(t, h, tt.path); code != tt.want {
				t.Errorf("GET %s = %d, want %d (body %s)", tt.path, code, tt.want, body)
			}
		})
	}
}

func TestHandler_ReadyzDegradedWithoutMicrophone(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(), &app.Providers{LLM: answering("ok")})

	code, body := get(t, a.Handler(), "/readyz")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	var res health.Report
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Status != "degraded" {
		t.Errorf("status = %q, want degraded", res.Status)
	}
	if got := res.Checks["llm"]; got.Status != health.StatusOK {
		t.Errorf("llm check = %+v, want ok", got)
	}
	if got := res.Checks["microphone"]; got.Status != health.StatusWarn || got.Error == "" {
		t.Errorf("microphone check = %+v, want a warning", got)
	}
}

func TestHandler_ReadyzFailsWhenAllLLMBreakersOpen(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Providers.FallbackLLM = []config.ProviderEntry{{Name: "backup"}}

	reg := config.NewRegistry()
	reg.RegisterLLM("mock", func(config.ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{CompleteErr: errors.New("down")}, nil
	})
	reg.RegisterLLM("backup", func(config.ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{CompleteErr: errors.New("down")}, nil
	})
	m := testMetrics(t)
	p, err := app.BuildProviders(context.Background(), cfg, reg, m)
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}
	a := newApp(t, cfg, p)

	// Five consecutive failures open each breaker.
	for range 5 {
		_, _ = p.LLM.Complete(context.Background(), llm.CompletionRequest{})
	}
	if code, body := get(t, a.Handler(), "/readyz"); code != http.StatusServiceUnavailable {
		t.Errorf("readyz = %d, want 503 (body %s)", code, body)
	}
}

func TestHandler_MessageRoundTrip(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(), &app.Providers{LLM: answering("Use drip irrigation.")})
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/api/v1/messages", "application/json", strings.NewReader(`{"text":"How do I save water?"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	o := a.Orchestrator()
	waitFor(t, "answer", func() bool {
		s := o.Snapshot()
		return len(s.Turns) == 3 && !s.Processing
	})
	turns := o.Snapshot().Turns
	if !strings.Contains(turns[2].Content, "drip") {
		t.Errorf("answer = %q", turns[2].Content)
	}
}

func TestNew_SpeakerNeedsSynthAndSink(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(), &app.Providers{
		LLM:   answering("ok"),
		TTS:   &ttsmock.Provider{},
		Audio: config.AudioDevices{Sink: &audiomock.Sink{}},
	})
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	// The greeting can be replayed once a speaker exists.
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/playback/toggle", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("toggle status = %d, want 200", resp.StatusCode)
	}
}

// ── Config reload ────────────────────────────────────────────────────────────

func TestApplyConfig(t *testing.T) {
	t.Parallel()
	var lv slog.LevelVar
	a := newApp(t, testConfig(), &app.Providers{LLM: answering("ok")}, app.WithLevelVar(&lv))

	old := testConfig()
	next := testConfig()
	next.Server.LogLevel = config.LogWarn
	next.Assistant.Language = "hi"
	next.Assistant.SilenceTimeout = 9 * time.Second
	off := false
	next.Assistant.ConfirmationCue = &off
	next.Server.ListenAddr = ":9999"

	a.ApplyConfig(old, next)

	if lv.Level() != slog.LevelWarn {
		t.Errorf("level = %v, want warn", lv.Level())
	}
	if got := a.Orchestrator().Language(); got != types.LanguageHindi {
		t.Errorf("Language = %q, want hi", got)
	}
}

func TestApplyConfig_NoChanges(t *testing.T) {
	t.Parallel()
	var lv slog.LevelVar
	a := newApp(t, testConfig(), &app.Providers{LLM: answering("ok")}, app.WithLevelVar(&lv))
	before := a.Orchestrator().Snapshot()

	a.ApplyConfig(testConfig(), testConfig())

	if lv.Level() != slog.LevelInfo {
		t.Errorf("level = %v, want info", lv.Level())
	}
	if got := a.Orchestrator().Snapshot(); len(got.Turns) != len(before.Turns) {
		t.Errorf("turns changed: %d -> %d", len(before.Turns), len(got.Turns))
	}
}

// ── Run ──────────────────────────────────────────────────────────────────────

func TestApp_RunServesUntilCancelled(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(), &app.Providers{LLM: answering("ok")})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitFor(t, "listener", func() bool { return a.Addr() != nil })
	resp, err := http.Get("http://" + a.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestApp_RunListenError(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Server.ListenAddr = "not-an-address"
	a := newApp(t, cfg, &app.Providers{LLM: answering("ok")})

	if err := a.Run(context.Background()); err == nil {
		t.Fatal("expected listen error")
	}
}

func TestApp_HotReload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "krishimitra.yaml")
	write := func(lang string) {
		t.Helper()
		body := "server:\n  listen_addr: \"127.0.0.1:0\"\nproviders:\n  llm:\n    name: gemini\nassistant:\n  language: " + lang + "\n"
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write("en")

	a := newApp(t, testConfig(), &app.Providers{LLM: answering("ok")},
		app.WithConfigFile(path, 10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Rewritten until seen, since Run registers the watch asynchronously.
	// The gap outlasts the debounce so rewrites cannot starve it.
	var last time.Time
	waitFor(t, "language reload", func() bool {
		if a.Orchestrator().Language() == types.LanguageHindi {
			return true
		}
		if time.Since(last) > 100*time.Millisecond {
			write("hi")
			last = time.Now()
		}
		return false
	})
}

func TestApp_ReloadConfig(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(), &app.Providers{LLM: answering("ok")})
	if err := a.ReloadConfig(); err == nil {
		t.Error("ReloadConfig without a config file should fail")
	}

	path := filepath.Join(t.TempDir(), "krishimitra.yaml")
	yaml := "providers:\n  llm:\n    name: gemini\nassistant:\n  language: en\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	b := newApp(t, testConfig(), &app.Providers{LLM: answering("ok")}, app.WithConfigFile(path, time.Hour))

	if err := os.WriteFile(path, []byte(strings.Replace(yaml, "language: en", "language: hi", 1)), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := b.ReloadConfig(); err != nil {
		t.Fatalf("ReloadConfig: %v", err)
	}
	if got := b.Orchestrator().Language(); got != types.LanguageHindi {
		t.Errorf("Language = %q, want hi", got)
	}

	if err := os.WriteFile(path, []byte("server:\n  log_level: loud\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := b.ReloadConfig(); err == nil {
		t.Error("ReloadConfig of an invalid file should fail")
	}
}

func TestApp_ShutdownIdempotent(t *testing.T) {
	t.Parallel()
	a, err := app.New(context.Background(), testConfig(), &app.Providers{LLM: answering("ok")},
		app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if err := a.Orchestrator().SubmitText(context.Background(), "hello"); !errors.Is(err, orchestrator.ErrClosed) {
		t.Errorf("SubmitText after shutdown = %v, want ErrClosed", err)
	}
}
