// Package app wires the Krishi Mitra subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects the
// advisor, voice playback, orchestrator and HTTP surface; Run serves until
// the context is cancelled; Shutdown tears everything down in order.
//
// For testing, inject doubles through the [Providers] struct and the
// functional options. Nothing in New touches the network or audio hardware.
package app

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/farmgpt/krishimitra/internal/advisor"
	"github.com/farmgpt/krishimitra/internal/api"
	"github.com/farmgpt/krishimitra/internal/clock"
	"github.com/farmgpt/krishimitra/internal/config"
	"github.com/farmgpt/krishimitra/internal/health"
	"github.com/farmgpt/krishimitra/internal/observe"
	"github.com/farmgpt/krishimitra/internal/orchestrator"
	"github.com/farmgpt/krishimitra/internal/resilience"
	"github.com/farmgpt/krishimitra/internal/voice/playback"
)

const readHeaderTimeout = 10 * time.Second

// errNoLLMBackend is reported by the readiness check when every LLM breaker
// is open.
var errNoLLMBackend = errors.New("all llm backends unavailable")

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics       *observe.Metrics
	clk           clock.Clock
	level         *slog.LevelVar
	configPath    string
	watchDebounce time.Duration
	origins       []string

	// Subsystems, initialised in New and torn down in Shutdown.
	advisor  *advisor.Service
	playback *playback.Session
	orch     *orchestrator.Orchestrator
	health   *health.Handler
	api      *api.Server
	watcher  *config.Watcher
	handler  http.Handler

	mu   sync.Mutex
	addr net.Addr

	// closers are called in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metrics sink. The default is [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithClock sets the clock driving the conversation timers.
func WithClock(clk clock.Clock) Option {
	return func(a *App) { a.clk = clk }
}

// WithLevelVar lets configuration reloads change the log level of the
// handler built around v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithConfigFile enables hot reload of the config at path. Changes are
// applied once the file has been quiet for debounce (zero keeps the watcher
// default).
func WithConfigFile(path string, debounce time.Duration) Option {
	return func(a *App) {
		a.configPath = path
		a.watchDebounce = debounce
	}
}

// WithOriginPatterns sets the hosts allowed to open the event stream from a
// browser.
func WithOriginPatterns(patterns ...string) Option {
	return func(a *App) { a.origins = patterns }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg and the already-built providers. providers.LLM
// must be set.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil {
		return nil, errors.New("app: an llm provider is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		clk:       clock.Real(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.level != nil {
		a.level.Set(cfg.Server.LogLevel.Slog())
	}

	// ── 1. Advisor ───────────────────────────────────────────────────────
	as := cfg.Assistant
	a.advisor = advisor.New(providers.LLM,
		advisor.WithSampling(as.Temperature, as.TopP, as.TopK),
		advisor.WithMaxTokens(as.MaxTokens),
		advisor.WithAnalysisTemperature(as.AnalysisTemperature),
	)

	// ── 2. Orchestrator ──────────────────────────────────────────────────
	orchOpts := []orchestrator.Option{
		orchestrator.WithClock(a.clk),
		orchestrator.WithLanguage(as.Language),
		orchestrator.WithTimings(orchestrator.Timings(cfg.LoopTimings())),
		orchestrator.WithConfirmationCue(as.CueEnabled()),
		orchestrator.WithInterimTranscripts(as.InterimTranscripts),
		orchestrator.WithRecorder(a.metrics),
		orchestrator.WithRecognizer(providers.STT, providers.Audio.Source),
	}
	if providers.TTS != nil && providers.Audio.Sink != nil {
		var voiceOpts []playback.Option
		for lang, v := range voiceOptions(cfg.Providers.TTS) {
			voiceOpts = append(voiceOpts, playback.WithVoice(lang, v))
		}
		a.playback = playback.New(providers.TTS, providers.Audio.Sink, voiceOpts...)
		orchOpts = append(orchOpts, orchestrator.WithSpeaker(a.playback))
	} else {
		slog.Info("spoken answers disabled", "tts", cfg.Providers.TTS.Name, "audio", cfg.Providers.Audio.Name)
	}
	a.orch = orchestrator.New(a.advisor, orchOpts...)
	a.closers = append(a.closers, a.orch.Close)
	if a.playback != nil {
		a.closers = append(a.closers, a.playback.Close)
	}

	// ── 3. Health ────────────────────────────────────────────────────────
	a.health = health.New([]health.Checker{
		{Name: "llm", Check: a.checkLLM},
		{Name: "microphone", Check: a.checkMicrophone, Optional: true},
	}, health.WithClock(a.clk.Now))

	// ── 4. HTTP surface ──────────────────────────────────────────────────
	a.api = api.New(a.orch,
		api.WithMetrics(a.metrics),
		api.WithWaterAnalyzer(a.advisor),
		api.WithOriginPatterns(a.origins...),
	)
	mux := http.NewServeMux()
	a.api.Register(mux)
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	a.handler = observe.Middleware(a.metrics)(mux)

	// ── 5. Config watcher ────────────────────────────────────────────────
	if a.configPath != "" {
		var wopts []config.WatcherOption
		if a.watchDebounce > 0 {
			wopts = append(wopts, config.WithDebounce(a.watchDebounce))
		}
		onChange := func(_, next *config.Config, d config.ConfigDiff) { a.apply(d, next) }
		w, err := config.NewWatcher(a.configPath, onChange, wopts...)
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("app: %w", err)
		}
		a.watcher = w
	}

	return a, nil
}

// Handler returns the HTTP handler serving the API, health and metrics
// routes.
func (a *App) Handler() http.Handler { return a.handler }

// Orchestrator returns the conversation state machine.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// Addr returns the address the server is listening on, or nil before Run
// has bound it.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run probes the microphone, then serves HTTP and watches the config file
// until ctx is cancelled. A cancelled ctx is a clean stop and returns nil.
func (a *App) Run(ctx context.Context) error {
	// Voice input stays disabled when the probe fails; text keeps working.
	_ = a.orch.Init(ctx)

	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	a.mu.Lock()
	a.addr = ln.Addr()
	a.mu.Unlock()

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		tls := a.cfg.Server.TLS
		slog.Info("http server listening", "addr", ln.Addr().String(), "tls", tls != nil)
		var err error
		if tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		timeout := cmp.Or(a.cfg.Server.ShutdownTimeout, config.DefaultShutdownTimeout)
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			slog.Warn("http server shutdown", "err", err)
			return srv.Close()
		}
		return nil
	})
	if a.watcher != nil {
		g.Go(func() error {
			// SIGHUP reloads still work without file events.
			if err := a.watcher.Run(gctx); err != nil {
				slog.Warn("config file watching unavailable", "err", err)
			}
			return nil
		})
	}

	return g.Wait()
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable part of a config change. Sections
// that need a restart are logged and left alone.
func (a *App) ApplyConfig(old, new *config.Config) {
	a.apply(config.Diff(old, new), new)
}

// ReloadConfig re-reads the config file immediately. It fails when hot
// reload is not enabled or the file does not validate.
func (a *App) ReloadConfig() error {
	if a.watcher == nil {
		return errors.New("app: config reload not enabled")
	}
	if err := a.watcher.Reload(); err != nil {
		return fmt.Errorf("app: reload config: %w", err)
	}
	return nil
}

func (a *App) apply(d config.ConfigDiff, new *config.Config) {
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.LanguageChanged {
		a.orch.SetLanguage(d.NewLanguage)
	}
	if d.TimingsChanged {
		a.orch.Reconfigure(orchestrator.Timings(new.LoopTimings()))
	}
	if d.CueChanged {
		a.orch.SetConfirmationCue(d.NewCue)
		slog.Info("confirmation cue changed", "enabled", d.NewCue)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config sections changed that need a restart", "sections", d.RestartRequired)
	}
}

// ─── Health checks ───────────────────────────────────────────────────────────

// checkLLM fails only when every LLM backend has an open breaker. A single
// backend has no breaker and is assumed reachable.
func (a *App) checkLLM(context.Context) error {
	if a.providers.LLMBreakers == nil {
		return nil
	}
	for _, s := range a.providers.LLMBreakers() {
		if s != resilience.StateOpen {
			return nil
		}
	}
	return errNoLLMBackend
}

func (a *App) checkMicrophone(context.Context) error {
	if !a.orch.Snapshot().MicAvailable {
		return errors.New("voice input unavailable")
	}
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the conversation and releases the audio devices. It is
// safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		done := make(chan error, 1)
		go func() { done <- a.closeAll() }()
		select {
		case err = <-done:
		case <-ctx.Done():
			err = fmt.Errorf("app: shutdown: %w", ctx.Err())
		}
	})
	return err
}

func (a *App) closeAll() error {
	var errs []error
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
