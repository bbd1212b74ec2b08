package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/farmgpt/krishimitra/pkg/provider/llm"
	"github.com/farmgpt/krishimitra/pkg/provider/stt"
	"github.com/farmgpt/krishimitra/pkg/provider/tts"
	"github.com/farmgpt/krishimitra/pkg/types"
)

// ── LLM ──────────────────────────────────────────────────────────────────────

type instrumentedLLM struct {
	next llm.Provider
	name string
	m    *Metrics
}

// InstrumentLLM wraps p so every completion is traced and recorded under
// name.
func InstrumentLLM(p llm.Provider, name string, m *Metrics) llm.Provider {
	return &instrumentedLLM{next: p, name: name, m: m}
}

func (i *instrumentedLLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	ctx, span := StartSpan(ctx, "llm.complete", trace.WithAttributes(
		attribute.String("provider", i.name),
		attribute.Int("messages", len(req.Messages)),
	))
	defer span.End()

	start := time.Now()
	resp, err := i.next.Complete(ctx, req)
	record(ctx, i.m, span, i.name, "llm", time.Since(start), err)
	if err == nil {
		span.SetAttributes(
			attribute.Int("prompt_tokens", resp.Usage.PromptTokens),
			attribute.Int("completion_tokens", resp.Usage.CompletionTokens),
		)
	}
	return resp, err
}

func (i *instrumentedLLM) Name() string { return i.next.Name() }

// ── STT ──────────────────────────────────────────────────────────────────────

type instrumentedSTT struct {
	next stt.Provider
	name string
	m    *Metrics
}

// InstrumentSTT wraps p so opening each recognition stream is traced and
// recorded under name.
func InstrumentSTT(p stt.Provider, name string, m *Metrics) stt.Provider {
	return &instrumentedSTT{next: p, name: name, m: m}
}

func (i *instrumentedSTT) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	sctx, span := StartSpan(ctx, "stt.start_stream", trace.WithAttributes(
		attribute.String("provider", i.name),
		attribute.String("language", cfg.Language),
	))
	defer span.End()

	start := time.Now()
	h, err := i.next.StartStream(ctx, cfg)
	record(sctx, i.m, span, i.name, "stt", time.Since(start), err)
	return h, err
}

// ── TTS ──────────────────────────────────────────────────────────────────────

type instrumentedTTS struct {
	next tts.Provider
	name string
	m    *Metrics
}

// InstrumentTTS wraps p so starting each synthesis stream is traced and
// recorded under name.
func InstrumentTTS(p tts.Provider, name string, m *Metrics) tts.Provider {
	return &instrumentedTTS{next: p, name: name, m: m}
}

func (i *instrumentedTTS) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (*tts.Stream, error) {
	sctx, span := StartSpan(ctx, "tts.synthesize", trace.WithAttributes(
		attribute.String("provider", i.name),
		attribute.String("voice", voice.ID),
	))
	defer span.End()

	start := time.Now()
	s, err := i.next.SynthesizeStream(ctx, text, voice)
	record(sctx, i.m, span, i.name, "tts", time.Since(start), err)
	return s, err
}

func (i *instrumentedTTS) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	return i.next.ListVoices(ctx)
}

// ── Shared ───────────────────────────────────────────────────────────────────

func record(ctx context.Context, m *Metrics, span trace.Span, provider, kind string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.RecordProviderError(ctx, provider, kind)
	}
	m.RecordProviderRequest(ctx, provider, kind, status, d)
}
