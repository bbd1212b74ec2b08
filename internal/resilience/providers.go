package resilience

import (
	"context"
	"strings"

	"github.com/farmgpt/krishimitra/pkg/provider/llm"
	"github.com/farmgpt/krishimitra/pkg/provider/stt"
	"github.com/farmgpt/krishimitra/pkg/provider/tts"
	"github.com/farmgpt/krishimitra/pkg/types"
)

// ── LLM ──────────────────────────────────────────────────────────────────────

// LLMFallback implements [llm.Provider] with failover across backends.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred
// backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional LLM backend.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Complete sends the request to the first healthy backend.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(ctx, f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// Name joins the entry names in failover order.
func (f *LLMFallback) Name() string { return strings.Join(f.group.Names(), ",") }

// States reports each backend's breaker state.
func (f *LLMFallback) States() map[string]State { return f.group.States() }

// ── STT ──────────────────────────────────────────────────────────────────────

// STTFallback implements [stt.Provider] with failover across backends. Only
// opening the stream is covered; a session that fails mid-utterance reports
// through its own Err.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred
// backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional STT backend.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// StartStream opens a session on the first healthy backend.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(ctx, f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

// ── TTS ──────────────────────────────────────────────────────────────────────

// TTSFallback implements [tts.Provider] with failover across backends.
//
// The text channel can only be consumed once, so SynthesizeStream buffers
// the whole text before trying the first backend and replays it to each
// attempt.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
	// voices maps a backend name to the voice it should use in place of the
	// one requested, since voice IDs are backend-specific.
	voices map[string]func(types.VoiceProfile) types.VoiceProfile
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred
// backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group:  NewFallbackGroup(primary, primaryName, cfg),
		voices: map[string]func(types.VoiceProfile) types.VoiceProfile{},
	}
}

// AddFallback registers an additional TTS backend. mapVoice translates the
// requested voice into one the backend knows; nil keeps it unchanged.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider, mapVoice func(types.VoiceProfile) types.VoiceProfile) {
	f.group.AddFallback(name, provider)
	if mapVoice != nil {
		f.voices[name] = mapVoice
	}
}

// SynthesizeStream starts synthesis on the first healthy backend.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (*tts.Stream, error) {
	var fragments []string
	for frag := range text {
		fragments = append(fragments, frag)
	}
	return executeNamed(ctx, f.group, func(name string, p tts.Provider) (*tts.Stream, error) {
		v := voice
		if m, ok := f.voices[name]; ok {
			v = m(voice)
		}
		ch := make(chan string, len(fragments))
		for _, frag := range fragments {
			ch <- frag
		}
		close(ch)
		return p.SynthesizeStream(ctx, ch, v)
	})
}

// ListVoices returns the voices of the first healthy backend.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	return ExecuteWithResult(ctx, f.group, func(p tts.Provider) ([]types.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}
