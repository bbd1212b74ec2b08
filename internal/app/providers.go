package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/farmgpt/krishimitra/internal/config"
	"github.com/farmgpt/krishimitra/internal/observe"
	"github.com/farmgpt/krishimitra/internal/resilience"
	"github.com/farmgpt/krishimitra/pkg/audio/portaudio"
	"github.com/farmgpt/krishimitra/pkg/provider/llm"
	"github.com/farmgpt/krishimitra/pkg/provider/llm/anyllm"
	"github.com/farmgpt/krishimitra/pkg/provider/llm/gemini"
	"github.com/farmgpt/krishimitra/pkg/provider/llm/openai"
	"github.com/farmgpt/krishimitra/pkg/provider/stt"
	"github.com/farmgpt/krishimitra/pkg/provider/stt/deepgram"
	"github.com/farmgpt/krishimitra/pkg/provider/stt/googlespeech"
	"github.com/farmgpt/krishimitra/pkg/provider/stt/whisper"
	"github.com/farmgpt/krishimitra/pkg/provider/tts"
	"github.com/farmgpt/krishimitra/pkg/provider/tts/coqui"
	"github.com/farmgpt/krishimitra/pkg/provider/tts/elevenlabs"
	"github.com/farmgpt/krishimitra/pkg/provider/vad"
	"github.com/farmgpt/krishimitra/pkg/provider/vad/webrtc"
	"github.com/farmgpt/krishimitra/pkg/types"
)

// Providers holds the constructed provider stack. STT, TTS and the audio
// devices may be nil; the orchestrator degrades to text input and silent
// answers.
type Providers struct {
	LLM   llm.Provider
	STT   stt.Provider
	TTS   tts.Provider
	Audio config.AudioDevices

	// LLMBreakers reports the breaker state of every LLM backend. Nil when
	// no fallback is configured.
	LLMBreakers func() map[string]resilience.State
}

// RegisterBuiltins registers every provider implementation shipped with the
// binary. cfg supplies cross-provider settings such as the VAD used by the
// whisper recognizer.
func RegisterBuiltins(ctx context.Context, reg *config.Registry, cfg *config.Config) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("gemini", func(e config.ProviderEntry) (llm.Provider, error) {
		var opts []gemini.Option
		if e.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(e.BaseURL))
		}
		return gemini.New(ctx, e.APIKey, e.Model, opts...)
	})
	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if e.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(e.BaseURL))
		}
		if org := config.OptString(e, "organization", ""); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if ms := config.OptInt(e, "timeout_ms", 0); ms > 0 {
			opts = append(opts, openai.WithTimeout(time.Duration(ms)*time.Millisecond))
		}
		return openai.New(e.APIKey, e.Model, opts...)
	})
	// The remaining backends go through any-llm and share one shape:
	// optional API key, optional base URL.
	for _, name := range []string{"anthropic", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"} {
		reg.RegisterLLM(name, func(e config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if e.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
			}
			if e.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
			}
			return anyllm.New(name, e.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────
	reg.RegisterSTT("deepgram", func(e config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if e.Model != "" {
			opts = append(opts, deepgram.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(e.BaseURL))
		}
		if ms := config.OptInt(e, "endpointing_ms", 0); ms > 0 {
			opts = append(opts, deepgram.WithEndpointing(time.Duration(ms)*time.Millisecond))
		}
		return deepgram.New(e.APIKey, opts...)
	})
	reg.RegisterSTT("google", func(e config.ProviderEntry) (stt.Provider, error) {
		opts := []googlespeech.Option{
			googlespeech.WithModel(e.Model),
			googlespeech.WithPunctuation(config.OptBool(e, "punctuation", true)),
		}
		if alt := config.OptString(e, "hindi_alternate", ""); alt != "" {
			opts = append(opts, googlespeech.WithAlternateLanguages("hi-IN", strings.Split(alt, ",")...))
		}
		p, err := googlespeech.New(ctx, opts...)
		if err != nil {
			return nil, err
		}
		context.AfterFunc(ctx, func() { _ = p.Close() })
		return p, nil
	})
	reg.RegisterSTT("whisper", func(e config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if e.Model != "" {
			opts = append(opts, whisper.WithModel(e.Model))
		}
		if ms := config.OptInt(e, "silence_ms", 0); ms > 0 {
			opts = append(opts, whisper.WithSilenceThreshold(time.Duration(ms)*time.Millisecond))
		}
		if ms := config.OptInt(e, "max_buffer_ms", 0); ms > 0 {
			opts = append(opts, whisper.WithMaxBuffer(time.Duration(ms)*time.Millisecond))
		}
		if v := cfg.Providers.VAD; v.Name != "" {
			engine, err := reg.CreateVAD(v)
			if err != nil {
				return nil, fmt.Errorf("whisper vad: %w", err)
			}
			opts = append(opts, whisper.WithVAD(engine, config.OptInt(v, "aggressiveness", 2)))
		}
		return whisper.New(e.BaseURL, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────
	reg.RegisterTTS("elevenlabs", func(e config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if e.Model != "" {
			opts = append(opts, elevenlabs.WithModel(e.Model))
		}
		if f := config.OptString(e, "output_format", ""); f != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(f))
		}
		return elevenlabs.New(e.APIKey, opts...)
	})
	reg.RegisterTTS("coqui", func(e config.ProviderEntry) (tts.Provider, error) {
		opts := []coqui.Option{
			coqui.WithAPIMode(coqui.APIMode(config.OptString(e, "api_mode", string(coqui.APIModeStandard)))),
		}
		if v := config.OptString(e, "default_voice", ""); v != "" {
			opts = append(opts, coqui.WithDefaultVoice(v))
		}
		if ms := config.OptInt(e, "timeout_ms", 0); ms > 0 {
			opts = append(opts, coqui.WithTimeout(time.Duration(ms)*time.Millisecond))
		}
		return coqui.New(e.BaseURL, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────
	reg.RegisterVAD("webrtc", func(config.ProviderEntry) (vad.Engine, error) {
		return webrtc.New(), nil
	})

	// ── Audio ─────────────────────────────────────────────────────────────────
	reg.RegisterAudio("portaudio", func(e config.ProviderEntry) (config.AudioDevices, error) {
		frames := config.OptInt(e, "frames_per_buffer", 0)
		return config.AudioDevices{
			Source: portaudio.NewMicrophone(
				portaudio.WithSampleRate(config.OptInt(e, "sample_rate", 16000)),
				portaudio.WithFramesPerBuffer(frames),
			),
			Sink: portaudio.NewSpeaker(config.OptInt(e, "output_frames", 0)),
		}, nil
	})
	reg.RegisterAudio("none", func(config.ProviderEntry) (config.AudioDevices, error) {
		return config.AudioDevices{}, nil
	})
}

// BuildProviders creates the configured providers concurrently. Each
// backend is instrumented with m; slots with fallbacks are wrapped in a
// circuit-breaker chain whose transitions are recorded in m.
func BuildProviders(ctx context.Context, cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*Providers, error) {
	p := &Providers{}
	pc := cfg.Providers
	g, _ := errgroup.WithContext(ctx)

	g.Go(func() error {
		primary, err := reg.CreateLLM(pc.LLM)
		if err != nil {
			return fmt.Errorf("llm: %w", err)
		}
		primary = observe.InstrumentLLM(primary, pc.LLM.Name, m)
		if len(pc.FallbackLLM) == 0 {
			p.LLM = primary
			return nil
		}
		fb := resilience.NewLLMFallback(primary, pc.LLM.Name, fallbackConfig("llm", m))
		for _, e := range pc.FallbackLLM {
			alt, err := reg.CreateLLM(e)
			if err != nil {
				slog.Warn("skipping llm fallback", "name", e.Name, "err", err)
				continue
			}
			fb.AddFallback(e.Name, observe.InstrumentLLM(alt, e.Name, m))
		}
		p.LLM = fb
		p.LLMBreakers = fb.States
		return nil
	})

	g.Go(func() error {
		if pc.STT.Name == "" {
			return nil
		}
		primary, err := reg.CreateSTT(pc.STT)
		if err != nil {
			return fmt.Errorf("stt: %w", err)
		}
		primary = observe.InstrumentSTT(primary, pc.STT.Name, m)
		if len(pc.FallbackSTT) == 0 {
			p.STT = primary
			return nil
		}
		fb := resilience.NewSTTFallback(primary, pc.STT.Name, fallbackConfig("stt", m))
		for _, e := range pc.FallbackSTT {
			alt, err := reg.CreateSTT(e)
			if err != nil {
				slog.Warn("skipping stt fallback", "name", e.Name, "err", err)
				continue
			}
			fb.AddFallback(e.Name, observe.InstrumentSTT(alt, e.Name, m))
		}
		p.STT = fb
		return nil
	})

	g.Go(func() error {
		if pc.TTS.Name == "" {
			return nil
		}
		primary, err := reg.CreateTTS(pc.TTS)
		if err != nil {
			return fmt.Errorf("tts: %w", err)
		}
		primary = observe.InstrumentTTS(primary, pc.TTS.Name, m)
		if len(pc.FallbackTTS) == 0 {
			p.TTS = primary
			return nil
		}
		fb := resilience.NewTTSFallback(primary, pc.TTS.Name, fallbackConfig("tts", m))
		for _, e := range pc.FallbackTTS {
			alt, err := reg.CreateTTS(e)
			if err != nil {
				slog.Warn("skipping tts fallback", "name", e.Name, "err", err)
				continue
			}
			fb.AddFallback(e.Name, observe.InstrumentTTS(alt, e.Name, m), fallbackVoice(e))
		}
		p.TTS = fb
		return nil
	})

	g.Go(func() error {
		if pc.Audio.Name == "" {
			return nil
		}
		devs, err := reg.CreateAudio(pc.Audio)
		if err != nil {
			return fmt.Errorf("audio: %w", err)
		}
		p.Audio = devs
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("app: build providers: %w", err)
	}
	return p, nil
}

// fallbackConfig builds breaker settings that report transitions to m.
func fallbackConfig(kind string, m *observe.Metrics) resilience.FallbackConfig {
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			Name: kind,
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("provider breaker changed state", "kind", kind, "breaker", name, "from", from, "to", to)
				m.RecordBreakerTransition(context.Background(), name, from.String(), to.String())
			},
		},
	}
}

// fallbackVoice maps the primary synthesizer's voice onto a fallback: the
// locale and speed carry over, the voice ID comes from the fallback's own
// per-language options.
func fallbackVoice(e config.ProviderEntry) func(types.VoiceProfile) types.VoiceProfile {
	return func(v types.VoiceProfile) types.VoiceProfile {
		lang := types.ParseLanguage(v.Locale)
		return types.VoiceProfile{
			ID:          config.OptString(e, "voice_"+string(lang), ""),
			Provider:    e.Name,
			Locale:      v.Locale,
			SpeedFactor: v.SpeedFactor,
		}
	}
}

// voiceOptions reads the voice_en / voice_hi options of the primary
// synthesizer.
func voiceOptions(e config.ProviderEntry) map[types.Language]types.VoiceProfile {
	out := make(map[types.Language]types.VoiceProfile)
	for _, lang := range []types.Language{types.LanguageEnglish, types.LanguageHindi} {
		if id := config.OptString(e, "voice_"+string(lang), ""); id != "" {
			out[lang] = types.VoiceProfile{ID: id, Provider: e.Name, Locale: lang.Locale()}
		}
	}
	return out
}
