package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":   {"gemini", "openai", "anthropic", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":   {"deepgram", "whisper", "google"},
	"tts":   {"elevenlabs", "coqui"},
	"vad":   {"webrtc"},
	"audio": {"portaudio", "none"},
}

// Environment variables that supply API keys left empty in the file.
const (
	EnvLLMAPIKey = "KRISHIMITRA_LLM_API_KEY"
	EnvSTTAPIKey = "KRISHIMITRA_STT_API_KEY"
	EnvTTSAPIKey = "KRISHIMITRA_TTS_API_KEY"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// overrides and defaults, and validates the result. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg, os.Getenv)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv fills empty API keys from the KRISHIMITRA_*_API_KEY variables.
// Fallback entries share the key of their primary.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	fill := func(key string, entries ...*ProviderEntry) {
		v := getenv(key)
		if v == "" {
			return
		}
		for _, e := range entries {
			if e.APIKey == "" {
				e.APIKey = v
			}
		}
	}
	p := &cfg.Providers
	fill(EnvLLMAPIKey, append([]*ProviderEntry{&p.LLM}, ptrs(p.FallbackLLM)...)...)
	fill(EnvSTTAPIKey, append([]*ProviderEntry{&p.STT}, ptrs(p.FallbackSTT)...)...)
	fill(EnvTTSAPIKey, append([]*ProviderEntry{&p.TTS}, ptrs(p.FallbackTTS)...)...)
}

func ptrs(entries []ProviderEntry) []*ProviderEntry {
	out := make([]*ProviderEntry, len(entries))
	for i := range entries {
		out[i] = &entries[i]
	}
	return out
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %s must not be negative", cfg.Server.ShutdownTimeout))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required; the advisor cannot answer without a model"))
	}
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("audio", cfg.Providers.Audio.Name)

	for kind, entries := range map[string][]ProviderEntry{
		"fallback_llm": cfg.Providers.FallbackLLM,
		"fallback_stt": cfg.Providers.FallbackSTT,
		"fallback_tts": cfg.Providers.FallbackTTS,
	} {
		for i, e := range entries {
			if e.Name == "" {
				errs = append(errs, fmt.Errorf("providers.%s[%d].name is required", kind, i))
			}
			validateProviderName(strings.TrimPrefix(kind, "fallback_"), e.Name)
		}
	}

	// Capability availability warnings
	hasAudio := cfg.Providers.Audio.Name != "" && cfg.Providers.Audio.Name != "none"
	if cfg.Providers.STT.Name != "" && !hasAudio {
		slog.Warn("providers.stt is configured but no audio device is; voice input will be unavailable")
	}
	if cfg.Providers.TTS.Name != "" && !hasAudio {
		slog.Warn("providers.tts is configured but no audio device is; answers will not be spoken")
	}
	if cfg.Providers.STT.Name == "whisper" && cfg.Providers.VAD.Name == "" {
		slog.Warn("providers.stt is whisper without providers.vad; utterances end only on the buffer limit")
	}

	// Assistant
	a := cfg.Assistant
	if a.Language != "" && !knownLanguage(a.Language) {
		slog.Warn("assistant.language is neither English nor Hindi; English will be used", "language", a.Language)
	}
	if a.AITimeout < 0 {
		errs = append(errs, fmt.Errorf("assistant.ai_timeout %s must not be negative", a.AITimeout))
	}
	if a.SilenceTimeout < 0 {
		errs = append(errs, fmt.Errorf("assistant.silence_timeout %s must not be negative", a.SilenceTimeout))
	}
	if a.SilenceThreshold < 0 || a.SilenceThreshold > 100 {
		errs = append(errs, fmt.Errorf("assistant.silence_threshold %d is out of range [1, 100]", a.SilenceThreshold))
	}
	if a.RelistenDelay < 0 {
		errs = append(errs, fmt.Errorf("assistant.relisten_delay %s must not be negative", a.RelistenDelay))
	}
	if a.LevelInterval < 0 {
		errs = append(errs, fmt.Errorf("assistant.level_interval %s must not be negative", a.LevelInterval))
	}
	if a.Temperature < 0 || a.Temperature > 2 {
		errs = append(errs, fmt.Errorf("assistant.temperature %.2f is out of range [0, 2]", a.Temperature))
	}
	if a.TopP < 0 || a.TopP > 1 {
		errs = append(errs, fmt.Errorf("assistant.top_p %.2f is out of range [0, 1]", a.TopP))
	}
	if a.TopK < 0 {
		errs = append(errs, fmt.Errorf("assistant.top_k %d must not be negative", a.TopK))
	}
	if a.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("assistant.max_tokens %d must not be negative", a.MaxTokens))
	}
	if a.AnalysisTemperature < 0 || a.AnalysisTemperature > 2 {
		errs = append(errs, fmt.Errorf("assistant.analysis_temperature %.2f is out of range [0, 2]", a.AnalysisTemperature))
	}

	return errors.Join(errs...)
}

func knownLanguage(tag string) bool {
	lower := strings.ToLower(tag)
	return strings.HasPrefix(lower, "en") || strings.HasPrefix(lower, "hi")
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
