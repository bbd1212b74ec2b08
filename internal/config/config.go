// Package config provides the configuration schema, loader, and provider registry
// for the Krishi Mitra voice assistant.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the Krishi Mitra server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l onto a [slog.Level]. Unknown values map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure for Krishi Mitra.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Assistant AssistantConfig `yaml:"assistant"`
}

// ServerConfig holds network and logging settings for the HTTP server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// ShutdownTimeout bounds graceful shutdown of the HTTP server.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation to use for each
// capability. Each entry selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	LLM   ProviderEntry `yaml:"llm"`
	STT   ProviderEntry `yaml:"stt"`
	TTS   ProviderEntry `yaml:"tts"`
	VAD   ProviderEntry `yaml:"vad"`
	Audio ProviderEntry `yaml:"audio"`

	// FallbackLLM lists backends tried in order when the primary LLM fails
	// or its circuit breaker is open.
	FallbackLLM []ProviderEntry `yaml:"fallback_llm"`

	// FallbackSTT lists recognizers tried when the primary cannot open a
	// stream.
	FallbackSTT []ProviderEntry `yaml:"fallback_stt"`

	// FallbackTTS lists synthesizers tried when the primary cannot start.
	FallbackTTS []ProviderEntry `yaml:"fallback_tts"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "gemini", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gemini-2.5-flash-lite", "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// AssistantConfig tunes the conversation loop and the advisor.
type AssistantConfig struct {
	// Language is the initial conversation language tag ("en", "hi-IN", ...).
	Language string `yaml:"language"`

	// AITimeout bounds one advisor query. A timeout yields the fallback answer.
	AITimeout time.Duration `yaml:"ai_timeout"`

	// SilenceTimeout is how long input must stay quiet before listening stops.
	SilenceTimeout time.Duration `yaml:"silence_timeout"`

	// SilenceThreshold is the input level (1-100) under which input is quiet.
	SilenceThreshold int `yaml:"silence_threshold"`

	// RelistenDelay is the pause between the end of speech and listening
	// again in the hands-free loop.
	RelistenDelay time.Duration `yaml:"relisten_delay"`

	// LevelInterval is the input level sampling period.
	LevelInterval time.Duration `yaml:"level_interval"`

	// ConfirmationCue plays a beep when silence stops listening. Default true.
	ConfirmationCue *bool `yaml:"confirmation_cue"`

	// Sampling parameters for conversational answers.
	Temperature float64 `yaml:"temperature"`
	TopP        float64 `yaml:"top_p"`
	TopK        int     `yaml:"top_k"`

	// MaxTokens caps answer length. Zero leaves the backend default.
	MaxTokens int `yaml:"max_tokens"`

	// AnalysisTemperature is the sampling temperature for water analysis
	// reports, kept low so numbers stay stable.
	AnalysisTemperature float64 `yaml:"analysis_temperature"`

	// InterimTranscripts asks the recognizer for partial results while the
	// farmer is still talking. They are logged at debug level.
	InterimTranscripts bool `yaml:"interim_transcripts"`
}

// CueEnabled reports whether the confirmation cue is on.
func (a AssistantConfig) CueEnabled() bool {
	return a.ConfirmationCue == nil || *a.ConfirmationCue
}

// Defaults for every optional field.
const (
	DefaultListenAddr       = ":8080"
	DefaultShutdownTimeout  = 10 * time.Second
	DefaultLanguage         = "en"
	DefaultAITimeout        = 30 * time.Second
	DefaultSilenceTimeout   = 6 * time.Second
	DefaultSilenceThreshold = 5
	DefaultRelistenDelay    = 500 * time.Millisecond
	DefaultLevelInterval    = 16 * time.Millisecond
	DefaultTemperature      = 0.7
	DefaultTopP             = 0.8
	DefaultTopK             = 40

	DefaultAnalysisTemperature = 0.2
)

// ApplyDefaults fills every unset optional field.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	a := &cfg.Assistant
	if a.Language == "" {
		a.Language = DefaultLanguage
	}
	if a.AITimeout == 0 {
		a.AITimeout = DefaultAITimeout
	}
	if a.SilenceTimeout == 0 {
		a.SilenceTimeout = DefaultSilenceTimeout
	}
	if a.SilenceThreshold == 0 {
		a.SilenceThreshold = DefaultSilenceThreshold
	}
	if a.RelistenDelay == 0 {
		a.RelistenDelay = DefaultRelistenDelay
	}
	if a.LevelInterval == 0 {
		a.LevelInterval = DefaultLevelInterval
	}
	if a.Temperature == 0 {
		a.Temperature = DefaultTemperature
	}
	if a.TopP == 0 {
		a.TopP = DefaultTopP
	}
	if a.TopK == 0 {
		a.TopK = DefaultTopK
	}
	if a.AnalysisTemperature == 0 {
		a.AnalysisTemperature = DefaultAnalysisTemperature
	}
}
