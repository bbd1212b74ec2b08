package config

import (
	"fmt"
	"time"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; provider changes
// need a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	LanguageChanged bool
	NewLanguage     string

	// TimingsChanged is set when any of the conversation loop timings or the
	// silence threshold changed. The new values are in the new config.
	TimingsChanged bool

	CueChanged bool
	NewCue     bool

	// RestartRequired lists sections that changed but cannot be applied live.
	RestartRequired []string
}

// Empty reports whether d carries no changes.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.LanguageChanged && !d.TimingsChanged &&
		!d.CueChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oa, na := old.Assistant, new.Assistant
	if oa.Language != na.Language {
		d.LanguageChanged = true
		d.NewLanguage = na.Language
	}
	d.TimingsChanged = oa.AITimeout != na.AITimeout ||
		oa.SilenceTimeout != na.SilenceTimeout ||
		oa.SilenceThreshold != na.SilenceThreshold ||
		oa.RelistenDelay != na.RelistenDelay ||
		oa.LevelInterval != na.LevelInterval
	if oa.CueEnabled() != na.CueEnabled() {
		d.CueChanged = true
		d.NewCue = na.CueEnabled()
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !sameTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !sameProviders(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if oa.Temperature != na.Temperature || oa.TopP != na.TopP || oa.TopK != na.TopK || oa.MaxTokens != na.MaxTokens ||
		oa.AnalysisTemperature != na.AnalysisTemperature {
		d.RestartRequired = append(d.RestartRequired, "assistant.sampling")
	}
	if oa.InterimTranscripts != na.InterimTranscripts {
		d.RestartRequired = append(d.RestartRequired, "assistant.interim_transcripts")
	}
	return d
}

// Timings are the hot-reloadable loop timings of a config.
type Timings struct {
	AITimeout        time.Duration
	RelistenDelay    time.Duration
	SilenceTimeout   time.Duration
	SilenceThreshold int
	LevelInterval    time.Duration
}

// LoopTimings extracts the hot-reloadable timings from cfg.
func (c *Config) LoopTimings() Timings {
	a := c.Assistant
	return Timings{
		AITimeout:        a.AITimeout,
		RelistenDelay:    a.RelistenDelay,
		SilenceTimeout:   a.SilenceTimeout,
		SilenceThreshold: a.SilenceThreshold,
		LevelInterval:    a.LevelInterval,
	}
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameProviders(a, b ProvidersConfig) bool {
	if !sameEntry(a.LLM, b.LLM) || !sameEntry(a.STT, b.STT) || !sameEntry(a.TTS, b.TTS) ||
		!sameEntry(a.VAD, b.VAD) || !sameEntry(a.Audio, b.Audio) {
		return false
	}
	return sameEntries(a.FallbackLLM, b.FallbackLLM) &&
		sameEntries(a.FallbackSTT, b.FallbackSTT) &&
		sameEntries(a.FallbackTTS, b.FallbackTTS)
}

func sameEntries(a, b []ProviderEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !sameEntry(a[i], b[i]) {
			return false
		}
	}
	return true
}

// sameEntry compares the scalar fields and the option keys. Option values
// are compared by their printed form since they may hold nested maps.
func sameEntry(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, av := range a.Options {
		bv, ok := b.Options[k]
		if !ok || fmt.Sprint(av) != fmt.Sprint(bv) {
			return false
		}
	}
	return true
}
