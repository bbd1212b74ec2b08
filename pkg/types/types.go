// Package types defines the data shared by the Krishi Mitra packages.
//
// Conversation turns, languages and confidence labels live here together with
// the audio and transcript values exchanged between providers, so that the
// voice, advisor and orchestrator packages can depend on them without
// importing one another.
package types

import (
	"strings"
	"time"
)

// ── Language ──────────────────────────────────────────────────────────────────

// Language is a normalized conversation language. Only English and Hindi have
// full voice and AI support; every other requested tag normalizes to English.
type Language string

const (
	LanguageEnglish Language = "en"
	LanguageHindi   Language = "hi"
)

// ParseLanguage normalizes an arbitrary language tag. "hi" (in any case, with
// or without a region such as "hi-IN") maps to [LanguageHindi]; everything
// else, including the empty string, maps to [LanguageEnglish].
func ParseLanguage(tag string) Language {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if tag == "hi" || strings.HasPrefix(tag, "hi-") || strings.HasPrefix(tag, "hi_") {
		return LanguageHindi
	}
	return LanguageEnglish
}

// Locale returns the speech locale used for recognition and synthesis.
func (l Language) Locale() string {
	if l == LanguageHindi {
		return "hi-IN"
	}
	return "en-US"
}

// String implements fmt.Stringer.
func (l Language) String() string { return string(l) }

// ── Conversation ──────────────────────────────────────────────────────────────

// Role attributes a conversation turn to the farmer or to the assistant.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Confidence is the heuristic label attached to assistant turns.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Turn is one message in the conversation transcript. Turns are values and are
// never modified after they have been appended.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// Confidence is set for assistant turns only.
	Confidence Confidence `json:"confidence,omitempty"`

	// Timestamp is when the turn was appended.
	Timestamp time.Time `json:"timestamp"`
}

// Exchange pairs a farmer question with the assistant answer that followed it.
type Exchange struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Message is a single entry in an LLM request history.
type Message struct {
	// Role is one of "system", "user" or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// ── Audio ─────────────────────────────────────────────────────────────────────

// AudioFrame is one chunk of 16-bit little-endian PCM audio.
type AudioFrame struct {
	Data []byte

	// SampleRate in Hz (16000 for capture, provider-specific for synthesis).
	SampleRate int

	// Channels is 1 for every stream in this system.
	Channels int

	// Timestamp is the offset from the start of the stream.
	Timestamp time.Duration
}

// Transcript is a speech-to-text result. Both interim and final transcripts
// use this type.
type Transcript struct {
	Text string

	// IsFinal marks an authoritative transcript.
	IsFinal bool

	// Confidence is 0.0–1.0, or zero when the provider does not report it.
	Confidence float64

	// Language is the locale the recognizer was configured with.
	Language string

	// Duration is the length of the utterance, when known.
	Duration time.Duration
}

// VoiceProfile selects a TTS voice.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Locale is the speech locale, e.g. "hi-IN".
	Locale string

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default).
	SpeedFactor float64
}

// VADEvent is a voice activity detection result for a single audio frame.
type VADEvent struct {
	Type VADEventType

	// Probability is the speech probability score (0.0–1.0). Binary detectors
	// report 0 or 1.
	Probability float64
}

// VADEventType enumerates VAD detection states.
type VADEventType int

const (
	VADSpeechStart VADEventType = iota
	VADSpeechContinue
	VADSpeechEnd
	VADSilence
)

// String returns the lower-case name of the event type.
func (t VADEventType) String() string {
	switch t {
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechContinue:
		return "speech_continue"
	case VADSpeechEnd:
		return "speech_end"
	case VADSilence:
		return "silence"
	default:
		return "unknown"
	}
}
