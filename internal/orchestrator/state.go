package orchestrator

import (
	"fmt"

	"github.com/farmgpt/krishimitra/pkg/types"
)

// State is the conversation state a client renders.
type State int

const (
	StateIdle State = iota
	StateListening
	StateProcessing
	StateSpeaking
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	for st := StateIdle; st <= StateSpeaking; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("orchestrator: unknown state %q", b)
}

// deriveState maps the activity flags onto a single state. Processing wins
// over speaking, speaking over listening.
func deriveState(recording, processing, speaking bool) State {
	switch {
	case processing:
		return StateProcessing
	case speaking:
		return StateSpeaking
	case recording:
		return StateListening
	default:
		return StateIdle
	}
}

// Snapshot is a consistent copy of the orchestrator's observable state.
type Snapshot struct {
	State             State          `json:"state"`
	DialogID          string         `json:"dialogId,omitempty"`
	Language          types.Language `json:"language"`
	RequestedLanguage string         `json:"requestedLanguage"`
	Turns             []types.Turn   `json:"turns"`

	Recording  bool `json:"recording"`
	Processing bool `json:"processing"`
	Speaking   bool `json:"speaking"`
	AudioLevel int  `json:"audioLevel"`

	HasError     bool   `json:"hasError"`
	ErrorMessage string `json:"errorMessage,omitempty"`

	MicAvailable        bool `json:"micAvailable"`
	DialogOpen          bool `json:"dialogOpen"`
	ShowSuggestions     bool `json:"showSuggestions"`
	WaterRelated        bool `json:"waterRelated"`
	ListeningAfterSpeak bool `json:"listeningAfterSpeak"`
}

// ── Events ───────────────────────────────────────────────────────────────────

// EventKind discriminates [Event] payloads.
type EventKind string

const (
	EventSnapshot     EventKind = "snapshot"
	EventNotification EventKind = "notification"
	EventLevel        EventKind = "level"
)

// NotificationLevel is the severity of a [Notification].
type NotificationLevel string

const (
	LevelInfo  NotificationLevel = "info"
	LevelError NotificationLevel = "error"
)

// Notification is a short localized message for the user.
type Notification struct {
	Level   NotificationLevel `json:"level"`
	Message string            `json:"message"`
}

// Event is delivered to subscribers. Exactly one payload field is set,
// matching Kind.
type Event struct {
	Kind         EventKind     `json:"kind"`
	Snapshot     *Snapshot     `json:"snapshot,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
	Level        *int          `json:"level,omitempty"`
}
