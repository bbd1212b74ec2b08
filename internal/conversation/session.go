// Package conversation holds the Krishi Mitra transcript and the localized
// text the assistant shows and speaks.
//
// A [Session] is the ordered list of turns for one language. It always starts
// with the assistant greeting and enforces strict user/assistant alternation
// after it. A [Store] keeps one session per language.
package conversation

import (
	"errors"
	"sync"
	"time"

	"github.com/farmgpt/krishimitra/internal/clock"
	"github.com/farmgpt/krishimitra/pkg/types"
)

// ErrOutOfTurn is returned when an append would break user/assistant
// alternation.
var ErrOutOfTurn = errors.New("conversation: turn out of order")

// Option configures a [Session] or a [Store].
type Option func(*options)

type options struct {
	clk clock.Clock
}

// WithClock sets the clock used to timestamp turns.
func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		if clk != nil {
			o.clk = clk
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{clk: clock.Real()}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Session is the transcript of one conversation. All methods are safe for
// concurrent use.
type Session struct {
	clk       clock.Clock
	lang      types.Language
	requested string

	mu    sync.Mutex
	turns []types.Turn
}

// NewSession creates a session for the language tag requested. The tag is
// normalized with [types.ParseLanguage]; the raw value is kept for display.
// The transcript starts with the greeting.
func NewSession(requested string, opts ...Option) *Session {
	o := buildOptions(opts)
	s := &Session{
		clk:       o.clk,
		lang:      types.ParseLanguage(requested),
		requested: requested,
	}
	s.turns = []types.Turn{s.greeting()}
	return s
}

func (s *Session) greeting() types.Turn {
	return types.Turn{
		Role:       types.RoleAssistant,
		Content:    Greeting(s.lang),
		Confidence: types.ConfidenceHigh,
		Timestamp:  s.clk.Now(),
	}
}

// Language returns the normalized language.
func (s *Session) Language() types.Language { return s.lang }

// RequestedLanguage returns the tag the session was created with.
func (s *Session) RequestedLanguage() string { return s.requested }

// Turns returns a copy of the transcript in insertion order.
func (s *Session) Turns() []types.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Len returns the number of turns, greeting included.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

// AppendUser appends a farmer turn. The previous turn must be an assistant
// turn.
func (s *Session) AppendUser(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turns[len(s.turns)-1].Role != types.RoleAssistant {
		return ErrOutOfTurn
	}
	s.turns = append(s.turns, types.Turn{
		Role:      types.RoleUser,
		Content:   text,
		Timestamp: s.clk.Now(),
	})
	return nil
}

// AppendAssistant appends an assistant answer. The previous turn must be a
// user turn.
func (s *Session) AppendAssistant(text string, conf types.Confidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turns[len(s.turns)-1].Role != types.RoleUser {
		return ErrOutOfTurn
	}
	s.turns = append(s.turns, types.Turn{
		Role:       types.RoleAssistant,
		Content:    text,
		Confidence: conf,
		Timestamp:  s.clk.Now(),
	})
	return nil
}

// LastAssistant returns the most recent assistant turn. The greeting counts.
func (s *Session) LastAssistant() (types.Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.turns) - 1; i >= 0; i-- {
		if s.turns[i].Role == types.RoleAssistant {
			return s.turns[i], true
		}
	}
	return types.Turn{}, false
}

// Exchanges pairs every user turn with the assistant turn that answered it.
// A trailing unanswered question is omitted.
func (s *Session) Exchanges() []types.Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Exchange
	for i := 1; i+1 < len(s.turns); i += 2 {
		out = append(out, types.Exchange{
			Question: s.turns[i].Content,
			Answer:   s.turns[i+1].Content,
		})
	}
	return out
}

// Reset drops every turn and seeds a fresh greeting.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = []types.Turn{s.greeting()}
}

// ── Store ────────────────────────────────────────────────────────────────────

// Store keeps one [Session] per normalized language. Sessions are created on
// first use.
type Store struct {
	opts []Option

	mu       sync.Mutex
	sessions map[types.Language]*Session
}

// NewStore creates an empty store. opts are applied to every session it
// creates.
func NewStore(opts ...Option) *Store {
	return &Store{opts: opts, sessions: make(map[types.Language]*Session)}
}

// Session returns the session for tag, creating it if needed.
func (st *Store) Session(tag string) *Session {
	lang := types.ParseLanguage(tag)
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[lang]; ok {
		return s
	}
	s := NewSession(tag, st.opts...)
	st.sessions[lang] = s
	return s
}

// Reset replaces the session for tag with a fresh one and returns it.
func (st *Store) Reset(tag string) *Session {
	lang := types.ParseLanguage(tag)
	s := NewSession(tag, st.opts...)
	st.mu.Lock()
	st.sessions[lang] = s
	st.mu.Unlock()
	return s
}

// Len returns the number of languages with a session.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}
