// Package mock provides scripted VAD doubles for recognizer tests.
//
// A [Session] replays a fixed list of event types, one per frame, and then
// reports silence. That is enough to drive an utterance through
// start, continue and end without real audio.
//
//	sess := mock.NewSession(types.VADSpeechStart, types.VADSpeechEnd)
//	eng := &mock.Engine{Session: sess}
package mock

import (
	"sync"

	"github.com/farmgpt/krishimitra/pkg/provider/vad"
	"github.com/farmgpt/krishimitra/pkg/types"
)

// Engine hands out a fixed session and records the configs it was asked
// for.
type Engine struct {
	mu sync.Mutex

	// Session is returned by NewSession. A fresh silent Session is used when
	// nil.
	Session vad.SessionHandle

	// Err fails every NewSession call when set.
	Err error

	configs []vad.Config
}

var _ vad.Engine = (*Engine)(nil)

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs = append(e.configs, cfg)
	if e.Err != nil {
		return nil, e.Err
	}
	if e.Session == nil {
		return NewSession(), nil
	}
	return e.Session, nil
}

// Configs returns the configs passed to NewSession, oldest first.
func (e *Engine) Configs() []vad.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]vad.Config(nil), e.configs...)
}

// Session replays a script of event types.
type Session struct {
	mu sync.Mutex

	script []types.VADEventType
	// Prob is reported as the probability of speech events.
	Prob float64
	// Err fails every ProcessFrame call when set.
	Err error

	frames int
	bytes  int
	resets int
	closed bool
}

var _ vad.SessionHandle = (*Session)(nil)

// NewSession returns a session that yields script in order.
func NewSession(script ...types.VADEventType) *Session {
	return &Session{script: script, Prob: 0.9}
}

// ProcessFrame returns the next scripted event, or silence once the script
// runs out.
func (s *Session) ProcessFrame(frame []byte) (types.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	s.bytes += len(frame)
	if s.Err != nil {
		return types.VADEvent{}, s.Err
	}
	if len(s.script) == 0 {
		return types.VADEvent{Type: types.VADSilence}, nil
	}
	ev := types.VADEvent{Type: s.script[0]}
	s.script = s.script[1:]
	if ev.Type != types.VADSilence {
		ev.Probability = s.Prob
	}
	return ev, nil
}

// Reset counts the call. The script position is kept.
func (s *Session) Reset() {
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
}

// Close marks the session closed.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Stats reports frames processed, total bytes seen and reset count.
func (s *Session) Stats() (frames, bytes, resets int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames, s.bytes, s.resets
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
