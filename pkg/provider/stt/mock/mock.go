// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that callers start sessions with the expected
// StreamConfig. Use Session to feed controlled transcripts and to inspect which
// audio chunks were delivered.
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.StartStream(ctx, cfg)
//	sess.FinalsCh <- types.Transcript{Text: "hello", IsFinal: true}
package mock

import (
	"context"
	"sync"

	"github.com/farmgpt/krishimitra/pkg/provider/stt"
	"github.com/farmgpt/krishimitra/pkg/types"
)

var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.SessionHandle = (*Session)(nil)
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	Ctx context.Context
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by StartStream. When nil, a fresh [NewSession] is
	// returned on every call.
	Session *Session

	// StartStreamErr, if non-nil, is returned by StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall

	sessions []*Session
}

// StartStream records the call and returns Session or StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	s := p.Session
	if s == nil {
		s = NewSession()
	}
	p.sessions = append(p.sessions, s)
	return s, nil
}

// Sessions returns every session handed out so far.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, len(p.sessions))
	copy(out, p.sessions)
	return out
}

// Calls returns a copy of the recorded StartStream calls.
func (p *Provider) Calls() []StartStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StartStreamCall, len(p.StartStreamCalls))
	copy(out, p.StartStreamCalls)
	return out
}

// Session is a mock implementation of stt.SessionHandle. Tests send on
// PartialsCh and FinalsCh; Close or [Session.End] closes both.
type Session struct {
	mu sync.Mutex

	PartialsCh chan types.Transcript
	FinalsCh   chan types.Transcript

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// EndErr is reported by Err once the session has ended.
	EndErr error

	// SendAudioCalls holds a copy of every chunk passed to SendAudio.
	SendAudioCalls [][]byte

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	ended bool
}

// NewSession returns a Session with buffered transcript channels.
func NewSession() *Session {
	return &Session{
		PartialsCh: make(chan types.Transcript, 16),
		FinalsCh:   make(chan types.Transcript, 16),
	}
}

// SendAudio records the chunk and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return stt.ErrSessionClosed
	}
	s.SendAudioCalls = append(s.SendAudioCalls, append([]byte(nil), chunk...))
	return s.SendAudioErr
}

// Partials returns PartialsCh.
func (s *Session) Partials() <-chan types.Transcript { return s.PartialsCh }

// Finals returns FinalsCh.
func (s *Session) Finals() <-chan types.Transcript { return s.FinalsCh }

// Err returns EndErr once the session has ended.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		return nil
	}
	return s.EndErr
}

// End simulates the provider ending the stream with err.
func (s *Session) End(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.EndErr = err
	s.endLocked()
}

// Close records the call and ends the session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	s.endLocked()
	return nil
}

// Closes returns the number of Close calls.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// Chunks returns the number of audio chunks received.
func (s *Session) Chunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

func (s *Session) endLocked() {
	if s.ended {
		return
	}
	s.ended = true
	close(s.PartialsCh)
	close(s.FinalsCh)
}
