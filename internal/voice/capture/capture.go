// Package capture runs one speech recognition period: it opens the
// microphone, streams its frames to an STT session and reports a single
// recognized utterance.
//
// A [Session] is single use. Start it, read at most one [Result] from
// [Session.Results], and Stop it. Results is closed after delivery, or
// without any value when the session is stopped first.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/farmgpt/krishimitra/internal/conversation"
	"github.com/farmgpt/krishimitra/pkg/audio"
	"github.com/farmgpt/krishimitra/pkg/provider/stt"
	"github.com/farmgpt/krishimitra/pkg/types"
)

var (
	// ErrUnsupported reports that no recognizer or no microphone is
	// configured.
	ErrUnsupported = errors.New("capture: speech recognition not supported")

	// ErrNoDevice reports that no audio device is configured.
	ErrNoDevice = errors.New("capture: no audio device configured")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("capture: session already started")
)

// Result is the outcome of a capture session. Exactly one of these holds:
// Text is non-empty, Err is non-nil, or both are empty because the stream
// ended without speech.
type Result struct {
	Text       string
	Confidence float64

	Err error

	// Message is the localized description of Err.
	Message string
}

// Empty reports whether the session ended without speech and without error.
func (r Result) Empty() bool { return r.Err == nil && r.Text == "" }

// Option configures a [Session].
type Option func(*Session)

// WithTap sets a function that receives every captured PCM frame before it
// is forwarded to the recognizer. The level monitor hangs off this tap.
func WithTap(fn func(pcm []byte)) Option {
	return func(s *Session) { s.tap = fn }
}

// WithNotify sets the function that receives the localized "listening"
// notification when capture starts.
func WithNotify(fn func(msg string)) Option {
	return func(s *Session) { s.notify = fn }
}

// WithInterim requests interim transcripts from the recognizer. They are
// drained and logged at debug level only.
func WithInterim(on bool) Option {
	return func(s *Session) { s.interim = on }
}

// Session is one listening period.
type Session struct {
	recognizer stt.Provider
	mic        audio.Source
	lang       types.Language
	tap        func([]byte)
	notify     func(string)
	interim    bool

	results     chan Result
	deliverOnce sync.Once
	releaseOnce sync.Once

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	handle  stt.SessionHandle
	stream  audio.Stream
	wg      sync.WaitGroup
}

// New creates a capture session. A nil recognizer or mic yields a session
// whose Start reports [ErrUnsupported] through Results.
func New(recognizer stt.Provider, mic audio.Source, lang types.Language, opts ...Option) *Session {
	s := &Session{
		recognizer: recognizer,
		mic:        mic,
		lang:       lang,
		results:    make(chan Result, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Results yields at most one [Result] and is then closed.
func (s *Session) Results() <-chan Result { return s.results }

// Start opens the microphone and the recognition stream. Every outcome after
// a successful call, including failures to open either one, is reported
// through Results. Start only returns an error when called twice.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	if s.recognizer == nil || s.mic == nil {
		s.deliver(&Result{
			Err:     ErrUnsupported,
			Message: conversation.Message(s.lang, conversation.MsgRecognitionUnsupported),
		})
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	stream, err := s.mic.Open(ctx)
	if err != nil {
		cancel()
		s.fail(fmt.Errorf("capture: open microphone: %w", err))
		return nil
	}
	format := s.mic.Format()
	handle, err := s.recognizer.StartStream(ctx, stt.StreamConfig{
		SampleRate: format.SampleRate,
		Channels:   1,
		Language:   s.lang.Locale(),
		Interim:    s.interim,
	})
	if err != nil {
		cancel()
		_ = stream.Close()
		s.fail(fmt.Errorf("capture: start recognition: %w", err))
		return nil
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = handle.Close()
		_ = stream.Close()
		cancel()
		return nil
	}
	s.cancel, s.handle, s.stream = cancel, handle, stream
	s.mu.Unlock()

	if s.notify != nil {
		s.notify(conversation.Message(s.lang, conversation.MsgListeningStarted))
	}

	s.wg.Add(3)
	go s.pump(stream, handle)
	go s.collect(handle)
	go s.drainPartials(handle)
	return nil
}

// pump forwards microphone frames to the recognizer. When the microphone
// stream ends the recognizer is closed so it can flush a final transcript.
func (s *Session) pump(stream audio.Stream, handle stt.SessionHandle) {
	defer s.wg.Done()
	for frame := range stream.Frames() {
		if s.tap != nil {
			s.tap(frame.Data)
		}
		if err := handle.SendAudio(frame.Data); err != nil {
			if !errors.Is(err, stt.ErrSessionClosed) {
				slog.Warn("capture: send audio failed", "err", err)
			}
			audio.Drain(stream.Frames())
			return
		}
	}
	_ = handle.Close()
}

// collect waits for the first non-empty final transcript.
func (s *Session) collect(handle stt.SessionHandle) {
	defer s.wg.Done()
	for tr := range handle.Finals() {
		text := strings.TrimSpace(tr.Text)
		if text == "" {
			continue
		}
		s.deliver(&Result{Text: text, Confidence: tr.Confidence})
		go s.release()
		audio.Drain(handle.Finals())
		return
	}
	if err := handle.Err(); err != nil {
		s.fail(err)
	} else {
		s.deliver(&Result{})
	}
	go s.release()
}

func (s *Session) drainPartials(handle stt.SessionHandle) {
	defer s.wg.Done()
	for tr := range handle.Partials() {
		slog.Debug("capture: interim transcript", "text", tr.Text, "lang", s.lang)
	}
}

func (s *Session) fail(err error) {
	s.deliver(&Result{
		Err:     err,
		Message: conversation.Message(s.lang, conversation.MsgCaptureError, err.Error()),
	})
}

// deliver sends r, if non-nil, and closes Results. Only the first call has
// any effect.
func (s *Session) deliver(r *Result) {
	s.deliverOnce.Do(func() {
		if r != nil {
			s.results <- *r
		}
		close(s.results)
	})
}

// release closes the recognizer and the microphone.
func (s *Session) release() {
	s.releaseOnce.Do(func() {
		s.mu.Lock()
		cancel, handle, stream := s.cancel, s.handle, s.stream
		s.mu.Unlock()
		if handle != nil {
			if err := handle.Close(); err != nil {
				slog.Debug("capture: close recognizer", "err", err)
			}
		}
		if stream != nil {
			_ = stream.Close()
		}
		if cancel != nil {
			cancel()
		}
	})
}

// Stop ends the session. If no result has been delivered yet, Results is
// closed without one. Stop is safe to call before Start, after completion
// and more than once. It may block while the recognizer flushes.
func (s *Session) Stop() {
	s.mu.Lock()
	s.started = true
	s.stopped = true
	s.mu.Unlock()
	s.deliver(nil)
	s.release()
}

// Wait blocks until the session's goroutines have exited. It is only
// meaningful after Stop or after a result has been delivered.
func (s *Session) Wait() { s.wg.Wait() }

// Probe checks that voice input can work: an audio device is configured, a
// recognizer is available and the microphone can be opened. The microphone
// is closed again immediately.
func Probe(ctx context.Context, recognizer stt.Provider, mic audio.Source) (bool, error) {
	if mic == nil {
		return false, ErrNoDevice
	}
	if recognizer == nil {
		return false, ErrUnsupported
	}
	stream, err := mic.Open(ctx)
	if err != nil {
		return false, fmt.Errorf("capture: probe microphone: %w", err)
	}
	if err := stream.Close(); err != nil {
		slog.Debug("capture: probe close", "err", err)
	}
	return true, nil
}
