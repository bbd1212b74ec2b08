// Package playback speaks assistant answers through a TTS provider and a
// speaker.
//
// At most one utterance is in flight. A new [Session.Speak] preempts the
// previous one, whose completion channel then yields [ErrCanceled].
package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/farmgpt/krishimitra/pkg/audio"
	"github.com/farmgpt/krishimitra/pkg/provider/tts"
	"github.com/farmgpt/krishimitra/pkg/types"
)

var (
	// ErrUnsupported reports that no synthesizer or no speaker is configured.
	ErrUnsupported = errors.New("playback: speech synthesis not supported")

	// ErrCanceled is delivered when an utterance is cancelled or preempted.
	ErrCanceled = errors.New("playback: canceled")
)

// DefaultSpeedFactor slows speech slightly for clarity.
const DefaultSpeedFactor = 0.9

// Option configures a [Session].
type Option func(*Session)

// WithVoice sets the voice used for lang.
func WithVoice(lang types.Language, voice types.VoiceProfile) Option {
	return func(s *Session) { s.voices[lang] = voice }
}

// Session owns the speaker for spoken answers and the confirmation cue.
//
// All methods are safe for concurrent use.
type Session struct {
	synth  tts.Provider
	sink   audio.Sink
	voices map[types.Language]types.VoiceProfile

	mu       sync.Mutex
	gen      uint64
	cancel   context.CancelCauseFunc
	speaking bool
	wg       sync.WaitGroup
}

// New creates a playback session. A nil synth or sink makes every Speak
// return [ErrUnsupported].
func New(synth tts.Provider, sink audio.Sink, opts ...Option) *Session {
	s := &Session{
		synth:  synth,
		sink:   sink,
		voices: make(map[types.Language]types.VoiceProfile),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Voice returns the voice used for lang. Without a configured voice the
// provider default for the locale is used at [DefaultSpeedFactor].
func (s *Session) Voice(lang types.Language) types.VoiceProfile {
	v, ok := s.voices[lang]
	if !ok {
		v = types.VoiceProfile{Locale: lang.Locale()}
	}
	if v.Locale == "" {
		v.Locale = lang.Locale()
	}
	if v.SpeedFactor == 0 {
		v.SpeedFactor = DefaultSpeedFactor
	}
	return v
}

// Speak cancels any utterance in flight and starts speaking text. The
// returned channel yields exactly one value: nil when playback finished,
// [ErrCanceled] when it was preempted, or the failure.
func (s *Session) Speak(ctx context.Context, text string, lang types.Language) (<-chan error, error) {
	if s.synth == nil || s.sink == nil {
		return nil, ErrUnsupported
	}

	ctx, cancel := context.WithCancelCause(ctx)
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel(ErrCanceled)
	}
	s.gen++
	gen := s.gen
	s.cancel = cancel
	s.speaking = true
	s.wg.Add(1)
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		defer s.wg.Done()
		err := s.play(ctx, text, s.Voice(lang))
		if ctx.Err() != nil {
			err = context.Cause(ctx)
		}
		cancel(nil)

		s.mu.Lock()
		if s.gen == gen {
			s.speaking = false
			s.cancel = nil
		}
		s.mu.Unlock()
		done <- err
	}()
	return done, nil
}

func (s *Session) play(ctx context.Context, text string, voice types.VoiceProfile) error {
	stream, err := tts.Synthesize(ctx, s.synth, text, voice)
	if err != nil {
		return fmt.Errorf("playback: synthesize: %w", err)
	}
	out, err := s.sink.Open(ctx, stream.SampleRate)
	if err != nil {
		audio.Drain(stream.Audio)
		return fmt.Errorf("playback: open speaker: %w", err)
	}
	defer out.Close()

	for chunk := range stream.Audio {
		if err := out.Write(ctx, chunk); err != nil {
			audio.Drain(stream.Audio)
			return fmt.Errorf("playback: write: %w", err)
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("playback: stream: %w", err)
	}
	return nil
}

// Cancel stops the utterance in flight, if any. Safe to call at any time.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel(ErrCanceled)
	}
}

// PlayCue plays the short confirmation beep through the speaker.
func (s *Session) PlayCue(ctx context.Context) error {
	if s.sink == nil {
		return ErrUnsupported
	}
	out, err := s.sink.Open(ctx, audio.CueSampleRate)
	if err != nil {
		return fmt.Errorf("playback: open speaker: %w", err)
	}
	defer out.Close()
	if err := out.Write(ctx, audio.ConfirmationCue()); err != nil {
		return fmt.Errorf("playback: cue: %w", err)
	}
	return nil
}

// Close cancels the utterance in flight and waits for it to finish.
func (s *Session) Close() error {
	s.Cancel()
	s.wg.Wait()
	return nil
}
