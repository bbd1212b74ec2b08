// Package tts defines the Provider interface for text-to-speech backends.
//
// SynthesizeStream accepts a channel of text fragments and returns a [Stream]
// of raw 16-bit mono PCM chunks as they become available, so playback can
// start before the whole answer has been synthesised.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"sync"

	"github.com/farmgpt/krishimitra/pkg/types"
)

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream consumes text fragments until text is closed and
	// returns the synthesised audio. The stream's Audio channel is closed when
	// all text has been synthesised, when synthesis fails, or when ctx is
	// cancelled; Err tells these apart.
	//
	// Returns a non-nil error only if the stream cannot be started.
	SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (*Stream, error)

	// ListVoices returns all voice profiles available from this provider.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}

// Stream carries synthesised PCM audio. The producer closes Audio when it is
// done and records any failure with SetErr before doing so.
type Stream struct {
	// Audio emits 16-bit little-endian mono PCM chunks.
	Audio <-chan []byte

	// SampleRate of every chunk on Audio.
	SampleRate int

	mu  sync.Mutex
	err error
}

// NewStream wraps audio in a Stream.
func NewStream(audio <-chan []byte, sampleRate int) *Stream {
	return &Stream{Audio: audio, SampleRate: sampleRate}
}

// SetErr records the first synthesis failure. Later calls are ignored.
func (s *Stream) SetErr(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Err returns the synthesis failure, if any. It is only meaningful once
// Audio has been closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Synthesize is a convenience wrapper for synthesising a single complete
// text.
func Synthesize(ctx context.Context, p Provider, text string, voice types.VoiceProfile) (*Stream, error) {
	ch := make(chan string, 1)
	ch <- text
	close(ch)
	return p.SynthesizeStream(ctx, ch, voice)
}
