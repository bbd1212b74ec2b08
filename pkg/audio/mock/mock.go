// Package mock provides in-memory implementations of [audio.Source] and
// [audio.Sink] for unit tests.
//
// All mocks are safe for concurrent use and record calls so tests can assert
// on them. A Source hands out a [Stream] whose frames the test pushes through
// Stream.Push; a Sink records every PCM write.
//
//	src := &mock.Source{}
//	stream, _ := src.Open(ctx)
//	src.LastStream().Push(frame)
package mock

import (
	"context"
	"sync"

	"github.com/farmgpt/krishimitra/pkg/audio"
	"github.com/farmgpt/krishimitra/pkg/types"
)

var (
	_ audio.Source = (*Source)(nil)
	_ audio.Stream = (*Stream)(nil)
	_ audio.Sink   = (*Sink)(nil)
	_ audio.Output = (*Output)(nil)
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock [audio.Source].
type Source struct {
	mu sync.Mutex

	// OpenErr, when non-nil, is returned by Open.
	OpenErr error

	// FormatResult is returned by Format. Zero means 16kHz mono.
	FormatResult audio.Format

	// OpenCalls counts calls to Open.
	OpenCalls int

	streams []*Stream
}

// Open implements [audio.Source].
func (s *Source) Open(_ context.Context) (audio.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OpenCalls++
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	st := &Stream{frames: make(chan types.AudioFrame, 64)}
	s.streams = append(s.streams, st)
	return st, nil
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FormatResult.SampleRate == 0 {
		return audio.Format{SampleRate: 16000, Channels: 1}
	}
	return s.FormatResult
}

// Streams returns every stream opened so far.
func (s *Source) Streams() []*Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Stream, len(s.streams))
	copy(out, s.streams)
	return out
}

// LastStream returns the most recently opened stream, or nil.
func (s *Source) LastStream() *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.streams) == 0 {
		return nil
	}
	return s.streams[len(s.streams)-1]
}

// Stream is a mock [audio.Stream].
type Stream struct {
	mu     sync.Mutex
	frames chan types.AudioFrame
	closed bool

	// CloseCalls counts calls to Close.
	CloseCalls int
}

// Frames implements [audio.Stream].
func (s *Stream) Frames() <-chan types.AudioFrame { return s.frames }

// Push delivers a frame to the consumer. It reports false if the stream is
// closed.
func (s *Stream) Push(f types.AudioFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.frames <- f
	return true
}

// Close implements [audio.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCalls++
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock [audio.Sink].
type Sink struct {
	mu sync.Mutex

	// OpenErr, when non-nil, is returned by Open.
	OpenErr error

	// WriteErr, when non-nil, is returned by every Output.Write.
	WriteErr error

	// Block, when non-nil, makes Output.Write wait until it is closed or the
	// write context is cancelled.
	Block chan struct{}

	// OpenRates records the sample rate of every Open call.
	OpenRates []int

	outputs []*Output
}

// Open implements [audio.Sink].
func (s *Sink) Open(_ context.Context, sampleRate int) (audio.Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OpenRates = append(s.OpenRates, sampleRate)
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	o := &Output{sink: s}
	s.outputs = append(s.outputs, o)
	return o, nil
}

// Outputs returns every output opened so far.
func (s *Sink) Outputs() []*Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Output, len(s.outputs))
	copy(out, s.outputs)
	return out
}

// Written returns the concatenation of all PCM written to every output.
func (s *Sink) Written() []byte {
	s.mu.Lock()
	outs := make([]*Output, len(s.outputs))
	copy(outs, s.outputs)
	s.mu.Unlock()

	var all []byte
	for _, o := range outs {
		all = append(all, o.Written()...)
	}
	return all
}

// Output is a mock [audio.Output].
type Output struct {
	sink *Sink

	mu      sync.Mutex
	written []byte
	closed  bool
}

// Write implements [audio.Output].
func (o *Output) Write(ctx context.Context, pcm []byte) error {
	o.sink.mu.Lock()
	werr, block := o.sink.WriteErr, o.sink.Block
	o.sink.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if werr != nil {
		return werr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.written = append(o.written, pcm...)
	return nil
}

// Close implements [audio.Output].
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	return nil
}

// Written returns a copy of the PCM written so far.
func (o *Output) Written() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]byte(nil), o.written...)
}

// Closed reports whether Close has been called.
func (o *Output) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
