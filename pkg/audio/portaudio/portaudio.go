// Package portaudio implements [audio.Source] and [audio.Sink] on top of the
// host's default PortAudio input and output devices.
//
// Each opened stream initializes PortAudio and terminates it again on close;
// PortAudio reference-counts these calls, so microphone and speaker streams
// may be open at the same time.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/farmgpt/krishimitra/pkg/audio"
	"github.com/farmgpt/krishimitra/pkg/types"
)

var (
	_ audio.Source = (*Microphone)(nil)
	_ audio.Sink   = (*Speaker)(nil)
)

const (
	defaultSampleRate      = 16000
	defaultFramesPerBuffer = 512
	defaultOutputFrames    = 1024
)

// ErrClosed is returned when writing to a closed output.
var ErrClosed = errors.New("portaudio: stream closed")

// ── Microphone ───────────────────────────────────────────────────────────────

// MicOption configures a [Microphone].
type MicOption func(*Microphone)

// WithSampleRate sets the capture sample rate. The default is 16kHz.
func WithSampleRate(hz int) MicOption {
	return func(m *Microphone) {
		if hz > 0 {
			m.sampleRate = hz
		}
	}
}

// WithFramesPerBuffer sets the number of samples per captured frame.
func WithFramesPerBuffer(n int) MicOption {
	return func(m *Microphone) {
		if n > 0 {
			m.framesPerBuffer = n
		}
	}
}

// Microphone captures mono 16-bit PCM from the default input device.
type Microphone struct {
	sampleRate      int
	framesPerBuffer int
}

// NewMicrophone returns a Microphone with the given options.
func NewMicrophone(opts ...MicOption) *Microphone {
	m := &Microphone{sampleRate: defaultSampleRate, framesPerBuffer: defaultFramesPerBuffer}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Format implements [audio.Source].
func (m *Microphone) Format() audio.Format {
	return audio.Format{SampleRate: m.sampleRate, Channels: 1}
}

// Open implements [audio.Source]. It fails if no input device is present or
// the operating system denies access.
func (m *Microphone) Open(ctx context.Context) (audio.Stream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}

	buf := make([]int16, m.framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(m.sampleRate), len(buf), buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: open input: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: start input: %w", err)
	}

	s := &micStream{
		frames: make(chan types.AudioFrame, 64),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go s.readLoop(ctx, stream, buf, m.sampleRate)
	return s, nil
}

type micStream struct {
	frames    chan types.AudioFrame
	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
}

func (s *micStream) Frames() <-chan types.AudioFrame { return s.frames }

func (s *micStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	<-s.exited
	return nil
}

// readLoop owns the PortAudio stream; it is the only goroutine that touches
// it, including the final Stop and Close.
func (s *micStream) readLoop(ctx context.Context, stream *portaudio.Stream, buf []int16, rate int) {
	defer close(s.exited)
	defer close(s.frames)
	defer func() {
		if err := stream.Stop(); err != nil {
			slog.Debug("portaudio: stop input", "err", err)
		}
		if err := stream.Close(); err != nil {
			slog.Debug("portaudio: close input", "err", err)
		}
		_ = portaudio.Terminate()
	}()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		if err := stream.Read(); err != nil {
			// Input overflow is recoverable; anything else ends the stream.
			if errors.Is(err, portaudio.InputOverflowed) {
				continue
			}
			slog.Warn("portaudio: read input", "err", err)
			return
		}

		frame := types.AudioFrame{
			Data:       audio.Int16ToBytes(buf),
			SampleRate: rate,
			Channels:   1,
			Timestamp:  time.Since(start),
		}
		select {
		case s.frames <- frame:
		default:
			// Consumer is behind; drop the frame rather than stall the device.
		}
	}
}

// ── Speaker ──────────────────────────────────────────────────────────────────

// Speaker plays mono 16-bit PCM on the default output device.
type Speaker struct {
	framesPerBuffer int
}

// NewSpeaker returns a Speaker writing framesPerBuffer samples per device
// write. Non-positive values use the default of 1024.
func NewSpeaker(framesPerBuffer int) *Speaker {
	if framesPerBuffer <= 0 {
		framesPerBuffer = defaultOutputFrames
	}
	return &Speaker{framesPerBuffer: framesPerBuffer}
}

// Open implements [audio.Sink].
func (sp *Speaker) Open(_ context.Context, sampleRate int) (audio.Output, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("portaudio: invalid sample rate %d", sampleRate)
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}

	buf := make([]int16, sp.framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), len(buf), buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: open output: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: start output: %w", err)
	}
	return &output{stream: stream, buf: buf}, nil
}

type output struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []int16
	closed bool
}

// Write fills the device buffer chunk by chunk; the last chunk is padded with
// silence. Cancellation is checked between chunks.
func (o *output) Write(ctx context.Context, pcm []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}

	samples := audio.BytesToInt16(pcm)
	for off := 0; off < len(samples); off += len(o.buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := copy(o.buf, samples[off:])
		clear(o.buf[n:])
		if err := o.stream.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
			return fmt.Errorf("portaudio: write output: %w", err)
		}
	}
	return nil
}

func (o *output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	var errs []error
	if err := o.stream.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := o.stream.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := portaudio.Terminate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("portaudio: close output: %w", err)
	}
	return nil
}
