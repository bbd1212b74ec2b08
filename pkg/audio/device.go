// Package audio defines the local audio devices used by the voice loop and the
// PCM helpers shared by capture and playback.
//
// The two device abstractions are:
//
//   - [Source] opens a microphone and yields a [Stream] of PCM frames.
//   - [Sink] opens a speaker and yields an [Output] that accepts PCM writes.
//
// Every stream in this system is 16-bit little-endian mono PCM. The PortAudio
// implementation lives in audio/portaudio; in-memory doubles live in
// audio/mock.
package audio

import (
	"context"

	"github.com/farmgpt/krishimitra/pkg/types"
)

// Source is a capture device.
//
// Implementations must be safe for concurrent use, but at most one [Stream]
// is expected to be open at a time.
type Source interface {
	// Open starts capture. Frames are delivered on [Stream.Frames] until the
	// stream is closed or ctx is cancelled, after which the channel is closed.
	//
	// Open returns an error if the device is missing or access is denied.
	Open(ctx context.Context) (Stream, error)

	// Format reports the format of the frames this source produces.
	Format() Format
}

// Stream is an open capture stream.
type Stream interface {
	Frames() <-chan types.AudioFrame

	// Close stops capture and releases the device. Safe to call more than once.
	Close() error
}

// Sink is a playback device.
type Sink interface {
	// Open prepares the device for mono PCM at sampleRate.
	Open(ctx context.Context, sampleRate int) (Output, error)
}

// Output is an open playback stream.
type Output interface {
	// Write plays pcm, blocking until the device has accepted it or ctx is
	// cancelled.
	Write(ctx context.Context, pcm []byte) error

	// Close releases the device. Safe to call more than once.
	Close() error
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}
