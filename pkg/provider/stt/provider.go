// Package stt defines the Provider interface for speech-to-text backends.
//
// A provider wraps a streaming transcription service (Deepgram, or a local
// Whisper server) behind a uniform session: once opened, a session accepts raw
// PCM and emits interim and final transcripts on two channels.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"

	"github.com/farmgpt/krishimitra/pkg/types"
)

// ErrSessionClosed is returned by SendAudio after Close.
var ErrSessionClosed = errors.New("stt: session closed")

// StreamConfig describes the audio format and language of a new session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz, typically 16000.
	SampleRate int

	// Channels is the number of audio channels. Always 1 in this system.
	Channels int

	// Language is the BCP-47 locale for recognition, e.g. "en-US" or "hi-IN".
	Language string

	// Interim requests interim transcripts on Partials. Providers that cannot
	// produce them leave Partials silent.
	Interim bool
}

// SessionHandle is an open streaming transcription session.
//
// Callers must call Close when done. All methods must be safe for concurrent
// use.
type SessionHandle interface {
	// SendAudio delivers a chunk of PCM matching the session's StreamConfig.
	SendAudio(chunk []byte) error

	// Partials emits interim transcripts. Closed when the session ends.
	Partials() <-chan types.Transcript

	// Finals emits committed transcripts. Closed when the session ends.
	Finals() <-chan types.Transcript

	// Err returns the error that ended the session, or nil if it ended
	// normally or is still running. It is meaningful once Finals is closed.
	Err() error

	// Close flushes pending audio and releases resources. After Close returns
	// both transcript channels are closed or will close shortly. Calling Close
	// more than once is safe.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// StartStream opens a new transcription session. It fails if the
	// provider cannot be reached, rejects the configuration, or ctx is done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
