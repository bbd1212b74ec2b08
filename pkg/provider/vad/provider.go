// Package vad defines the Engine interface for voice activity detection
// backends.
//
// A VAD engine wraps a frame-level speech detector and surfaces it as a
// stateful, per-stream session. The recognizers use it to decide where an
// utterance ends; each listen opens its own session so that state from one
// utterance never leaks into the next.
//
// ProcessFrame is synchronous and returns immediately, so it can sit directly
// in the audio pipeline loop.
package vad

import (
	"errors"

	"github.com/farmgpt/krishimitra/pkg/types"
)

// ErrFrameSize is returned when a frame does not match the configured
// SampleRate and FrameSizeMs.
var ErrFrameSize = errors.New("vad: frame size does not match config")

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the PCM
	// frames passed to ProcessFrame.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds. The
	// WebRTC detector accepts 10, 20 or 30.
	FrameSizeMs int

	// Aggressiveness ranges from 0 (least aggressive about filtering out
	// non-speech) to 3 (most aggressive).
	Aggressiveness int

	// HangoverFrames is the number of consecutive non-speech frames after which
	// an active speech segment is considered ended.
	HangoverFrames int
}

// FrameBytes returns the byte length of one 16-bit mono frame under cfg.
func (c Config) FrameBytes() int {
	return c.SampleRate * c.FrameSizeMs / 1000 * 2
}

// SessionHandle is an active VAD session for a single audio stream. A
// SessionHandle is not safe for concurrent use.
type SessionHandle interface {
	// ProcessFrame analyses a single frame of little-endian 16-bit mono PCM
	// and returns the detection result.
	ProcessFrame(frame []byte) (types.VADEvent, error)

	// Reset clears accumulated detection state without closing the session.
	Reset()

	// Close releases all resources associated with the session. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. Implementations must be safe for
// concurrent use.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	NewSession(cfg Config) (SessionHandle, error)
}
