// Package webrtc implements vad.Engine with the WebRTC voice activity
// detector.
//
// The detector is a binary classifier, so each session layers a small state
// machine on top of it: the first voiced frame reports VADSpeechStart, voiced
// frames after that report VADSpeechContinue, and HangoverFrames consecutive
// unvoiced frames close the segment with VADSpeechEnd.
package webrtc

import (
	"fmt"
	"sync"

	webrtcvad "github.com/maxhawkins/go-webrtcvad"

	"github.com/farmgpt/krishimitra/pkg/provider/vad"
	"github.com/farmgpt/krishimitra/pkg/types"
)

const (
	defaultFrameSizeMs    = 30
	defaultHangoverFrames = 10
)

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*session)(nil)
)

// Engine creates WebRTC VAD sessions. The zero value is ready to use.
type Engine struct{}

// New returns an Engine.
func New() *Engine { return &Engine{} }

// NewSession validates cfg and allocates a detector for one stream. Zero
// FrameSizeMs and HangoverFrames fall back to 30 ms and 10 frames.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	switch cfg.SampleRate {
	case 8000, 16000, 32000, 48000:
	default:
		return nil, fmt.Errorf("webrtc vad: unsupported sample rate %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs == 0 {
		cfg.FrameSizeMs = defaultFrameSizeMs
	}
	switch cfg.FrameSizeMs {
	case 10, 20, 30:
	default:
		return nil, fmt.Errorf("webrtc vad: unsupported frame size %d ms", cfg.FrameSizeMs)
	}
	if cfg.Aggressiveness < 0 || cfg.Aggressiveness > 3 {
		return nil, fmt.Errorf("webrtc vad: aggressiveness %d out of range 0..3", cfg.Aggressiveness)
	}
	if cfg.HangoverFrames <= 0 {
		cfg.HangoverFrames = defaultHangoverFrames
	}

	det, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("webrtc vad: create detector: %w", err)
	}
	if err := det.SetMode(cfg.Aggressiveness); err != nil {
		return nil, fmt.Errorf("webrtc vad: set mode: %w", err)
	}
	return &session{det: det, cfg: cfg, frameBytes: cfg.FrameBytes()}, nil
}

type session struct {
	mu         sync.Mutex
	det        *webrtcvad.VAD
	cfg        vad.Config
	frameBytes int
	closed     bool

	inSpeech bool
	quiet    int
}

func (s *session) ProcessFrame(frame []byte) (types.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.VADEvent{}, fmt.Errorf("webrtc vad: session closed")
	}
	if len(frame) != s.frameBytes {
		return types.VADEvent{}, fmt.Errorf("%w: got %d bytes, want %d", vad.ErrFrameSize, len(frame), s.frameBytes)
	}
	voiced, err := s.det.Process(s.cfg.SampleRate, frame)
	if err != nil {
		return types.VADEvent{}, fmt.Errorf("webrtc vad: process: %w", err)
	}
	return s.step(voiced), nil
}

// step advances the segment state machine by one frame.
func (s *session) step(voiced bool) types.VADEvent {
	p := 0.0
	if voiced {
		p = 1
	}
	switch {
	case voiced && !s.inSpeech:
		s.inSpeech, s.quiet = true, 0
		return types.VADEvent{Type: types.VADSpeechStart, Probability: p}
	case voiced:
		s.quiet = 0
		return types.VADEvent{Type: types.VADSpeechContinue, Probability: p}
	case s.inSpeech:
		s.quiet++
		if s.quiet >= s.cfg.HangoverFrames {
			s.inSpeech, s.quiet = false, 0
			return types.VADEvent{Type: types.VADSpeechEnd, Probability: p}
		}
		return types.VADEvent{Type: types.VADSpeechContinue, Probability: p}
	default:
		return types.VADEvent{Type: types.VADSilence, Probability: p}
	}
}

func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inSpeech, s.quiet = false, 0
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
