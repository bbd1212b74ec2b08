package webrtc

import (
	"errors"
	"testing"

	"github.com/farmgpt/krishimitra/pkg/provider/vad"
	"github.com/farmgpt/krishimitra/pkg/types"
)

func TestNewSession_Validation(t *testing.T) {
	e := New()
	tests := []struct {
		name string
		cfg  vad.Config
		ok   bool
	}{
		{"defaults at 16k", vad.Config{SampleRate: 16000}, true},
		{"20ms at 48k", vad.Config{SampleRate: 48000, FrameSizeMs: 20, Aggressiveness: 3}, true},
		{"bad rate", vad.Config{SampleRate: 44100}, false},
		{"bad frame", vad.Config{SampleRate: 16000, FrameSizeMs: 25}, false},
		{"bad mode", vad.Config{SampleRate: 16000, Aggressiveness: 4}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := e.NewSession(tt.cfg)
			if tt.ok && err != nil {
				t.Fatalf("NewSession: %v", err)
			}
			if !tt.ok && err == nil {
				t.Fatal("expected error")
			}
			if s != nil {
				_ = s.Close()
			}
		})
	}
}

func TestProcessFrame_WrongSize(t *testing.T) {
	s, err := New().NewSession(vad.Config{SampleRate: 16000, FrameSizeMs: 10})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()
	if _, err := s.ProcessFrame(make([]byte, 100)); !errors.Is(err, vad.ErrFrameSize) {
		t.Errorf("err = %v, want ErrFrameSize", err)
	}
}

func TestProcessFrame_SilenceIsSilence(t *testing.T) {
	s, err := New().NewSession(vad.Config{SampleRate: 16000, FrameSizeMs: 10})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()
	ev, err := s.ProcessFrame(make([]byte, 320))
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if ev.Type != types.VADSilence {
		t.Errorf("event = %v, want silence", ev.Type)
	}
}

func TestStep_SegmentLifecycle(t *testing.T) {
	s := &session{cfg: vad.Config{HangoverFrames: 2}}

	seq := []struct {
		voiced bool
		want   types.VADEventType
	}{
		{false, types.VADSilence},
		{true, types.VADSpeechStart},
		{true, types.VADSpeechContinue},
		{false, types.VADSpeechContinue},
		{true, types.VADSpeechContinue},
		{false, types.VADSpeechContinue},
		{false, types.VADSpeechEnd},
		{false, types.VADSilence},
		{true, types.VADSpeechStart},
	}
	for i, step := range seq {
		if got := s.step(step.voiced).Type; got != step.want {
			t.Fatalf("frame %d: got %v, want %v", i, got, step.want)
		}
	}

	s.Reset()
	if got := s.step(false).Type; got != types.VADSilence {
		t.Errorf("after Reset: got %v, want silence", got)
	}
}

func TestClose_RejectsFrames(t *testing.T) {
	s, err := New().NewSession(vad.Config{SampleRate: 16000})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := s.ProcessFrame(make([]byte, 960)); err == nil {
		t.Error("expected error after Close")
	}
}
