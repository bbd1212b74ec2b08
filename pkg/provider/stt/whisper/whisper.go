// Package whisper provides an STT provider backed by a whisper.cpp server.
//
// whisper.cpp is a batch engine: it exposes POST /inference and transcribes
// one complete clip per request. The provider simulates streaming by
// buffering PCM until the utterance ends and then submitting the buffered
// speech as a WAV upload. Utterance boundaries come from a vad.Engine when one
// is configured and from a plain RMS energy gate otherwise.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080",
//	    whisper.WithVAD(webrtc.New(), 2),
//	    whisper.WithSilenceThreshold(700*time.Millisecond),
//	)
//	handle, err := p.StartStream(ctx, cfg)
//	handle.SendAudio(pcmChunk)
//	transcript := <-handle.Finals()
//	handle.Close()
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/farmgpt/krishimitra/pkg/provider/stt"
	"github.com/farmgpt/krishimitra/pkg/provider/vad"
	"github.com/farmgpt/krishimitra/pkg/types"
)

const (
	// defaultRMSThreshold is the energy below which a chunk counts as silent
	// when no VAD engine is configured.
	defaultRMSThreshold = 300.0

	defaultSampleRate       = 16000
	defaultSilenceThreshold = 500 * time.Millisecond
	defaultMaxBuffer        = 10 * time.Second
	vadFrameMs              = 30
)

var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the server. When empty
// the server uses whichever model it was started with.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithSilenceThreshold sets how much trailing silence ends an utterance.
func WithSilenceThreshold(d time.Duration) Option {
	return func(p *Provider) { p.silenceThreshold = d }
}

// WithMaxBuffer caps how much audio accumulates before a flush is forced.
func WithMaxBuffer(d time.Duration) Option {
	return func(p *Provider) { p.maxBuffer = d }
}

// WithVAD replaces the RMS gate with a voice activity detector.
func WithVAD(engine vad.Engine, aggressiveness int) Option {
	return func(p *Provider) {
		p.vad = engine
		p.aggressiveness = aggressiveness
	}
}

// WithHTTPClient overrides the HTTP client used for inference requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements stt.Provider backed by a whisper.cpp HTTP server.
// Each session maintains its own audio buffer and goroutine.
type Provider struct {
	serverURL        string
	model            string
	silenceThreshold time.Duration
	maxBuffer        time.Duration
	vad              vad.Engine
	aggressiveness   int
	httpClient       *http.Client
}

// New creates a Provider for the whisper.cpp server at serverURL.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:        strings.TrimRight(serverURL, "/"),
		silenceThreshold: defaultSilenceThreshold,
		maxBuffer:        defaultMaxBuffer,
		httpClient:       &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a new transcription session. No network connection is
// made until the first utterance is flushed.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}

	sr := cfg.SampleRate
	if sr <= 0 {
		sr = defaultSampleRate
	}
	ch := cfg.Channels
	if ch <= 0 {
		ch = 1
	}

	s := &session{
		p:          p,
		locale:     cfg.Language,
		language:   whisperLanguage(cfg.Language),
		sampleRate: sr,
		channels:   ch,
		audioCh:    make(chan []byte, 256),
		partials:   make(chan types.Transcript, 64),
		finals:     make(chan types.Transcript, 64),
		done:       make(chan struct{}),
	}

	if p.vad != nil && ch == 1 {
		vs, err := p.vad.NewSession(vad.Config{
			SampleRate:     sr,
			FrameSizeMs:    vadFrameMs,
			Aggressiveness: p.aggressiveness,
			HangoverFrames: int(p.silenceThreshold / (vadFrameMs * time.Millisecond)),
		})
		if err != nil {
			return nil, fmt.Errorf("whisper: start vad: %w", err)
		}
		s.vad = vs
		s.frameBytes = sr * vadFrameMs / 1000 * 2
	}

	s.wg.Add(1)
	go s.processLoop(ctx)

	return s, nil
}

// whisperLanguage reduces a locale such as "hi-IN" to the bare code
// whisper.cpp expects.
func whisperLanguage(locale string) string {
	if locale == "" {
		return "en"
	}
	if i := strings.IndexAny(locale, "-_"); i > 0 {
		return strings.ToLower(locale[:i])
	}
	return strings.ToLower(locale)
}

// ── session ──────────────────────────────────────────────────────────────────

// session is a live transcription session. All buffering state is confined to
// processLoop.
type session struct {
	p          *Provider
	locale     string
	language   string
	sampleRate int
	channels   int

	vad        vad.SessionHandle
	frameBytes int
	pending    []byte // partial VAD frame carried between chunks

	audioCh  chan []byte
	partials chan types.Transcript
	finals   chan types.Transcript

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	errMu sync.Mutex
	err   error

	buffer    []byte
	hadSpeech bool
	silenceMs int
}

func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audioCh <- chunk:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

func (s *session) Partials() <-chan types.Transcript { return s.partials }
func (s *session) Finals() <-chan types.Transcript   { return s.finals }

// Err reports the first inference failure, if any.
func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close flushes any pending speech, closes both channels and releases the
// VAD session. Calling Close more than once is safe.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
		if s.vad != nil {
			_ = s.vad.Close()
		}
	})
	return nil
}

func (s *session) processLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	// The final flush gets its own deadline; ctx may already be cancelled.
	flushOnExit := func() {
		fc, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		s.flush(fc)
	}

	for {
		select {
		case <-ctx.Done():
			flushOnExit()
			return
		case <-s.done:
			flushOnExit()
			return
		case chunk := <-s.audioCh:
			if s.vad != nil {
				s.feedVAD(ctx, chunk)
			} else {
				s.feedRMS(ctx, chunk)
			}
		}
	}
}

func (s *session) maxBufferBytes() int {
	return int(s.p.maxBuffer/time.Millisecond) * s.sampleRate * s.channels * 2 / 1000
}

func (s *session) feedRMS(ctx context.Context, chunk []byte) {
	if computeRMS(chunk) < defaultRMSThreshold {
		// Leading silence before any speech is discarded.
		if !s.hadSpeech {
			return
		}
		s.silenceMs += chunkDurationMs(chunk, s.sampleRate, s.channels)
		s.buffer = append(s.buffer, chunk...)
		if time.Duration(s.silenceMs)*time.Millisecond >= s.p.silenceThreshold {
			s.flush(ctx)
		}
		return
	}
	s.hadSpeech = true
	s.silenceMs = 0
	s.buffer = append(s.buffer, chunk...)
	if limit := s.maxBufferBytes(); limit > 0 && len(s.buffer) >= limit {
		s.flush(ctx)
	}
}

func (s *session) feedVAD(ctx context.Context, chunk []byte) {
	s.pending = append(s.pending, chunk...)
	for len(s.pending) >= s.frameBytes {
		frame := s.pending[:s.frameBytes]
		ev, err := s.vad.ProcessFrame(frame)
		if err != nil {
			s.setErr(fmt.Errorf("whisper: vad: %w", err))
			s.pending = nil
			return
		}
		switch ev.Type {
		case types.VADSpeechStart, types.VADSpeechContinue:
			s.hadSpeech = true
			s.buffer = append(s.buffer, frame...)
		case types.VADSpeechEnd:
			s.buffer = append(s.buffer, frame...)
			s.flush(ctx)
		}
		s.pending = s.pending[s.frameBytes:]
		if limit := s.maxBufferBytes(); limit > 0 && len(s.buffer) >= limit {
			s.flush(ctx)
			s.vad.Reset()
		}
	}
	// Keep the carry-over small and detached from the chunk's backing array.
	s.pending = append([]byte(nil), s.pending...)
}

// flush submits the buffered utterance and resets the buffer state
// regardless of outcome.
func (s *session) flush(ctx context.Context) {
	pcm, speech := s.buffer, s.hadSpeech
	s.buffer, s.hadSpeech, s.silenceMs = nil, false, 0
	if len(pcm) == 0 || !speech {
		return
	}

	text, err := s.infer(ctx, pcm)
	if err != nil {
		s.setErr(err)
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	dur := time.Duration(chunkDurationMs(pcm, s.sampleRate, s.channels)) * time.Millisecond
	select {
	case s.partials <- types.Transcript{Text: text, Language: s.locale}:
	default:
	}
	select {
	case s.finals <- types.Transcript{Text: text, IsFinal: true, Language: s.locale, Duration: dur}:
	default:
	}
}

func (s *session) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// infer POSTs pcm as a WAV upload to the /inference endpoint.
func (s *session) infer(ctx context.Context, pcm []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(encodeWAV(pcm, s.sampleRate, s.channels)); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}
	fields := map[string]string{
		"language":        s.language,
		"response_format": "json",
		"model":           s.p.model,
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return "", fmt.Errorf("whisper: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.p.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisper: read response body: %w", err)
	}
	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return result.Text, nil
}
