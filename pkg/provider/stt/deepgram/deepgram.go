// Package deepgram implements stt.Provider over the Deepgram streaming
// WebSocket API.
//
// Deepgram finalizes an utterance in segments: each segment arrives with
// is_final set and the last one of an utterance also carries speech_final (or
// is followed by an UtteranceEnd event). The session stitches the segments of
// one utterance together and emits a single final transcript per utterance.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/farmgpt/krishimitra/pkg/provider/stt"
	"github.com/farmgpt/krishimitra/pkg/types"
)

var _ stt.Provider = (*Provider)(nil)

const (
	defaultEndpoint    = "wss://api.deepgram.com/v1/listen"
	defaultModel       = "nova-2"
	defaultSampleRate  = 16000
	defaultEndpointing = 300 * time.Millisecond
	utteranceEndMs     = 1000
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model. nova-2 covers both en-US and hi.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithEndpoint overrides the WebSocket endpoint. Used by tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// WithEndpointing sets how much trailing silence ends an utterance.
func WithEndpointing(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.endpointing = d
		}
	}
}

// Provider implements stt.Provider backed by Deepgram.
type Provider struct {
	apiKey      string
	model       string
	endpoint    string
	endpointing time.Duration
}

// New creates a Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:      apiKey,
		model:       defaultModel,
		endpoint:    defaultEndpoint,
		endpointing: defaultEndpointing,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream dials Deepgram and returns a running session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	// The session outlives the dial context; Close ends it.
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		conn:     conn,
		cancel:   cancel,
		language: cfg.Language,
		partials: make(chan types.Transcript, 32),
		finals:   make(chan types.Transcript, 8),
		audio:    make(chan []byte, 256),
		done:     make(chan struct{}),
	}
	s.wg.Add(2)
	go s.readLoop(sctx)
	go s.writeLoop(sctx)
	return s, nil
}

func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}
	lang := cfg.Language
	if lang == "" {
		lang = "en-US"
	}
	// Deepgram's Hindi model is addressed by the bare language code.
	if strings.HasPrefix(lang, "hi") {
		lang = "hi"
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("channels", "1")
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("interim_results", "true")
	q.Set("endpointing", strconv.Itoa(int(p.endpointing/time.Millisecond)))
	q.Set("utterance_end_ms", strconv.Itoa(utteranceEndMs))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ── session ──────────────────────────────────────────────────────────────────

type response struct {
	Type        string  `json:"type"`
	IsFinal     bool    `json:"is_final"`
	SpeechFinal bool    `json:"speech_final"`
	Duration    float64 `json:"duration"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`

	// Error frames.
	Description string `json:"description"`
	Message     string `json:"message"`
}

type session struct {
	conn     *websocket.Conn
	cancel   context.CancelFunc
	language string
	partials chan types.Transcript
	finals   chan types.Transcript
	audio    chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	errMu sync.Mutex
	err   error

	// Utterance under construction. Only touched by readLoop.
	segments []string
	confSum  float64
	duration float64
}

func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

func (s *session) Partials() <-chan types.Transcript { return s.partials }
func (s *session) Finals() <-chan types.Transcript   { return s.finals }

func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *session) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Close asks Deepgram to flush, waits briefly for the final results, then
// tears the connection down.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))

		waited := make(chan struct{})
		go func() { s.wg.Wait(); close(waited) }()
		select {
		case <-waited:
		case <-ctx.Done():
			s.cancel()
			<-waited
		}
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				s.setErr(fmt.Errorf("deepgram: write audio: %w", err))
				return
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)
	defer s.flush()

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			closing := false
			select {
			case <-s.done:
				closing = true
			default:
			}
			if !closing && status != websocket.StatusNormalClosure && ctx.Err() == nil {
				s.setErr(fmt.Errorf("deepgram: read: %w", err))
			}
			return
		}
		s.handle(msg)
	}
}

func (s *session) handle(msg []byte) {
	var r response
	if err := json.Unmarshal(msg, &r); err != nil {
		return
	}
	switch r.Type {
	case "Results":
		if len(r.Channel.Alternatives) == 0 {
			return
		}
		alt := r.Channel.Alternatives[0]
		if !r.IsFinal {
			if text := strings.TrimSpace(alt.Transcript); text != "" {
				s.emit(s.partials, types.Transcript{Text: text, Confidence: alt.Confidence, Language: s.language})
			}
			return
		}
		if text := strings.TrimSpace(alt.Transcript); text != "" {
			s.segments = append(s.segments, text)
			s.confSum += alt.Confidence
			s.duration += r.Duration
		}
		if r.SpeechFinal {
			s.flush()
		}
	case "UtteranceEnd":
		s.flush()
	case "Error":
		desc := r.Description
		if desc == "" {
			desc = r.Message
		}
		s.setErr(fmt.Errorf("deepgram: %s", desc))
	}
}

// flush emits the stitched utterance, if any.
func (s *session) flush() {
	if len(s.segments) == 0 {
		return
	}
	t := types.Transcript{
		Text:       strings.Join(s.segments, " "),
		IsFinal:    true,
		Confidence: s.confSum / float64(len(s.segments)),
		Language:   s.language,
		Duration:   time.Duration(s.duration * float64(time.Second)),
	}
	s.segments, s.confSum, s.duration = nil, 0, 0
	s.emit(s.finals, t)
}

func (s *session) emit(ch chan types.Transcript, t types.Transcript) {
	select {
	case ch <- t:
	default:
		// Nobody is reading fast enough; interim results are expendable and
		// finals are buffered well beyond one utterance per listen.
	}
}
