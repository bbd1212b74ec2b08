// Package googlespeech implements [stt.Provider] on Google Cloud
// Speech-to-Text streaming recognition.
//
// Credentials come from Application Default Credentials, usually the file
// named by GOOGLE_APPLICATION_CREDENTIALS. Each session is one gRPC
// StreamingRecognize call in single-utterance mode, so the service ends the
// stream on its own once the farmer stops talking.
package googlespeech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"

	"github.com/farmgpt/krishimitra/pkg/provider/stt"
	"github.com/farmgpt/krishimitra/pkg/types"
)

const (
	defaultModel = "latest_short"
	closeWait    = 3 * time.Second
)

// recognizeStream is the half of speechpb.Speech_StreamingRecognizeClient a
// session uses.
type recognizeStream interface {
	Send(*speechpb.StreamingRecognizeRequest) error
	Recv() (*speechpb.StreamingRecognizeResponse, error)
	CloseSend() error
}

type openFunc func(ctx context.Context) (recognizeStream, error)

// Provider opens streaming recognition sessions against Google Cloud.
type Provider struct {
	open        openFunc
	client      io.Closer
	model       string
	punctuation bool
	alternates  map[string][]string
}

var _ stt.Provider = (*Provider)(nil)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel selects the recognition model. Defaults to "latest_short".
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithPunctuation toggles automatic punctuation. On by default.
func WithPunctuation(on bool) Option {
	return func(p *Provider) { p.punctuation = on }
}

// WithAlternateLanguages lets locale also match the given locales, for
// speakers mixing English words into Hindi.
func WithAlternateLanguages(locale string, alternates ...string) Option {
	return func(p *Provider) { p.alternates[locale] = alternates }
}

// New dials the Speech API. It fails when no credentials are available.
func New(ctx context.Context, opts ...Option) (*Provider, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("googlespeech: create client: %w", err)
	}
	p := newProvider(func(ctx context.Context) (recognizeStream, error) {
		return client.StreamingRecognize(ctx)
	}, opts...)
	p.client = client
	return p, nil
}

func newProvider(open openFunc, opts ...Option) *Provider {
	p := &Provider{
		open:        open,
		model:       defaultModel,
		punctuation: true,
		alternates:  map[string][]string{"hi-IN": {"en-IN"}},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Close releases the gRPC connection.
func (p *Provider) Close() error {
	if p.client == nil {
		return nil
	}
	return p.client.Close()
}

// StartStream implements [stt.Provider].
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("googlespeech: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.Channels > 1 {
		return nil, fmt.Errorf("googlespeech: %d channels unsupported, want mono", cfg.Channels)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("googlespeech: %w", err)
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := p.open(sctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("googlespeech: open stream: %w", err)
	}
	if err := stream.Send(p.configRequest(cfg)); err != nil {
		cancel()
		return nil, fmt.Errorf("googlespeech: send config: %w", err)
	}

	s := &session{
		stream:   stream,
		cancel:   cancel,
		language: cfg.Language,
		audio:    make(chan []byte, 256),
		partials: make(chan types.Transcript, 32),
		finals:   make(chan types.Transcript, 8),
		done:     make(chan struct{}),
		ended:    make(chan struct{}),
	}
	s.wg.Add(2)
	go s.sendLoop()
	go s.recvLoop()
	return s, nil
}

func (p *Provider) configRequest(cfg stt.StreamConfig) *speechpb.StreamingRecognizeRequest {
	rc := &speechpb.RecognitionConfig{
		Encoding:                   speechpb.RecognitionConfig_LINEAR16,
		SampleRateHertz:            int32(cfg.SampleRate),
		AudioChannelCount:          1,
		LanguageCode:               cfg.Language,
		AlternativeLanguageCodes:   p.alternates[cfg.Language],
		Model:                      p.model,
		EnableAutomaticPunctuation: p.punctuation,
		MaxAlternatives:            1,
	}
	return &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:          rc,
				InterimResults:  cfg.Interim,
				SingleUtterance: true,
			},
		},
	}
}

// ── Session ───────────────────────────────────────────────────────────────────

type session struct {
	stream   recognizeStream
	cancel   context.CancelFunc
	language string

	audio    chan []byte
	partials chan types.Transcript
	finals   chan types.Transcript

	done    chan struct{}
	once    sync.Once
	ended   chan struct{} // closed when the service reports end of utterance
	endOnce sync.Once
	wg      sync.WaitGroup
	errMu   sync.Mutex
	err     error
}

var _ stt.SessionHandle = (*session)(nil)

func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	select {
	case s.audio <- buf:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	default:
		slog.Warn("googlespeech: audio buffer full, dropping chunk", "bytes", len(chunk))
		return nil
	}
}

func (s *session) Partials() <-chan types.Transcript { return s.partials }
func (s *session) Finals() <-chan types.Transcript   { return s.finals }

func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close half-closes the stream and waits for the last final transcript.
// A stream that does not finish within a few seconds is cancelled.
func (s *session) Close() error {
	s.once.Do(func() { close(s.done) })

	waited := make(chan struct{})
	go func() { s.wg.Wait(); close(waited) }()
	select {
	case <-waited:
	case <-time.After(closeWait):
		s.cancel()
		<-waited
	}
	s.cancel()
	return nil
}

func (s *session) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *session) sendLoop() {
	defer s.wg.Done()
	defer func() {
		if err := s.stream.CloseSend(); err != nil {
			slog.Debug("googlespeech: close send", "err", err)
		}
	}()
	for {
		select {
		case <-s.done:
			s.drainAudio()
			return
		case <-s.ended:
			return
		case chunk := <-s.audio:
			if err := s.send(chunk); err != nil {
				return
			}
		}
	}
}

// drainAudio forwards chunks queued before Close.
func (s *session) drainAudio() {
	for {
		select {
		case chunk := <-s.audio:
			if s.send(chunk) != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *session) send(chunk []byte) error {
	err := s.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: chunk},
	})
	if err != nil && !errors.Is(err, io.EOF) {
		s.setErr(fmt.Errorf("googlespeech: send audio: %w", err))
	}
	return err
}

func (s *session) recvLoop() {
	defer s.wg.Done()
	defer close(s.finals)
	defer close(s.partials)
	defer s.endOnce.Do(func() { close(s.ended) })

	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.setErr(fmt.Errorf("googlespeech: recv: %w", err))
			return
		}
		if st := resp.GetError(); st != nil && st.GetCode() != 0 {
			s.setErr(fmt.Errorf("googlespeech: recognition error %d: %s", st.GetCode(), st.GetMessage()))
			return
		}
		if resp.GetSpeechEventType() == speechpb.StreamingRecognizeResponse_END_OF_SINGLE_UTTERANCE {
			s.endOnce.Do(func() { close(s.ended) })
		}
		for _, res := range resp.GetResults() {
			s.emit(res)
		}
	}
}

func (s *session) emit(res *speechpb.StreamingRecognitionResult) {
	alts := res.GetAlternatives()
	if len(alts) == 0 || alts[0].GetTranscript() == "" {
		return
	}
	t := types.Transcript{
		Text:     alts[0].GetTranscript(),
		IsFinal:  res.GetIsFinal(),
		Language: s.language,
		Duration: res.GetResultEndTime().AsDuration(),
	}
	if t.IsFinal {
		t.Confidence = float64(alts[0].GetConfidence())
		select {
		case s.finals <- t:
		default:
			slog.Warn("googlespeech: finals buffer full, dropping transcript", "text", t.Text)
		}
		return
	}
	select {
	case s.partials <- t:
	default:
	}
}
