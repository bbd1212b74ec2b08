// Package coqui provides a tts.Provider backed by a self-hosted Coqui TTS
// server. It is meant as an offline fallback when the hosted synthesizer is
// unreachable, which happens often on rural connections.
//
// Two server flavours are supported:
//
//   - APIModeStandard (default): the stock Coqui TTS server. Synthesis is
//     GET /api/tts with query parameters; voices come from GET /details.
//   - APIModeXTTS: the XTTS v2 API server. Synthesis is POST /tts_to_audio/
//     with a JSON body; voices come from GET /studio_speakers. XTTS speaks
//     Hindi.
//
// Both servers answer one WAV file per request, so SynthesizeStream splits
// the incoming text into sentences and keeps a few requests in flight while
// emitting audio in sentence order.
package coqui

import (
	"bytes"
	"cmp"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/farmgpt/krishimitra/pkg/audio"
	"github.com/farmgpt/krishimitra/pkg/provider/tts"
	"github.com/farmgpt/krishimitra/pkg/types"
)

var _ tts.Provider = (*Provider)(nil)

const (
	defaultTimeout    = 30 * time.Second
	defaultSampleRate = 16000

	xttsSynthPath   = "/tts_to_audio/"
	xttsVoicesPath  = "/studio_speakers"
	stdSynthPath    = "/api/tts"
	stdDetailsPath  = "/details"
	inFlight        = 4
	audioChanBuf    = 64
	pcmChunkSize    = 4096
	providerName    = "coqui"
	defaultLanguage = "en"
)

// APIMode selects which Coqui server API the provider targets.
type APIMode string

const (
	APIModeStandard APIMode = "standard"
	APIModeXTTS     APIMode = "xtts"
)

// Option is a functional option for configuring a Coqui Provider.
type Option func(*Provider)

// WithAPIMode selects the server flavour. Defaults to APIModeStandard.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) { p.apiMode = mode }
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// WithSampleRate sets the rate synthesised PCM is resampled to. Defaults to
// 16 kHz, which matches the playback path.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// WithDefaultVoice sets the speaker used when the caller's voice profile has
// no ID. XTTS requires one.
func WithDefaultVoice(id string) Option {
	return func(p *Provider) { p.defaultVoice = id }
}

// Provider implements tts.Provider against a Coqui TTS server.
// It is safe for concurrent use.
type Provider struct {
	serverURL    string
	apiMode      APIMode
	sampleRate   int
	defaultVoice string
	httpClient   *http.Client
}

// New creates a Provider for the server at serverURL
// (e.g. "http://localhost:5002").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		apiMode:    APIModeStandard,
		sampleRate: defaultSampleRate,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	if p.sampleRate <= 0 {
		return nil, fmt.Errorf("coqui: invalid sample rate %d", p.sampleRate)
	}
	return p, nil
}

type synthResult struct {
	pcm []byte
	err error
}

// SynthesizeStream implements tts.Provider. Sentences are split on '.', '!',
// '?' and the Devanagari danda when followed by whitespace or the end of
// input.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (*tts.Stream, error) {
	if voice.ID == "" {
		voice.ID = p.defaultVoice
	}
	if voice.ID == "" && p.apiMode == APIModeXTTS {
		return nil, errors.New("coqui: a voice is required in xtts mode")
	}

	out := make(chan []byte, audioChanBuf)
	stream := tts.NewStream(out, p.sampleRate)

	// pending carries one future per sentence, in order. Its capacity bounds
	// the number of requests in flight.
	pending := make(chan chan synthResult, inFlight)

	go func() {
		defer close(pending)
		for sentence := range sentences(ctx, text) {
			res := make(chan synthResult, 1)
			select {
			case pending <- res:
			case <-ctx.Done():
				return
			}
			go func() {
				pcm, err := p.synthesize(ctx, sentence, voice)
				res <- synthResult{pcm: pcm, err: err}
			}()
		}
	}()

	go func() {
		defer close(out)
		for res := range pending {
			var r synthResult
			select {
			case r = <-res:
			case <-ctx.Done():
				stream.SetErr(ctx.Err())
				return
			}
			if r.err != nil {
				stream.SetErr(r.err)
				return
			}
			for pcm := r.pcm; len(pcm) > 0; {
				n := min(pcmChunkSize, len(pcm))
				select {
				case out <- pcm[:n]:
				case <-ctx.Done():
					stream.SetErr(ctx.Err())
					return
				}
				pcm = pcm[n:]
			}
		}
		if err := ctx.Err(); err != nil {
			stream.SetErr(err)
		}
	}()

	return stream, nil
}

// sentences accumulates fragments from text and yields complete sentences.
// The remainder is flushed when text closes.
func sentences(ctx context.Context, text <-chan string) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		emit := func(s string) bool {
			s = strings.TrimSpace(s)
			if s == "" {
				return true
			}
			select {
			case out <- s:
				return true
			case <-ctx.Done():
				return false
			}
		}
		var buf string
		for {
			select {
			case frag, ok := <-text:
				if !ok {
					emit(buf)
					return
				}
				buf += frag
				for {
					i := sentenceBoundary(buf)
					if i < 0 {
						break
					}
					if !emit(buf[:i]) {
						return
					}
					buf = buf[i:]
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// sentenceBoundary returns the byte index just past the first sentence
// terminator that ends the string or is followed by whitespace, or -1.
// "3.14" and "Dr.Rao" are not boundaries.
func sentenceBoundary(s string) int {
	for i, r := range s {
		if r != '.' && r != '!' && r != '?' && r != '।' {
			continue
		}
		end := i + len(string(r))
		if end == len(s) {
			return end
		}
		next, _ := firstRune(s[end:])
		if unicode.IsSpace(next) {
			return end
		}
	}
	return -1
}

func firstRune(s string) (rune, bool) {
	for _, r := range s {
		return r, true
	}
	return 0, false
}

// language maps a locale such as "hi-IN" to the two-letter code Coqui
// expects.
func language(locale string) string {
	if locale == "" {
		return defaultLanguage
	}
	base, _, _ := strings.Cut(locale, "-")
	return strings.ToLower(base)
}

func (p *Provider) synthesize(ctx context.Context, sentence string, voice types.VoiceProfile) ([]byte, error) {
	var (
		req  *http.Request
		err  error
		path string
	)
	switch p.apiMode {
	case APIModeXTTS:
		path = xttsSynthPath
		body, merr := json.Marshal(map[string]string{
			"text":        sentence,
			"speaker_wav": voice.ID,
			"language":    language(voice.Locale),
		})
		if merr != nil {
			return nil, fmt.Errorf("coqui: marshal request: %w", merr)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+path, bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	default:
		path = stdSynthPath
		q := url.Values{"text": {sentence}}
		if voice.ID != "" {
			q.Set("speaker_id", voice.ID)
		}
		if voice.Locale != "" {
			q.Set("language_id", language(voice.Locale))
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+path+"?"+q.Encode(), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("coqui: create request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s %s: %w", req.Method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: %s %s returned status %d", req.Method, path, resp.StatusCode)
	}
	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read response: %w", err)
	}
	info, err := parseWAV(wav)
	if err != nil {
		return nil, err
	}
	pcm := wav[info.dataOffset:]
	if info.channels != 1 {
		return nil, fmt.Errorf("coqui: unsupported channel count %d", info.channels)
	}
	return audio.ResampleMono16(pcm, info.sampleRate, p.sampleRate), nil
}

// ListVoices implements tts.Provider.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	path := stdDetailsPath
	if p.apiMode == APIModeXTTS {
		path = xttsVoicesPath
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: GET %s returned status %d", path, resp.StatusCode)
	}

	var names []string
	if p.apiMode == APIModeXTTS {
		var raw map[string]json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
			return nil, fmt.Errorf("coqui: decode speakers: %w", err)
		}
		for name := range raw {
			names = append(names, name)
		}
	} else {
		var details struct {
			ModelName string   `json:"model_name"`
			Speakers  []string `json:"speakers"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&details); err != nil {
			return nil, fmt.Errorf("coqui: decode details: %w", err)
		}
		names = details.Speakers
		if len(names) == 0 {
			// Single-speaker model: the model itself is the only voice.
			names = []string{cmp.Or(details.ModelName, "default")}
		}
	}
	slices.Sort(names)

	voices := make([]types.VoiceProfile, 0, len(names))
	for _, n := range names {
		voices = append(voices, types.VoiceProfile{ID: n, Name: n, Provider: providerName})
	}
	return voices, nil
}

// ── WAV ──────────────────────────────────────────────────────────────────────

type wavInfo struct {
	dataOffset int
	sampleRate int
	channels   int
}

// parseWAV walks the RIFF chunks of wav and locates the PCM payload.
func parseWAV(wav []byte) (wavInfo, error) {
	if len(wav) < 12 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return wavInfo{}, errors.New("coqui: response is not a RIFF/WAVE file")
	}
	info := wavInfo{sampleRate: 22050, channels: 1}
	for off := 12; off+8 <= len(wav); {
		id := string(wav[off : off+4])
		size := int(binary.LittleEndian.Uint32(wav[off+4 : off+8]))
		switch id {
		case "fmt ":
			if size >= 16 && off+8+16 <= len(wav) {
				f := wav[off+8:]
				info.channels = int(binary.LittleEndian.Uint16(f[2:4]))
				info.sampleRate = int(binary.LittleEndian.Uint32(f[4:8]))
			}
		case "data":
			info.dataOffset = off + 8
			return info, nil
		}
		off += 8 + size + size%2
	}
	return wavInfo{}, errors.New("coqui: WAV data chunk not found")
}
