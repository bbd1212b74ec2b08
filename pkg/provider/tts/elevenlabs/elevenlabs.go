// Package elevenlabs provides a tts.Provider backed by the ElevenLabs
// streaming WebSocket API.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/farmgpt/krishimitra/pkg/provider/tts"
	"github.com/farmgpt/krishimitra/pkg/types"
)

const (
	defaultWSBase    = "wss://api.elevenlabs.io"
	defaultHTTPBase  = "https://api.elevenlabs.io"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"
)

var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID. The flash and multilingual models
// both speak Hindi.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithOutputFormat sets the PCM output format, e.g. "pcm_16000" or
// "pcm_24000".
func WithOutputFormat(format string) Option {
	return func(p *Provider) { p.outputFormat = format }
}

// WithBaseURLs overrides the WebSocket and REST hosts. Used by tests.
func WithBaseURLs(wsBase, httpBase string) Option {
	return func(p *Provider) {
		p.wsBase = strings.TrimRight(wsBase, "/")
		p.httpBase = strings.TrimRight(httpBase, "/")
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	wsBase       string
	httpBase     string
	httpClient   *http.Client
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		wsBase:       defaultWSBase,
		httpBase:     defaultHTTPBase,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	if _, err := sampleRateOf(p.outputFormat); err != nil {
		return nil, err
	}
	return p, nil
}

// ---- WebSocket message types ----

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key,omitempty"`
}

type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SynthesizeStream opens a WebSocket to ElevenLabs, pipes text fragments from
// the text channel and streams back raw PCM.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (*tts.Stream, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: voice.ID must not be empty")
	}
	rate, _ := sampleRateOf(p.outputFormat)

	conn, _, err := websocket.Dial(ctx, p.streamURL(voice), nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	// The first message authenticates and configures the stream; ElevenLabs
	// requires its text to be a single space.
	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75, Speed: voice.SpeedFactor}
	boi, _ := json.Marshal(textMessage{Text: " ", VoiceSettings: vs, XiAPIKey: p.apiKey})
	if err := conn.Write(ctx, websocket.MessageText, boi); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send BOI")
		return nil, fmt.Errorf("elevenlabs: send BOI: %w", err)
	}

	audioCh := make(chan []byte, 256)
	stream := tts.NewStream(audioCh, rate)

	go func() {
		defer close(audioCh)
		defer conn.Close(websocket.StatusNormalClosure, "done")

		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			for {
				_, msg, err := conn.Read(ctx)
				if err != nil {
					if ctx.Err() != nil {
						stream.SetErr(ctx.Err())
					} else if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
						stream.SetErr(fmt.Errorf("elevenlabs: read: %w", err))
					}
					return
				}
				var resp audioResponse
				if err := json.Unmarshal(msg, &resp); err != nil {
					continue
				}
				if resp.Error != "" {
					stream.SetErr(fmt.Errorf("elevenlabs: %s: %s", resp.Error, resp.Message))
					return
				}
				if resp.Audio != "" {
					pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
					if err != nil {
						continue
					}
					select {
					case audioCh <- pcm:
					case <-ctx.Done():
						stream.SetErr(ctx.Err())
						return
					}
				}
				if resp.IsFinal {
					return
				}
			}
		}()

		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					// An empty text closes the input and flushes the buffer.
					flush, _ := json.Marshal(textMessage{Text: ""})
					_ = conn.Write(ctx, websocket.MessageText, flush)
					<-readDone
					return
				}
				if strings.TrimSpace(fragment) == "" {
					continue
				}
				// ElevenLabs expects every fragment to end with a space.
				msg, _ := json.Marshal(textMessage{Text: strings.TrimRight(fragment, " ") + " "})
				if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
					stream.SetErr(fmt.Errorf("elevenlabs: send text: %w", err))
					<-readDone
					return
				}
			case <-readDone:
				return
			case <-ctx.Done():
				stream.SetErr(ctx.Err())
				<-readDone
				return
			}
		}
	}()

	return stream, nil
}

// streamURL builds the stream-input endpoint for voice. Hindi voices get an
// explicit language_code so the flash model does not guess from the script.
func (p *Provider) streamURL(voice types.VoiceProfile) string {
	q := url.Values{}
	q.Set("model_id", p.model)
	q.Set("output_format", p.outputFormat)
	if voice.Locale != "" {
		q.Set("language_code", types.ParseLanguage(voice.Locale).String())
	}
	return fmt.Sprintf("%s/v1/text-to-speech/%s/stream-input?%s", p.wsBase, url.PathEscape(voice.ID), q.Encode())
}

// sampleRateOf extracts the rate from a "pcm_<rate>" output format.
func sampleRateOf(format string) (int, error) {
	rest, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0, fmt.Errorf("elevenlabs: output format %q is not raw PCM", format)
	}
	rate, err := strconv.Atoi(rest)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("elevenlabs: output format %q has no sample rate", format)
	}
	return rate, nil
}

// ---- ListVoices ----

type voicesResponse struct {
	Voices []struct {
		VoiceID  string            `json:"voice_id"`
		Name     string            `json:"name"`
		Category string            `json:"category"`
		Labels   map[string]string `json:"labels"`
	} `json:"voices"`
}

// ListVoices returns all voices available for the configured API key.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.httpBase+"/v1/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: unexpected status %d", resp.StatusCode)
	}

	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}
	return toProfiles(vr), nil
}

func toProfiles(vr voicesResponse) []types.VoiceProfile {
	profiles := make([]types.VoiceProfile, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		profiles = append(profiles, types.VoiceProfile{
			ID:       v.VoiceID,
			Name:     v.Name,
			Provider: "elevenlabs",
			Locale:   v.Labels["language"],
		})
	}
	return profiles
}
