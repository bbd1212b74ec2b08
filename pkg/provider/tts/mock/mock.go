// Package mock provides a test double for the tts.Provider interface.
//
// Example:
//
//	p := &mock.Provider{
//	    SynthesizeChunks: [][]byte{[]byte("audio1"), []byte("audio2")},
//	}
//	stream, _ := tts.Synthesize(ctx, p, "namaste", voice)
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/farmgpt/krishimitra/pkg/provider/tts"
	"github.com/farmgpt/krishimitra/pkg/types"
)

// SynthesizeStreamCall records a single invocation of SynthesizeStream.
type SynthesizeStreamCall struct {
	Voice types.VoiceProfile

	// Text is every fragment read from the text channel, joined. It is filled
	// in once the text channel has been drained.
	Text string
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// SynthesizeChunks are emitted on the stream in order.
	SynthesizeChunks [][]byte

	// SampleRate reported on the stream. Zero means 16000.
	SampleRate int

	// SynthesizeErr, if non-nil, is returned from SynthesizeStream.
	SynthesizeErr error

	// StreamErr, if non-nil, is recorded on the stream after the chunks.
	StreamErr error

	// Block, if non-nil, is received from before the first chunk is emitted.
	Block chan struct{}

	ListVoicesResult []types.VoiceProfile
	ListVoicesErr    error

	calls []*SynthesizeStreamCall
}

// SynthesizeStream records the call and, unless SynthesizeErr is set, returns
// a stream that emits SynthesizeChunks and then closes.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (*tts.Stream, error) {
	p.mu.Lock()
	call := &SynthesizeStreamCall{Voice: voice}
	p.calls = append(p.calls, call)
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([][]byte, len(p.SynthesizeChunks))
	copy(chunks, p.SynthesizeChunks)
	rate := p.SampleRate
	if rate == 0 {
		rate = 16000
	}
	block, streamErr := p.Block, p.StreamErr
	p.mu.Unlock()

	var sb strings.Builder
	for frag := range text {
		sb.WriteString(frag)
	}
	p.mu.Lock()
	call.Text = sb.String()
	p.mu.Unlock()

	ch := make(chan []byte, len(chunks))
	stream := tts.NewStream(ch, rate)
	go func() {
		defer close(ch)
		if block != nil {
			select {
			case <-block:
			case <-ctx.Done():
				stream.SetErr(ctx.Err())
				return
			}
		}
		for _, audio := range chunks {
			select {
			case <-ctx.Done():
				stream.SetErr(ctx.Err())
				return
			case ch <- audio:
			}
		}
		stream.SetErr(streamErr)
	}()
	return stream, nil
}

// ListVoices returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(_ context.Context) ([]types.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ListVoicesResult, p.ListVoicesErr
}

// Calls returns a snapshot of the recorded SynthesizeStream calls.
func (p *Provider) Calls() []SynthesizeStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeStreamCall, len(p.calls))
	for i, c := range p.calls {
		out[i] = *c
	}
	return out
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}

var _ tts.Provider = (*Provider)(nil)
