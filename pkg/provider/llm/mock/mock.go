// Package mock provides a test double for the llm.Provider interface.
//
// Example:
//
//	p := &mock.Provider{
//	    CompleteResponse: &llm.CompletionResponse{Content: "Hello!"},
//	}
//	resp, err := p.Complete(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/farmgpt/krishimitra/pkg/provider/llm"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// CompleteFunc, if set, computes the response and takes precedence over
	// the static fields below.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// CompleteResponse is returned by Complete when CompleteErr is nil.
	CompleteResponse *llm.CompletionResponse

	// CompleteErr, if non-nil, is returned as the error from Complete.
	CompleteErr error

	// Block, if non-nil, is received from before Complete answers. A
	// cancelled ctx releases the call with ctx.Err().
	Block chan struct{}

	// NameResult is returned by Name. Empty means "mock".
	NameResult string

	calls []CompleteCall
}

// Complete records the call and returns the configured response.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.calls = append(p.calls, CompleteCall{Req: req})
	fn, resp, err, block := p.CompleteFunc, p.CompleteResponse, p.CompleteErr, p.Block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, llm.ErrEmptyResponse
	}
	out := *resp
	return &out, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.NameResult == "" {
		return "mock"
	}
	return p.NameResult
}

// Calls returns a snapshot of the recorded Complete calls.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CompleteCall, len(p.calls))
	copy(out, p.calls)
	return out
}

// SetResponse replaces the static response under the lock.
func (p *Provider) SetResponse(resp *llm.CompletionResponse, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteResponse, p.CompleteErr = resp, err
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}

var _ llm.Provider = (*Provider)(nil)
