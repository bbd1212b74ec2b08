// Package anyllm routes advisor questions through
// github.com/mozilla-ai/any-llm-go, which fronts many hosted and
// self-hosted chat backends behind one client.
//
// This is the path for running without a cloud account: an Ollama or
// llama.cpp server hosting a Hindi-capable model can serve as the primary
// advisor backend or as an offline fallback.
//
//	p, err := anyllm.New("ollama", "llama3.1")
//	p, err := anyllm.New("anthropic", "claude-3-5-haiku-latest", anyllmlib.WithAPIKey(key))
package anyllm

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/farmgpt/krishimitra/pkg/provider/llm"
	"github.com/farmgpt/krishimitra/pkg/types"
)

// jsonHint is appended to the system prompt when a request asks for JSON,
// since not every backend has a native JSON mode.
const jsonHint = "Reply with a single JSON object and nothing else."

type factory func(...anyllmlib.Option) (anyllmlib.Provider, error)

func wrap[P anyllmlib.Provider](f func(...anyllmlib.Option) (P, error)) factory {
	return func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) { return f(opts...) }
}

var factories = map[string]factory{
	"openai":    wrap(anyllmoai.New),
	"anthropic": wrap(anthropic.New),
	"gemini":    wrap(gemini.New),
	"ollama":    wrap(ollama.New),
	"deepseek":  wrap(deepseek.New),
	"mistral":   wrap(mistral.New),
	"groq":      wrap(groq.New),
	"llamacpp":  wrap(llamacpp.New),
	"llamafile": wrap(llamafile.New),
}

var _ llm.Provider = (*Provider)(nil)

// Provider implements [llm.Provider] on top of one any-llm backend.
type Provider struct {
	backend anyllmlib.Provider
	kind    string
	model   string
}

// New connects to the named backend. Without an API key option the backend
// reads its usual environment variable (OPENAI_API_KEY, ANTHROPIC_API_KEY
// and so on).
func New(kind, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if kind == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}
	kind = strings.ToLower(kind)
	f, ok := factories[kind]
	if !ok {
		return nil, fmt.Errorf("anyllm: unsupported provider %q; supported: %s", kind, strings.Join(Backends(), ", "))
	}
	backend, err := f(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", kind, err)
	}
	return &Provider{backend: backend, kind: kind, model: model}, nil
}

// Backends lists the backend names accepted by [New], sorted.
func Backends() []string {
	return slices.Sorted(maps.Keys(factories))
}

// Name implements [llm.Provider].
func (p *Provider) Name() string { return p.kind + "/" + p.model }

// Complete implements [llm.Provider].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.backend.Completion(ctx, p.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, llm.ErrEmptyResponse
	}
	text := strings.TrimSpace(resp.Choices[0].Message.ContentString())
	if text == "" {
		return nil, llm.ErrEmptyResponse
	}

	out := &llm.CompletionResponse{Content: text}
	if u := resp.Usage; u != nil {
		out.Usage = llm.Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
	}
	return out, nil
}

// buildParams maps a request onto any-llm params. TopK and TopP are not
// portable and stay at backend defaults.
func (p *Provider) buildParams(req llm.CompletionRequest) anyllmlib.CompletionParams {
	system := req.SystemPrompt
	if req.JSON {
		system = strings.TrimSpace(system + "\n\n" + jsonHint)
	}

	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: make([]anyllmlib.Message, 0, len(req.Messages)+1),
	}
	if system != "" {
		params.Messages = append(params.Messages, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: system})
	}
	for _, m := range req.Messages {
		params.Messages = append(params.Messages, convertMessage(m))
	}
	if req.Temperature != 0 {
		params.Temperature = &req.Temperature
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = &req.MaxTokens
	}
	return params
}

func convertMessage(m types.Message) anyllmlib.Message {
	return anyllmlib.Message{Role: m.Role, Content: m.Content}
}
