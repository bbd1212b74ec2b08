// Package openai answers farmer questions through the OpenAI chat
// completions API. Any server speaking the same protocol works too
// (vLLM, llama.cpp server, LM Studio) when pointed at with [WithBaseURL].
package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/farmgpt/krishimitra/pkg/provider/llm"
	"github.com/farmgpt/krishimitra/pkg/types"
)

// ErrContentFiltered is returned when the backend withheld the answer.
var ErrContentFiltered = errors.New("openai: answer withheld by content filter")

var _ llm.Provider = (*Provider)(nil)

// Provider implements [llm.Provider].
type Provider struct {
	client oai.Client
	model  string
}

// settings collects SDK request options before the client is built.
type settings struct {
	req     []option.RequestOption
	baseURL bool
}

// Option adjusts the HTTP client of a [Provider].
type Option func(*settings)

// WithBaseURL points the client at a different endpoint. A base URL also
// lifts the API key requirement, since local servers rarely need one.
func WithBaseURL(url string) Option {
	return func(s *settings) {
		s.req = append(s.req, option.WithBaseURL(url))
		s.baseURL = true
	}
}

// WithOrganization sends the OpenAI-Organization header.
func WithOrganization(org string) Option {
	return func(s *settings) { s.req = append(s.req, option.WithOrganization(org)) }
}

// WithTimeout bounds each HTTP request.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		s.req = append(s.req, option.WithHTTPClient(&http.Client{Timeout: d}))
	}
}

// New returns a provider for model. Retries are left to the resilience
// layer, so the SDK's own retry loop is disabled.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}
	var s settings
	for _, o := range opts {
		o(&s)
	}
	if apiKey == "" {
		if !s.baseURL {
			return nil, fmt.Errorf("openai: apiKey must not be empty")
		}
		apiKey = "unused"
	}
	reqOpts := append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}, s.req...)
	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Name implements [llm.Provider].
func (p *Provider) Name() string { return "openai/" + p.model }

// Complete implements [llm.Provider].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("openai: build params: %w", err)
	}
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, llm.ErrEmptyResponse
	}

	choice := resp.Choices[0]
	switch choice.FinishReason {
	case "content_filter":
		return nil, ErrContentFiltered
	case "length":
		slog.Warn("openai: answer cut at token limit", "model", p.model, "max_tokens", req.MaxTokens)
	}
	text := strings.TrimSpace(choice.Message.Content)
	if text == "" {
		return nil, llm.ErrEmptyResponse
	}
	return &llm.CompletionResponse{
		Content: text,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// buildParams maps a request onto chat completion params. OpenAI has no
// top-k sampling, so TopK is dropped.
func (p *Provider) buildParams(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	msgs := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, oai.SystemMessage(req.SystemPrompt))
	}
	for i, m := range req.Messages {
		cm, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, fmt.Errorf("message %d: %w", i, err)
		}
		msgs = append(msgs, cm)
	}

	out := oai.ChatCompletionNewParams{Model: shared.ChatModel(p.model), Messages: msgs}
	if req.Temperature != 0 {
		out.Temperature = param.NewOpt(req.Temperature)
	}
	if req.TopP != 0 {
		out.TopP = param.NewOpt(req.TopP)
	}
	if req.MaxTokens > 0 {
		out.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	if req.JSON {
		out.ResponseFormat.OfJSONObject = &shared.ResponseFormatJSONObjectParam{}
	}
	return out, nil
}

func convertMessage(m types.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case llm.RoleUser:
		return oai.UserMessage(m.Content), nil
	case llm.RoleAssistant:
		return oai.AssistantMessage(m.Content), nil
	case llm.RoleSystem:
		return oai.SystemMessage(m.Content), nil
	}
	return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unknown message role %q", m.Role)
}
