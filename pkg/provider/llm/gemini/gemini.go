// Package gemini provides an LLM provider backed by the Google Gen AI SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/farmgpt/krishimitra/pkg/provider/llm"
	"github.com/farmgpt/krishimitra/pkg/types"
)

const defaultModel = "gemini-2.5-flash-lite"

var _ llm.Provider = (*Provider)(nil)

// Option is a functional option for Provider.
type Option func(*genai.ClientConfig)

// WithBaseURL points the client at a different API host.
func WithBaseURL(url string) Option {
	return func(c *genai.ClientConfig) { c.HTTPOptions.BaseURL = url }
}

// Provider implements llm.Provider on top of genai.Client.
type Provider struct {
	client *genai.Client
	model  string
}

// New constructs a Gemini provider. An empty model selects gemini-2.5-flash-lite.
func New(ctx context.Context, apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: apiKey must not be empty")
	}
	if model == "" {
		model = defaultModel
	}
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	for _, o := range opts {
		o(cfg)
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &Provider{client: client, model: model}, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return "gemini/" + p.model }

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	contents, err := buildContents(req.Messages)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, buildConfig(req))
	if err != nil {
		return nil, fmt.Errorf("gemini: generate content: %w", err)
	}

	text := responseText(resp)
	if text == "" {
		return nil, llm.ErrEmptyResponse
	}
	out := &llm.CompletionResponse{Content: text}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return out, nil
}

func buildConfig(req llm.CompletionRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.Temperature != 0 {
		cfg.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.TopP != 0 {
		cfg.TopP = genai.Ptr(float32(req.TopP))
	}
	if req.TopK != 0 {
		cfg.TopK = genai.Ptr(float32(req.TopK))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.JSON {
		cfg.ResponseMIMEType = "application/json"
	}
	return cfg
}

// buildContents maps the history onto Gemini's two roles. System messages
// inside the history are sent as user turns.
func buildContents(msgs []types.Message) ([]*genai.Content, error) {
	if len(msgs) == 0 {
		return nil, errors.New("gemini: no messages")
	}
	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		var role genai.Role
		switch m.Role {
		case llm.RoleAssistant:
			role = genai.RoleModel
		case llm.RoleUser, llm.RoleSystem:
			role = genai.RoleUser
		default:
			return nil, fmt.Errorf("gemini: unknown message role %q", m.Role)
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	return contents, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			sb.WriteString(part.Text)
		}
	}
	return strings.TrimSpace(sb.String())
}
