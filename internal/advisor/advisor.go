// Package advisor answers farmer questions through an LLM backend.
//
// A [Service] keeps one chat history per language. Each history is seeded
// with the Krishi Mitra instructions as model turns, gains the farmer's
// question before every call and the model's reply after a successful one.
// Clearing a language drops its history; a reply that arrives after its
// history was cleared is discarded.
package advisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/farmgpt/krishimitra/pkg/provider/llm"
	"github.com/farmgpt/krishimitra/pkg/types"
)

// ErrEmptyQuery is returned by [Service.Query] for blank input.
var ErrEmptyQuery = errors.New("advisor: empty query")

// Response is the answer to a single query.
type Response struct {
	Text string `json:"text"`

	// AudioResponse is the text to speak. Empty means nothing is spoken.
	AudioResponse string `json:"audioResponse,omitempty"`
}

// Option configures a [Service].
type Option func(*Service)

// WithSampling sets the sampling parameters used for conversation queries.
func WithSampling(temperature, topP float64, topK int) Option {
	return func(s *Service) {
		s.temperature = temperature
		s.topP = topP
		s.topK = topK
	}
}

// WithAnalysisTemperature sets the temperature of the water usage analysis.
func WithAnalysisTemperature(t float64) Option {
	return func(s *Service) { s.analysisTemperature = t }
}

// WithMaxTokens caps the length of every reply. Zero leaves the backend
// default.
func WithMaxTokens(n int) Option {
	return func(s *Service) { s.maxTokens = n }
}

// history is one language's chat log. It is replaced, never reset in place,
// so a pointer comparison tells whether it was cleared during a call.
type history struct {
	messages []types.Message
}

// Service implements the AI query service for the orchestrator.
//
// All methods are safe for concurrent use.
type Service struct {
	provider llm.Provider

	temperature         float64
	topP                float64
	topK                int
	analysisTemperature float64
	maxTokens           int

	mu      sync.Mutex
	history map[types.Language]*history
}

// New creates a Service backed by provider. The defaults are temperature
// 0.7, topP 0.8, topK 40 and an analysis temperature of 0.2.
func New(provider llm.Provider, opts ...Option) *Service {
	s := &Service{
		provider:            provider,
		temperature:         0.7,
		topP:                0.8,
		topK:                40,
		analysisTemperature: 0.2,
		history:             make(map[types.Language]*history),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Query sends text to the model as the next farmer turn in lang's history.
func (s *Service) Query(ctx context.Context, text string, lang types.Language) (Response, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Response{}, ErrEmptyQuery
	}

	s.mu.Lock()
	h := s.historyLocked(lang)
	h.messages = append(h.messages, types.Message{Role: llm.RoleUser, Content: text})
	msgs := make([]types.Message, len(h.messages))
	copy(msgs, h.messages)
	s.mu.Unlock()

	resp, err := s.provider.Complete(ctx, llm.CompletionRequest{
		Messages:    msgs,
		Temperature: s.temperature,
		TopP:        s.topP,
		TopK:        s.topK,
		MaxTokens:   s.maxTokens,
	})
	if err != nil {
		return Response{}, fmt.Errorf("advisor: query: %w", err)
	}

	s.mu.Lock()
	if s.history[lang] == h {
		h.messages = append(h.messages, types.Message{Role: llm.RoleAssistant, Content: resp.Content})
	} else {
		slog.Debug("advisor: history cleared during query, dropping reply", "lang", lang)
	}
	s.mu.Unlock()

	slog.Debug("advisor: query answered",
		"lang", lang,
		"provider", s.provider.Name(),
		"total_tokens", resp.Usage.TotalTokens,
	)
	return Response{Text: resp.Content, AudioResponse: resp.Content}, nil
}

// historyLocked returns lang's history, seeding it if absent. s.mu must be
// held.
func (s *Service) historyLocked(lang types.Language) *history {
	if h, ok := s.history[lang]; ok {
		return h
	}
	h := &history{messages: []types.Message{
		{Role: llm.RoleAssistant, Content: systemPrompt},
		{Role: llm.RoleAssistant, Content: languageInstruction(lang)},
	}}
	s.history[lang] = h
	return h
}

// ClearHistory drops lang's history. The next query starts from the seeded
// instructions.
func (s *Service) ClearHistory(lang types.Language) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.history, lang)
}

// History returns a copy of lang's history, or nil if there is none.
func (s *Service) History(lang types.Language) []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.history[lang]
	if !ok {
		return nil
	}
	out := make([]types.Message, len(h.messages))
	copy(out, h.messages)
	return out
}
