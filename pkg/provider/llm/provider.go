// Package llm defines the Provider interface for large language model
// backends.
//
// The advisor talks to every backend through [Provider.Complete]; streaming is
// not needed because each answer is spoken only after it has been classified
// for confidence.
//
// Implementations must be safe for concurrent use and must return promptly
// when ctx is cancelled.
package llm

import (
	"context"
	"errors"

	"github.com/farmgpt/krishimitra/pkg/types"
)

// Message roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrEmptyResponse is returned when the backend answers without any text.
var ErrEmptyResponse = errors.New("llm: empty response")

// Usage holds token accounting returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a reply.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is the
	// one being answered.
	Messages []types.Message

	// SystemPrompt is injected ahead of Messages using the backend's native
	// mechanism.
	SystemPrompt string

	// Sampling parameters. Zero leaves the backend default in place.
	Temperature float64
	TopP        float64
	TopK        int
	MaxTokens   int

	// JSON asks the backend to answer with a single JSON object.
	JSON bool
}

// CompletionResponse is the model's reply.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Name identifies the backend and model, e.g. "gemini/gemini-2.5-flash-lite".
	Name() string
}
