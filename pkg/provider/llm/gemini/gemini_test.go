package gemini

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"google.golang.org/genai"

	"github.com/farmgpt/krishimitra/pkg/provider/llm"
	"github.com/farmgpt/krishimitra/pkg/types"
)

func TestNew_EmptyKey(t *testing.T) {
	if _, err := New(context.Background(), "", ""); err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestBuildContents_Roles(t *testing.T) {
	got, err := buildContents([]types.Message{
		{Role: llm.RoleAssistant, Content: "prompt"},
		{Role: llm.RoleUser, Content: "question"},
		{Role: llm.RoleSystem, Content: "note"},
	})
	if err != nil {
		t.Fatalf("buildContents: %v", err)
	}
	want := []genai.Role{genai.RoleModel, genai.RoleUser, genai.RoleUser}
	for i, c := range got {
		if genai.Role(c.Role) != want[i] {
			t.Errorf("content %d role = %q, want %q", i, c.Role, want[i])
		}
	}
	if got[1].Parts[0].Text != "question" {
		t.Errorf("content 1 text = %q", got[1].Parts[0].Text)
	}
}

func TestBuildContents_Errors(t *testing.T) {
	if _, err := buildContents(nil); err == nil {
		t.Error("expected error for empty history")
	}
	if _, err := buildContents([]types.Message{{Role: "tool", Content: "x"}}); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestBuildConfig(t *testing.T) {
	cfg := buildConfig(llm.CompletionRequest{
		SystemPrompt: "be brief",
		Temperature:  0.7,
		TopP:         0.9,
		TopK:         40,
		MaxTokens:    1000,
		JSON:         true,
	})
	if cfg.Temperature == nil || *cfg.Temperature != 0.7 {
		t.Errorf("Temperature = %v", cfg.Temperature)
	}
	if cfg.TopP == nil || *cfg.TopP != 0.9 {
		t.Errorf("TopP = %v", cfg.TopP)
	}
	if cfg.TopK == nil || *cfg.TopK != 40 {
		t.Errorf("TopK = %v", cfg.TopK)
	}
	if cfg.MaxOutputTokens != 1000 {
		t.Errorf("MaxOutputTokens = %d", cfg.MaxOutputTokens)
	}
	if cfg.ResponseMIMEType != "application/json" {
		t.Errorf("ResponseMIMEType = %q", cfg.ResponseMIMEType)
	}
	if cfg.SystemInstruction == nil || cfg.SystemInstruction.Parts[0].Text != "be brief" {
		t.Error("SystemInstruction not set")
	}

	empty := buildConfig(llm.CompletionRequest{})
	if empty.Temperature != nil || empty.TopP != nil || empty.TopK != nil || empty.SystemInstruction != nil {
		t.Error("zero request should leave sampling unset")
	}
}

func TestResponseText(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: "Water "}, {Text: "twice a week. "}}},
		}},
	}
	if got := responseText(resp); got != "Water twice a week." {
		t.Errorf("responseText = %q", got)
	}
	if got := responseText(&genai.GenerateContentResponse{}); got != "" {
		t.Errorf("responseText(empty) = %q", got)
	}
	if got := responseText(nil); got != "" {
		t.Errorf("responseText(nil) = %q", got)
	}
}

func TestComplete_RoundTrip(t *testing.T) {
	var (
		mu   sync.Mutex
		path string
		body map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		mu.Lock()
		path = r.URL.Path
		_ = json.Unmarshal(raw, &body)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"candidates":[{"content":{"role":"model","parts":[{"text":"Use drip irrigation."}]}}],
			"usageMetadata":{"promptTokenCount":12,"candidatesTokenCount":4,"totalTokenCount":16}
		}`))
	}))
	defer srv.Close()

	p, err := New(context.Background(), "key", "", WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Name() != "gemini/gemini-2.5-flash-lite" {
		t.Errorf("Name = %q", p.Name())
	}

	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages:    []types.Message{{Role: llm.RoleUser, Content: "How do I save water?"}},
		Temperature: 0.7,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Use drip irrigation." {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 16 || resp.Usage.PromptTokens != 12 {
		t.Errorf("Usage = %+v", resp.Usage)
	}

	mu.Lock()
	defer mu.Unlock()
	if !strings.HasSuffix(path, "gemini-2.5-flash-lite:generateContent") {
		t.Errorf("request path = %q", path)
	}
	if _, ok := body["contents"]; !ok {
		t.Error("request body has no contents")
	}
}

func TestComplete_EmptyCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	p, err := New(context.Background(), "key", "gemini-1.5-flash", WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if err != llm.ErrEmptyResponse {
		t.Errorf("err = %v, want ErrEmptyResponse", err)
	}
}
