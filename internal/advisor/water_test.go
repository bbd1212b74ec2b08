package advisor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/farmgpt/krishimitra/pkg/provider/llm"
	llmmock "github.com/farmgpt/krishimitra/pkg/provider/llm/mock"
	"github.com/farmgpt/krishimitra/pkg/types"
)

func TestParseWaterAnalysis(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		text        string
		wantSavings string
		wantRecs    int
		wantSummary string
	}{
		{
			name:        "fenced",
			text:        "Here you go:\n```json\n{\"recommendations\":[\"drip\",\"mulch\"],\"waterData\":{\"weekly\":\"3 times\"},\"potentialSavings\":\"30%\",\"audioSummary\":\"Use drip.\"}\n```",
			wantSavings: "30%",
			wantRecs:    2,
			wantSummary: "Use drip.",
		},
		{
			name:        "bare object",
			text:        `Result: {"recommendations":["drip"],"potentialSavings":"25%"} done`,
			wantSavings: "25%",
			wantRecs:    1,
		},
		{
			name:        "not json",
			text:        "Use less water.",
			wantSavings: "10-20%",
			wantRecs:    1,
			wantSummary: "Use less water.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseWaterAnalysis(tt.text)
			if got.PotentialSavings != tt.wantSavings {
				t.Errorf("PotentialSavings = %q, want %q", got.PotentialSavings, tt.wantSavings)
			}
			if len(got.Recommendations) != tt.wantRecs {
				t.Errorf("len(Recommendations) = %d, want %d", len(got.Recommendations), tt.wantRecs)
			}
			if got.AudioSummary != tt.wantSummary {
				t.Errorf("AudioSummary = %q, want %q", got.AudioSummary, tt.wantSummary)
			}
			if got.WaterData == nil {
				t.Error("WaterData must never be nil")
			}
		})
	}
}

func TestAnalyzeWaterUsage_Prompt(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{
		Content: `{"recommendations":["a","b","c"],"waterData":{},"potentialSavings":"15%","audioSummary":"s"}`,
	}}
	s := New(p)

	got, err := s.AnalyzeWaterUsage(context.Background(), []types.Exchange{
		{Question: "q1", Answer: "a1"},
		{Question: "q2", Answer: "a2"},
	}, types.LanguageHindi)
	if err != nil {
		t.Fatalf("AnalyzeWaterUsage: %v", err)
	}
	if got.PotentialSavings != "15%" {
		t.Errorf("PotentialSavings = %q", got.PotentialSavings)
	}

	req := p.Calls()[0].Req
	if req.Temperature != 0.2 {
		t.Errorf("Temperature = %v, want 0.2", req.Temperature)
	}
	prompt := req.Messages[0].Content
	for _, want := range []string{"हिंदी में जवाब दें।", "User: q1\nAssistant: a1\n\nUser: q2\nAssistant: a2", "water management expert"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if s.History(types.LanguageHindi) != nil {
		t.Error("analysis must not touch the chat history")
	}
}

func TestAnalyzeWaterUsage_Temperature(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: `{}`}}
	s := New(p, WithSampling(0.9, 0.8, 40), WithAnalysisTemperature(0.05))

	if _, err := s.AnalyzeWaterUsage(context.Background(), []types.Exchange{{Question: "q", Answer: "a"}}, types.LanguageEnglish); err != nil {
		t.Fatalf("AnalyzeWaterUsage: %v", err)
	}
	if got := p.Calls()[0].Req.Temperature; got != 0.05 {
		t.Errorf("Temperature = %v, want 0.05", got)
	}
}

func TestAnalyzeWaterUsage_ProviderError(t *testing.T) {
	t.Parallel()
	s := New(&llmmock.Provider{CompleteErr: errors.New("down")})
	got, err := s.AnalyzeWaterUsage(context.Background(), nil, types.LanguageEnglish)
	if err == nil {
		t.Fatal("expected error")
	}
	if got.PotentialSavings != "Unknown" || got.AudioSummary != "Could not analyze water usage due to an error." {
		t.Errorf("got = %+v", got)
	}
}
