package advisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/farmgpt/krishimitra/pkg/provider/llm"
	"github.com/farmgpt/krishimitra/pkg/types"
)

// WaterAnalysis is the structured result of [Service.AnalyzeWaterUsage].
type WaterAnalysis struct {
	Recommendations  []string       `json:"recommendations"`
	WaterData        map[string]any `json:"waterData"`
	PotentialSavings string         `json:"potentialSavings"`
	AudioSummary     string         `json:"audioSummary,omitempty"`
}

var (
	fencedJSON = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")
	bareJSON   = regexp.MustCompile(`(?s)\{.*\}`)
)

// AnalyzeWaterUsage asks the model for water-saving advice based on the
// conversation so far. It always returns a usable analysis: unparseable
// output yields generic advice with the raw text as the summary, and a
// provider failure yields an error analysis together with the error.
func (s *Service) AnalyzeWaterUsage(ctx context.Context, exchanges []types.Exchange, lang types.Language) (WaterAnalysis, error) {
	blocks := make([]string, len(exchanges))
	for i, ex := range exchanges {
		blocks[i] = fmt.Sprintf("User: %s\nAssistant: %s", ex.Question, ex.Answer)
	}
	prompt := waterPrompt + "\n" + languageInstruction(lang) + "\n\nConversation to analyze:\n" + strings.Join(blocks, "\n\n")

	resp, err := s.provider.Complete(ctx, llm.CompletionRequest{
		Messages:    []types.Message{{Role: llm.RoleUser, Content: prompt}},
		Temperature: s.analysisTemperature,
		TopP:        s.topP,
		TopK:        s.topK,
		MaxTokens:   s.maxTokens,
	})
	if err != nil {
		return WaterAnalysis{
			Recommendations:  []string{"Error analyzing water usage. Please try again."},
			WaterData:        map[string]any{},
			PotentialSavings: "Unknown",
			AudioSummary:     "Could not analyze water usage due to an error.",
		}, fmt.Errorf("advisor: analyze water usage: %w", err)
	}
	return parseWaterAnalysis(resp.Content), nil
}

// parseWaterAnalysis extracts the JSON object from a model reply. A fenced
// ```json block wins over the outermost brace span.
func parseWaterAnalysis(text string) WaterAnalysis {
	raw := text
	if m := fencedJSON.FindStringSubmatch(text); m != nil {
		raw = m[1]
	} else if m := bareJSON.FindString(text); m != "" {
		raw = m
	}

	var parsed WaterAnalysis
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &parsed); err != nil {
		slog.Warn("advisor: water analysis is not valid JSON", "err", err)
		return WaterAnalysis{
			Recommendations:  []string{"Implement water-efficient irrigation practices"},
			WaterData:        map[string]any{"note": "Could not extract precise data"},
			PotentialSavings: "10-20%",
			AudioSummary:     text,
		}
	}
	if parsed.Recommendations == nil {
		parsed.Recommendations = []string{}
	}
	if parsed.WaterData == nil {
		parsed.WaterData = map[string]any{}
	}
	return parsed
}
