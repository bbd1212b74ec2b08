package conversation

import (
	"testing"

	"github.com/farmgpt/krishimitra/pkg/types"
)

func TestIsWaterRelated(t *testing.T) {
	t.Parallel()
	tests := []struct {
		text string
		want bool
	}{
		{"How can I conserve WATER in my farm?", true},
		{"Will the monsoon be late?", true},
		{"मेरे खेत में पानी कम है", true},
		{"सिंचाई कब करें?", true},
		{"What crops should I rotate after growing rice?", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsWaterRelated(tt.text); got != tt.want {
			t.Errorf("IsWaterRelated(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestSuggestedPrompts(t *testing.T) {
	t.Parallel()
	for _, lang := range []types.Language{types.LanguageEnglish, types.LanguageHindi} {
		p := SuggestedPrompts(lang)
		if len(p) != 4 {
			t.Fatalf("%s: len = %d, want 4", lang, len(p))
		}
		p[0].Text = "mutated"
		if SuggestedPrompts(lang)[0].Text == "mutated" {
			t.Errorf("%s: SuggestedPrompts must return a copy", lang)
		}
	}
	if got := SuggestedPrompts(types.LanguageHindi)[2].Title; got != "जल संरक्षण" {
		t.Errorf("hi prompt title = %q", got)
	}
}

func TestMessage(t *testing.T) {
	t.Parallel()
	if got := Message(types.LanguageEnglish, MsgRecognitionError, "network"); got != "Recognition error: network" {
		t.Errorf("en = %q", got)
	}
	if got := Message(types.LanguageHindi, MsgRecognitionError, "network"); got != "मान्यता त्रुटि: network" {
		t.Errorf("hi = %q", got)
	}
	if got := Message(types.LanguageEnglish, MsgSilenceStopped); got != "No speech detected, listening stopped." {
		t.Errorf("silence = %q", got)
	}
	if got := Message(types.LanguageEnglish, MessageKey(99)); got != "" {
		t.Errorf("unknown key = %q, want empty", got)
	}
}

func TestLabels(t *testing.T) {
	t.Parallel()
	if Labels(types.LanguageEnglish).Listening != "Listening..." {
		t.Error("en listening label")
	}
	if Labels(types.LanguageHindi).Speaking != "बोल रहा हूँ..." {
		t.Error("hi speaking label")
	}
}

func TestFallback(t *testing.T) {
	t.Parallel()
	if Fallback(types.LanguageEnglish) == Fallback(types.LanguageHindi) {
		t.Error("fallback should be localized")
	}
}
