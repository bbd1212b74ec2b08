package conversation

import (
	"fmt"
	"strings"

	"github.com/farmgpt/krishimitra/pkg/types"
)

// Greeting returns the first assistant turn of every conversation.
func Greeting(lang types.Language) string {
	if lang == types.LanguageHindi {
		return "नमस्ते! मैं कृषि मित्र हूँ, आपका कृषि सहायक। आज मैं आपकी कैसे मदद कर सकता हूँ?"
	}
	return "Hello! I am Krishi Mitra, your agricultural assistant. How can I help you today?"
}

// Fallback returns the assistant turn appended when the AI service fails.
func Fallback(lang types.Language) string {
	if lang == types.LanguageHindi {
		return "मुझे समझने में परेशानी हो रही है। क्या आप फिर से प्रयास कर सकते हैं या एक सुझाया गया विषय चुन सकते हैं?"
	}
	return "I'm having trouble understanding. Could you try again or select a suggested topic?"
}

// ── Suggested prompts ────────────────────────────────────────────────────────

// Prompt is a suggested question with a short title.
type Prompt struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

var prompts = map[types.Language][]Prompt{
	types.LanguageEnglish: {
		{Title: "Weather Info", Text: "What's the weather forecast for farming next week?"},
		{Title: "Pest Advice", Text: "How to handle pests attacking my wheat crop?"},
		{Title: "Water Conservation", Text: "How can I conserve water in my farm?"},
		{Title: "Crop Rotation", Text: "What crops should I rotate after growing rice?"},
	},
	types.LanguageHindi: {
		{Title: "मौसम की जानकारी", Text: "अगले सप्ताह खेती के लिए मौसम का पूर्वानुमान क्या है?"},
		{Title: "कीट सलाह", Text: "मेरी गेहूं की फसल पर हमला करने वाले कीटों से कैसे निपटें?"},
		{Title: "जल संरक्षण", Text: "मैं अपने खेत में पानी का संरक्षण कैसे कर सकता हूं?"},
		{Title: "फसल चक्र", Text: "चावल उगाने के बाद मुझे किन फसलों को घुमाना चाहिए?"},
	},
}

// SuggestedPrompts returns a copy of the suggested prompts for lang.
func SuggestedPrompts(lang types.Language) []Prompt {
	src := prompts[lang]
	if src == nil {
		src = prompts[types.LanguageEnglish]
	}
	out := make([]Prompt, len(src))
	copy(out, src)
	return out
}

// ── Water detection ──────────────────────────────────────────────────────────

var waterKeywords = []string{
	"rain", "water", "irrigation", "monsoon", "flood", "drought", "moisture", "precipitation",
	"बारिश", "पानी", "सिंचाई", "मानसून", "बाढ़", "सूखा", "नमी", "वर्षा",
}

// IsWaterRelated reports whether text mentions rain, irrigation or another
// water topic in English or Hindi.
func IsWaterRelated(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range waterKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// ── Notifications ────────────────────────────────────────────────────────────

// MessageKey identifies a localized notification.
type MessageKey int

const (
	MsgListeningStarted MessageKey = iota
	MsgNoSpeech
	MsgRecognitionError
	MsgCaptureError
	MsgRecognitionUnsupported
	MsgSilenceStopped
	MsgSpeechUnsupported
	MsgPlaybackError
)

var messages = map[MessageKey][2]string{
	MsgListeningStarted:       {"Listening... Speak now", "सुन रहा हूँ... अब बोलिए"},
	MsgNoSpeech:               {"No speech detected. Please try again.", "कोई भाषण नहीं मिला। कृपया पुनः प्रयास करें।"},
	MsgRecognitionError:       {"Recognition error: %s", "मान्यता त्रुटि: %s"},
	MsgCaptureError:           {"Speech recognition error: %s", "वाक् पहचान त्रुटि: %s"},
	MsgRecognitionUnsupported: {"Speech recognition is not supported in your browser.", "आवाज़ पहचान आपके ब्राउज़र में समर्थित नहीं है।"},
	MsgSilenceStopped:         {"No speech detected, listening stopped.", "कोई आवाज़ नहीं मिली, सुनना बंद कर दिया गया।"},
	MsgSpeechUnsupported:      {"Text-to-speech is not supported in your browser.", "टेक्स्ट-टू-स्पीच आपके ब्राउज़र में समर्थित नहीं है।"},
	MsgPlaybackError:          {"Error playing voice response.", "आवाज़ प्रतिक्रिया चलाने में त्रुटि।"},
}

// Message returns the notification for key in lang. Keys with a %s verb are
// formatted with args.
func Message(lang types.Language, key MessageKey, args ...any) string {
	pair, ok := messages[key]
	if !ok {
		return ""
	}
	tmpl := pair[0]
	if lang == types.LanguageHindi {
		tmpl = pair[1]
	}
	if len(args) == 0 {
		return tmpl
	}
	return fmt.Sprintf(tmpl, args...)
}

// ── UI labels ────────────────────────────────────────────────────────────────

// UILabels is the fixed text a client renders around the conversation.
type UILabels struct {
	ButtonLabel          string `json:"buttonLabel"`
	DialogTitle          string `json:"dialogTitle"`
	Processing           string `json:"processing"`
	Listening            string `json:"listening"`
	Speaking             string `json:"speaking"`
	NoMicrophone         string `json:"noMicrophone"`
	ErrorProcessing      string `json:"errorProcessing"`
	NoSpeechDetected     string `json:"noSpeechDetected"`
	ClearConversation    string `json:"clearConversation"`
	Success              string `json:"success"`
	SuggestedPromptTitle string `json:"suggestedPromptsTitle"`
	Retry                string `json:"retry"`
	ErrorTitle           string `json:"errorTitle"`
	ErrorHelp            string `json:"errorHelp"`
}

// Labels returns the UI labels for lang.
func Labels(lang types.Language) UILabels {
	if lang == types.LanguageHindi {
		return UILabels{
			ButtonLabel:          "कृषि मित्र",
			DialogTitle:          "कृषि मित्र - कृषि सहायक",
			Processing:           "प्रोसेसिंग...",
			Listening:            "सुन रहा हूँ...",
			Speaking:             "बोल रहा हूँ...",
			NoMicrophone:         "माइक्रोफ़ोन उपलब्ध नहीं है",
			ErrorProcessing:      "प्रोसेसिंग में त्रुटि। कृपया पुनः प्रयास करें।",
			NoSpeechDetected:     "कोई भाषण नहीं मिला। कृपया पुनः प्रयास करें।",
			ClearConversation:    "बातचीत साफ़ करें",
			Success:              "आवाज़ सफलतापूर्वक प्रोसेस की गई!",
			SuggestedPromptTitle: "इसके बारे में पूछने की कोशिश करें:",
			Retry:                "पुनः प्रयास करें",
			ErrorTitle:           "मैं उसे नहीं समझ सका",
			ErrorHelp:            "कृपया स्पष्ट रूप से बोलने या सुझाए गए प्रॉम्प्ट्स में से एक का उपयोग करने का प्रयास करें",
		}
	}
	return UILabels{
		ButtonLabel:          "Krishi Mitra",
		DialogTitle:          "Krishi Mitra - Agricultural Assistant",
		Processing:           "Processing...",
		Listening:            "Listening...",
		Speaking:             "Speaking...",
		NoMicrophone:         "Microphone not available",
		ErrorProcessing:      "Error processing. Please try again.",
		NoSpeechDetected:     "No speech detected. Please try again.",
		ClearConversation:    "Clear Conversation",
		Success:              "Voice processed successfully!",
		SuggestedPromptTitle: "Try asking about:",
		Retry:                "Retry",
		ErrorTitle:           "I couldn't understand that",
		ErrorHelp:            "Please try speaking clearly or use one of the suggested prompts",
	}
}
