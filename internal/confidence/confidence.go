// Package confidence labels assistant responses as high, medium or low
// confidence using an ordered list of text rules.
//
// The label is a heuristic over response shape, not a semantic judgment. Rules
// are evaluated in order and the first match wins; lengths are counted in
// runes and phrase matching is a case-insensitive substring search.
package confidence

import (
	"strings"
	"unicode/utf8"

	"github.com/farmgpt/krishimitra/pkg/types"
)

// Default length cutoffs.
const (
	DefaultShortLimit = 25
	DefaultVagueLimit = 60
	DefaultTerseLimit = 100
)

// vaguePhrases mark short responses that only ask the farmer for more detail.
var vaguePhrases = []string{
	"can you provide",
	"please specify",
	"need more information",
}

// lowPhrases are hedging, apology and uncertainty markers.
var lowPhrases = []string{
	"i'm not sure", "i don't know", "cannot help", "sorry", "unclear",
	"मुझे पता नहीं", "क्षमा करें", "मैं निश्चित नहीं", "स्पष्ट नहीं",
	"unfortunately", "unable to", "not available", "difficult to determine",
	"hard to say", "insufficient information", "lack of context",
}

// mediumPhrases are possibility and typicality markers.
var mediumPhrases = []string{
	"might be", "possibly", "perhaps", "could be", "consider",
	"शायद", "संभवतः", "विचार करें", "हो सकता है",
	"generally", "typically", "often", "usually", "in most cases",
	"it depends", "sometimes", "may vary",
}

// Rule is one entry of the ordered rule list.
type Rule struct {
	// Name identifies the rule in logs and tests.
	Name string

	// Match reports whether the rule applies. lower is the lower-cased text
	// and n its length in runes.
	Match func(lower string, n int) bool

	// Result is the label returned when Match is true.
	Result types.Confidence
}

// Classifier applies an ordered rule list. The zero value is not usable; build
// one with [New].
type Classifier struct {
	rules []Rule
}

// Option configures a [Classifier].
type Option func(*limits)

type limits struct {
	short, vague, terse int
}

// WithLimits overrides the length cutoffs of the short, vague and terse rules.
// Non-positive values keep the defaults.
func WithLimits(short, vague, terse int) Option {
	return func(l *limits) {
		if short > 0 {
			l.short = short
		}
		if vague > 0 {
			l.vague = vague
		}
		if terse > 0 {
			l.terse = terse
		}
	}
}

// New builds a Classifier with the default rule order.
func New(opts ...Option) *Classifier {
	l := limits{short: DefaultShortLimit, vague: DefaultVagueLimit, terse: DefaultTerseLimit}
	for _, o := range opts {
		o(&l)
	}
	return &Classifier{rules: buildRules(l)}
}

func buildRules(l limits) []Rule {
	return []Rule{
		{
			Name:   "short",
			Match:  func(_ string, n int) bool { return n < l.short },
			Result: types.ConfidenceLow,
		},
		{
			Name:   "vague",
			Match:  func(lower string, n int) bool { return n < l.vague && containsAny(lower, vaguePhrases) },
			Result: types.ConfidenceLow,
		},
		{
			Name:   "hedging",
			Match:  func(lower string, _ int) bool { return containsAny(lower, lowPhrases) },
			Result: types.ConfidenceLow,
		},
		{
			Name:   "tentative",
			Match:  func(lower string, _ int) bool { return containsAny(lower, mediumPhrases) },
			Result: types.ConfidenceMedium,
		},
		{
			Name:   "terse",
			Match:  func(_ string, n int) bool { return n < l.terse },
			Result: types.ConfidenceMedium,
		},
	}
}

// Rules returns a copy of the ordered rule list. A text matching none of them
// is labelled [types.ConfidenceHigh].
func (c *Classifier) Rules() []Rule {
	out := make([]Rule, len(c.rules))
	copy(out, c.rules)
	return out
}

// Classify returns the label of the first matching rule.
func (c *Classifier) Classify(text string) types.Confidence {
	lower := strings.ToLower(text)
	n := utf8.RuneCountInString(text)
	for _, r := range c.rules {
		if r.Match(lower, n) {
			return r.Result
		}
	}
	return types.ConfidenceHigh
}

var defaultClassifier = New()

// Classify labels text with the default cutoffs.
func Classify(text string) types.Confidence {
	return defaultClassifier.Classify(text)
}

// Rules returns the default ordered rule list.
func Rules() []Rule {
	return defaultClassifier.Rules()
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
