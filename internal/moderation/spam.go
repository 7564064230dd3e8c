package moderation

import (
	"regexp"
	"strings"
)

// Run lengths that count as flooding.
const (
	charFloodRun = 5
	wordFloodRun = 3
)

var (
	// Bare domains need a path so "v2.0" or "3.14" do not match.
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// +1-555-123-4567, (555) 123-4567, 555.123.4567. Bounded by whitespace so
	// short numbers inside a sentence stay clean.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

// spamChecks run in order; the first hit names the pattern in
// FilterResult.Term.
var spamChecks = []struct {
	name  string
	match func(string) bool
}{
	{"url", urlPattern.MatchString},
	{"phone", phonePattern.MatchString},
	{"char_flood", func(s string) bool { return hasRun([]rune(s), charFloodRun) }},
	{"word_flood", func(s string) bool { return hasRun(strings.Fields(strings.ToLower(s)), wordFloodRun) }},
}

// hasRun reports whether xs contains n consecutive equal elements. RE2 has
// no backreferences, so flooding is found by scanning.
func hasRun[T comparable](xs []T, n int) bool {
	run := 0
	for i := range xs {
		if i > 0 && xs[i] == xs[i-1] {
			run++
		} else {
			run = 1
		}
		if run >= n {
			return true
		}
	}
	return false
}

func (f *Filter) checkSpamPatterns(text string) FilterResult {
	for _, sc := range spamChecks {
		if sc.match(text) {
			return FilterResult{Blocked: true, Reason: ReasonSpamPattern, Term: sc.name}
		}
	}
	return FilterResult{}
}
