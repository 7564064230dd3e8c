// Package moderation screens stored chat messages for prohibited content.
// The moderator worker runs every persisted message through a Filter and
// turns hits into bans that the WebSocket server enforces.
package moderation

import (
	"strings"
	"unicode"
)

// FilterResult is the outcome of a single Check.
type FilterResult struct {
	Blocked bool
	Reason  string // "blocked_keyword" or "spam_pattern"
	Term    string // matched term, or the spam check name
}

const (
	ReasonBlockedKeyword = "blocked_keyword"
	ReasonSpamPattern    = "spam_pattern"
)

// defaultTerms is the built-in blocklist. Multi-word entries are matched as
// whole consecutive words.
var defaultTerms = []string{
	// slurs
	"nigger", "nigga", "faggot", "fag", "kike", "chink", "spic", "tranny", "retard",
	// self-harm and harassment
	"kill yourself", "kys", "go die", "hang yourself", "neck yourself",
	// sexual exploitation
	"child porn", "cp links", "send nudes", "underage nudes",
	// extremism
	"heil hitler", "sieg heil", "white power", "gas the jews",
	// threats
	"bomb threat", "i will kill you", "shoot up the school",
	// scams
	"free bitcoin", "crypto giveaway", "double your money",
}

// leetReplacer maps common character substitutions back to letters.
var leetReplacer = strings.NewReplacer(
	"0", "o",
	"1", "i",
	"3", "e",
	"4", "a",
	"5", "s",
	"7", "t",
	"@", "a",
	"$", "s",
	"!", "i",
)

// Filter matches text against a blocklist of words and phrases, then against
// the spam checks. It is immutable after construction and safe for
// concurrent use.
type Filter struct {
	words   map[string]struct{}
	phrases [][]string
}

// NewFilter returns a Filter loaded with the default blocklist.
func NewFilter() *Filter {
	return NewFilterWithTerms(defaultTerms)
}

// NewFilterWithTerms returns a Filter for the given terms. Terms are
// lowercased; blank entries are ignored.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, term := range terms {
		tokens := strings.Fields(strings.ToLower(strings.TrimSpace(term)))
		switch len(tokens) {
		case 0:
		case 1:
			f.words[tokens[0]] = struct{}{}
		default:
			f.phrases = append(f.phrases, tokens)
		}
	}
	return f
}

// Check reports whether text is blocked. Blocklist hits take priority over
// spam patterns.
func (f *Filter) Check(text string) FilterResult {
	if term, ok := f.match(tokenizePlain(text)); ok {
		return FilterResult{Blocked: true, Reason: ReasonBlockedKeyword, Term: term}
	}

	leet := tokenizeLeet(text)
	for i, tok := range leet {
		leet[i] = normalizeLeet(tok)
	}
	if term, ok := f.match(leet); ok {
		return FilterResult{Blocked: true, Reason: ReasonBlockedKeyword, Term: term}
	}

	return f.checkSpamPatterns(text)
}

func (f *Filter) match(tokens []string) (string, bool) {
	for _, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return tok, true
		}
	}

	for _, phrase := range f.phrases {
		for i := 0; i+len(phrase) <= len(tokens); i++ {
			if equalTokens(tokens[i:i+len(phrase)], phrase) {
				return strings.Join(phrase, " "), true
			}
		}
	}
	return "", false
}

func equalTokens(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// tokenizePlain lowercases text and splits it on anything that is not a
// letter or digit.
func tokenizePlain(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// tokenizeLeet is tokenizePlain that keeps the symbols used as letter
// substitutes inside tokens.
func tokenizeLeet(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		if r == '@' || r == '$' || r == '!' {
			return false
		}
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func normalizeLeet(token string) string {
	return leetReplacer.Replace(token)
}
