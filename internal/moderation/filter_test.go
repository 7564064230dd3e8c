package moderation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheck_Blocklist(t *testing.T) {
	f := NewFilterWithTerms([]string{"badword", "offensive", "kill yourself", "go die"})

	tests := []struct {
		input string
		term  string // empty means clean
	}{
		{"badword", "badword"},
		{"this is badword here", "badword"},
		{"BaDwOrD", "badword"},
		{"hello, badword!", "badword"},
		{"badwording is fine", ""},
		{"mybadword", ""},

		{"kill yourself", "kill yourself"},
		{"you should KILL YOURSELF now", "kill yourself"},
		{"go die already", "go die"},
		{"kill yourselves", ""},
		{"kill and yourself", ""},

		// leetspeak
		{"b@dw0rd", "badword"},
		{"off3n$ive", "offensive"},
		{"offens1ve", "offensive"},
		{"offens!ve", "offensive"},
		{"0ff3n$!v3", "offensive"},

		{"i love this chat", ""},
	}

	for _, tt := range tests {
		res := f.Check(tt.input)
		if tt.term == "" {
			require.False(t, res.Blocked, "%q flagged as %s/%s", tt.input, res.Reason, res.Term)
			continue
		}
		require.Equal(t, FilterResult{Blocked: true, Reason: ReasonBlockedKeyword, Term: tt.term}, res, tt.input)
	}
}

func TestNewFilter_DefaultTerms(t *testing.T) {
	f := NewFilter()

	for _, msg := range []string{
		"nigger",
		"faggot",
		"kill yourself",
		"child porn",
		"send nudes",
		"heil hitler",
		"bomb threat",
		"free bitcoin",
	} {
		require.True(t, f.Check(msg).Blocked, msg)
	}

	for _, msg := range []string{
		"hello, how are you?",
		"what are your hobbies?",
		"let's talk about movies",
		"what class are you in?",
		"I need to assess the situation",
		"the grape harvest was great",
		"",
	} {
		res := f.Check(msg)
		require.False(t, res.Blocked, "%q flagged by %q", msg, res.Term)
	}
}

func TestNewFilterWithTerms_SkipsBlanks(t *testing.T) {
	f := NewFilterWithTerms([]string{"", "  ", "Valid", "two  words"})

	require.Equal(t, map[string]struct{}{"valid": {}}, f.words)
	require.Equal(t, [][]string{{"two", "words"}}, f.phrases)
}

func TestTokenize(t *testing.T) {
	require.Equal(t, []string{"hello", "world"}, tokenizePlain("Hello, world!"))
	require.Equal(t, []string{"spaced", "out"}, tokenizePlain("  spaced  out  "))
	require.Equal(t, []string{"hello", "world"}, tokenizePlain("hello---world"))
	require.Empty(t, tokenizePlain(""))

	require.Equal(t, []string{"b@dw0rd"}, tokenizeLeet("b@dw0rd"))
	require.Equal(t, []string{"hello", "$h!t", "bye"}, tokenizeLeet("hello $h!t bye"))

	require.Equal(t, "hello", normalizeLeet("h3ll0"))
	require.Equal(t, "shit", normalizeLeet("$h!t"))
	require.Equal(t, "change", normalizeLeet("ch@ng3"))
}

func BenchmarkCheck(b *testing.B) {
	f := NewFilter()
	msg := "hey how are you doing today? I love chatting about music and movies. What are your favorite hobbies?"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Check(msg)
	}
}

func BenchmarkCheck_LongMessage(b *testing.B) {
	f := NewFilter()
	msg := strings.Repeat("this is a perfectly normal message with no bad content. ", 40)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Check(msg)
	}
}
