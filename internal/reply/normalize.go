// Package reply turns backend results into Discord-sized messages.
package reply

import (
	"regexp"
	"strings"

	"github.com/sigumaa/pigeon/internal/llm"
)

const (
	NoCandidateText    = "Hmm, got an empty response from the model. Try again?"
	EmptyCandidateText = "Unexpected response structure or empty candidates. Maybe it's rate-limited. Try later?"
)

type Kind int

const (
	KindText Kind = iota
	KindNoCandidate
	KindEmptyCandidate
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindNoCandidate:
		return "no_candidate"
	case KindEmptyCandidate:
		return "empty_candidate"
	default:
		return "unknown"
	}
}

type Normalized struct {
	Text  string
	Sites int
	Kind  Kind
}

func Normalize(res llm.Result) Normalized {
	out := Normalized{Sites: res.GroundingChunks}
	switch text := strings.TrimSpace(res.Text); {
	case !res.HasCandidate:
		out.Kind = KindNoCandidate
		out.Text = NoCandidateText
	case text == "":
		out.Kind = KindEmptyCandidate
		out.Text = EmptyCandidateText
	default:
		out.Kind = KindText
		out.Text = text
	}
	if out.Sites > 0 {
		out.Text = CleanCitations(out.Text)
	}
	return out
}

var citationPasses = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`(?m)^[ \t]*\[\d+\]:[^\n]*$`), ""},
	{regexp.MustCompile(`\[\d+\]\(https?://[^\s)]+\)`), ""},
	{regexp.MustCompile(`\[\^?\d+\]`), ""},
	{regexp.MustCompile(`\|\d+\|`), ""},
	{regexp.MustCompile(`(?m)[ \t]+\[\d+(?:,\s*\d+)*\]$`), ""},
	{regexp.MustCompile(`(?m)[ \t]+$`), ""},
	{regexp.MustCompile(`\n{3,}`), "\n\n"},
}

// CleanCitations strips grounding artifacts: reference definition lines,
// numbered links, footnote markers, pipe markers and trailing inline lists.
// The passes repeat until the text stops changing, so applying it twice yields
// the same text as applying it once. Every pass only shortens the text.
func CleanCitations(text string) string {
	for {
		next := text
		for _, pass := range citationPasses {
			next = pass.pattern.ReplaceAllString(next, pass.replacement)
		}
		next = strings.TrimSpace(next)
		if next == text {
			return text
		}
		text = next
	}
}
