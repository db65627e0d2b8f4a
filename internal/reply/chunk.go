package reply

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sigumaa/pigeon/internal/llm"
)

const (
	MaxMessageLength = 1999

	// paginationReserve fits "-# (999/999)\n".
	paginationReserve = 13
)

// Footer renders the metadata line appended to the last chunk.
func Footer(elapsed time.Duration, usage *llm.Usage, sites int) string {
	stopwatch := fmt.Sprintf("%.1f", elapsed.Seconds())
	rounded, _ := strconv.ParseFloat(stopwatch, 64)

	speed := "slow"
	switch {
	case rounded < 2:
		speed = "fast"
	case rounded <= 9:
		speed = "average"
	}

	var prompt, completion, total int
	if usage != nil {
		prompt, completion, total = usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens
	}

	var b strings.Builder
	fmt.Fprintf(&b, "\n-# took %ss (%s) | tokens: %d (%d+%d)", stopwatch, speed, total, prompt, completion)
	if sites > 0 {
		suffix := ""
		if sites > 1 {
			suffix = "s"
		}
		fmt.Fprintf(&b, " | searched %d site%s", sites, suffix)
	}
	return b.String()
}

// Split breaks text so that every chunk, with pagination prefix and the footer
// on the last one, stays within limit runes. A chunk ends right after the last
// newline that fits, so concatenating the chunks yields text unchanged.
func Split(text string, footer string, limit int) []string {
	if limit <= 0 {
		limit = MaxMessageLength
	}
	footerLen := runeLen(footer)
	if runeLen(text)+footerLen <= limit {
		return []string{text}
	}

	safe := limit - footerLen - paginationReserve
	if safe < 1 {
		safe = 1
	}

	var chunks []string
	remaining := []rune(text)
	for len(remaining) > safe {
		chunk := remaining[:safe]
		if lastBreak := lastIndexRune(chunk, '\n'); lastBreak > 0 {
			chunk = chunk[:lastBreak+1]
		}
		chunks = append(chunks, string(chunk))
		remaining = remaining[len(chunk):]
	}
	if len(remaining) > 0 || len(chunks) == 0 {
		chunks = append(chunks, string(remaining))
	}
	return chunks
}

// Compose returns the final messages: "-# (i/n)" prefixes when there is more
// than one chunk, and the footer on the last one.
func Compose(text string, footer string, limit int) []string {
	chunks := Split(text, footer, limit)
	total := len(chunks)
	out := make([]string, 0, total)
	for i, chunk := range chunks {
		var b strings.Builder
		if total > 1 {
			fmt.Fprintf(&b, "-# (%d/%d)\n", i+1, total)
		}
		b.WriteString(chunk)
		if i == total-1 {
			b.WriteString(footer)
		}
		out = append(out, b.String())
	}
	return out
}

func runeLen(s string) int {
	return len([]rune(s))
}

func lastIndexRune(runes []rune, target rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == target {
			return i
		}
	}
	return -1
}
