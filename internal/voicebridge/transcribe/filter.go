package transcribe

import "strings"

var fillerPhrases = map[string]struct{}{
	"thank you": {},
	"thanks":    {},
	"bye":       {},
	"goodbye":   {},
	"okay":      {},
	"ok":        {},
	"you":       {},
}

// IsValidTranscript rejects short or filler-only text that batch recognizers
// tend to hallucinate from noise.
func IsValidTranscript(text string) bool {
	cleaned := strings.ToLower(strings.TrimSpace(text))
	if len(cleaned) < 5 {
		return false
	}
	if _, filler := fillerPhrases[strings.Trim(cleaned, ".!?, ")]; filler {
		return false
	}
	return len(strings.Fields(cleaned)) >= 3
}

// history keeps the most recent final lines of a call.
type history struct {
	max   int
	lines []string
}

func (h *history) add(text string) {
	h.lines = append(h.lines, text)
	if over := len(h.lines) - h.max; over > 0 {
		h.lines = append(h.lines[:0], h.lines[over:]...)
	}
}

// prompt joins the last n lines.
func (h *history) prompt(n int) string {
	if n <= 0 || len(h.lines) == 0 {
		return ""
	}
	start := len(h.lines) - n
	if start < 0 {
		start = 0
	}
	return strings.Join(h.lines[start:], " ")
}
