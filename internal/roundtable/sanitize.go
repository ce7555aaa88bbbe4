package roundtable

import (
	"regexp"
	"strings"
)

// maxTurnRunes is the hard cap on one sanitized utterance.
const maxTurnRunes = 700

var (
	urlPattern      = regexp.MustCompile(`https?://\S+`)
	markupPattern   = regexp.MustCompile("[*_`#]+")
	wsPattern       = regexp.MustCompile(`\s+`)
	speakerPrefixes = regexp.MustCompile(`^(?i)[a-z]{2,12}:\s+`)
)

// Sanitize normalizes raw model dialogue before persistence: URLs and
// markdown markup stripped, quote wrapping and self-labels removed,
// whitespace collapsed, and the result hard-capped with an ellipsis.
func Sanitize(raw string) string {
	s := strings.TrimSpace(raw)

	s = urlPattern.ReplaceAllString(s, "")
	s = markupPattern.ReplaceAllString(s, "")

	// Models love to wrap dialogue in quotes or prefix their own name.
	for len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			s = strings.TrimSpace(s[1 : len(s)-1])
			continue
		}
		break
	}
	s = speakerPrefixes.ReplaceAllString(s, "")

	s = wsPattern.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)

	runes := []rune(s)
	if len(runes) > maxTurnRunes {
		s = strings.TrimSpace(string(runes[:maxTurnRunes-1])) + "…"
	}
	return s
}
