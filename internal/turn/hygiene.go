package turn

import (
	"regexp"
	"strings"

	"github.com/herolabs/hero/internal/markup"
)

// fencedJSONRe matches whole fenced json blocks, the interaction carrier.
var fencedJSONRe = regexp.MustCompile("(?s)```json\\s*\\n.*?\\n\\s*```")

// CleanDisplay renders an assistant reply for display: interaction carriers
// (fenced json blocks and inline executable elements) are stripped, and
// consecutive duplicate paragraphs collapse to one. The raw text stays in
// the frame payload; only display copies go through here.
func CleanDisplay(text string) string {
	cleaned := fencedJSONRe.ReplaceAllString(text, "")
	cleaned = stripElements(cleaned)
	cleaned = collapseDuplicateParagraphs(cleaned)
	return strings.TrimSpace(cleaned)
}

// stripElements removes inline executable elements, right to left so scanner
// offsets stay valid.
func stripElements(text string) string {
	elements := markup.Scan(text)
	for i := len(elements) - 1; i >= 0; i-- {
		el := elements[i]
		text = text[:el.Index] + text[el.Index+el.Length:]
	}
	return text
}

// collapseDuplicateParagraphs drops a paragraph when it repeats the previous
// one verbatim, a common streaming-retry artifact.
func collapseDuplicateParagraphs(text string) string {
	paragraphs := strings.Split(text, "\n\n")
	out := make([]string, 0, len(paragraphs))
	var prev string
	for _, p := range paragraphs {
		trimmed := strings.TrimSpace(p)
		if trimmed == "" {
			continue
		}
		if trimmed == prev {
			continue
		}
		out = append(out, trimmed)
		prev = trimmed
	}
	return strings.Join(out, "\n\n")
}
