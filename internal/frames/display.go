package frames

import (
	"regexp"
	"strings"
)

var interactionElement = regexp.MustCompile(`(?s)<interaction\b[^>]*(?:/>|>.*?</interaction>)`)

// StripInteractions removes <interaction> elements from agent output. The
// raw text stays in the frame payload for replay; only display copies are
// stripped.
func StripInteractions(text string) string {
	return interactionElement.ReplaceAllString(text, "")
}

// CollapseDuplicateParagraphs drops consecutive identical paragraphs, a
// common streaming artifact when a provider re-emits a block.
func CollapseDuplicateParagraphs(text string) string {
	paragraphs := strings.Split(text, "\n\n")
	out := paragraphs[:0]
	var prev string
	for i, p := range paragraphs {
		trimmed := strings.TrimSpace(p)
		if i > 0 && trimmed != "" && trimmed == prev {
			continue
		}
		out = append(out, p)
		prev = trimmed
	}
	return strings.Join(out, "\n\n")
}

// DisplayText converts raw agent output into its display form: interaction
// elements removed, consecutive duplicate paragraphs collapsed, edges
// trimmed.
func DisplayText(raw string) string {
	return strings.TrimSpace(CollapseDuplicateParagraphs(StripInteractions(raw)))
}
