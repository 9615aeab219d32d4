package commands

import (
	"regexp"
	"strings"
)

// commandRe matches a whole slash command: a name of word characters and
// hyphens, optionally followed by whitespace and arguments. (?s) lets the
// arguments span lines.
var commandRe = regexp.MustCompile(`^/(\w[\w-]*)(?:\s+(?s:(.*)))?$`)

// IsCommand reports whether trimmed text starts with "/" followed by a
// word character. A bare "/" or "/ foo" is ordinary text.
func IsCommand(text string) bool {
	text = strings.TrimSpace(text)
	if len(text) < 2 || text[0] != '/' {
		return false
	}
	c := text[1]
	return c == '_' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}

// ParseCommand splits command text into a lowercased name and its argument
// tail. Returns nil when the text is not a command.
func ParseCommand(text string) *ParsedCommand {
	text = strings.TrimSpace(text)
	if !IsCommand(text) {
		return nil
	}
	m := commandRe.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	return &ParsedCommand{
		Name: strings.ToLower(m[1]),
		Args: strings.TrimSpace(m[2]),
	}
}

// normalizeKey folds case and treats - and _ as the same character, so
// /my-command and /my_command resolve to one registration.
func normalizeKey(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.ReplaceAll(name, "-", "_")
}
