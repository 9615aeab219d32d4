// Package markup finds inline executable elements in assistant text and
// splices execution results back into it.
package markup

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ElementTypes are the element names the scanner recognizes. Anything else
// is left in the text untouched.
var ElementTypes = []string{"websearch", "bash", "ask"}

// Element is one executable element found in text. Index and Length are
// byte offsets into the scanned string, so the original substring is
// text[Index : Index+Length].
type Element struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	Content    string            `json:"content"`
	Index      int               `json:"index"`
	Length     int               `json:"length"`
}

// Result pairs a scanned element with its execution outcome for injection.
type Result struct {
	Element Element
	Status  string
	Output  string
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// The scanner is permissive: multi-line content, attributes in any quoting
// style, optional self-closing form, whitespace before the closing bracket.
// One pattern per element type because the close tag must repeat the name.
var elementRes = buildElementRes()

func buildElementRes() map[string]*regexp.Regexp {
	res := make(map[string]*regexp.Regexp, len(ElementTypes))
	for _, typ := range ElementTypes {
		res[typ] = regexp.MustCompile(
			`(?s)<` + typ + `\b((?:[^>"']|"[^"]*"|'[^']*')*?)(?:/>|>(.*?)</` + typ + `\s*>)`)
	}
	return res
}

var attrRe = regexp.MustCompile(`([a-zA-Z_][a-zA-Z0-9_:-]*)(?:\s*=\s*(?:"([^"]*)"|'([^']*)'|([^\s"'>]+)))?`)

// Scan returns the executable elements of text in document order.
func Scan(text string) []Element {
	var out []Element
	for _, typ := range ElementTypes {
		for _, m := range elementRes[typ].FindAllStringSubmatchIndex(text, -1) {
			out = append(out, Element{
				Type:       typ,
				Attributes: parseAttributes(group(text, m, 1)),
				Content:    group(text, m, 2),
				Index:      m[0],
				Length:     m[1] - m[0],
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// HasElements reports whether text contains at least one executable element.
func HasElements(text string) bool {
	for _, typ := range ElementTypes {
		if elementRes[typ].MatchString(text) {
			return true
		}
	}
	return false
}

var resultEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// InjectResults replaces each element's original substring with a
// <result for="type" status="...">output</result> fragment. Replacement runs
// right to left so earlier element indices stay valid. Output is escaped so
// it cannot introduce new elements. Results whose offsets no longer fit the
// text are skipped.
func InjectResults(text string, results []Result) string {
	ordered := make([]Result, len(results))
	copy(ordered, results)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Element.Index > ordered[j].Element.Index
	})

	for _, r := range ordered {
		start := r.Element.Index
		end := start + r.Element.Length
		if start < 0 || end > len(text) || start >= end {
			continue
		}
		status := StatusSuccess
		if r.Status == StatusError {
			status = StatusError
		}
		fragment := fmt.Sprintf(`<result for=%q status=%q>%s</result>`,
			r.Element.Type, status, resultEscaper.Replace(r.Output))
		text = text[:start] + fragment + text[end:]
	}
	return text
}

func group(text string, m []int, n int) string {
	lo, hi := m[2*n], m[2*n+1]
	if lo < 0 {
		return ""
	}
	return text[lo:hi]
}

func parseAttributes(segment string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range attrRe.FindAllStringSubmatch(segment, -1) {
		value := m[2]
		if value == "" {
			value = m[3]
		}
		if value == "" {
			value = m[4]
		}
		attrs[m[1]] = value
	}
	return attrs
}
