// Package interactions turns assistant output into actionable interactions.
//
// Two surfaces are recognized. When the whole trimmed message is a fenced
// ```json block it is parsed as an interaction pipeline: a JSON array runs
// sequentially, a JSON object maps pipeline names to arrays that run in
// parallel. Otherwise the text is scanned for inline executable elements
// (<websearch>, <bash>, <ask>). Parsing is pure; malformed JSON blocks and
// unknown elements pass through as plain text.
package interactions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/herolabs/hero/internal/markup"
)

// Assertion classifies what an interaction asks the runtime to do.
type Assertion string

const (
	// AssertionCommand invokes a registered slash command.
	AssertionCommand Assertion = "command"
	// AssertionQuestion puts a question to the user.
	AssertionQuestion Assertion = "question"
	// AssertionFunction executes a registered tool.
	AssertionFunction Assertion = "function"
)

// Interaction is the normal form every surface reduces to.
type Interaction struct {
	ID        string
	Assertion Assertion
	// Name is the command or tool name; questions use "ask".
	Name    string
	Args    map[string]any
	Message string
	Options []string
	Timeout time.Duration
	Mode    string

	// Element is set when the interaction came from an inline element, so
	// results can be spliced back into the originating text.
	Element *markup.Element
}

// Pipeline is an ordered group of interactions. Pipelines from the object
// block form carry their key as Name and run in parallel with each other;
// the array form produces a single unnamed pipeline.
type Pipeline struct {
	Name         string
	Interactions []Interaction
}

// Detection is everything Parse found in one assistant message.
type Detection struct {
	Pipelines []Pipeline
	Inline    []Interaction
}

// Empty reports whether the detection carries no interactions at all.
func (d Detection) Empty() bool {
	for _, p := range d.Pipelines {
		if len(p.Interactions) > 0 {
			return false
		}
	}
	return len(d.Inline) == 0
}

// Count returns the total number of interactions across all surfaces.
func (d Detection) Count() int {
	n := len(d.Inline)
	for _, p := range d.Pipelines {
		n += len(p.Interactions)
	}
	return n
}

// Parse extracts interactions from assistant text. The block and inline
// surfaces are mutually exclusive: a message that is one fenced JSON block
// has no surrounding text to scan.
func Parse(text string) Detection {
	if pipelines, ok := parseBlock(text); ok {
		return Detection{Pipelines: pipelines}
	}
	var d Detection
	for i, el := range markup.Scan(text) {
		if in, ok := fromElement(el, i); ok {
			d.Inline = append(d.Inline, in)
		}
	}
	return d
}

const (
	fenceOpen  = "```json"
	fenceClose = "```"
)

// rawInteraction is the accepted JSON item shape. Shorthand keys (function,
// command, question) imply the assertion when it is absent.
type rawInteraction struct {
	ID        string         `json:"id"`
	Assertion string         `json:"assertion"`
	Name      string         `json:"name"`
	Function  string         `json:"function"`
	Command   string         `json:"command"`
	Question  string         `json:"question"`
	Args      map[string]any `json:"args"`
	Message   string         `json:"message"`
	Options   []string       `json:"options"`
	TimeoutMS int64          `json:"timeout"`
	Mode      string         `json:"mode"`
}

func parseBlock(text string) ([]Pipeline, bool) {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < len(fenceOpen)+len(fenceClose) {
		return nil, false
	}
	if !strings.HasPrefix(trimmed, fenceOpen) || !strings.HasSuffix(trimmed, fenceClose) {
		return nil, false
	}
	inner := trimmed[len(fenceOpen) : len(trimmed)-len(fenceClose)]

	var items []rawInteraction
	if err := json.Unmarshal([]byte(inner), &items); err == nil {
		return []Pipeline{{Interactions: normalizeAll(items, "")}}, true
	}

	var named map[string][]rawInteraction
	if err := json.Unmarshal([]byte(inner), &named); err == nil {
		names := make([]string, 0, len(named))
		for name := range named {
			names = append(names, name)
		}
		// Parallel pipelines have no order between them; sort the names so
		// output is deterministic.
		sort.Strings(names)
		pipelines := make([]Pipeline, 0, len(names))
		for _, name := range names {
			pipelines = append(pipelines, Pipeline{
				Name:         name,
				Interactions: normalizeAll(named[name], name),
			})
		}
		return pipelines, true
	}
	return nil, false
}

func normalizeAll(items []rawInteraction, pipeline string) []Interaction {
	out := make([]Interaction, 0, len(items))
	for i, raw := range items {
		if in, ok := normalize(raw, pipeline, i); ok {
			out = append(out, in)
		}
	}
	return out
}

func normalize(raw rawInteraction, pipeline string, idx int) (Interaction, bool) {
	in := Interaction{
		ID:      raw.ID,
		Name:    raw.Name,
		Args:    raw.Args,
		Message: raw.Message,
		Options: raw.Options,
		Mode:    raw.Mode,
	}
	if raw.TimeoutMS > 0 {
		in.Timeout = time.Duration(raw.TimeoutMS) * time.Millisecond
	}

	switch Assertion(raw.Assertion) {
	case AssertionCommand, AssertionQuestion, AssertionFunction:
		in.Assertion = Assertion(raw.Assertion)
	case "":
		switch {
		case raw.Command != "":
			in.Assertion = AssertionCommand
		case raw.Question != "":
			in.Assertion = AssertionQuestion
		case raw.Function != "" || raw.Name != "":
			in.Assertion = AssertionFunction
		default:
			return Interaction{}, false
		}
	default:
		return Interaction{}, false
	}

	if in.Name == "" {
		switch {
		case raw.Command != "":
			in.Name = raw.Command
		case raw.Function != "":
			in.Name = raw.Function
		case in.Assertion == AssertionQuestion:
			in.Name = "ask"
		}
	}
	if in.Message == "" && raw.Question != "" {
		in.Message = raw.Question
	}

	switch in.Assertion {
	case AssertionQuestion:
		if in.Message == "" {
			return Interaction{}, false
		}
	default:
		if in.Name == "" {
			return Interaction{}, false
		}
	}

	if in.ID == "" {
		prefix := pipeline
		if prefix == "" {
			prefix = "i"
		}
		in.ID = fmt.Sprintf("%s-%d", prefix, idx)
	}
	return in, true
}

// fromElement maps an inline element onto the normal form: the element
// content becomes the tool's canonical argument (websearch query, bash
// command, ask message) and remaining attributes pass through as args.
func fromElement(el markup.Element, idx int) (Interaction, bool) {
	element := el
	in := Interaction{
		ID:      el.Attributes["id"],
		Element: &element,
	}
	if in.ID == "" {
		in.ID = fmt.Sprintf("el-%d", idx)
	}
	if v := el.Attributes["timeout"]; v != "" {
		in.Timeout = parseTimeout(v)
	}
	in.Mode = el.Attributes["mode"]

	args := make(map[string]any)
	for k, v := range el.Attributes {
		switch k {
		case "id", "timeout", "mode", "options":
			continue
		}
		args[k] = v
	}
	content := strings.TrimSpace(el.Content)

	switch el.Type {
	case "ask":
		in.Assertion = AssertionQuestion
		in.Name = "ask"
		in.Message = content
		if in.Message == "" {
			in.Message, _ = args["question"].(string)
		}
		if opts := el.Attributes["options"]; opts != "" {
			for _, o := range strings.Split(opts, ",") {
				if o = strings.TrimSpace(o); o != "" {
					in.Options = append(in.Options, o)
				}
			}
		}
		if in.Message == "" {
			return Interaction{}, false
		}
	case "websearch":
		in.Assertion = AssertionFunction
		in.Name = el.Type
		if content != "" {
			args["query"] = content
		}
		if _, ok := args["query"]; !ok {
			return Interaction{}, false
		}
	case "bash":
		in.Assertion = AssertionFunction
		in.Name = el.Type
		if content != "" {
			args["command"] = content
		}
		if _, ok := args["command"]; !ok {
			return Interaction{}, false
		}
	default:
		return Interaction{}, false
	}
	if len(args) > 0 {
		in.Args = args
	}
	return in, true
}

// parseTimeout accepts bare milliseconds or a Go duration string.
func parseTimeout(v string) time.Duration {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	return 0
}
