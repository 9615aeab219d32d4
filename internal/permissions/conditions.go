package permissions

import (
	"encoding/json"
	"strings"
)

// Rule conditions are a fixed schema, not an expression language. A document
// is a JSON object whose keys are operators:
//
//	{"equals":           {"field": value, ...}}
//	{"in":               {"field": [value, ...], ...}}
//	{"range":            {"field": {"min": n, "max": n}, ...}}
//	{"sessionIdMatches": "pattern"}
//
// Fields name entries of the evaluation env ("subject.id", "resource.name",
// "args.command", ...). All operators in a document must hold.
//
// A document that does not parse as an object counts as no conditions at all
// and matches. A parsed document with an unknown operator, or an operator
// body of the wrong shape, never matches: structured-but-wrong input fails
// closed instead of widening a rule.

type rangeBounds struct {
	Min *float64 `json:"min"`
	Max *float64 `json:"max"`
}

func conditionsMatch(raw json.RawMessage, env map[string]any, sessionID string) bool {
	if len(raw) == 0 {
		return true
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return true
	}

	for op, body := range doc {
		switch op {
		case "equals":
			var want map[string]any
			if err := json.Unmarshal(body, &want); err != nil {
				return false
			}
			for field, v := range want {
				if !valueEqual(env[field], v) {
					return false
				}
			}
		case "in":
			var want map[string][]any
			if err := json.Unmarshal(body, &want); err != nil {
				return false
			}
			for field, list := range want {
				if !valueIn(env[field], list) {
					return false
				}
			}
		case "range":
			var want map[string]rangeBounds
			if err := json.Unmarshal(body, &want); err != nil {
				return false
			}
			for field, bounds := range want {
				n, ok := toNumber(env[field])
				if !ok {
					return false
				}
				if bounds.Min != nil && n < *bounds.Min {
					return false
				}
				if bounds.Max != nil && n > *bounds.Max {
					return false
				}
			}
		case "sessionIdMatches":
			var pattern string
			if err := json.Unmarshal(body, &pattern); err != nil {
				return false
			}
			if !matchPattern(pattern, sessionID) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func valueEqual(got, want any) bool {
	if gn, ok := toNumber(got); ok {
		if wn, ok := toNumber(want); ok {
			return gn == wn
		}
		return false
	}
	return got == want
}

func valueIn(got any, list []any) bool {
	for _, v := range list {
		if valueEqual(got, v) {
			return true
		}
	}
	return false
}

// matchPattern supports exact match, "*", "prefix*" and "*suffix".
func matchPattern(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if pattern == value {
		return true
	}
	if len(pattern) > 1 && strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(value, pattern[:len(pattern)-1])
	}
	if len(pattern) > 1 && strings.HasPrefix(pattern, "*") {
		return strings.HasSuffix(value, pattern[1:])
	}
	return false
}
