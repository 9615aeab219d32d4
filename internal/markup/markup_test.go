package markup

import (
	"reflect"
	"testing"
)

func TestScan(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []Element
	}{
		{
			name: "plain text",
			text: "no elements here",
			want: nil,
		},
		{
			name: "single websearch",
			text: `look up <websearch>go 1.22 loop semantics</websearch> please`,
			want: []Element{{
				Type:       "websearch",
				Attributes: map[string]string{},
				Content:    "go 1.22 loop semantics",
				Index:      8,
				Length:     len("<websearch>go 1.22 loop semantics</websearch>"),
			}},
		},
		{
			name: "attribute quoting styles",
			text: `<bash dir="/tmp" timeout='5s' verbose mode=fast>ls -la</bash>`,
			want: []Element{{
				Type: "bash",
				Attributes: map[string]string{
					"dir":     "/tmp",
					"timeout": "5s",
					"verbose": "",
					"mode":    "fast",
				},
				Content: "ls -la",
				Index:   0,
				Length:  len(`<bash dir="/tmp" timeout='5s' verbose mode=fast>ls -la</bash>`),
			}},
		},
		{
			name: "multi-line content",
			text: "<bash>echo one\necho two</bash>",
			want: []Element{{
				Type:       "bash",
				Attributes: map[string]string{},
				Content:    "echo one\necho two",
				Index:      0,
				Length:     len("<bash>echo one\necho two</bash>"),
			}},
		},
		{
			name: "self closing",
			text: `<websearch query="weather"/>`,
			want: []Element{{
				Type:       "websearch",
				Attributes: map[string]string{"query": "weather"},
				Content:    "",
				Index:      0,
				Length:     len(`<websearch query="weather"/>`),
			}},
		},
		{
			name: "bracket inside quoted attribute",
			text: `<ask title="a > b">Continue?</ask>`,
			want: []Element{{
				Type:       "ask",
				Attributes: map[string]string{"title": "a > b"},
				Content:    "Continue?",
				Index:      0,
				Length:     len(`<ask title="a > b">Continue?</ask>`),
			}},
		},
		{
			name: "unknown element ignored",
			text: `<sql>select 1</sql> and <websearchify>x</websearchify>`,
			want: nil,
		},
		{
			name: "unclosed element ignored",
			text: `<bash>ls`,
			want: nil,
		},
		{
			name: "document order across types",
			text: `<ask>ok?</ask> then <bash>ls</bash>`,
			want: []Element{
				{
					Type:       "ask",
					Attributes: map[string]string{},
					Content:    "ok?",
					Index:      0,
					Length:     len("<ask>ok?</ask>"),
				},
				{
					Type:       "bash",
					Attributes: map[string]string{},
					Content:    "ls",
					Index:      len("<ask>ok?</ask> then "),
					Length:     len("<bash>ls</bash>"),
				},
			},
		},
		{
			name: "whitespace before closing bracket",
			text: `<bash>ls</bash >`,
			want: []Element{{
				Type:       "bash",
				Attributes: map[string]string{},
				Content:    "ls",
				Index:      0,
				Length:     len(`<bash>ls</bash >`),
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Scan(tt.text)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Scan(%q) = %#v, want %#v", tt.text, got, tt.want)
			}
		})
	}
}

func TestHasElements(t *testing.T) {
	if HasElements("plain text") {
		t.Error("HasElements(plain text) = true, want false")
	}
	if !HasElements("run <bash>ls</bash>") {
		t.Error("HasElements(bash element) = false, want true")
	}
}

func TestInjectResults(t *testing.T) {
	t.Run("single replacement", func(t *testing.T) {
		text := "run <bash>ls</bash> now"
		elements := Scan(text)
		if len(elements) != 1 {
			t.Fatalf("Scan found %d elements, want 1", len(elements))
		}
		got := InjectResults(text, []Result{{Element: elements[0], Status: StatusSuccess, Output: "file.txt"}})
		want := `run <result for="bash" status="success">file.txt</result> now`
		if got != want {
			t.Errorf("InjectResults = %q, want %q", got, want)
		}
	})

	t.Run("output escaped", func(t *testing.T) {
		text := "<bash>cat</bash>"
		elements := Scan(text)
		got := InjectResults(text, []Result{{Element: elements[0], Status: StatusSuccess, Output: `a & <b>`}})
		want := `<result for="bash" status="success">a &amp; &lt;b&gt;</result>`
		if got != want {
			t.Errorf("InjectResults = %q, want %q", got, want)
		}
	})

	t.Run("error status", func(t *testing.T) {
		text := "<bash>rm -rf /</bash>"
		elements := Scan(text)
		got := InjectResults(text, []Result{{Element: elements[0], Status: StatusError, Output: "denied"}})
		want := `<result for="bash" status="error">denied</result>`
		if got != want {
			t.Errorf("InjectResults = %q, want %q", got, want)
		}
	})

	t.Run("unknown status treated as success", func(t *testing.T) {
		text := "<ask>ok?</ask>"
		elements := Scan(text)
		got := InjectResults(text, []Result{{Element: elements[0], Status: "partial", Output: "yes"}})
		want := `<result for="ask" status="success">yes</result>`
		if got != want {
			t.Errorf("InjectResults = %q, want %q", got, want)
		}
	})

	t.Run("multiple elements replaced right to left", func(t *testing.T) {
		text := "<ask>ok?</ask> then <bash>ls</bash>"
		elements := Scan(text)
		if len(elements) != 2 {
			t.Fatalf("Scan found %d elements, want 2", len(elements))
		}
		results := []Result{
			{Element: elements[0], Status: StatusSuccess, Output: "yes"},
			{Element: elements[1], Status: StatusError, Output: "no such dir"},
		}
		got := InjectResults(text, results)
		want := `<result for="ask" status="success">yes</result> then <result for="bash" status="error">no such dir</result>`
		if got != want {
			t.Errorf("InjectResults = %q, want %q", got, want)
		}
	})

	t.Run("stale offsets skipped", func(t *testing.T) {
		text := "short"
		got := InjectResults(text, []Result{{
			Element: Element{Type: "bash", Index: 100, Length: 10},
			Status:  StatusSuccess,
			Output:  "x",
		}})
		if got != text {
			t.Errorf("InjectResults = %q, want original text", got)
		}
	})
}
