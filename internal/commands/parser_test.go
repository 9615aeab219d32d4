package commands

import (
	"reflect"
	"testing"
)

func TestIsCommand(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"/help", true},
		{"/h", true},
		{"  /help  ", true},
		{"/start my session", true},
		{"/2fa", true},
		{"/_internal", true},
		{"hello", false},
		{"", false},
		{"/", false},
		{"/ foo", false},
		{"/?", false},
		{"/-dash", false},
		{"!help", false},
		{"see /help for details", false},
	}

	for _, tt := range tests {
		if got := IsCommand(tt.text); got != tt.want {
			t.Errorf("IsCommand(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name string
		text string
		want *ParsedCommand
	}{
		{
			name: "bare command",
			text: "/help",
			want: &ParsedCommand{Name: "help"},
		},
		{
			name: "uppercase name lowercased",
			text: "/HELP",
			want: &ParsedCommand{Name: "help"},
		},
		{
			name: "trailing spaces",
			text: "  /session   ",
			want: &ParsedCommand{Name: "session"},
		},
		{
			name: "args preserved",
			text: "/start my new session",
			want: &ParsedCommand{Name: "start", Args: "my new session"},
		},
		{
			name: "hyphenated name",
			text: "/memory-search golang",
			want: &ParsedCommand{Name: "memory-search", Args: "golang"},
		},
		{
			name: "multi-line args",
			text: "/start line one\nline two",
			want: &ParsedCommand{Name: "start", Args: "line one\nline two"},
		},
		{
			name: "plain text",
			text: "hello there",
			want: nil,
		},
		{
			name: "bare slash",
			text: "/",
			want: nil,
		},
		{
			name: "punctuation after name",
			text: "/help!",
			want: nil,
		},
		{
			name: "empty",
			text: "",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseCommand(tt.text)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseCommand(%q) = %+v, want %+v", tt.text, got, tt.want)
			}
		})
	}
}

func TestNormalizeKey(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"help", "help"},
		{"HELP", "help"},
		{"my-command", "my_command"},
		{"my_command", "my_command"},
		{"  Mixed-Case_Name ", "mixed_case_name"},
	}

	for _, tt := range tests {
		if got := normalizeKey(tt.name); got != tt.want {
			t.Errorf("normalizeKey(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}
