// Package commands provides slash command detection and routing.
package commands

import (
	"context"

	"github.com/herolabs/hero/internal/store"
	"github.com/herolabs/hero/pkg/models"
)

// Command is a registered slash command.
type Command struct {
	// Name is the command name without the leading slash (e.g. "help").
	Name string `json:"name"`

	// Aliases are alternative names for the command.
	Aliases []string `json:"aliases,omitempty"`

	// Description is a short description of what the command does.
	Description string `json:"description,omitempty"`

	// Usage shows how to invoke the command.
	Usage string `json:"usage,omitempty"`

	// AcceptsArgs indicates whether the command takes arguments.
	AcceptsArgs bool `json:"accepts_args"`

	// Hidden hides the command from help listings.
	Hidden bool `json:"hidden,omitempty"`

	// Handler executes the command.
	Handler Handler `json:"-"`
}

// Handler processes one command invocation.
type Handler func(ctx context.Context, inv *Invocation) *Result

// Invocation carries a parsed command plus the session context it runs in.
type Invocation struct {
	// Name is the actual name or alias used to invoke.
	Name string

	// Args is the text after the command name.
	Args string

	// SessionID and UserID identify where and for whom the command runs.
	SessionID string
	UserID    string

	// Session is the loaded session, nil when the command runs outside
	// one.
	Session *models.Session

	// Store gives builtins access to the frame log.
	Store store.Store
}

// Result is the outcome of a command execution.
type Result struct {
	Success bool   `json:"success"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`

	// Data holds structured side-channel output, e.g. the action the
	// caller should take next.
	Data map[string]any `json:"data,omitempty"`
}

// ParsedCommand is a detected command in a message.
type ParsedCommand struct {
	// Name is the lowercased command name without the slash.
	Name string

	// Args is the argument text, trimmed.
	Args string
}

func success(content string) *Result {
	return &Result{Success: true, Content: content}
}

func failure(err string) *Result {
	return &Result{Success: false, Error: err}
}
