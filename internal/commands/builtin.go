package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/herolabs/hero/internal/frames"
	"github.com/herolabs/hero/internal/store"
)

// RegisterBuiltins registers the built-in commands.
func RegisterBuiltins(r *Registry) {
	mustRegister := func(cmd *Command) {
		if err := r.Register(cmd); err != nil {
			panic(fmt.Sprintf("register builtin command %q: %v", cmd.Name, err))
		}
	}

	mustRegister(&Command{
		Name:        "help",
		Aliases:     []string{"h", "commands"},
		Description: "Show available commands",
		Usage:       "/help [command]",
		AcceptsArgs: true,
		Handler:     helpHandler(r),
	})

	mustRegister(&Command{
		Name:        "session",
		Description: "Show the current session",
		Handler:     sessionHandler,
	})

	mustRegister(&Command{
		Name:        "compact",
		Aliases:     []string{"summarize"},
		Description: "Snapshot the conversation state into a compact frame",
		Handler:     compactHandler,
	})

	mustRegister(&Command{
		Name:        "start",
		Aliases:     []string{"new"},
		Description: "Start a new session",
		Usage:       "/start [name]",
		AcceptsArgs: true,
		Handler: func(ctx context.Context, inv *Invocation) *Result {
			result := success("Starting a new session...")
			result.Data = map[string]any{"action": "start"}
			if name := strings.TrimSpace(inv.Args); name != "" {
				result.Data["name"] = name
			}
			return result
		},
	})

	mustRegister(&Command{
		Name:        "reload",
		Description: "Reload server configuration",
		Handler: func(ctx context.Context, inv *Invocation) *Result {
			result := success("Reloading configuration...")
			result.Data = map[string]any{"action": "reload"}
			return result
		},
	})

	mustRegister(&Command{
		Name:        "abort",
		Aliases:     []string{"stop", "cancel"},
		Description: "Abort the in-flight turn",
		Hidden:      true,
		Handler: func(ctx context.Context, inv *Invocation) *Result {
			result := success("Aborting...")
			result.Data = map[string]any{"action": "abort"}
			return result
		},
	})
}

func sessionHandler(ctx context.Context, inv *Invocation) *Result {
	if inv.Session == nil {
		return failure("No active session")
	}
	s := inv.Session

	var sb strings.Builder
	name := s.Name
	if name == "" {
		name = "(unnamed)"
	}
	fmt.Fprintf(&sb, "Session: %s (%s)\n", name, s.ID)
	fmt.Fprintf(&sb, "Status: %s\n", s.Status)
	fmt.Fprintf(&sb, "Owner: %s\n", s.OwnerUserID)
	if s.AgentID != "" {
		fmt.Fprintf(&sb, "Agent: %s\n", s.AgentID)
	}
	if s.ParentSessionID != "" {
		fmt.Fprintf(&sb, "Parent: %s\n", s.ParentSessionID)
	}
	fmt.Fprintf(&sb, "Tokens: %d in / %d out\n", s.InputTokens, s.OutputTokens)
	fmt.Fprintf(&sb, "Created: %s", s.CreatedAt.Format("2006-01-02 15:04:05 MST"))

	return success(sb.String())
}

func compactHandler(ctx context.Context, inv *Invocation) *Result {
	if inv.Store == nil || inv.SessionID == "" {
		return failure("No active session")
	}
	log, err := inv.Store.ListFrames(ctx, inv.SessionID, store.FrameListOptions{})
	if err != nil {
		return failure(fmt.Sprintf("load frames: %v", err))
	}
	frame, err := frames.Snapshot(inv.SessionID, log)
	if err != nil {
		return failure(fmt.Sprintf("snapshot: %v", err))
	}
	if err := inv.Store.AppendFrame(ctx, frame); err != nil {
		return failure(fmt.Sprintf("write compact frame: %v", err))
	}

	result := success(fmt.Sprintf("Conversation compacted (%d frames folded).", len(log)))
	result.Data = map[string]any{"action": "compact", "frame_id": frame.ID}
	return result
}

func helpHandler(r *Registry) Handler {
	return func(ctx context.Context, inv *Invocation) *Result {
		if inv.Args != "" {
			name := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(inv.Args)), "/")
			cmd, exists := r.Get(name)
			if !exists {
				return failure(fmt.Sprintf("Unknown command: %s\n\nUse /help to see available commands.", name))
			}

			var sb strings.Builder
			fmt.Fprintf(&sb, "/%s", cmd.Name)
			if cmd.Description != "" {
				fmt.Fprintf(&sb, "\n%s", cmd.Description)
			}
			if cmd.Usage != "" {
				fmt.Fprintf(&sb, "\n\nUsage: %s", cmd.Usage)
			}
			if len(cmd.Aliases) > 0 {
				aliases := make([]string, len(cmd.Aliases))
				for i, a := range cmd.Aliases {
					aliases[i] = "/" + a
				}
				sort.Strings(aliases)
				fmt.Fprintf(&sb, "\nAliases: %s", strings.Join(aliases, ", "))
			}
			return success(sb.String())
		}

		var sb strings.Builder
		sb.WriteString("Available commands:\n")
		for _, cmd := range r.ListVisible() {
			desc := cmd.Description
			if desc == "" {
				desc = "No description"
			}
			fmt.Fprintf(&sb, "  /%s - %s\n", cmd.Name, desc)
		}
		sb.WriteString("\nUse /help <command> for details.")
		return success(sb.String())
	}
}
