package commands

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noopCommand(name string, aliases ...string) *Command {
	return &Command{
		Name:    name,
		Aliases: aliases,
		Handler: func(ctx context.Context, inv *Invocation) *Result {
			return success("ok")
		},
	}
}

func TestRegistry_Register(t *testing.T) {
	tests := []struct {
		name    string
		cmd     *Command
		wantErr bool
	}{
		{"valid", noopCommand("ping"), false},
		{"nil command", nil, true},
		{"empty name", noopCommand(""), true},
		{"nil handler", &Command{Name: "broken"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(testLogger())
			err := r.Register(tt.cmd)
			if (err != nil) != tt.wantErr {
				t.Errorf("Register() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	r := NewRegistry(testLogger())
	if err := r.Register(noopCommand("ping")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(noopCommand("ping")); err == nil {
		t.Error("Register duplicate = nil, want error")
	}
	// - and _ fold to the same key.
	if err := r.Register(noopCommand("my-cmd")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(noopCommand("my_cmd")); err == nil {
		t.Error("Register my_cmd after my-cmd = nil, want error")
	}
}

func TestRegistry_GetNormalizes(t *testing.T) {
	r := NewRegistry(testLogger())
	if err := r.Register(noopCommand("memory-search", "mem")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	tests := []struct {
		lookup string
		found  bool
	}{
		{"memory-search", true},
		{"memory_search", true},
		{"MEMORY-SEARCH", true},
		{"mem", true},
		{"MEM", true},
		{"memory", false},
	}

	for _, tt := range tests {
		if _, found := r.Get(tt.lookup); found != tt.found {
			t.Errorf("Get(%q) found = %v, want %v", tt.lookup, found, tt.found)
		}
	}
}

func TestRegistry_Execute(t *testing.T) {
	r := NewRegistry(testLogger())
	if err := r.Register(&Command{
		Name:        "greet",
		AcceptsArgs: true,
		Handler: func(ctx context.Context, inv *Invocation) *Result {
			return success("hello " + inv.Args)
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(noopCommand("ping")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	tests := []struct {
		name        string
		inv         *Invocation
		wantSuccess bool
		wantContent string
		wantErrPart string
	}{
		{
			name:        "known command with args",
			inv:         &Invocation{Name: "greet", Args: "world"},
			wantSuccess: true,
			wantContent: "hello world",
		},
		{
			name:        "unknown command",
			inv:         &Invocation{Name: "nope"},
			wantErrPart: "Unknown command",
		},
		{
			name:        "args refused",
			inv:         &Invocation{Name: "ping", Args: "now"},
			wantErrPart: "does not accept arguments",
		},
		{
			name:        "nil invocation",
			inv:         nil,
			wantErrPart: "nothing to execute",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := r.Execute(context.Background(), tt.inv)
			if result.Success != tt.wantSuccess {
				t.Errorf("Success = %v, want %v (error: %s)", result.Success, tt.wantSuccess, result.Error)
			}
			if tt.wantContent != "" && result.Content != tt.wantContent {
				t.Errorf("Content = %q, want %q", result.Content, tt.wantContent)
			}
			if tt.wantErrPart != "" && !strings.Contains(result.Error, tt.wantErrPart) {
				t.Errorf("Error = %q, want to contain %q", result.Error, tt.wantErrPart)
			}
		})
	}
}

func TestRegistry_ExecuteNilResult(t *testing.T) {
	r := NewRegistry(testLogger())
	if err := r.Register(&Command{
		Name:    "void",
		Handler: func(ctx context.Context, inv *Invocation) *Result { return nil },
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	result := r.Execute(context.Background(), &Invocation{Name: "void"})
	if result == nil {
		t.Fatal("Execute returned nil result")
	}
	if result.Success {
		t.Error("Success = true for nil handler result, want false")
	}
}

func TestRegistry_ListVisible(t *testing.T) {
	r := NewRegistry(testLogger())
	hidden := noopCommand("secret")
	hidden.Hidden = true
	for _, cmd := range []*Command{noopCommand("zeta"), hidden, noopCommand("alpha")} {
		if err := r.Register(cmd); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	visible := r.ListVisible()
	if len(visible) != 2 {
		t.Fatalf("ListVisible() len = %d, want 2", len(visible))
	}
	if visible[0].Name != "alpha" || visible[1].Name != "zeta" {
		t.Errorf("ListVisible() order = [%s %s], want [alpha zeta]", visible[0].Name, visible[1].Name)
	}
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry(testLogger())
	if err := r.Register(noopCommand("ping", "p")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !r.Unregister("ping") {
		t.Fatal("Unregister = false, want true")
	}
	if _, found := r.Get("ping"); found {
		t.Error("Get(ping) found after Unregister")
	}
	if _, found := r.Get("p"); found {
		t.Error("Get(p) alias found after Unregister")
	}
	if r.Unregister("ping") {
		t.Error("second Unregister = true, want false")
	}
}
