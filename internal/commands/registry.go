package commands

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Registry manages command registrations and execution.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]*Command // normalized name -> command
	aliases  map[string]string   // normalized alias -> normalized name
	logger   *slog.Logger
}

// NewRegistry creates an empty command registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		commands: make(map[string]*Command),
		aliases:  make(map[string]string),
		logger:   logger.With("component", "commands"),
	}
}

// Register adds a command to the registry.
func (r *Registry) Register(cmd *Command) error {
	if cmd == nil {
		return fmt.Errorf("command is nil")
	}
	if strings.TrimSpace(cmd.Name) == "" {
		return fmt.Errorf("command name is required")
	}
	if cmd.Handler == nil {
		return fmt.Errorf("command handler is required")
	}
	key := normalizeKey(cmd.Name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.commands[key]; exists {
		return fmt.Errorf("command %q already registered", cmd.Name)
	}
	if owner, exists := r.aliases[key]; exists {
		return fmt.Errorf("command name %q conflicts with alias for %q", cmd.Name, owner)
	}
	r.commands[key] = cmd

	for _, alias := range cmd.Aliases {
		aliasKey := normalizeKey(alias)
		if aliasKey == "" || aliasKey == key {
			continue
		}
		if _, exists := r.commands[aliasKey]; exists {
			r.logger.Warn("alias conflicts with command", "alias", alias, "command", cmd.Name)
			continue
		}
		if _, exists := r.aliases[aliasKey]; exists {
			r.logger.Warn("alias already registered", "alias", alias, "command", cmd.Name)
			continue
		}
		r.aliases[aliasKey] = key
	}

	r.logger.Debug("registered command", "name", cmd.Name, "aliases", cmd.Aliases)
	return nil
}

// Unregister removes a command and its aliases. Reports whether the
// command existed.
func (r *Registry) Unregister(name string) bool {
	key := normalizeKey(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	cmd, exists := r.commands[key]
	if !exists {
		return false
	}
	for _, alias := range cmd.Aliases {
		delete(r.aliases, normalizeKey(alias))
	}
	delete(r.commands, key)
	return true
}

// Get retrieves a command by name or alias.
func (r *Registry) Get(name string) (*Command, bool) {
	key := normalizeKey(name)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if cmd, exists := r.commands[key]; exists {
		return cmd, true
	}
	if owner, exists := r.aliases[key]; exists {
		if cmd, ok := r.commands[owner]; ok {
			return cmd, true
		}
	}
	return nil, false
}

// List returns all registered commands sorted by name.
func (r *Registry) List() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()

	commands := make([]*Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		commands = append(commands, cmd)
	}
	sort.Slice(commands, func(i, j int) bool { return commands[i].Name < commands[j].Name })
	return commands
}

// ListVisible returns the commands help should show.
func (r *Registry) ListVisible() []*Command {
	all := r.List()
	visible := make([]*Command, 0, len(all))
	for _, cmd := range all {
		if !cmd.Hidden {
			visible = append(visible, cmd)
		}
	}
	return visible
}

// Execute runs a command by the name in inv. Unknown commands and argument
// misuse come back as failed results, not errors; a command never returns
// a nil result.
func (r *Registry) Execute(ctx context.Context, inv *Invocation) *Result {
	if inv == nil {
		return failure("nothing to execute")
	}
	cmd, exists := r.Get(inv.Name)
	if !exists {
		return failure(fmt.Sprintf("Unknown command: /%s", inv.Name))
	}
	if !cmd.AcceptsArgs && strings.TrimSpace(inv.Args) != "" {
		return failure(fmt.Sprintf("Command /%s does not accept arguments", cmd.Name))
	}

	result := cmd.Handler(ctx, inv)
	if result == nil {
		return failure(fmt.Sprintf("Command /%s returned nothing", cmd.Name))
	}
	return result
}
