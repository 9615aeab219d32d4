// Package tools maps tool names to handlers and executes them under a
// schema-validated, chainable contract. Handlers registered later for the
// same name run first and fall through via next, so a plugin can wrap or
// replace a builtin without unregistering it.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/herolabs/hero/internal/store"
)

// Status classifies an execution outcome.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// Outcome is the result of one tool execution.
type Outcome struct {
	Status Status `json:"status"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Completed wraps a successful result.
func Completed(result any) Outcome {
	return Outcome{Status: StatusCompleted, Result: result}
}

// Failed builds a failure outcome with a formatted error message.
func Failed(format string, args ...any) Outcome {
	return Outcome{Status: StatusFailed, Error: fmt.Sprintf(format, args...)}
}

// Aborted marks an execution stopped by cancellation.
func Aborted() Outcome {
	return Outcome{Status: StatusAborted}
}

// ExecContext carries the identity and services of one invocation.
type ExecContext struct {
	SessionID string
	UserID    string
	AgentID   string
	Store     store.Store
	// DelegationDepth is how many delegation hops led to this execution.
	DelegationDepth int
}

// Next continues to the handler registered below the current one.
type Next func(ctx context.Context, args map[string]any) Outcome

// Handler executes one invocation. A handler that does not want to serve it
// calls next to pass the invocation down the chain.
type Handler func(ctx context.Context, ec ExecContext, args map[string]any, next Next) Outcome

// Tool is one registrable handler.
type Tool struct {
	Name        string
	Description string
	// Schema is a JSON schema for args. Nil skips validation.
	Schema  json.RawMessage
	Handler Handler
}

// Info is the externally visible description of a registered tool.
type Info struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

type registered struct {
	tool     Tool
	compiled *jsonschema.Schema
}

// MaxToolNameLength bounds tool names passed to Execute.
const MaxToolNameLength = 256

// Registry maps tool names to handler chains.
type Registry struct {
	mu     sync.RWMutex
	chains map[string][]registered
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		chains: make(map[string][]registered),
		logger: logger.With("component", "tools"),
	}
}

// Register adds a tool. Registering a name again pushes the new handler on
// top of the existing chain.
func (r *Registry) Register(tool Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if len(tool.Name) > MaxToolNameLength {
		return fmt.Errorf("tool name exceeds %d characters", MaxToolNameLength)
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool %s: handler is required", tool.Name)
	}
	entry := registered{tool: tool}
	if len(tool.Schema) > 0 {
		compiled, err := compileSchema(tool.Name, tool.Schema)
		if err != nil {
			return fmt.Errorf("tool %s: compile schema: %w", tool.Name, err)
		}
		entry.compiled = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.chains[tool.Name] = append([]registered{entry}, r.chains[tool.Name]...)
	return nil
}

// Unregister removes the whole chain for a name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.chains, name)
}

// Has reports whether any handler is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.chains[name]) > 0
}

// List describes the registered tools, sorted by name. Only the top of each
// chain is visible.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.chains))
	for _, chain := range r.chains {
		top := chain[0].tool
		out = append(out, Info{Name: top.Name, Description: top.Description, Schema: top.Schema})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute validates args against the top handler's schema and runs the
// chain. Unknown tools and schema violations fail; a context already
// cancelled aborts without running anything; handler panics are contained
// and reported as failures.
func (r *Registry) Execute(ctx context.Context, ec ExecContext, name string, args map[string]any) (out Outcome) {
	if err := ctx.Err(); err != nil {
		return Aborted()
	}
	if len(name) > MaxToolNameLength {
		return Failed("tool name exceeds %d characters", MaxToolNameLength)
	}

	r.mu.RLock()
	chain := r.chains[name]
	r.mu.RUnlock()
	if len(chain) == 0 {
		return Failed("tool not found: %s", name)
	}

	if err := validateArgs(chain[0].compiled, args); err != nil {
		return Failed("invalid arguments for %s: %v", name, err)
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool execution panicked", "tool", name, "panic", rec)
			out = Failed("tool %s panicked", name)
		}
	}()

	var call func(i int, ctx context.Context, args map[string]any) Outcome
	call = func(i int, ctx context.Context, args map[string]any) Outcome {
		if err := ctx.Err(); err != nil {
			return Aborted()
		}
		if i >= len(chain) {
			return Failed("no handler served %s", name)
		}
		next := func(ctx context.Context, args map[string]any) Outcome {
			return call(i+1, ctx, args)
		}
		return chain[i].tool.Handler(ctx, ec, args, next)
	}
	return call(0, ctx, args)
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	url := "tool://" + name + "/schema.json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// validateArgs checks args against a compiled schema. The round-trip through
// encoding/json normalizes Go values (ints, typed maps) into the shapes the
// validator expects.
func validateArgs(schema *jsonschema.Schema, args map[string]any) error {
	if schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	return schema.Validate(v)
}
