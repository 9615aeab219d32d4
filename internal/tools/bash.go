package tools

import (
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"strings"
	"time"
)

const (
	// maxCommandOutput caps captured stdout/stderr per stream.
	maxCommandOutput = 64000

	defaultCommandTimeout = 60 * time.Second
	maxCommandTimeout     = 10 * time.Minute
)

// BashConfig configures the bash builtin.
type BashConfig struct {
	// Allowlist holds the permitted first tokens of a command. Empty
	// means every command is refused.
	Allowlist []string `json:"allowlist,omitempty"`
	// WorkDir is the working directory commands run in.
	WorkDir string `json:"work_dir,omitempty"`
	// Timeout bounds a single command; defaults to 60s.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// CommandResult is the completed payload of a bash invocation.
type CommandResult struct {
	Command    string `json:"command"`
	WorkDir    string `json:"work_dir,omitempty"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	TimedOut   bool   `json:"timed_out,omitempty"`
}

type bashRunner struct {
	config  BashConfig
	allowed map[string]bool
	run     func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

// NewBashTool builds the bash builtin. Only commands whose first token
// appears in the allowlist run; everything else fails without executing.
func NewBashTool(config BashConfig) Tool {
	if config.Timeout <= 0 {
		config.Timeout = defaultCommandTimeout
	}
	if config.Timeout > maxCommandTimeout {
		config.Timeout = maxCommandTimeout
	}
	allowed := make(map[string]bool, len(config.Allowlist))
	for _, name := range config.Allowlist {
		name = strings.TrimSpace(name)
		if name != "" {
			allowed[name] = true
		}
	}
	r := &bashRunner{config: config, allowed: allowed, run: exec.CommandContext}
	return Tool{
		Name:        "bash",
		Description: "Run an allowlisted shell command and return its output.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"command": {"type": "string", "description": "The shell command to run."},
				"timeout": {"type": "integer", "minimum": 1, "description": "Timeout in milliseconds."}
			},
			"required": ["command"]
		}`),
		Handler: r.handle,
	}
}

func (r *bashRunner) handle(ctx context.Context, ec ExecContext, args map[string]any, next Next) Outcome {
	command, _ := args["command"].(string)
	command = strings.TrimSpace(command)
	if command == "" {
		return Failed("command is required")
	}
	if name := firstToken(command); !r.allowed[name] {
		return Failed("command not allowed: %s", name)
	}

	timeout := r.config.Timeout
	if ms, ok := argNumber(args, "timeout"); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
		if timeout > maxCommandTimeout {
			timeout = maxCommandTimeout
		}
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := r.run(runCtx, "/bin/sh", "-c", command)
	if r.config.WorkDir != "" {
		cmd.Dir = r.config.WorkDir
	}
	stdout := &limitedBuffer{max: maxCommandOutput}
	stderr := &limitedBuffer{max: maxCommandOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		return Aborted()
	}

	result := &CommandResult{
		Command:    command,
		WorkDir:    r.config.WorkDir,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		ExitCode:   exitCode(err),
		DurationMS: elapsed.Milliseconds(),
		TimedOut:   errors.Is(runCtx.Err(), context.DeadlineExceeded),
	}
	return Completed(result)
}

// firstToken returns the command name a shell would resolve first.
func firstToken(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// limitedBuffer keeps the first max bytes written and drops the rest, so
// a chatty command cannot blow up a frame payload.
type limitedBuffer struct {
	buf       []byte
	max       int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	remaining := b.max - len(b.buf)
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	s := string(b.buf)
	if b.truncated {
		s += "\n[output truncated]"
	}
	return s
}
