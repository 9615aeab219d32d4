// Package observability provides structured logging, Prometheus metrics, and
// OpenTelemetry tracing for the hero runtime.
//
// Logging is built on log/slog with a redacting handler that scrubs API keys,
// bearer tokens, and passwords from messages and attribute values before they
// reach the output. Request correlation flows through context keys so every
// component logger emits request_id/session_id/user_id without plumbing them
// by hand.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures the root logger.
type LogConfig struct {
	// Level is the minimum level: "debug", "info", "warn", "error".
	Level string

	// Format is "json" or "text". JSON is the default.
	Format string

	// Output defaults to os.Stderr.
	Output io.Writer

	// AddSource includes file:line in records.
	AddSource bool

	// RedactPatterns are extra regexes applied on top of the defaults.
	RedactPatterns []string
}

type contextKey string

const (
	// RequestIDKey carries the per-request correlation id.
	RequestIDKey contextKey = "request_id"

	// SessionIDKey carries the conversation session id.
	SessionIDKey contextKey = "session_id"

	// UserIDKey carries the authenticated user id.
	UserIDKey contextKey = "user_id"
)

// defaultRedactPatterns covers the secret shapes that pass through the
// runtime: hero API keys, provider keys, JWTs, and key=value credentials.
var defaultRedactPatterns = []string{
	`hero_[a-zA-Z0-9]{24,}`,
	`sk-ant-[a-zA-Z0-9_-]{24,}`,
	`sk-[a-zA-Z0-9]{32,}`,
	`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`,
	`(?i)(api[_-]?key|apikey)[\s:=]+["']?[a-zA-Z0-9_\-]{16,}["']?`,
	`(?i)(bearer|token)[\s:]+[a-zA-Z0-9_\-\.]{16,}`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["']?[^\s"']{8,}["']?`,
}

// NewLogger builds a *slog.Logger whose handler redacts secrets and lifts
// correlation ids out of the context on every record.
func NewLogger(cfg LogConfig) *slog.Logger {
	logger, _ := NewLeveledLogger(cfg)
	return logger
}

// NewLeveledLogger is NewLogger plus the LevelVar behind the handler, so the
// threshold can be changed at runtime (config reload).
func NewLeveledLogger(cfg LogConfig) (*slog.Logger, *slog.LevelVar) {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	level := new(slog.LevelVar)
	level.Set(ParseLevel(cfg.Level))

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
	}

	var inner slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		inner = slog.NewTextHandler(cfg.Output, opts)
	} else {
		inner = slog.NewJSONHandler(cfg.Output, opts)
	}

	redacts := make([]*regexp.Regexp, 0, len(defaultRedactPatterns)+len(cfg.RedactPatterns))
	for _, p := range append(append([]string{}, defaultRedactPatterns...), cfg.RedactPatterns...) {
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		redacts = append(redacts, re)
	}

	return slog.New(&redactHandler{inner: inner, redacts: redacts}), level
}

// ParseLevel maps a config string to a slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// redactHandler rewrites string attribute values and the message through the
// redaction patterns, and appends correlation ids found in the context.
type redactHandler struct {
	inner   slog.Handler
	redacts []*regexp.Regexp
}

func (h *redactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *redactHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, h.redactString(rec.Message), rec.PC)

	rec.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.redactAttr(a))
		return true
	})

	if id, ok := ctx.Value(RequestIDKey).(string); ok && id != "" {
		out.AddAttrs(slog.String("request_id", id))
	}
	if id, ok := ctx.Value(SessionIDKey).(string); ok && id != "" {
		out.AddAttrs(slog.String("session_id", id))
	}
	if id, ok := ctx.Value(UserIDKey).(string); ok && id != "" {
		out.AddAttrs(slog.String("user_id", id))
	}

	return h.inner.Handle(ctx, out)
}

func (h *redactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = h.redactAttr(a)
	}
	return &redactHandler{inner: h.inner.WithAttrs(redacted), redacts: h.redacts}
}

func (h *redactHandler) WithGroup(name string) slog.Handler {
	return &redactHandler{inner: h.inner.WithGroup(name), redacts: h.redacts}
}

func (h *redactHandler) redactAttr(a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.redactString(a.Value.String()))
	case slog.KindGroup:
		group := a.Value.Group()
		out := make([]any, 0, len(group))
		for _, g := range group {
			out = append(out, h.redactAttr(g))
		}
		return slog.Group(a.Key, out...)
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok && err != nil {
			return slog.String(a.Key, h.redactString(err.Error()))
		}
		return a
	default:
		return a
	}
}

func (h *redactHandler) redactString(s string) string {
	for _, re := range h.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// WithRequestID returns a context carrying a request correlation id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// WithSessionID returns a context carrying a session id.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, SessionIDKey, id)
}

// WithUserID returns a context carrying a user id.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, UserIDKey, id)
}

// RequestID extracts the request id from the context, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

// SessionID extracts the session id from the context, or "".
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(SessionIDKey).(string)
	return id
}

// UserID extracts the user id from the context, or "".
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(UserIDKey).(string)
	return id
}
