// Package server exposes the conversation runtime over HTTP: REST for
// sessions, participants, agents, permission rules and accounts, plus SSE
// streams for live turns. Responses are JSON; errors use the shape
// {"error": message} on every route.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/herolabs/hero/internal/auth"
	"github.com/herolabs/hero/internal/config"
	"github.com/herolabs/hero/internal/observability"
	"github.com/herolabs/hero/internal/participants"
	"github.com/herolabs/hero/internal/permissions"
	"github.com/herolabs/hero/internal/ratelimit"
	"github.com/herolabs/hero/internal/store"
	"github.com/herolabs/hero/internal/stream"
	"github.com/herolabs/hero/internal/turn"
)

// Deps carries the wired runtime the server fronts.
type Deps struct {
	Store       store.Store
	Locks       *store.LockManager
	Auth        *auth.Service
	Registry    *participants.Registry
	Broker      *permissions.Broker
	Pipeline    *turn.Pipeline
	Broadcaster *stream.Broadcaster
	Limiter     *ratelimit.Limiter
	Metrics     *observability.Metrics
	Logger      *slog.Logger
	LogLevel    *slog.LevelVar
	Version     string
}

// Server is the HTTP front of the runtime.
type Server struct {
	cfg atomic.Pointer[config.Config]

	store       store.Store
	locking     *store.LockingStore
	locks       *store.LockManager
	auth        *auth.Service
	registry    *participants.Registry
	broker      *permissions.Broker
	pipeline    *turn.Pipeline
	broadcaster *stream.Broadcaster
	limiter     *ratelimit.Limiter
	metrics     *observability.Metrics
	logger      *slog.Logger
	logLevel    *slog.LevelVar
	version     string
	startTime   time.Time

	mux        *http.ServeMux
	httpServer *http.Server
}

// New wires the routes. cfg supplies the listener address, CORS origins and
// the dynamic settings Apply can later replace.
func New(cfg *config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		store:       deps.Store,
		locking:     store.NewLockingStore(deps.Store, deps.Locks, "rest"),
		locks:       deps.Locks,
		auth:        deps.Auth,
		registry:    deps.Registry,
		broker:      deps.Broker,
		pipeline:    deps.Pipeline,
		broadcaster: deps.Broadcaster,
		limiter:     deps.Limiter,
		metrics:     deps.Metrics,
		logger:      logger.With("component", "server"),
		logLevel:    deps.LogLevel,
		version:     deps.Version,
		startTime:   time.Now(),
		mux:         http.NewServeMux(),
	}
	s.cfg.Store(cfg)
	s.routes()
	return s
}

func (s *Server) routes() {
	mux := s.mux

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /auth/magic-link", s.handleMagicLinkRequest)
	mux.HandleFunc("POST /auth/magic-link/redeem", s.handleMagicLinkRedeem)
	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.HandleFunc("POST /auth/logout", s.handleLogout)

	mux.HandleFunc("GET /profile", s.handleProfileGet)
	mux.HandleFunc("PATCH /profile", s.handleProfileUpdate)
	mux.HandleFunc("PUT /profile/password", s.handlePasswordSet)

	mux.HandleFunc("POST /api-keys", s.handleAPIKeyCreate)
	mux.HandleFunc("GET /api-keys", s.handleAPIKeyList)
	mux.HandleFunc("DELETE /api-keys/{id}", s.handleAPIKeyDelete)

	mux.HandleFunc("POST /sessions", s.handleSessionCreate)
	mux.HandleFunc("GET /sessions", s.handleSessionList)
	mux.HandleFunc("GET /sessions/{id}", s.handleSessionGet)
	mux.HandleFunc("PATCH /sessions/{id}", s.handleSessionUpdate)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleSessionDelete)
	mux.HandleFunc("GET /sessions/{id}/frames", s.handleFrameList)
	mux.HandleFunc("GET /sessions/{id}/replay", s.handleReplay)
	mux.HandleFunc("GET /search", s.handleSearch)

	mux.HandleFunc("POST /sessions/{id}/messages/stream", s.handleMessageStream)
	mux.HandleFunc("GET /sessions/{id}/stream", s.handleWatch)

	mux.HandleFunc("POST /sessions/{id}/participants", s.handleParticipantAdd)
	mux.HandleFunc("GET /sessions/{id}/participants", s.handleParticipantList)
	mux.HandleFunc("DELETE /sessions/{id}/participants/{ptype}/{pid}", s.handleParticipantRemove)
	mux.HandleFunc("PUT /sessions/{id}/participants/{ptype}/{pid}/role", s.handleParticipantRole)

	mux.HandleFunc("POST /agents", s.handleAgentCreate)
	mux.HandleFunc("GET /agents", s.handleAgentList)
	mux.HandleFunc("GET /agents/{id}", s.handleAgentGet)
	mux.HandleFunc("PATCH /agents/{id}", s.handleAgentUpdate)
	mux.HandleFunc("DELETE /agents/{id}", s.handleAgentDelete)

	mux.HandleFunc("GET /permissions/rules", s.handleRuleList)
	mux.HandleFunc("POST /permissions/rules", s.handleRuleCreate)
	mux.HandleFunc("DELETE /permissions/rules/{id}", s.handleRuleDelete)
	mux.HandleFunc("GET /permissions/prompts", s.handlePromptList)
	mux.HandleFunc("POST /permissions/prompts/{id}/answer", s.handlePromptAnswer)
	mux.HandleFunc("POST /permissions/questions/{id}/answer", s.handleQuestionAnswer)
}

// publicPath reports whether the request skips authentication: health,
// metrics and the login endpoints.
func publicPath(r *http.Request) bool {
	p := r.URL.Path
	return p == "/health" || p == "/metrics" || strings.HasPrefix(p, "/auth/")
}

// Handler returns the mux wrapped in the middleware chain. Exposed for
// tests; Start uses it as the http.Server handler.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux

	h = auth.Middleware(s.auth, s.logger, auth.MiddlewareOptions{Skip: publicPath})(h)
	h = ratelimit.Middleware(s.limiter, ratelimit.Options{
		KeyFunc: s.limiterKey,
		Exclude: []string{"/health", "/metrics"},
		OnRejected: func(r *http.Request, d ratelimit.Decision) {
			if s.metrics != nil {
				s.metrics.RateLimitRejected.WithLabelValues(s.muxPattern(r)).Inc()
			}
		},
	})(h)
	h = s.corsMiddleware(h)
	h = s.loggingMiddleware(h)
	h = s.requestIDMiddleware(h)
	return h
}

// limiterKey buckets on client ip and the matched route pattern, so
// /sessions/{id} shares one bucket across session ids.
func (s *Server) limiterKey(r *http.Request) string {
	return ratelimit.CompositeKey(ratelimit.ClientIP(r), s.muxPattern(r))
}

// muxPattern resolves the route pattern before the mux has matched, which
// is where the rate limiter runs. Middleware running after the mux reads
// r.Pattern instead.
func (s *Server) muxPattern(r *http.Request) string {
	_, pattern := s.mux.Handler(r)
	if i := strings.IndexByte(pattern, ' '); i >= 0 {
		pattern = pattern[i+1:]
	}
	if pattern == "" {
		pattern = r.URL.Path
	}
	return pattern
}

// Start listens and serves until Shutdown. The error channel usage follows
// the listen-then-goroutine shape so port conflicts surface immediately.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.cfg.Load()
	addr := cfg.Server.Addr()

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		// WriteTimeout would cut long SSE streams; per-request deadlines
		// come from the pipeline and the client instead.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("http server listening", "addr", addr, "version", s.version)
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests, then
// closes every SSE subscriber and cancels pending prompts.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	if s.broadcaster != nil {
		s.broadcaster.Close()
	}
	if s.broker != nil {
		s.broker.Close()
	}
	return err
}

// Apply installs the dynamic subset of a reloaded configuration: log level
// and rate limiting. Sections that require a restart are logged when they
// differ.
func (s *Server) Apply(cfg *config.Config) {
	old := s.cfg.Load()
	s.cfg.Store(cfg)

	if s.logLevel != nil && cfg.Logging.Level != old.Logging.Level {
		s.logLevel.Set(observability.ParseLevel(cfg.Logging.Level))
		s.logger.Info("log level changed", "level", cfg.Logging.Level)
	}
	if s.limiter != nil && cfg.RateLimit != old.RateLimit {
		s.limiter.SetConfig(ratelimit.Config{
			Enabled: cfg.RateLimit.Enabled,
			Max:     cfg.RateLimit.Max,
			Window:  cfg.RateLimit.Window,
		})
		s.logger.Info("rate limit changed",
			"enabled", cfg.RateLimit.Enabled,
			"max", cfg.RateLimit.Max,
			"window", cfg.RateLimit.Window)
	}
	if cfg.Server.Addr() != old.Server.Addr() || cfg.Database != old.Database {
		s.logger.Warn("server/database config changed, restart required to apply")
	}
}
