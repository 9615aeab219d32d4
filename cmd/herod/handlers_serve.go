package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/herolabs/hero/internal/auth"
	"github.com/herolabs/hero/internal/commands"
	"github.com/herolabs/hero/internal/config"
	"github.com/herolabs/hero/internal/delegation"
	"github.com/herolabs/hero/internal/dispatch"
	"github.com/herolabs/hero/internal/maintenance"
	"github.com/herolabs/hero/internal/observability"
	"github.com/herolabs/hero/internal/participants"
	"github.com/herolabs/hero/internal/permissions"
	"github.com/herolabs/hero/internal/providers"
	"github.com/herolabs/hero/internal/ratelimit"
	"github.com/herolabs/hero/internal/server"
	"github.com/herolabs/hero/internal/store"
	"github.com/herolabs/hero/internal/stream"
	"github.com/herolabs/hero/internal/tools"
	"github.com/herolabs/hero/internal/turn"
)

// runServe wires the runtime and serves until a shutdown signal.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger, logLevel := observability.NewLeveledLogger(observability.LogConfig{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		AddSource:      cfg.Logging.AddSource,
		RedactPatterns: cfg.Logging.Redact,
	})
	slog.SetDefault(logger)

	logger.Info("starting herod",
		"version", version,
		"commit", commit,
		"config", configPath,
		"driver", cfg.Database.Driver,
	)

	tracer, stopTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "herod",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SampleRate:     cfg.Tracing.SampleRate,
		Insecure:       cfg.Tracing.Insecure,
	})

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	locks := store.NewLockManager(cfg.Database.LockTTL)
	metrics := observability.NewMetrics()
	registry := participants.NewRegistry(st)

	provs, err := buildProviders(cfg, logger)
	if err != nil {
		return err
	}

	engine := permissions.NewEngine(st, logger)
	broker := permissions.NewBroker(st, logger)

	toolReg, err := buildTools(cfg, broker, logger)
	if err != nil {
		return err
	}

	cmdReg := commands.NewRegistry(logger)
	commands.RegisterBuiltins(cmdReg)

	broadcaster := stream.NewBroadcaster(logger, stream.WithGauge(metrics.SSESubscribers))
	dispatcher := dispatch.NewDispatcher(engine, broker, toolReg, cmdReg, st, broadcaster, tracer, logger)

	pipeline := turn.New(turn.Config{
		MaxTurns:  cfg.Turn.MaxTurns,
		MaxTokens: cfg.Turn.MaxTokens,
		Tracer:    tracer,
	}, st, locks, registry, provs, dispatcher, broadcaster, metrics, logger)

	// The delegate tool closes the loop back into the pipeline, so it is
	// registered after both exist.
	deleg := delegation.New(delegation.Config{
		MaxDepth: cfg.Delegation.MaxDepth,
		Timeout:  cfg.Delegation.Timeout,
	}, st, registry, pipeline, logger)
	if err := toolReg.Register(tools.NewDelegateTool(deleg)); err != nil {
		return fmt.Errorf("register delegate tool: %w", err)
	}

	authSvc := auth.NewService(authConfig(cfg), st, logger)
	if !authSvc.TokensEnabled() {
		logger.Warn("auth.secret is empty; magic-link and session logins are disabled")
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Enabled: cfg.RateLimit.Enabled,
		Max:     cfg.RateLimit.Max,
		Window:  cfg.RateLimit.Window,
	})

	srv := server.New(cfg, server.Deps{
		Store:       st,
		Locks:       locks,
		Auth:        authSvc,
		Registry:    registry,
		Broker:      broker,
		Pipeline:    pipeline,
		Broadcaster: broadcaster,
		Limiter:     limiter,
		Metrics:     metrics,
		Logger:      logger,
		LogLevel:    logLevel,
		Version:     version,
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper := maintenance.New(cfg.Maintenance, st, broker, logger)
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start maintenance: %w", err)
	}

	if configPath != "" {
		watcher := config.NewWatcher(configPath, 0, srv.Apply, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("config reload unavailable", "error", err)
		} else {
			defer watcher.Close()
		}
	}

	if err := srv.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := sweeper.Stop(shutdownCtx); err != nil {
		logger.Warn("maintenance stop", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := stopTracer(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown", "error", err)
	}

	logger.Info("herod stopped")
	return nil
}

// openStore builds the configured store backend.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		return store.NewPostgresStoreFromDSN(ctx, cfg.Database.URL, &store.PostgresConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		})
	case "sqlite":
		return store.NewSQLiteStore(store.SQLiteConfig{Path: cfg.Database.Path})
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

// buildProviders registers every provider with credentials. A server
// without providers still serves REST and replay; turns fail with a
// friendly error until one is configured.
func buildProviders(cfg *config.Config, logger *slog.Logger) (*providers.Registry, error) {
	reg := providers.NewRegistry()

	if cfg.Providers.Anthropic.Configured() {
		p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       cfg.Providers.Anthropic.APIKey,
			BaseURL:      cfg.Providers.Anthropic.BaseURL,
			DefaultModel: cfg.Providers.Anthropic.Model,
			MaxRetries:   cfg.Providers.Anthropic.MaxRetries,
			RetryDelay:   cfg.Providers.Anthropic.RetryDelay,
		})
		if err != nil {
			return nil, fmt.Errorf("anthropic provider: %w", err)
		}
		if err := reg.Register(p); err != nil {
			return nil, err
		}
	}

	if cfg.Providers.OpenAI.Configured() {
		p, err := providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       cfg.Providers.OpenAI.APIKey,
			BaseURL:      cfg.Providers.OpenAI.BaseURL,
			DefaultModel: cfg.Providers.OpenAI.Model,
			MaxRetries:   cfg.Providers.OpenAI.MaxRetries,
			RetryDelay:   cfg.Providers.OpenAI.RetryDelay,
		})
		if err != nil {
			return nil, fmt.Errorf("openai provider: %w", err)
		}
		if err := reg.Register(p); err != nil {
			return nil, err
		}
	}

	if len(reg.Names()) == 0 {
		logger.Warn("no llm providers configured; turns will fail until one is")
		return reg, nil
	}
	if err := reg.SetDefault(cfg.Providers.Default); err != nil {
		logger.Warn("default provider not configured, using first registered",
			"provider", cfg.Providers.Default)
	}
	return reg, nil
}

// buildTools registers the enabled builtins. The delegate tool is added
// later by runServe once the pipeline exists.
func buildTools(cfg *config.Config, broker *permissions.Broker, logger *slog.Logger) (*tools.Registry, error) {
	reg := tools.NewRegistry(logger)

	if err := reg.Register(tools.NewAskTool(brokerAsker{broker})); err != nil {
		return nil, fmt.Errorf("register ask tool: %w", err)
	}

	if cfg.Tools.WebSearch.Enabled {
		wsCfg := tools.WebSearchConfig{}
		if cfg.Tools.WebSearch.APIKey != "" {
			wsCfg.BraveAPIKey = cfg.Tools.WebSearch.APIKey
			wsCfg.BraveURL = cfg.Tools.WebSearch.BaseURL
		} else {
			wsCfg.DuckDuckGoURL = cfg.Tools.WebSearch.BaseURL
		}
		if err := reg.Register(tools.NewWebSearchTool(wsCfg)); err != nil {
			return nil, fmt.Errorf("register websearch tool: %w", err)
		}
	}

	if cfg.Tools.Bash.Enabled {
		if err := reg.Register(tools.NewBashTool(tools.BashConfig{
			Allowlist: cfg.Tools.Bash.Allowlist,
			WorkDir:   cfg.Tools.Bash.WorkDir,
			Timeout:   cfg.Tools.Bash.Timeout,
		})); err != nil {
			return nil, fmt.Errorf("register bash tool: %w", err)
		}
	}

	return reg, nil
}

// brokerAsker adapts the prompt broker to the ask tool's interface.
type brokerAsker struct {
	broker *permissions.Broker
}

func (a brokerAsker) Ask(ctx context.Context, req tools.AskRequest) (string, error) {
	return a.broker.Ask(ctx, permissions.QuestionRequest{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Message:   req.Message,
		Options:   req.Options,
		Timeout:   req.Timeout,
	})
}
