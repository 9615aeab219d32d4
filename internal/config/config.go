// Package config loads and validates the herod configuration file.
//
// Configuration is YAML (or JSON5) with $include composition and
// environment variable expansion. Unknown fields are rejected so typos
// fail at startup instead of silently using defaults.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration for herod.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Auth        AuthConfig        `yaml:"auth"`
	Providers   ProvidersConfig   `yaml:"providers"`
	Turn        TurnConfig        `yaml:"turn"`
	Delegation  DelegationConfig  `yaml:"delegation"`
	RateLimit   RateLimitConfig   `yaml:"ratelimit"`
	Tools       ToolsConfig       `yaml:"tools"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the host:port the server binds to.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig selects and tunes the frame store backend.
type DatabaseConfig struct {
	// Driver is "postgres", "sqlite" or "memory".
	Driver string `yaml:"driver"`

	// URL is the postgres DSN. Ignored by other drivers.
	URL string `yaml:"url"`

	// Path is the sqlite database file. Empty means in-memory sqlite.
	Path string `yaml:"path"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`

	// LockTTL bounds how long a session write lease may be held.
	LockTTL time.Duration `yaml:"lock_ttl"`
}

// AuthConfig controls API keys, passwords and login tokens.
type AuthConfig struct {
	// Secret signs magic-link and session tokens. Empty disables token
	// login; API keys and passwords keep working.
	Secret string `yaml:"secret"`

	MagicLinkTTL time.Duration `yaml:"magic_link_ttl"`
	SessionTTL   time.Duration `yaml:"session_ttl"`
}

// ProvidersConfig names the default model provider and its credentials.
type ProvidersConfig struct {
	// Default is the provider used when an agent names none.
	Default string `yaml:"default"`

	Anthropic ProviderConfig `yaml:"anthropic"`
	OpenAI    ProviderConfig `yaml:"openai"`
}

// ProviderConfig carries one provider's credentials and tuning.
type ProviderConfig struct {
	APIKey     string        `yaml:"api_key"`
	Model      string        `yaml:"model"`
	BaseURL    string        `yaml:"base_url"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// Configured reports whether the provider has credentials.
func (p ProviderConfig) Configured() bool {
	return strings.TrimSpace(p.APIKey) != ""
}

// TurnConfig bounds a single streamed turn.
type TurnConfig struct {
	// MaxTurns caps provider round trips per user message.
	MaxTurns int `yaml:"max_turns"`

	// MaxTokens is passed to providers. Zero keeps their default.
	MaxTokens int `yaml:"max_tokens"`
}

// DelegationConfig bounds agent-to-agent handoffs.
type DelegationConfig struct {
	MaxDepth int           `yaml:"max_depth"`
	Timeout  time.Duration `yaml:"timeout"`
}

// RateLimitConfig throttles inbound messages per user.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled"`
	Max     int           `yaml:"max"`
	Window  time.Duration `yaml:"window"`
}

// ToolsConfig enables and tunes the built-in tools.
type ToolsConfig struct {
	WebSearch WebSearchConfig `yaml:"websearch"`
	Bash      BashConfig      `yaml:"bash"`
}

// WebSearchConfig configures the websearch tool backend.
type WebSearchConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// BashConfig configures the bash tool. Only commands whose first token
// appears in the allowlist run.
type BashConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Allowlist []string      `yaml:"allowlist"`
	Timeout   time.Duration `yaml:"timeout"`
	WorkDir   string        `yaml:"workdir"`
}

// MaintenanceConfig schedules the background sweeps. Schedules use cron
// syntax with optional seconds field.
type MaintenanceConfig struct {
	Enabled bool `yaml:"enabled"`

	// PromptSweep expires unanswered permission prompts.
	PromptSweep string `yaml:"prompt_sweep"`

	// TokenSweep purges consumed and expired magic links.
	TokenSweep string `yaml:"token_sweep"`

	// MagicLinkRetention is how long consumed links are kept for audit.
	MagicLinkRetention time.Duration `yaml:"magic_link_retention"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`

	// AddSource includes file:line in records.
	AddSource bool `yaml:"add_source"`

	// Redact holds extra secret patterns scrubbed from log output.
	Redact []string `yaml:"redact"`
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	// Endpoint is the OTLP gRPC collector address. Empty disables export.
	Endpoint string `yaml:"endpoint"`

	Environment string  `yaml:"environment"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads, composes and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}

	cfg, err := decodeRaw(raw)
	if err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8420
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		// Streams outlive ordinary requests. The turn pipeline enforces
		// its own deadlines, so the listener stays generous here.
		cfg.Server.WriteTimeout = 5 * time.Minute
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "memory"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = time.Minute
	}
	if cfg.Database.LockTTL == 0 {
		cfg.Database.LockTTL = 30 * time.Second
	}

	if cfg.Auth.MagicLinkTTL == 0 {
		cfg.Auth.MagicLinkTTL = 15 * time.Minute
	}
	if cfg.Auth.SessionTTL == 0 {
		cfg.Auth.SessionTTL = 30 * 24 * time.Hour
	}

	if cfg.Providers.Default == "" {
		cfg.Providers.Default = "anthropic"
	}
	if cfg.Providers.Anthropic.Model == "" {
		cfg.Providers.Anthropic.Model = "claude-sonnet-4-5"
	}
	if cfg.Providers.OpenAI.Model == "" {
		cfg.Providers.OpenAI.Model = "gpt-4o"
	}

	if cfg.Turn.MaxTurns == 0 {
		cfg.Turn.MaxTurns = 8
	}

	if cfg.Delegation.MaxDepth == 0 {
		cfg.Delegation.MaxDepth = 3
	}
	if cfg.Delegation.Timeout == 0 {
		cfg.Delegation.Timeout = 2 * time.Minute
	}

	if cfg.RateLimit.Max == 0 {
		cfg.RateLimit.Max = 30
	}
	if cfg.RateLimit.Window == 0 {
		cfg.RateLimit.Window = time.Minute
	}

	if cfg.Tools.Bash.Timeout == 0 {
		cfg.Tools.Bash.Timeout = time.Minute
	}

	if cfg.Maintenance.PromptSweep == "" {
		cfg.Maintenance.PromptSweep = "*/30 * * * * *"
	}
	if cfg.Maintenance.TokenSweep == "" {
		cfg.Maintenance.TokenSweep = "0 */10 * * * *"
	}
	if cfg.Maintenance.MagicLinkRetention == 0 {
		cfg.Maintenance.MagicLinkRetention = 24 * time.Hour
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Tracing.SampleRate == 0 {
		cfg.Tracing.SampleRate = 1.0
	}
}

// Validate rejects combinations the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if strings.TrimSpace(c.Database.URL) == "" {
			return fmt.Errorf("database.url is required for the postgres driver")
		}
	case "sqlite", "memory":
	default:
		return fmt.Errorf("database.driver %q is not one of postgres, sqlite, memory", c.Database.Driver)
	}

	switch c.Providers.Default {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("providers.default %q is not one of anthropic, openai", c.Providers.Default)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format %q is not one of json, text", c.Logging.Format)
	}

	if c.Turn.MaxTurns < 0 {
		return fmt.Errorf("turn.max_turns must not be negative")
	}
	if c.Delegation.MaxDepth < 0 {
		return fmt.Errorf("delegation.max_depth must not be negative")
	}
	if c.RateLimit.Enabled && c.RateLimit.Max <= 0 {
		return fmt.Errorf("ratelimit.max must be positive when ratelimit is enabled")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate %v is outside [0, 1]", c.Tracing.SampleRate)
	}
	return nil
}
