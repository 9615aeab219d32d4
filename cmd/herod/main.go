// Package main provides the CLI entry point for herod, the hero
// conversation runtime daemon.
//
// herod hosts long-lived sessions in which human users and AI agents
// exchange structured frames, issue machine-readable interaction requests,
// and cooperate under explicit permission rules. Sessions replay
// deterministically from an append-only frame log.
//
// # Basic Usage
//
// Start the server:
//
//	herod serve --config herod.yaml
//
// Check a running server:
//
//	herod status
//
// Manage database migrations:
//
//	herod migrate up
//	herod migrate status
//
// # Environment Variables
//
//   - HEROD_CONFIG: path to the configuration file (used when --config is not given)
//   - Provider credentials are referenced from the config file via ${VAR}
//     expansion, e.g. api_key: ${ANTHROPIC_API_KEY}
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/herolabs/hero/internal/config"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() so tests can exercise the command tree.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "herod",
		Short: "herod - multi-participant conversation runtime",
		Long: `herod hosts sessions where humans and AI agents exchange structured
frames, run tools and commands behind permission rules, and stream live
turns over SSE. History is an append-only frame log that replays
deterministically.

Storage backends: Postgres, SQLite, in-memory
LLM providers: Anthropic, OpenAI`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildStatusCmd(),
		buildKeysCmd(),
		buildUsersCmd(),
		buildConfigCmd(),
	)

	return rootCmd
}

// resolveConfigPath returns the config file to use: the flag value when
// given, else HEROD_CONFIG, else empty meaning built-in defaults.
func resolveConfigPath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv("HEROD_CONFIG")); env != "" {
		return env
	}
	return ""
}

// loadConfig loads the file at path, or the built-in defaults when path
// is empty.
func loadConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
