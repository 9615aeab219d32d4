package main

import (
	"time"

	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the serve command that runs the daemon.
func buildServeCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the herod server",
		Long: `Start the conversation runtime: the frame store, the turn pipeline,
the permission broker and the HTTP/SSE front.

Without --config the server runs on built-in defaults: an in-memory
store on 127.0.0.1:8420 with no providers configured.`,
		Example: `  # Run with defaults (in-memory store)
  herod serve

  # Run with a config file
  herod serve --config herod.yaml

  # Run with debug logging
  herod serve --config herod.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

// =============================================================================
// Migrate Commands
// =============================================================================

// buildMigrateCmd creates the migrate command group.
func buildMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database schema migrations",
		Long: `Apply, roll back and inspect the embedded schema migrations.

Migrations target the postgres driver. The sqlite backend creates its
schema when the database file is opened, and the memory backend has no
schema at all; for those drivers these commands only report.`,
	}

	cmd.AddCommand(
		buildMigrateUpCmd(),
		buildMigrateDownCmd(),
		buildMigrateStatusCmd(),
	)

	return cmd
}

func buildMigrateUpCmd() *cobra.Command {
	var configPath string
	var steps int

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateUp(cmd, resolveConfigPath(configPath), steps)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().IntVarP(&steps, "steps", "n", 0, "Number of migrations to apply (0 = all)")

	return cmd
}

func buildMigrateDownCmd() *cobra.Command {
	var configPath string
	var steps int

	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back applied migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateDown(cmd, resolveConfigPath(configPath), steps)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().IntVarP(&steps, "steps", "n", 1, "Number of migrations to roll back")

	return cmd
}

func buildMigrateStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateStatus(cmd, resolveConfigPath(configPath))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	return cmd
}

// =============================================================================
// Status Command
// =============================================================================

// buildStatusCmd creates the status command that queries a running server.
func buildStatusCmd() *cobra.Command {
	var configPath string
	var serverAddr string
	var jsonOutput bool
	var token string
	var apiKey string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running herod server",
		Example: `  # Query the server named in the config file
  herod status --config herod.yaml

  # Query an explicit address
  herod status --server localhost:8420

  # Machine-readable output
  herod status --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, resolveConfigPath(configPath), serverAddr, jsonOutput, token, apiKey)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().StringVar(&serverAddr, "server", "", "Server address (host:port or URL); overrides the config file")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output status as JSON")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token sent with the request")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key sent with the request")

	return cmd
}

// =============================================================================
// Keys Commands
// =============================================================================

// buildKeysCmd creates the keys command group for API key administration.
// These commands work directly against the database, not a running server.
func buildKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
		Long: `Mint, list and revoke hero_ API keys.

Keys are stored as SHA-256 digests; the plaintext is printed once at
mint time and cannot be recovered afterwards.`,
	}

	cmd.AddCommand(
		buildKeysMintCmd(),
		buildKeysListCmd(),
		buildKeysRevokeCmd(),
	)

	return cmd
}

func buildKeysMintCmd() *cobra.Command {
	var configPath string
	var email string
	var name string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Create an API key for a user",
		Example: `  herod keys mint --email ops@example.com --name ci
  herod keys mint --email ops@example.com --name temp --ttl 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeysMint(cmd, resolveConfigPath(configPath), email, name, ttl)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().StringVar(&email, "email", "", "Email of the key owner")
	cmd.Flags().StringVar(&name, "name", "", "Display name for the key")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Key lifetime (0 = never expires)")
	if err := cmd.MarkFlagRequired("email"); err != nil {
		panic(err)
	}

	return cmd
}

func buildKeysListCmd() *cobra.Command {
	var configPath string
	var email string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeysList(cmd, resolveConfigPath(configPath), email)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().StringVar(&email, "email", "", "Email of the key owner")
	if err := cmd.MarkFlagRequired("email"); err != nil {
		panic(err)
	}

	return cmd
}

func buildKeysRevokeCmd() *cobra.Command {
	var configPath string
	var email string

	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeysRevoke(cmd, resolveConfigPath(configPath), email, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().StringVar(&email, "email", "", "Email of the key owner")
	if err := cmd.MarkFlagRequired("email"); err != nil {
		panic(err)
	}

	return cmd
}

// =============================================================================
// Users Commands
// =============================================================================

// buildUsersCmd creates the users command group for account administration.
func buildUsersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage user accounts",
	}

	cmd.AddCommand(
		buildUsersCreateCmd(),
		buildUsersSetPasswordCmd(),
	)

	return cmd
}

func buildUsersCreateCmd() *cobra.Command {
	var configPath string
	var email string
	var displayName string
	var noPassword bool

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user account",
		Long: `Create a user account and optionally set a password.

The password is prompted without echo. An account without a password
can still log in through magic links.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUsersCreate(cmd, resolveConfigPath(configPath), email, displayName, noPassword)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().StringVar(&email, "email", "", "Email address for the account")
	cmd.Flags().StringVar(&displayName, "name", "", "Display name")
	cmd.Flags().BoolVar(&noPassword, "no-password", false, "Skip the password prompt")
	if err := cmd.MarkFlagRequired("email"); err != nil {
		panic(err)
	}

	return cmd
}

func buildUsersSetPasswordCmd() *cobra.Command {
	var configPath string
	var email string

	cmd := &cobra.Command{
		Use:   "set-password",
		Short: "Set or replace a user's password",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUsersSetPassword(cmd, resolveConfigPath(configPath), email)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().StringVar(&email, "email", "", "Email address of the account")
	if err := cmd.MarkFlagRequired("email"); err != nil {
		panic(err)
	}

	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

// buildConfigCmd creates the config command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}

	cmd.AddCommand(
		buildConfigSchemaCmd(),
		buildConfigValidateCmd(),
	)

	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON schema",
		Long: `Print a JSON Schema describing the herod configuration file,
suitable for editor validation and completion.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}

	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, resolveConfigPath(configPath))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	return cmd
}
