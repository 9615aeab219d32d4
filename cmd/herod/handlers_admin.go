package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/herolabs/hero/internal/auth"
	"github.com/herolabs/hero/internal/config"
	"github.com/herolabs/hero/internal/store"
	"github.com/herolabs/hero/pkg/models"
)

// =============================================================================
// Keys Command Handlers
// =============================================================================

// runKeysMint creates an API key and prints the plaintext once.
func runKeysMint(cmd *cobra.Command, configPath, email, name string, ttl time.Duration) error {
	ctx := cmd.Context()
	cfg, st, err := openAdminStore(ctx, configPath)
	if err != nil {
		return err
	}
	defer st.Close()

	user, err := findUser(ctx, st, email)
	if err != nil {
		return err
	}

	svc := auth.NewService(authConfig(cfg), st, slog.Default())
	key, plaintext, err := svc.MintKey(ctx, user.ID, name, ttl)
	if err != nil {
		return fmt.Errorf("mint key: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "API key created for %s\n", user.Email)
	fmt.Fprintf(out, "  ID:     %s\n", key.ID)
	fmt.Fprintf(out, "  Prefix: %s\n", key.Prefix)
	if !key.ExpiresAt.IsZero() {
		fmt.Fprintf(out, "  Expires: %s\n", key.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  %s\n", plaintext)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Store this key now; it cannot be shown again.")
	return nil
}

// runKeysList prints a user's API keys.
func runKeysList(cmd *cobra.Command, configPath, email string) error {
	ctx := cmd.Context()
	_, st, err := openAdminStore(ctx, configPath)
	if err != nil {
		return err
	}
	defer st.Close()

	user, err := findUser(ctx, st, email)
	if err != nil {
		return err
	}

	keys, err := st.ListAPIKeys(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("list keys: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(keys) == 0 {
		fmt.Fprintf(out, "No API keys for %s.\n", user.Email)
		return nil
	}
	for _, key := range keys {
		name := key.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintf(out, "%s  %s  %s\n", key.ID, key.Prefix, name)
		fmt.Fprintf(out, "  created:   %s\n", key.CreatedAt.Format(time.RFC3339))
		fmt.Fprintf(out, "  last used: %s\n", formatKeyTime(key.LastUsedAt, "never"))
		fmt.Fprintf(out, "  expires:   %s\n", formatKeyTime(key.ExpiresAt, "never"))
	}
	return nil
}

// runKeysRevoke deletes an API key.
func runKeysRevoke(cmd *cobra.Command, configPath, email, keyID string) error {
	ctx := cmd.Context()
	_, st, err := openAdminStore(ctx, configPath)
	if err != nil {
		return err
	}
	defer st.Close()

	user, err := findUser(ctx, st, email)
	if err != nil {
		return err
	}

	if err := st.DeleteAPIKey(ctx, user.ID, keyID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no key %s for %s", keyID, user.Email)
		}
		return fmt.Errorf("revoke key: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Key %s revoked.\n", keyID)
	return nil
}

func formatKeyTime(t time.Time, zero string) string {
	if t.IsZero() {
		return zero
	}
	return t.Format(time.RFC3339)
}

// =============================================================================
// Users Command Handlers
// =============================================================================

// runUsersCreate creates an account and optionally sets its password.
func runUsersCreate(cmd *cobra.Command, configPath, email, displayName string, noPassword bool) error {
	ctx := cmd.Context()
	cfg, st, err := openAdminStore(ctx, configPath)
	if err != nil {
		return err
	}
	defer st.Close()

	user := &models.User{
		Email:       strings.ToLower(strings.TrimSpace(email)),
		DisplayName: strings.TrimSpace(displayName),
	}
	if err := st.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("an account with email %s already exists", user.Email)
		}
		return fmt.Errorf("create user: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "User created: %s (%s)\n", user.Email, user.ID)
	if noPassword {
		return nil
	}

	password, err := readNewPassword()
	if err != nil {
		return err
	}
	if password == "" {
		fmt.Fprintln(out, "No password set; the account can log in through magic links.")
		return nil
	}

	svc := auth.NewService(authConfig(cfg), st, slog.Default())
	if err := svc.SetPassword(ctx, user.ID, password); err != nil {
		return passwordError(err)
	}
	fmt.Fprintln(out, "Password set.")
	return nil
}

// runUsersSetPassword replaces an account's password.
func runUsersSetPassword(cmd *cobra.Command, configPath, email string) error {
	ctx := cmd.Context()
	cfg, st, err := openAdminStore(ctx, configPath)
	if err != nil {
		return err
	}
	defer st.Close()

	user, err := findUser(ctx, st, email)
	if err != nil {
		return err
	}

	password, err := readNewPassword()
	if err != nil {
		return err
	}
	if password == "" {
		return fmt.Errorf("password must not be empty")
	}

	svc := auth.NewService(authConfig(cfg), st, slog.Default())
	if err := svc.SetPassword(ctx, user.ID, password); err != nil {
		return passwordError(err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Password updated for %s.\n", user.Email)
	return nil
}

// readNewPassword prompts for a password twice and compares.
func readNewPassword() (string, error) {
	reader := bufio.NewReader(os.Stdin)
	password := promptPassword(reader, "Password")
	if password == "" {
		return "", nil
	}
	confirm := promptPassword(reader, "Confirm password")
	if password != confirm {
		return "", fmt.Errorf("passwords do not match")
	}
	return password, nil
}

// promptPassword prompts for a password without echoing input. Falls back
// to a plain line read when stdin is not a terminal.
func promptPassword(reader *bufio.Reader, label string) string {
	fmt.Printf("%s: ", label)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		text, err := term.ReadPassword(fd)
		fmt.Println()
		if err == nil {
			return strings.TrimSpace(string(text))
		}
	}
	text, err := reader.ReadString('\n')
	if err != nil {
		return ""
	}
	return strings.TrimSpace(text)
}

func passwordError(err error) error {
	if errors.Is(err, auth.ErrWeakPassword) {
		return fmt.Errorf("password must be at least %d characters", auth.MinPasswordLength)
	}
	return fmt.Errorf("set password: %w", err)
}

// =============================================================================
// Config Command Handlers
// =============================================================================

// runConfigSchema prints the configuration JSON schema.
func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return fmt.Errorf("generate schema: %w", err)
	}
	out := cmd.OutOrStdout()
	if _, err := out.Write(schema); err != nil {
		return err
	}
	fmt.Fprintln(out)
	return nil
}

// runConfigValidate loads and validates a configuration file.
func runConfigValidate(cmd *cobra.Command, configPath string) error {
	if strings.TrimSpace(configPath) == "" {
		return fmt.Errorf("a config file is required: pass --config or set HEROD_CONFIG")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s is valid.\n", configPath)
	fmt.Fprintf(out, "  listener: %s\n", cfg.Server.Addr())
	fmt.Fprintf(out, "  database: %s\n", cfg.Database.Driver)
	fmt.Fprintf(out, "  provider: %s\n", cfg.Providers.Default)
	return nil
}

// =============================================================================
// Shared Helpers
// =============================================================================

// openAdminStore loads the config and opens its store for offline
// administration. The memory driver is rejected: accounts created there
// would vanish with the process.
func openAdminStore(ctx context.Context, configPath string) (*config.Config, store.Store, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Database.Driver == "memory" {
		return nil, nil, fmt.Errorf("the memory driver holds no durable accounts; configure postgres or sqlite")
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return cfg, st, nil
}

// findUser resolves an email to an account with a friendly not-found error.
func findUser(ctx context.Context, st store.Store, email string) (*models.User, error) {
	user, err := st.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("no user with email %s", email)
		}
		return nil, fmt.Errorf("look up user: %w", err)
	}
	return user, nil
}

func authConfig(cfg *config.Config) auth.Config {
	return auth.Config{
		Secret:       cfg.Auth.Secret,
		MagicLinkTTL: cfg.Auth.MagicLinkTTL,
		SessionTTL:   cfg.Auth.SessionTTL,
	}
}
