package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/herolabs/hero/internal/config"
	"github.com/herolabs/hero/internal/store"
)

// runMigrateUp applies pending migrations. Only the postgres driver has
// server-managed migrations; sqlite creates its schema on open.
func runMigrateUp(cmd *cobra.Command, configPath string, steps int) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if done, err := reportSchemaManaged(cmd, cfg, true); done {
		return err
	}

	slog.Info("running database migrations", "config", configPath, "steps", steps)

	db, err := openMigrationDB(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	migrator, err := store.NewMigrator(db)
	if err != nil {
		return fmt.Errorf("initialize migrator: %w", err)
	}

	applied, err := migrator.Up(cmd.Context(), steps)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		slog.Info("no pending migrations")
		return nil
	}
	for _, id := range applied {
		slog.Info("applied migration", "id", id)
	}
	return nil
}

// runMigrateDown rolls back the newest applied migrations.
func runMigrateDown(cmd *cobra.Command, configPath string, steps int) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if done, err := reportSchemaManaged(cmd, cfg, false); done {
		return err
	}

	slog.Warn("rolling back migrations", "config", configPath, "steps", steps)

	db, err := openMigrationDB(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	migrator, err := store.NewMigrator(db)
	if err != nil {
		return fmt.Errorf("initialize migrator: %w", err)
	}

	rolled, err := migrator.Down(cmd.Context(), steps)
	if err != nil {
		return err
	}
	if len(rolled) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No migrations to roll back.")
		return nil
	}
	for _, id := range rolled {
		slog.Info("rolled back migration", "id", id)
	}
	return nil
}

// runMigrateStatus prints applied and pending migrations.
func runMigrateStatus(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if done, err := reportSchemaManaged(cmd, cfg, false); done {
		return err
	}

	db, err := openMigrationDB(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	migrator, err := store.NewMigrator(db)
	if err != nil {
		return fmt.Errorf("initialize migrator: %w", err)
	}

	applied, pending, err := migrator.Status(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Migration Status")
	fmt.Fprintln(out, "================")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Applied migrations:")
	if len(applied) == 0 {
		fmt.Fprintln(out, "  (none)")
	} else {
		for _, entry := range applied {
			fmt.Fprintf(out, "  - %s (%s)\n", entry.ID, entry.AppliedAt.Format(time.RFC3339))
		}
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Pending migrations:")
	if len(pending) == 0 {
		fmt.Fprintln(out, "  (none)")
	} else {
		for _, entry := range pending {
			fmt.Fprintf(out, "  - %s\n", entry.ID)
		}
	}
	fmt.Fprintln(out)

	return nil
}

// reportSchemaManaged short-circuits the migrate commands for drivers
// whose schema the server manages itself. ensure opens the sqlite store
// so "migrate up" still leaves a usable database behind; status and down
// must not create files.
func reportSchemaManaged(cmd *cobra.Command, cfg *config.Config, ensure bool) (bool, error) {
	switch cfg.Database.Driver {
	case "postgres":
		return false, nil
	case "sqlite":
		if ensure {
			st, err := store.NewSQLiteStore(store.SQLiteConfig{Path: cfg.Database.Path})
			if err != nil {
				return true, fmt.Errorf("open sqlite database: %w", err)
			}
			st.Close()
		}
		fmt.Fprintln(cmd.OutOrStdout(), "sqlite schema is created on open; nothing to migrate.")
		return true, nil
	case "memory":
		fmt.Fprintln(cmd.OutOrStdout(), "memory store has no schema; nothing to migrate.")
		return true, nil
	default:
		return true, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

// openMigrationDB opens the postgres handle the migrator runs against.
func openMigrationDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.Database.URL) == "" {
		return nil, fmt.Errorf("database.url is required")
	}
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}
