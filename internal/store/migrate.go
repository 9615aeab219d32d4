package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migration is one embedded schema migration, identified by the shared
// prefix of its .up.sql and .down.sql files.
type Migration struct {
	ID      string
	UpSQL   string
	DownSQL string
}

// AppliedMigration is a row in the schema_migrations bookkeeping table.
type AppliedMigration struct {
	ID        string
	AppliedAt time.Time
}

// Migrator applies the embedded schema migrations. The SQL targets
// Postgres; the SQLite store creates its own schema when opened.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
}

// NewMigrator loads the embedded migrations for the given database.
func NewMigrator(db *sql.DB) (*Migrator, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	migrations, err := loadMigrations()
	if err != nil {
		return nil, err
	}
	return &Migrator{db: db, migrations: migrations}, nil
}

// EnsureSchema creates the schema_migrations table if it is missing.
func (m *Migrator) EnsureSchema(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

// Up applies pending migrations in ID order, one transaction each. If
// steps <= 0 every pending migration runs. The IDs that were applied
// are returned even when a later migration fails.
func (m *Migrator) Up(ctx context.Context, steps int) ([]string, error) {
	if err := m.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(applied))
	for _, entry := range applied {
		done[entry.ID] = true
	}

	var ran []string
	for _, mg := range m.migrations {
		if done[mg.ID] {
			continue
		}
		if steps > 0 && len(ran) >= steps {
			break
		}
		if strings.TrimSpace(mg.UpSQL) == "" {
			return ran, fmt.Errorf("migration %s has no up script", mg.ID)
		}
		tx, err := m.db.BeginTx(ctx, nil)
		if err != nil {
			return ran, fmt.Errorf("begin migration %s: %w", mg.ID, err)
		}
		if _, err := tx.ExecContext(ctx, mg.UpSQL); err != nil {
			_ = tx.Rollback()
			return ran, fmt.Errorf("apply migration %s: %w", mg.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (id) VALUES ($1)`, mg.ID); err != nil {
			_ = tx.Rollback()
			return ran, fmt.Errorf("record migration %s: %w", mg.ID, err)
		}
		if err := tx.Commit(); err != nil {
			return ran, fmt.Errorf("commit migration %s: %w", mg.ID, err)
		}
		ran = append(ran, mg.ID)
	}
	return ran, nil
}

// Down rolls back the most recently applied migrations, newest first.
// If steps <= 0 a single migration is rolled back.
func (m *Migrator) Down(ctx context.Context, steps int) ([]string, error) {
	if steps <= 0 {
		steps = 1
	}
	if err := m.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	var rolled []string
	for i := len(applied) - 1; i >= 0 && len(rolled) < steps; i-- {
		mg, ok := m.byID(applied[i].ID)
		if !ok {
			return rolled, fmt.Errorf("migration %s is applied but not embedded", applied[i].ID)
		}
		if strings.TrimSpace(mg.DownSQL) == "" {
			return rolled, fmt.Errorf("migration %s has no down script", mg.ID)
		}
		tx, err := m.db.BeginTx(ctx, nil)
		if err != nil {
			return rolled, fmt.Errorf("begin rollback %s: %w", mg.ID, err)
		}
		if _, err := tx.ExecContext(ctx, mg.DownSQL); err != nil {
			_ = tx.Rollback()
			return rolled, fmt.Errorf("roll back migration %s: %w", mg.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE id = $1`, mg.ID); err != nil {
			_ = tx.Rollback()
			return rolled, fmt.Errorf("unrecord migration %s: %w", mg.ID, err)
		}
		if err := tx.Commit(); err != nil {
			return rolled, fmt.Errorf("commit rollback %s: %w", mg.ID, err)
		}
		rolled = append(rolled, mg.ID)
	}
	return rolled, nil
}

// Status reports which migrations have been applied and which are
// still pending.
func (m *Migrator) Status(ctx context.Context) ([]AppliedMigration, []Migration, error) {
	if err := m.EnsureSchema(ctx); err != nil {
		return nil, nil, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, nil, err
	}
	done := make(map[string]bool, len(applied))
	for _, entry := range applied {
		done[entry.ID] = true
	}
	pending := []Migration{}
	for _, mg := range m.migrations {
		if !done[mg.ID] {
			pending = append(pending, mg)
		}
	}
	return applied, pending, nil
}

// applied returns the schema_migrations rows in ID order. Migration
// IDs carry a zero-padded numeric prefix, so lexical order is apply
// order.
func (m *Migrator) applied(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT id, applied_at FROM schema_migrations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := []AppliedMigration{}
	for rows.Next() {
		var entry AppliedMigration
		if err := rows.Scan(&entry.ID, &entry.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied = append(applied, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schema_migrations: %w", err)
	}
	return applied, nil
}

func (m *Migrator) byID(id string) (Migration, bool) {
	for _, mg := range m.migrations {
		if mg.ID == id {
			return mg, true
		}
	}
	return Migration{}, false
}

func loadMigrations() ([]Migration, error) {
	paths, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byID := map[string]*Migration{}
	for _, path := range paths {
		base := strings.TrimPrefix(path, "migrations/")
		data, err := migrationsFS.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", path, err)
		}
		if id, ok := strings.CutSuffix(base, ".up.sql"); ok {
			entry(byID, id).UpSQL = string(data)
		} else if id, ok := strings.CutSuffix(base, ".down.sql"); ok {
			entry(byID, id).DownSQL = string(data)
		}
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	migrations := make([]Migration, 0, len(ids))
	for _, id := range ids {
		migrations = append(migrations, *byID[id])
	}
	return migrations, nil
}

func entry(byID map[string]*Migration, id string) *Migration {
	mg := byID[id]
	if mg == nil {
		mg = &Migration{ID: id}
		byID[id] = mg
	}
	return mg
}
