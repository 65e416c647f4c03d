// Package migrations applies versioned schema changes to the relational store.
// Versions are semantic versions ("v1.0.0"); a database stamped with a newer
// major version than this binary knows is refused rather than silently used.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"golang.org/x/mod/semver"
)

// Migration represents a single database migration
type Migration struct {
	Version     string // semantic version, e.g. "v1.1.0"
	Description string
	Up          string // SQL to apply the migration
	Down        string // SQL to revert the migration
}

// Manager handles database migrations
type Manager struct {
	migrations []Migration
}

// NewManager creates a new migration manager
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a migration to the manager. It panics on an invalid version
// since migrations are registered from code at init time.
func (m *Manager) Register(migration Migration) {
	if !semver.IsValid(migration.Version) {
		panic(fmt.Sprintf("migrations: invalid version %q", migration.Version))
	}
	m.migrations = append(m.migrations, migration)
}

// sortMigrations sorts migrations by version
func (m *Manager) sortMigrations() {
	sort.Slice(m.migrations, func(i, j int) bool {
		return semver.Compare(m.migrations[i].Version, m.migrations[j].Version) < 0
	})
}

// Latest returns the newest registered version, or "" when none are registered
func (m *Manager) Latest() string {
	if len(m.migrations) == 0 {
		return ""
	}
	m.sortMigrations()
	return m.migrations[len(m.migrations)-1].Version
}

// Current returns the newest applied version, or "" for a fresh database
func Current(ctx context.Context, db *sql.DB) (string, error) {
	if err := createVersionTable(ctx, db); err != nil {
		return "", fmt.Errorf("failed to create version table: %w", err)
	}
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_version")
	if err != nil {
		return "", fmt.Errorf("failed to read schema versions: %w", err)
	}
	defer rows.Close()

	current := ""
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return "", err
		}
		if current == "" || semver.Compare(v, current) > 0 {
			current = v
		}
	}
	return current, rows.Err()
}

// Apply applies all pending migrations in version order
func (m *Manager) Apply(ctx context.Context, db *sql.DB) error {
	current, err := Current(ctx, db)
	if err != nil {
		return err
	}

	latest := m.Latest()
	if current != "" && latest != "" && semver.Compare(semver.Major(current), semver.Major(latest)) > 0 {
		return fmt.Errorf("database schema %s is newer than supported %s; upgrade bountyd", current, latest)
	}

	for _, migration := range m.migrations {
		if current != "" && semver.Compare(migration.Version, current) <= 0 {
			continue
		}
		if err := applyMigration(ctx, db, migration); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", migration.Version, err)
		}
	}
	return nil
}

// Rollback reverts the newest applied migration
func (m *Manager) Rollback(ctx context.Context, db *sql.DB) error {
	current, err := Current(ctx, db)
	if err != nil {
		return err
	}
	if current == "" {
		return fmt.Errorf("no migrations to rollback")
	}

	m.sortMigrations()
	for _, migration := range m.migrations {
		if migration.Version == current {
			if err := rollbackMigration(ctx, db, migration); err != nil {
				return fmt.Errorf("failed to rollback migration %s: %w", migration.Version, err)
			}
			return nil
		}
	}
	return fmt.Errorf("migration %s not found", current)
}

func createVersionTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version TEXT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)
	`)
	return err
}

func applyMigration(ctx context.Context, db *sql.DB, migration Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, migration.Up); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_version (version, description, applied_at) VALUES (?, ?, ?)",
		migration.Version, migration.Description, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}

func rollbackMigration(ctx context.Context, db *sql.DB, migration Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, migration.Down); err != nil {
		return fmt.Errorf("failed to execute rollback SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_version WHERE version = ?", migration.Version); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}
	return tx.Commit()
}
