package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var migrationPattern = regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)

// Migration pairs the up and down files of one schema version.
type Migration struct {
	Version string
	Up      string
	Down    string
	Applied bool
}

// ListMigrations reads the migration files in dir ordered by version.
func ListMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	byVersion := map[string]*Migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationPattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		m := byVersion[match[1]]
		if m == nil {
			m = &Migration{Version: match[1]}
			byVersion[match[1]] = m
		}
		path := filepath.Join(dir, entry.Name())
		if match[2] == "up" {
			m.Up = path
		} else {
			m.Down = path
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" {
			return nil, fmt.Errorf("migration %s has no up file", m.Version)
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// MigrationStatus reports every migration in dir with its applied flag.
func MigrationStatus(ctx context.Context, db *sql.DB, dir string) ([]Migration, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}
	migrations, err := ListMigrations(dir)
	if err != nil {
		return nil, err
	}
	for i := range migrations {
		applied, err := isMigrated(ctx, db, filepath.Base(migrations[i].Up))
		if err != nil {
			return nil, err
		}
		migrations[i].Applied = applied
	}
	return migrations, nil
}

// ApplyMigrations runs every pending up file, one transaction per version.
// It returns the versions applied by this call.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string) ([]string, error) {
	migrations, err := MigrationStatus(ctx, db, migrationsDir)
	if err != nil {
		return nil, err
	}

	applied := make([]string, 0)
	for _, m := range migrations {
		if m.Applied {
			continue
		}
		name := filepath.Base(m.Up)
		if err := runMigrationFile(ctx, db, m.Up, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, name)
			return err
		}); err != nil {
			return applied, err
		}
		applied = append(applied, m.Version)
	}
	return applied, nil
}

// RollbackLast reverts the most recently applied version. It returns an empty
// version when nothing is applied.
func RollbackLast(ctx context.Context, db *sql.DB, migrationsDir string) (string, error) {
	migrations, err := MigrationStatus(ctx, db, migrationsDir)
	if err != nil {
		return "", err
	}
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		if !m.Applied {
			continue
		}
		if m.Down == "" {
			return "", fmt.Errorf("migration %s has no down file", m.Version)
		}
		name := filepath.Base(m.Up)
		if err := runMigrationFile(ctx, db, m.Down, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version=$1`, name)
			return err
		}); err != nil {
			return "", err
		}
		return m.Version, nil
	}
	return "", nil
}

func runMigrationFile(ctx context.Context, db *sql.DB, path string, record func(*sql.Tx) error) error {
	name := filepath.Base(path)
	contents, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", name, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx %s: %w", name, err)
	}

	if text := strings.TrimSpace(string(contents)); text != "" {
		if _, err := tx.ExecContext(ctx, text); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("execute migration %s: %w", name, err)
		}
	}

	if err := record(tx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %s: %w", name, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", name, err)
	}
	return nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func isMigrated(ctx context.Context, db *sql.DB, version string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return exists, nil
}
