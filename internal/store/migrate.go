package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
)

// migrationLockKey serializes concurrent migrators, e.g. two API replicas
// starting at the same time.
const migrationLockKey = 7_340_112

var migrationName = regexp.MustCompile(`^(\d+)_.+\.(up|down)\.sql$`)

// Migration is one versioned SQL file pair on disk.
type Migration struct {
	Version string // file name of the up script, recorded in schema_migrations
	Number  string
	Up      string
	Down    string
}

// ListMigrations reads migrationsDir and returns its migrations ordered by
// version. A version without an up script is an error.
func ListMigrations(migrationsDir string) ([]Migration, error) {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	byNumber := map[string]*Migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationName.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		m := byNumber[match[1]]
		if m == nil {
			m = &Migration{Number: match[1]}
			byNumber[match[1]] = m
		}
		path := filepath.Join(migrationsDir, entry.Name())
		if match[2] == "up" {
			if m.Up != "" {
				return nil, fmt.Errorf("migration %s has more than one up script", match[1])
			}
			m.Up = path
			m.Version = entry.Name()
		} else {
			if m.Down != "" {
				return nil, fmt.Errorf("migration %s has more than one down script", match[1])
			}
			m.Down = path
		}
	}

	migrations := make([]Migration, 0, len(byNumber))
	for _, m := range byNumber {
		if m.Up == "" {
			return nil, fmt.Errorf("migration %s has no up script", m.Number)
		}
		migrations = append(migrations, *m)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

// PendingMigrations returns the versions in migrationsDir not yet recorded in
// schema_migrations.
func PendingMigrations(ctx context.Context, db *sql.DB, migrationsDir string) ([]string, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}
	migrations, err := ListMigrations(migrationsDir)
	if err != nil {
		return nil, err
	}
	var pending []string
	for _, m := range migrations {
		migrated, err := isMigrated(ctx, db, m.Version)
		if err != nil {
			return nil, err
		}
		if !migrated {
			pending = append(pending, m.Version)
		}
	}
	return pending, nil
}

// ApplyMigrations runs every pending up script, oldest first, each in its own
// transaction holding the migration advisory lock. It returns the versions it
// applied.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string) ([]string, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}
	migrations, err := ListMigrations(migrationsDir)
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, m := range migrations {
		ok, err := applyMigration(ctx, db, m)
		if err != nil {
			return applied, err
		}
		if ok {
			applied = append(applied, m.Version)
		}
	}
	return applied, nil
}

func applyMigration(ctx context.Context, db *sql.DB, m Migration) (bool, error) {
	contents, err := os.ReadFile(m.Up)
	if err != nil {
		return false, fmt.Errorf("read migration %s: %w", m.Version, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin migration tx %s: %w", m.Version, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		return false, fmt.Errorf("lock migrations: %w", err)
	}
	// Another migrator may have applied it while we waited for the lock.
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, m.Version).Scan(&exists); err != nil {
		return false, fmt.Errorf("check migration %s: %w", m.Version, err)
	}
	if exists {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, string(contents)); err != nil {
		return false, fmt.Errorf("execute migration %s: %w", m.Version, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, m.Version); err != nil {
		return false, fmt.Errorf("record migration %s: %w", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit migration %s: %w", m.Version, err)
	}
	return true, nil
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
