package store

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsRoundTripPostgres(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("TASKBOARD_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TASKBOARD_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn, PoolOptions{MaxOpenConns: 2})
	require.NoError(t, err)
	defer db.Close()

	_, err = db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	require.NoError(t, err)

	applied, err := ApplyMigrations(ctx, db, migrationsDir)
	require.NoError(t, err, "apply up migrations (pass 1)")
	require.NotEmpty(t, applied)

	pending, err := PendingMigrations(ctx, db, migrationsDir)
	require.NoError(t, err)
	assert.Empty(t, pending)

	again, err := ApplyMigrations(ctx, db, migrationsDir)
	require.NoError(t, err)
	assert.Empty(t, again, "a second run applies nothing")

	for _, table := range []string{"users", "projects", "project_members", "sprints", "tasks", "task_comments", "task_attachments", "notifications"} {
		assert.True(t, tableExists(ctx, t, db, table), "table %s after up", table)
	}

	require.NoError(t, applyDownMigrations(ctx, db), "apply down migrations")
	assert.False(t, tableExists(ctx, t, db, "tasks"))

	_, err = db.ExecContext(ctx, `DELETE FROM schema_migrations`)
	require.NoError(t, err)

	reapplied, err := ApplyMigrations(ctx, db, migrationsDir)
	require.NoError(t, err, "apply up migrations (pass 2)")
	assert.Equal(t, applied, reapplied)
}

func tableExists(ctx context.Context, t *testing.T, db *sql.DB, table string) bool {
	t.Helper()
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT to_regclass('public.' || $1::text) IS NOT NULL`, table).Scan(&exists)
	require.NoError(t, err)
	return exists
}

func applyDownMigrations(ctx context.Context, db *sql.DB) error {
	migrations, err := ListMigrations(migrationsDir)
	if err != nil {
		return err
	}
	for i := len(migrations) - 1; i >= 0; i-- {
		contents, err := os.ReadFile(migrations[i].Down)
		if err != nil {
			return err
		}
		script := strings.TrimSpace(string(contents))
		if script == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, script); err != nil {
			return err
		}
	}
	return nil
}
