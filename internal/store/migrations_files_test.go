package store

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var migrationsDir = filepath.Join("..", "..", "db", "migrations")

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	migrations, err := ListMigrations(migrationsDir)
	require.NoError(t, err)
	require.NotEmpty(t, migrations, "no migrations discovered")

	for _, m := range migrations {
		assert.NotEmpty(t, m.Down, "version %s must include a down file", m.Number)
	}
	for i := 1; i < len(migrations); i++ {
		assert.Less(t, migrations[i-1].Version, migrations[i].Version)
	}
}

func TestDownMigrationsDropEveryTable(t *testing.T) {
	created := regexp.MustCompile(`(?i)CREATE TABLE (?:IF NOT EXISTS )?(\w+)`)
	dropped := regexp.MustCompile(`(?i)DROP TABLE (?:IF EXISTS )?(\w+)`)

	migrations, err := ListMigrations(migrationsDir)
	require.NoError(t, err)
	for _, m := range migrations {
		up, err := os.ReadFile(m.Up)
		require.NoError(t, err)
		down, err := os.ReadFile(m.Down)
		require.NoError(t, err)

		drops := map[string]bool{}
		for _, match := range dropped.FindAllStringSubmatch(string(down), -1) {
			drops[match[1]] = true
		}
		for _, match := range created.FindAllStringSubmatch(string(up), -1) {
			assert.True(t, drops[match[1]], "%s creates %s but %s does not drop it", filepath.Base(m.Up), match[1], filepath.Base(m.Down))
		}
	}
}

func TestListMigrationsRejectsMissingUp(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0001_init.up.sql"), []byte("SELECT 1;"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0001_init.down.sql"), []byte("SELECT 1;"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0002_labels.down.sql"), []byte("SELECT 1;"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("notes"), 0o644))

	_, err := ListMigrations(dir)
	assert.ErrorContains(t, err, "0002 has no up script")
}
