package db

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenWithMigrations(t *testing.T) {
	t.Run("creates engine tables", func(t *testing.T) {
		db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		for _, table := range []string{
			"schema_migrations", "templates", "schedules", "runs", "jobs",
			"schedule_day_counters", "posts",
		} {
			var n int
			err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n)
			require.NoError(t, err)
			assert.Equal(t, 1, n, "table %s should exist after migrations", table)
		}
	})

	t.Run("is idempotent", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "twice.db")

		first, err := OpenWithMigrations(dbPath, nil)
		require.NoError(t, err)
		var applied int
		require.NoError(t, first.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&applied))
		first.Close()

		second, err := OpenWithMigrations(dbPath, nil)
		require.NoError(t, err)
		defer second.Close()

		var again int
		require.NoError(t, second.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&again))
		assert.Equal(t, applied, again)
	})

	t.Run("schedule trigger kinds are mutually exclusive", func(t *testing.T) {
		db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "check.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		now := "2026-01-01T00:00:00.000000Z"
		_, err = db.Exec(`INSERT INTO templates (id, user_id, board_ref, subject, body, created_at, updated_at)
			VALUES ('t1', 'u1', 'board', 's', 'b', ?, ?)`, now, now)
		require.NoError(t, err)

		_, err = db.Exec(`INSERT INTO schedules (id, user_id, template_id, cron_expr, interval_minutes,
			max_posts_per_day, created_at, updated_at) VALUES ('s1', 'u1', 't1', '* * * * *', 5, 1, ?, ?)`, now, now)
		assert.Error(t, err, "both cron and interval set")

		_, err = db.Exec(`INSERT INTO schedules (id, user_id, template_id,
			max_posts_per_day, created_at, updated_at) VALUES ('s2', 'u1', 't1', 1, ?, ?)`, now, now)
		assert.Error(t, err, "neither cron nor interval set")
	})

	t.Run("migration errors include stack traces", func(t *testing.T) {
		tmpDir := t.TempDir()
		dbPath := filepath.Join(tmpDir, "test.db")

		firstDB, err := Open(dbPath, nil)
		require.NoError(t, err)
		firstDB.Close()

		if os.Getuid() == 0 {
			t.Skip("root ignores directory permissions")
		}
		require.NoError(t, os.Chmod(tmpDir, 0555))
		defer os.Chmod(tmpDir, 0755)
		require.NoError(t, os.Chmod(dbPath, 0444))
		defer os.Chmod(dbPath, 0644)

		db, err := OpenWithMigrations(dbPath, nil)
		require.Error(t, err)
		assert.Nil(t, db)
		assert.Contains(t, fmt.Sprintf("%+v", err), "connection.go")
	})
}

func TestMigrationsStatus(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "status.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	before, err := Migrations(db)
	require.NoError(t, err)
	require.NotEmpty(t, before)
	assert.Equal(t, "000", before[0].Version)
	for _, m := range before {
		assert.False(t, m.Applied, m.File)
	}

	require.NoError(t, Migrate(db, nil))

	after, err := Migrations(db)
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for _, m := range after {
		assert.True(t, m.Applied, m.File)
	}
}
