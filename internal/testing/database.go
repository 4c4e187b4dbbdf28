package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/teranos/postpulse/db"
)

// CreateTestDB creates a migrated SQLite test database in t.TempDir().
// A file is used instead of :memory: because pooled connections to an
// in-memory database each see their own empty schema.
// Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	testDB, err := db.OpenWithMigrations(filepath.Join(t.TempDir(), "postpulse.db"), nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		testDB.Close()
	})

	return testDB
}
