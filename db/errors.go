package db

import (
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/teranos/postpulse/errors"
)

// ErrDatabaseClosed is returned when operations are attempted on a closed database,
// typically while goroutines drain during shutdown.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed checks if an error indicates the database connection is closed.
// Falls back to message matching because the sql package returns its own
// unexported error for closed pools.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}

// IsUniqueViolation reports whether err is a SQLite UNIQUE or PRIMARY KEY constraint failure.
func IsUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
