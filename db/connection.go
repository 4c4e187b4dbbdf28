package db

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/sym"
)

// SQLiteBusyTimeoutMS is how long a writer waits for the database lock.
const SQLiteBusyTimeoutMS = 5000

// dsn builds a go-sqlite3 connection string. Options set in the DSN apply to
// every pooled connection, unlike PRAGMAs executed once after open.
// _txlock=immediate takes the write lock at BEGIN so concurrent dispatchers
// queue on busy_timeout instead of failing to upgrade a read lock.
func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_journal_mode=WAL&_foreign_keys=on&_busy_timeout=%d&_txlock=immediate",
		path, sep, SQLiteBusyTimeoutMS)
}

// Open opens a SQLite database at the specified path with WAL, foreign keys
// and a busy timeout enabled. If logger is provided, logs database operations.
func Open(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	if logger != nil {
		logger.Debugw("Opening database", "path", path, "symbol", sym.DB)
	}
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	// sql.Open is lazy; surface path and permission problems now
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to connect to database at %s", path)
	}

	if logger != nil {
		logger.Infow("Database opened successfully",
			"path", path,
			"symbol", sym.DB,
			"wal_mode", true,
			"foreign_keys", true,
		)
	}

	return db, nil
}

// OpenWithMigrations opens the database and applies pending migrations.
func OpenWithMigrations(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	db, err := Open(path, logger)
	if err != nil {
		return nil, errors.Wrap(err, "open")
	}

	if err := Migrate(db, logger); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to run migrations on %s", path)
	}

	return db, nil
}
