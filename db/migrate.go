package db

import (
	"context"
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/sym"
)

//go:embed sqlite/migrations/*.sql
var migrations embed.FS

const migrationsDir = "sqlite/migrations"

// Migration is one embedded schema file. Version is the numeric filename prefix.
type Migration struct {
	Version string
	File    string
	Applied bool
}

// Migrations lists every embedded migration in order and marks the ones
// recorded in schema_migrations. On a fresh database nothing is applied.
func Migrations(db *sql.DB) ([]Migration, error) {
	entries, err := migrations.ReadDir(migrationsDir)
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}

	var list []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		list = append(list, Migration{
			Version: strings.SplitN(entry.Name(), "_", 2)[0],
			File:    entry.Name(),
		})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].File < list[j].File })

	applied, err := appliedVersions(db)
	if err != nil {
		return nil, err
	}
	for i := range list {
		list[i].Applied = applied[list[i].Version]
	}
	return list, nil
}

// appliedVersions returns the recorded versions, or an empty set when the
// bookkeeping table does not exist yet.
func appliedVersions(db *sql.DB) (map[string]bool, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'`).Scan(&n)
	if err != nil {
		return nil, errors.Wrap(err, "inspect schema")
	}
	applied := map[string]bool{}
	if n == 0 {
		return applied, nil
	}

	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, errors.Wrap(err, "read schema_migrations")
	}
	defer rows.Close()
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(err, "scan schema_migrations")
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// Migrate applies every pending migration, each in its own transaction.
// logger may be nil.
func Migrate(db *sql.DB, logger *zap.SugaredLogger) error {
	list, err := Migrations(db)
	if err != nil {
		return err
	}

	ctx := context.Background()
	applied := 0
	for _, m := range list {
		if m.Applied {
			continue
		}
		body, err := migrations.ReadFile(path.Join(migrationsDir, m.File))
		if err != nil {
			return errors.Wrapf(err, "read %s", m.File)
		}
		if logger != nil {
			logger.Infow("Applying migration", "migration", m.File, "version", m.Version)
		}

		err = WithTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(body)); err != nil {
				return errors.Wrapf(err, "execute %s", m.File)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, m.Version); err != nil {
				return errors.Wrapf(err, "record %s", m.File)
			}
			return nil
		})
		if err != nil {
			return err
		}
		applied++
	}

	if logger != nil && applied > 0 {
		logger.Infow("Migrations complete",
			"symbol", sym.DB,
			"total_migrations", len(list),
			"applied", applied,
		)
	}
	return nil
}
