package commands

import (
	"context"
	"database/sql"

	"github.com/teranos/postpulse/am"
	"github.com/teranos/postpulse/db"
	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/logger"
	"github.com/teranos/postpulse/platform"
	"github.com/teranos/postpulse/pulse/engine"
)

// openDatabase opens and migrates the configured database.
// If dbPath is empty, it loads from am config.
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		path, err := am.GetDatabasePath()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get database path")
		}
		dbPath = path
	}

	database, err := db.OpenWithMigrations(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}
	return database, nil
}

// newEngine builds an engine over the configured database and platform.
// The caller owns the returned database.
func newEngine(ctx context.Context, pulseCfg am.PulseConfig, configPath string) (*engine.Engine, *sql.DB, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, errors.Wrap(err, "invalid configuration")
	}

	database, err := openDatabase(cfg.GetDatabasePath())
	if err != nil {
		return nil, nil, err
	}

	e, err := engine.New(ctx, database, pulseCfg, engine.Options{
		Platform:   platform.NewHTTPClient(cfg.Platform, logger.Logger),
		Gate:       platform.NewSessionGate(cfg.Platform, logger.Logger),
		ConfigPath: configPath,
	}, logger.Logger)
	if err != nil {
		database.Close()
		return nil, nil, err
	}
	return e, database, nil
}

// withEngine runs fn against a dispatch-only engine: commands create runs and
// jobs, and the daemon started by "pulse start" executes them.
func withEngine(fn func(ctx context.Context, e *engine.Engine) error) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	pulseCfg := cfg.Pulse
	pulseCfg.Workers = 0
	pulseCfg.TickerIntervalSeconds = 0
	pulseCfg.WatchdogIntervalSeconds = 0

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e, database, err := newEngine(ctx, pulseCfg, "")
	if err != nil {
		return err
	}
	defer database.Close()

	return fn(ctx, e)
}
