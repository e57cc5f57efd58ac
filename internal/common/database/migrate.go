package database

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Migrate applies all pending schema migrations from the given filesystem.
// The migrations live under dir inside fsys (SQL files named NNN_name.up.sql).
func Migrate(fsys fs.FS, dir, databaseURL string, logger *slog.Logger) error {
	source, err := iofs.New(fsys, dir)
	if err != nil {
		return fmt.Errorf("loading migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("database schema up to date")
			return nil
		}
		return fmt.Errorf("applying migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		return fmt.Errorf("reading migration version: %w", err)
	}

	logger.Info("database migrations applied", "version", version, "dirty", dirty)
	return nil
}
