package storage

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	// postgres driver registration for migrate
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrator is the part of *migrate.Migrate used here
type Migrator interface {
	Up() error
	Close() (error, error)
}

// MigrationEngine opens a migrator for a database URL
type MigrationEngine func(databaseURL string) (Migrator, error)

// DefaultEngine reads the embedded schema migrations
func DefaultEngine(databaseURL string) (Migrator, error) {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	return migrate.NewWithSourceInstance("iofs", src, databaseURL)
}

// Migrate applies every pending migration. No pending change is not an error.
func Migrate(databaseURL string, engine MigrationEngine) (err error) {
	if engine == nil {
		engine = DefaultEngine
	}
	m, err := engine(databaseURL)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() {
		serr, dberr := m.Close()
		if serr != nil {
			err = errors.Join(err, fmt.Errorf("migration source: %w", serr))
		}
		if dberr != nil {
			err = errors.Join(err, fmt.Errorf("migration database: %w", dberr))
		}
	}()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Debug().Msg("Schema up to date")
			return nil
		}
		return fmt.Errorf("migrate up: %w", err)
	}
	log.Info().Msg("Schema migrations applied")
	return nil
}
