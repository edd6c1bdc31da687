package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// newMigrator builds a migrate instance over a dedicated connection; the
// database drivers close it on Close.
func newMigrator(dialect string, db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations/"+dialect)
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}

	var drv database.Driver
	switch dialect {
	case DriverSQLite:
		drv, err = sqlite.WithInstance(db, &sqlite.Config{})
	case DriverPostgres:
		drv, err = postgres.WithInstance(db, &postgres.Config{})
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownDriver, dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, dialect, drv)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

// runMigrations applies every pending migration. Already up to date is not
// an error.
func runMigrations(dialect string, db *sql.DB) error {
	m, err := newMigrator(dialect, db)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
