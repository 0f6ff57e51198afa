package store

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
)

//go:embed migrations
var migrationFiles embed.FS

// Migrate applies all pending schema migrations for the database behind dsn.
// It uses its own connection, which is closed before returning.
func Migrate(dsn string) error {
	return withMigrator(dsn, func(m *migrate.Migrate) error {
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("apply migrations failed: %w", err)
		}
		version, dirty, verr := m.Version()
		if verr != nil && !errors.Is(verr, migrate.ErrNilVersion) {
			slog.Warn("store.Migrate: read version", "error", verr)
		}
		slog.Debug("store.Migrate: schema up to date", "version", version, "dirty", dirty)
		return nil
	})
}

// MigrateDown rolls back steps migrations.
func MigrateDown(dsn string, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	return withMigrator(dsn, func(m *migrate.Migrate) error {
		if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("roll back migrations failed: %w", err)
		}
		return nil
	})
}

// MigrationVersion returns the applied schema version. Version 0 means no
// migration has been applied.
func MigrationVersion(dsn string) (version uint, dirty bool, err error) {
	err = withMigrator(dsn, func(m *migrate.Migrate) error {
		var verr error
		version, dirty, verr = m.Version()
		if errors.Is(verr, migrate.ErrNilVersion) {
			return nil
		}
		return verr
	})
	return version, dirty, err
}

func withMigrator(dsn string, fn func(m *migrate.Migrate) error) error {
	driver := DetectDSNType(dsn)
	dir := "migrations/sqlite"
	if driver == DriverPostgres {
		dir = "migrations/postgres"
	}

	src, err := iofs.New(migrationFiles, dir)
	if err != nil {
		return fmt.Errorf("load embedded migrations failed: %w", err)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return fmt.Errorf("open database for migrations failed: %w", err)
	}

	var target database.Driver
	if driver == DriverPostgres {
		target, err = postgres.WithInstance(db.DB, &postgres.Config{})
	} else {
		target, err = sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	}
	if err != nil {
		db.Close()
		return fmt.Errorf("create migration driver failed: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, driver, target)
	if err != nil {
		db.Close()
		return fmt.Errorf("create migrator failed: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil || dbErr != nil {
			slog.Warn("store.withMigrator: close migrator", "source_error", srcErr, "database_error", dbErr)
		}
		db.Close()
	}()
	return fn(m)
}
