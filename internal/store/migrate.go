package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFS embed.FS

// runMigrations applies every pending migration in migrations/<dir> using
// driver. ErrNoChange counts as success.
func runMigrations(dir, dbName string, driver database.Driver) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFS, "migrations/"+dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, dbName, driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Debug("runMigrations: no changes", "dir", dir)
			return m, nil
		}
		return m, fmt.Errorf("failed to run migrate up: %w", err)
	}
	version, dirty, _ := m.Version()
	slog.Info("runMigrations: database migrated", "dir", dir, "version", version, "dirty", dirty)
	return m, nil
}

// migrateSQLite runs the SQLite migrations on db. The migrate instance is not
// closed because closing it would close db.
func migrateSQLite(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite migration driver: %w", err)
	}
	_, err = runMigrations("sqlite", "sqlite3", driver)
	return err
}

// migratePostgres runs the PostgreSQL migrations over a dedicated connection
// handle, which is closed afterwards.
func migratePostgres(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create postgres migration driver: %w", err)
	}
	m, err := runMigrations("postgres", "postgres", driver)
	if m != nil {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			slog.Warn("migratePostgres: close failed", "sourceError", srcErr, "dbError", dbErr)
		}
	} else {
		driver.Close()
	}
	return err
}
