package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

var migrateLog = slog.With(slog.String("component", "db_migrate"))

// ErrDirtySchema means a migration failed halfway and needs fixing by hand.
var ErrDirtySchema = errors.New("schema is dirty")

// migrator is not closed by callers: closing it would close db as well.
func migrator(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("migrate instance: %w", err)
	}
	return m, nil
}

// step runs one migrate operation and reports where the schema ended up.
func step(db *sql.DB, op string, run func(*migrate.Migrate) error) error {
	m, err := migrator(db)
	if err != nil {
		return err
	}
	if err := run(m); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			migrateLog.Info("schema unchanged", slog.String("op", op))
			return nil
		}
		return fmt.Errorf("migrate %s: %w", op, err)
	}
	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		migrateLog.Info("schema empty", slog.String("op", op))
		return nil
	case err != nil:
		migrateLog.Warn("schema version unknown", slog.String("op", op), slog.Any("err", err))
		return nil
	case dirty:
		return fmt.Errorf("migrate %s: version %d: %w", op, version, ErrDirtySchema)
	}
	migrateLog.Info("schema migrated", slog.String("op", op), slog.Uint64("version", uint64(version)))
	return nil
}

// RunMigrations applies every pending migration from db/migrations, which
// are embedded in the binary as NNNNNN_name.up.sql / NNNNNN_name.down.sql
// pairs. Running it on an up-to-date schema is a no-op.
func RunMigrations(db *sql.DB) error {
	return step(db, "up", (*migrate.Migrate).Up)
}

// MigrateDown reverts the newest migration. It drops data.
func MigrateDown(db *sql.DB) error {
	return step(db, "down", func(m *migrate.Migrate) error { return m.Steps(-1) })
}

// GetMigrationVersion reports the applied version; 0 means none.
func GetMigrationVersion(db *sql.DB) (uint, bool, error) {
	m, err := migrator(db)
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("migration version: %w", err)
	}
	return v, dirty, nil
}
