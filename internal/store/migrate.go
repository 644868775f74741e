package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/matheus3301/msgsync/internal/store/migrations"
)

// MigrateResult reports the cache schema version before and after Migrate.
type MigrateResult struct {
	Previous uint
	Version  uint
	Changed  bool
}

// Migrate brings the cache schema up to the newest embedded migration.
// A database left dirty by an interrupted migration is refused; the cache
// holds nothing that a backfill cannot rebuild, so the fix is to delete it.
func (db *DB) Migrate() (*MigrateResult, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("store: load migrations: %w", err)
	}

	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("store: migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("store: migration instance: %w", err)
	}

	previous, err := schemaVersion(m)
	if err != nil {
		return nil, err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return nil, fmt.Errorf("store: migrate cache from version %d: %w", previous, err)
	}

	version, err := schemaVersion(m)
	if err != nil {
		return nil, err
	}
	return &MigrateResult{
		Previous: previous,
		Version:  version,
		Changed:  version != previous,
	}, nil
}

// schemaVersion returns 0 for a database that has never been migrated.
func schemaVersion(m *migrate.Migrate) (uint, error) {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: read schema version: %w", err)
	}
	if dirty {
		return 0, fmt.Errorf("store: cache schema is dirty at version %d, remove the database to rebuild it", version)
	}
	return version, nil
}
