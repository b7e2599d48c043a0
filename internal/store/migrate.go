package store

import (
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationFiles embed.FS

func (s *PersistentStore) RunMigrations() error {
	dir := "migrations/sqlite"
	if s.dialect == "pgx" {
		dir = "migrations/postgres"
	}

	d, err := iofs.New(migrationFiles, dir)
	if err != nil {
		return err
	}

	var driver database.Driver
	if s.dialect == "pgx" {
		driver, err = migratepgx.WithInstance(s.db, &migratepgx.Config{})
	} else {
		// This driver works with modernc.org/sqlite
		driver, err = sqlite.WithInstance(s.db, &sqlite.Config{})
	}
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", d, s.dialect, driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}
