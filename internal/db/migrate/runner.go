// Package migrate applies the embedded schema migrations with golang-migrate.
package migrate

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"license-control-plane/backend/internal/db"
)

// ErrNoChange reports that the schema is already at the requested version.
var ErrNoChange = migrate.ErrNoChange

// Up applies all pending migrations. Returns ErrNoChange when the schema is
// already current.
func Up(dsn string) error {
	return run(dsn, func(m *migrate.Migrate) error { return m.Up() })
}

// Down rolls back every applied migration.
func Down(dsn string) error {
	return run(dsn, func(m *migrate.Migrate) error { return m.Down() })
}

func run(dsn string, step func(*migrate.Migrate) error) error {
	if dsn == "" {
		return errors.New("database DSN is empty")
	}
	src, err := iofs.New(db.MigrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	return step(m)
}
