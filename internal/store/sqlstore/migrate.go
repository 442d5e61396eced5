package sqlstore

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
)

//go:embed migrations
var migrationsFS embed.FS

// newMigrator builds a migrator over db. The returned release func frees
// what the migrator holds without closing db itself.
func newMigrator(db *sqlx.DB) (*migrate.Migrate, func(), error) {
	driver := db.DriverName()

	src, err := iofs.New(migrationsFS, "migrations/"+driver)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlstore: migration source: %w", err)
	}
	release := func() { _ = src.Close() }

	var target database.Driver
	switch driver {
	case DriverPostgres:
		ctx := context.Background()
		conn, cerr := db.Conn(ctx)
		if cerr != nil {
			release()
			return nil, nil, fmt.Errorf("sqlstore: migration connection: %w", cerr)
		}
		release = func() {
			_ = src.Close()
			_ = conn.Close()
		}
		target, err = postgres.WithConnection(ctx, conn, &postgres.Config{})
	case DriverSQLite:
		target, err = sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	default:
		err = fmt.Errorf("unsupported driver %q", driver)
	}
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("sqlstore: migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, driver, target)
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("sqlstore: migrator: %w", err)
	}
	return m, release, nil
}

// Migrate applies every pending up migration.
func Migrate(db *sqlx.DB) error {
	m, release, err := newMigrator(db)
	if err != nil {
		return err
	}
	defer release()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("sqlstore: migrate up: %w", err)
	}
	return nil
}

// MigrateDown rolls back steps migrations, or all of them when steps <= 0.
func MigrateDown(db *sqlx.DB, steps int) error {
	m, release, err := newMigrator(db)
	if err != nil {
		return err
	}
	defer release()

	if steps > 0 {
		err = m.Steps(-steps)
	} else {
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("sqlstore: migrate down: %w", err)
	}
	return nil
}

// Version reports the applied schema version.
func Version(db *sqlx.DB) (uint, bool, error) {
	m, release, err := newMigrator(db)
	if err != nil {
		return 0, false, err
	}
	defer release()

	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}
