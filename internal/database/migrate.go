package database

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver "pgx"
	"go.uber.org/multierr"
)

// Migrations locates a component's numbered migration files, for example
// 000001_init.up.sql, inside an embedded file system.
type Migrations struct {
	FS  fs.FS
	Dir string
	// Table records the applied version. Components sharing one database
	// need distinct tables.
	Table string
}

// MigrateSQLite applies pending migrations to db. The database stays open:
// it is shared with the store that owns the schema.
func MigrateSQLite(db *sql.DB, migrations Migrations) error {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{MigrationsTable: migrations.Table})
	if err != nil {
		return fmt.Errorf("create sqlite migration driver: %w", err)
	}
	// Closing the driver would close db, so it is left open.
	return up(migrations, "sqlite", driver)
}

// MigratePostgres applies pending migrations to the Postgres database at dsn
// over a dedicated connection that is closed before returning.
func MigratePostgres(dsn string, migrations Migrations) (err error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open database connection: %w", err)
	}
	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{MigrationsTable: migrations.Table})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("create postgres migration driver: %w", err)
	}
	defer func() {
		closeErr := multierr.Combine(driver.Close(), db.Close())
		if err == nil && closeErr != nil {
			err = fmt.Errorf("close migration connection: %w", closeErr)
		}
	}()
	return up(migrations, "pgx5", driver)
}

func up(migrations Migrations, name string, driver migratedb.Driver) error {
	src, err := iofs.New(migrations.FS, migrations.Dir)
	if err != nil {
		return fmt.Errorf("open migrations %s: %w", migrations.Dir, err)
	}
	m, err := migrate.NewWithInstance("iofs", src, name, driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations for %s: %w", migrations.Table, err)
	}
	return nil
}
