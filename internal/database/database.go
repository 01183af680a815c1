// Package database opens the embedded SQLite database shared by the SQLite
// frontier store and dispatch queue, and applies schema migrations to it and
// to Postgres with golang-migrate.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Config controls the SQLite connection.
type Config struct {
	// Path is the database file, or ":memory:" for a private in-memory database.
	Path        string
	BusyTimeout time.Duration
}

// OpenSQLite opens the database with WAL journaling and a single connection.
// SQLite allows one writer at a time, so all statements share that connection.
func OpenSQLite(ctx context.Context, cfg Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	dsn := cfg.Path
	memory := cfg.Path == ":memory:"
	if !memory {
		dir := filepath.Dir(cfg.Path)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}
	pragmas := []string{
		fmt.Sprintf("_pragma=busy_timeout(%d)", busy.Milliseconds()),
		"_pragma=foreign_keys(1)",
	}
	if !memory {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)", "_pragma=synchronous(FULL)")
	}
	dsn = dsn + "?" + strings.Join(pragmas, "&")
	if memory {
		dsn = "file::memory:?" + strings.Join(pragmas, "&")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}
