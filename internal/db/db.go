// Package db provides database connection management and schema migrations.
package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	"github.com/vetpulse/vetsync/internal/db/migrations"

	// Import SQLite driver for database/sql
	_ "modernc.org/sqlite"
)

// DB wraps sqlx.DB with vetsync-specific configuration.
type DB struct {
	*sqlx.DB
	path string
}

// Open opens the SQLite database at path and applies pending migrations.
// The database is opened with:
// - WAL journal mode
// - Foreign key constraints enabled
// - A busy timeout so the CLI and daemon can share the file
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve database path: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		filepath.ToSlash(absPath))

	conn, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	d := &DB{DB: conn, path: absPath}
	if err := d.Migrate(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return d, nil
}

// Path returns the absolute database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}

func (db *DB) migrator() (*migrate.Migrate, func(), error) {
	driver, err := sqlite.WithInstance(db.DB.DB, &sqlite.Config{})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialise migrate driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrations.Files, ".")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load embedded migrations: %w", err)
	}
	cleanup := func() { _ = sourceDriver.Close() }

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	// m.Close is not called: it would close the shared *sql.DB.
	return m, cleanup, nil
}

// Migrate applies all pending up migrations.
func (db *DB) Migrate() error {
	m, cleanup, err := db.migrator()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// MigrationVersion returns the applied schema version and whether it is dirty.
func (db *DB) MigrationVersion() (uint, bool, error) {
	m, cleanup, err := db.migrator()
	if err != nil {
		return 0, false, err
	}
	defer cleanup()

	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

// WithTx runs fn inside a transaction, committing on nil and rolling back otherwise.
// fn must only use tx: the pool holds a single connection.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback error: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Blob returns b, or an empty non-nil slice so NOT NULL blob columns accept it.
func Blob(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
