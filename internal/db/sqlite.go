// Package db implements the SQLite persistence layer of the ladder bot: a
// serialized connection wrapper and the battle history store built on it.
package db

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/energizer-project/ladderbot/internal/util"
)

// pragmas applied to every new connection. WAL lets the API read while the
// session writes.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=ON",
}

// Database wraps a SQLite handle. Writes are serialized; reads go straight
// to the pool.
type Database struct {
	mu     sync.Mutex
	db     *sql.DB
	path   string
	logger zerolog.Logger
}

// NewDatabase opens or creates a SQLite database at the given path.
func NewDatabase(dbPath string) (*Database, error) {
	if err := util.EnsureDir(filepath.Dir(dbPath)); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	handle, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", dbPath, err)
	}
	handle.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes
	handle.SetMaxIdleConns(1)

	d := &Database{db: handle, path: dbPath, logger: util.ComponentLogger("db")}
	for _, p := range pragmas {
		if _, err := handle.Exec(p); err != nil {
			d.logger.Warn().Err(err).Str("pragma", p).Msg("failed to apply pragma")
		}
	}

	if err := handle.Ping(); err != nil {
		handle.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	d.logger.Info().Str("path", dbPath).Msg("database opened")
	return d, nil
}

// Migrate brings the schema up to len(steps). The applied count is kept in
// PRAGMA user_version, so each step runs exactly once over the file's life.
func (d *Database) Migrate(steps []string) error {
	current, err := d.UserVersion()
	if err != nil {
		return err
	}
	if current > len(steps) {
		return fmt.Errorf("database %s is at schema version %d, newer than this build (%d)", d.path, current, len(steps))
	}

	for v := current; v < len(steps); v++ {
		err := d.Transaction(func(tx *sql.Tx) error {
			if _, err := tx.Exec(steps[v]); err != nil {
				return err
			}
			// PRAGMA does not accept bind parameters.
			_, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", v+1))
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d failed: %w", v+1, err)
		}
		d.logger.Info().Int("version", v+1).Msg("schema migrated")
	}
	return nil
}

// UserVersion returns the schema version stored in the file.
func (d *Database) UserVersion() (int, error) {
	var v int
	if err := d.db.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// Path returns the database file path.
func (d *Database) Path() string {
	return d.path
}

// Exec executes a query without returning rows (INSERT, UPDATE, DELETE).
func (d *Database) Exec(query string, args ...interface{}) (sql.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.Exec(query, args...)
}

// Query executes a query that returns rows (SELECT).
func (d *Database) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return d.db.Query(query, args...)
}

// QueryRow executes a query that returns a single row.
func (d *Database) QueryRow(query string, args ...interface{}) *sql.Row {
	return d.db.QueryRow(query, args...)
}

// Transaction runs fn in a transaction, rolling back if it returns an error.
func (d *Database) Transaction(fn func(tx *sql.Tx) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
