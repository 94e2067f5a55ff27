// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides subject and challenge persistence with automatic schema creation

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	*sqlStore
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite has a single writer; one connection keeps conditional updates serialized
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		sqlStore: &sqlStore{
			db:     db,
			logger: logger,
			dialect: dialect{
				name:              "sqlite",
				isUniqueViolation: isConstraintViolation,
			},
		},
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS subjects (
			fingerprint    TEXT PRIMARY KEY,
			handle         TEXT NOT NULL,
			email          TEXT NOT NULL,
			public_key     TEXT NOT NULL,
			pgp_verified   INTEGER NOT NULL DEFAULT 0,
			email_verified INTEGER NOT NULL DEFAULT 0,
			status         TEXT NOT NULL,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL,

			CHECK (status IN ('pending', 'approved'))
		);

		CREATE INDEX IF NOT EXISTS idx_subjects_status ON subjects(status, created_at);

		-- One live challenge per (kind, scope); id tells issuances apart
		CREATE TABLE IF NOT EXISTS challenges (
			kind        TEXT NOT NULL,
			scope       TEXT NOT NULL,
			id          TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			code        TEXT NOT NULL,
			issued_ms   INTEGER NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0,

			PRIMARY KEY (kind, scope),
			CHECK (kind IN ('registration', 'signin'))
		);

		CREATE INDEX IF NOT EXISTS idx_challenges_issued ON challenges(issued_ms);

		CREATE TABLE IF NOT EXISTS bans (
			scope    TEXT PRIMARY KEY,
			until_ms INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_bans_until ON bans(until_ms);

		CREATE TABLE IF NOT EXISTS email_tokens (
			token       TEXT PRIMARY KEY,
			fingerprint TEXT NOT NULL UNIQUE,
			created_ms  INTEGER NOT NULL,
			expires_ms  INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_email_tokens_expires ON email_tokens(expires_ms);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "subjects",
			column: "approved_at",
			apply:  `ALTER TABLE subjects ADD COLUMN approved_at TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}
