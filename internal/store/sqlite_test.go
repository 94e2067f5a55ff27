// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers file creation, reopening an existing database and legacy schema migration

package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	// Verify the database file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.UpsertPendingSubject(ctx, testSubject("AAAA", now)))
	_, err = s.ApproveSubject(ctx, "AAAA", now)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Schema creation and migrations must be idempotent
	s, err = NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetSubject(ctx, "AAAA")
	require.NoError(t, err)
	assert.Equal(t, SubjectStatusApproved, got.Status)
	require.NotNil(t, got.ApprovedAt)
	assert.True(t, now.Equal(*got.ApprovedAt))
}

func TestSQLiteStore_MigratesLegacySubjects(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "legacy.db")

	// A database created before approved_at existed
	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE subjects (
			fingerprint    TEXT PRIMARY KEY,
			handle         TEXT NOT NULL,
			email          TEXT NOT NULL,
			public_key     TEXT NOT NULL,
			pgp_verified   INTEGER NOT NULL DEFAULT 0,
			email_verified INTEGER NOT NULL DEFAULT 0,
			status         TEXT NOT NULL,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL
		);
		INSERT INTO subjects VALUES ('AAAA', 'alice', 'a@example.com', 'key', 1, 0, 'approved',
			'2025-01-01T00:00:00Z', '2025-01-01T00:00:00Z');
	`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetSubject(context.Background(), "AAAA")
	require.NoError(t, err)
	assert.Equal(t, SubjectStatusApproved, got.Status)
	assert.True(t, got.PGPVerified)
	assert.Nil(t, got.ApprovedAt)
}

func TestRebind(t *testing.T) {
	pg := &sqlStore{dialect: dialect{numberedParams: true}}
	lite := &sqlStore{dialect: dialect{}}

	query := `UPDATE t SET a = ? WHERE b = ? AND c = ?`
	assert.Equal(t, `UPDATE t SET a = $1 WHERE b = $2 AND c = $3`, pg.rebind(query))
	assert.Equal(t, query, lite.rebind(query))
}

func TestIsConstraintViolation(t *testing.T) {
	assert.False(t, isConstraintViolation(nil))
	assert.False(t, isConstraintViolation(assert.AnError))
	assert.True(t, isConstraintViolation(errors.New("constraint failed: UNIQUE constraint failed: email_tokens.token (2067)")))
}
