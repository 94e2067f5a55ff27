// ABOUTME: database/sql implementation of Store shared by the SQLite and Postgres backends
// ABOUTME: Queries are written with ? placeholders and rebound per dialect

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

const defaultListLimit = 100

// dialect captures the differences between SQL backends.
type dialect struct {
	name              string
	numberedParams    bool
	isUniqueViolation func(error) bool
}

// sqlStore holds the queries common to every SQL backend.
type sqlStore struct {
	db      *sql.DB
	logger  *slog.Logger
	dialect dialect
}

// rebind converts ? placeholders to $1, $2, ... when the dialect needs it.
func (s *sqlStore) rebind(query string) string {
	if !s.dialect.numberedParams {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// Ping checks that the database is reachable
func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *sqlStore) Close() error {
	s.logger.Info("closing store", "dialect", s.dialect.name)
	return s.db.Close()
}

const subjectColumns = `fingerprint, handle, email, public_key, pgp_verified, email_verified,
	status, created_at, updated_at, approved_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubject(row rowScanner) (*Subject, error) {
	var subj Subject
	var status, createdAt, updatedAt string
	var approvedAt sql.NullString

	err := row.Scan(
		&subj.Fingerprint,
		&subj.Handle,
		&subj.Email,
		&subj.PublicKey,
		&subj.PGPVerified,
		&subj.EmailVerified,
		&status,
		&createdAt,
		&updatedAt,
		&approvedAt,
	)
	if err != nil {
		return nil, err
	}
	subj.Status = SubjectStatus(status)

	if subj.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if subj.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if approvedAt.Valid {
		t, err := time.Parse(time.RFC3339, approvedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing approved_at: %w", err)
		}
		subj.ApprovedAt = &t
	}
	return &subj, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// UpsertPendingSubject inserts or refreshes a pending subject.
// Returns ErrSubjectApproved if the fingerprint is already approved.
func (s *sqlStore) UpsertPendingSubject(ctx context.Context, subj *Subject) error {
	query := `
		INSERT INTO subjects (fingerprint, handle, email, public_key, pgp_verified, email_verified,
			status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, ?)
		ON CONFLICT (fingerprint) DO UPDATE SET
			handle = excluded.handle,
			email = excluded.email,
			public_key = excluded.public_key,
			pgp_verified = excluded.pgp_verified,
			email_verified = excluded.email_verified,
			updated_at = excluded.updated_at
		WHERE subjects.status = 'pending'
	`

	result, err := s.exec(ctx, query,
		subj.Fingerprint,
		subj.Handle,
		subj.Email,
		subj.PublicKey,
		subj.PGPVerified,
		subj.EmailVerified,
		formatTime(subj.CreatedAt),
		formatTime(subj.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting subject: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrSubjectApproved
	}

	s.logger.Debug("upserted pending subject", "fingerprint", subj.Fingerprint, "handle", subj.Handle)
	return nil
}

// GetSubject retrieves a subject by fingerprint.
// Returns ErrNotFound if the subject doesn't exist.
func (s *sqlStore) GetSubject(ctx context.Context, fingerprint string) (*Subject, error) {
	query := `SELECT ` + subjectColumns + ` FROM subjects WHERE fingerprint = ?`

	subj, err := scanSubject(s.queryRow(ctx, query, fingerprint))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying subject: %w", err)
	}
	return subj, nil
}

// ApproveSubject moves a subject to approved. Re-approving keeps the first
// approval time.
func (s *sqlStore) ApproveSubject(ctx context.Context, fingerprint string, at time.Time) (*Subject, error) {
	query := `
		UPDATE subjects SET
			status = 'approved',
			approved_at = COALESCE(approved_at, ?),
			updated_at = CASE WHEN status = 'approved' THEN updated_at ELSE ? END
		WHERE fingerprint = ?
		RETURNING ` + subjectColumns

	ts := formatTime(at)
	subj, err := scanSubject(s.queryRow(ctx, query, ts, ts, fingerprint))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("approving subject: %w", err)
	}

	s.logger.Info("approved subject", "fingerprint", fingerprint)
	return subj, nil
}

// SetPGPVerified records that the subject proved possession of its key
func (s *sqlStore) SetPGPVerified(ctx context.Context, fingerprint string, at time.Time) error {
	return s.setFlag(ctx, "pgp_verified", fingerprint, at)
}

// SetEmailVerified records that the subject redeemed an e-mail link
func (s *sqlStore) SetEmailVerified(ctx context.Context, fingerprint string, at time.Time) error {
	return s.setFlag(ctx, "email_verified", fingerprint, at)
}

// setFlag sets a boolean subject column. column is never user input.
func (s *sqlStore) setFlag(ctx context.Context, column, fingerprint string, at time.Time) error {
	query := `UPDATE subjects SET ` + column + ` = ?, updated_at = ? WHERE fingerprint = ?`

	result, err := s.exec(ctx, query, true, formatTime(at), fingerprint)
	if err != nil {
		return fmt.Errorf("setting %s: %w", column, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSubjects returns subjects with the given status, oldest first
func (s *sqlStore) ListSubjects(ctx context.Context, status SubjectStatus, limit int) ([]*Subject, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `SELECT ` + subjectColumns + ` FROM subjects
		WHERE status = ?
		ORDER BY created_at ASC, fingerprint ASC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("querying subjects: %w", err)
	}
	defer rows.Close()

	var subjects []*Subject
	for rows.Next() {
		subj, err := scanSubject(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning subject: %w", err)
		}
		subjects = append(subjects, subj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating subjects: %w", err)
	}
	return subjects, nil
}

// PutChallenge upserts the challenge for (kind, scope), resetting attempts
func (s *sqlStore) PutChallenge(ctx context.Context, c *Challenge) error {
	query := `
		INSERT INTO challenges (kind, scope, id, fingerprint, code, issued_ms, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (kind, scope) DO UPDATE SET
			id = excluded.id,
			fingerprint = excluded.fingerprint,
			code = excluded.code,
			issued_ms = excluded.issued_ms,
			attempts = excluded.attempts
	`

	_, err := s.exec(ctx, query,
		string(c.Kind),
		c.Scope,
		c.ID,
		c.Fingerprint,
		c.Code,
		c.IssuedAt.UnixMilli(),
		c.Attempts,
	)
	if err != nil {
		return fmt.Errorf("upserting challenge: %w", err)
	}
	return nil
}

// GetChallenge retrieves the live challenge for (kind, scope).
// Returns ErrNotFound if there is none.
func (s *sqlStore) GetChallenge(ctx context.Context, kind ChallengeKind, scope string) (*Challenge, error) {
	query := `
		SELECT id, fingerprint, code, issued_ms, attempts
		FROM challenges
		WHERE kind = ? AND scope = ?
	`

	c := Challenge{Kind: kind, Scope: scope}
	var issuedMs int64
	err := s.queryRow(ctx, query, string(kind), scope).Scan(
		&c.ID,
		&c.Fingerprint,
		&c.Code,
		&issuedMs,
		&c.Attempts,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying challenge: %w", err)
	}
	c.IssuedAt = fromMillis(issuedMs)
	return &c, nil
}

// IncrementAttempts bumps the attempt counter of a specific issuance
func (s *sqlStore) IncrementAttempts(ctx context.Context, kind ChallengeKind, scope, id string) (int, error) {
	query := `
		UPDATE challenges SET attempts = attempts + 1
		WHERE kind = ? AND scope = ? AND id = ?
		RETURNING attempts
	`

	var attempts int
	err := s.queryRow(ctx, query, string(kind), scope, id).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("incrementing attempts: %w", err)
	}
	return attempts, nil
}

// DeleteChallenge removes a specific issuance. Reports whether it existed.
func (s *sqlStore) DeleteChallenge(ctx context.Context, kind ChallengeKind, scope, id string) (bool, error) {
	result, err := s.exec(ctx,
		`DELETE FROM challenges WHERE kind = ? AND scope = ? AND id = ?`,
		string(kind), scope, id,
	)
	if err != nil {
		return false, fmt.Errorf("deleting challenge: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return rows > 0, nil
}

// DeleteChallengesIssuedBefore purges challenges older than cutoff
func (s *sqlStore) DeleteChallengesIssuedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.exec(ctx, `DELETE FROM challenges WHERE issued_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("deleting stale challenges: %w", err)
	}
	return result.RowsAffected()
}

// PutBan creates a ban or extends an existing one
func (s *sqlStore) PutBan(ctx context.Context, ban *Ban) error {
	query := `
		INSERT INTO bans (scope, until_ms)
		VALUES (?, ?)
		ON CONFLICT (scope) DO UPDATE SET
			until_ms = CASE WHEN excluded.until_ms > bans.until_ms THEN excluded.until_ms ELSE bans.until_ms END
	`

	if _, err := s.exec(ctx, query, ban.Scope, ban.Until.UnixMilli()); err != nil {
		return fmt.Errorf("upserting ban: %w", err)
	}
	s.logger.Debug("stored ban", "scope", ban.Scope, "until", ban.Until)
	return nil
}

// GetBan retrieves the ban record for scope.
// Returns ErrNotFound if there is none.
func (s *sqlStore) GetBan(ctx context.Context, scope string) (*Ban, error) {
	var untilMs int64
	err := s.queryRow(ctx, `SELECT until_ms FROM bans WHERE scope = ?`, scope).Scan(&untilMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying ban: %w", err)
	}
	return &Ban{Scope: scope, Until: fromMillis(untilMs)}, nil
}

// DeleteExpiredBans purges bans that have run out
func (s *sqlStore) DeleteExpiredBans(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.exec(ctx, `DELETE FROM bans WHERE until_ms <= ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("deleting expired bans: %w", err)
	}
	return result.RowsAffected()
}

// PutEmailToken stores a token, replacing the fingerprint's previous one
func (s *sqlStore) PutEmailToken(ctx context.Context, tok *EmailToken) error {
	query := `
		INSERT INTO email_tokens (token, fingerprint, created_ms, expires_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (fingerprint) DO UPDATE SET
			token = excluded.token,
			created_ms = excluded.created_ms,
			expires_ms = excluded.expires_ms
	`

	_, err := s.exec(ctx, query,
		tok.Token,
		tok.Fingerprint,
		tok.CreatedAt.UnixMilli(),
		tok.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			return ErrDuplicateToken
		}
		return fmt.Errorf("upserting email token: %w", err)
	}
	return nil
}

// ConsumeEmailToken deletes and returns a token in one statement, so at most
// one caller can redeem it.
func (s *sqlStore) ConsumeEmailToken(ctx context.Context, token string) (*EmailToken, error) {
	query := `
		DELETE FROM email_tokens WHERE token = ?
		RETURNING token, fingerprint, created_ms, expires_ms
	`

	var tok EmailToken
	var createdMs, expiresMs int64
	err := s.queryRow(ctx, query, token).Scan(&tok.Token, &tok.Fingerprint, &createdMs, &expiresMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consuming email token: %w", err)
	}
	tok.CreatedAt = fromMillis(createdMs)
	tok.ExpiresAt = fromMillis(expiresMs)
	return &tok, nil
}

// DeleteExpiredEmailTokens purges tokens that expired by cutoff
func (s *sqlStore) DeleteExpiredEmailTokens(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.exec(ctx, `DELETE FROM email_tokens WHERE expires_ms <= ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("deleting expired email tokens: %w", err)
	}
	return result.RowsAffected()
}
