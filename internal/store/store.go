// ABOUTME: Store interfaces and record types for keygate persistence
// ABOUTME: Defines subjects, challenges, bans and e-mail tokens plus their atomic operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

// ErrSubjectApproved is returned when a pending upsert would overwrite an approved subject
var ErrSubjectApproved = errors.New("subject already approved")

// ErrDuplicateToken is returned when an e-mail token value is already in use
var ErrDuplicateToken = errors.New("token already exists")

// EmailTokenRetention is how long an expired e-mail token is kept before it
// may be purged, so a late redemption is reported as expired.
const EmailTokenRetention = 24 * time.Hour

// SubjectStatus is the approval state of a subject. It only moves forward.
type SubjectStatus string

const (
	SubjectStatusPending  SubjectStatus = "pending"
	SubjectStatusApproved SubjectStatus = "approved"
)

// Subject is a registered key holder, keyed by key fingerprint.
type Subject struct {
	Fingerprint   string
	Handle        string
	Email         string
	PublicKey     string // normalized armored key
	PGPVerified   bool
	EmailVerified bool
	Status        SubjectStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ApprovedAt    *time.Time
}

// ChallengeKind distinguishes registration challenges from sign-in challenges
// that share the same store.
type ChallengeKind string

const (
	ChallengeKindRegistration ChallengeKind = "registration"
	ChallengeKindSignin       ChallengeKind = "signin"
)

// Valid reports whether k is a known kind.
func (k ChallengeKind) Valid() bool {
	return k == ChallengeKindRegistration || k == ChallengeKindSignin
}

// Challenge is a pending proof-of-possession code. At most one exists per
// (Kind, Scope); ID identifies a single issuance so conditional updates can
// tell a replaced challenge from the one they read.
type Challenge struct {
	ID          string
	Kind        ChallengeKind
	Scope       string // fingerprint for registration, client token for sign-in
	Fingerprint string // subject the code was encrypted to
	Code        string
	IssuedAt    time.Time
	Attempts    int
}

// Ban is a temporary lockout. A scope is banned while now < Until.
type Ban struct {
	Scope string
	Until time.Time
}

// Active reports whether the ban is in force at now.
func (b *Ban) Active(now time.Time) bool {
	return b != nil && now.Before(b.Until)
}

// EmailToken is a single-use e-mail verification link token. There is at most
// one live token per fingerprint.
type EmailToken struct {
	Token       string
	Fingerprint string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// SubjectStore persists subject records.
type SubjectStore interface {
	// UpsertPendingSubject inserts a pending subject or replaces an existing
	// pending one, keeping its CreatedAt. It returns ErrSubjectApproved and
	// leaves the row untouched if the fingerprint is already approved.
	UpsertPendingSubject(ctx context.Context, subject *Subject) error

	// GetSubject returns ErrNotFound if no subject has the fingerprint.
	GetSubject(ctx context.Context, fingerprint string) (*Subject, error)

	// ApproveSubject marks a subject approved and returns the updated record.
	// Approving an approved subject keeps its original ApprovedAt.
	ApproveSubject(ctx context.Context, fingerprint string, at time.Time) (*Subject, error)

	// SetPGPVerified and SetEmailVerified flip the verification flags.
	SetPGPVerified(ctx context.Context, fingerprint string, at time.Time) error
	SetEmailVerified(ctx context.Context, fingerprint string, at time.Time) error

	// ListSubjects returns subjects with the given status, oldest first.
	ListSubjects(ctx context.Context, status SubjectStatus, limit int) ([]*Subject, error)
}

// ChallengeStore persists challenges. Mutations are atomic per (kind, scope).
type ChallengeStore interface {
	// PutChallenge upserts a challenge, replacing any prior one for the same
	// (Kind, Scope).
	PutChallenge(ctx context.Context, challenge *Challenge) error

	// GetChallenge returns ErrNotFound if no challenge exists.
	GetChallenge(ctx context.Context, kind ChallengeKind, scope string) (*Challenge, error)

	// IncrementAttempts adds one to the attempt counter of the challenge with
	// the given ID and returns the new count. It returns ErrNotFound if the
	// challenge is gone or was replaced by a newer issuance.
	IncrementAttempts(ctx context.Context, kind ChallengeKind, scope, id string) (int, error)

	// DeleteChallenge removes the challenge only if its ID matches. It reports
	// whether a record was removed.
	DeleteChallenge(ctx context.Context, kind ChallengeKind, scope, id string) (bool, error)

	// DeleteChallengesIssuedBefore purges stale challenges.
	DeleteChallengesIssuedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// BanStore persists temporary bans.
type BanStore interface {
	// PutBan creates or extends a ban. An existing later Until is kept.
	PutBan(ctx context.Context, ban *Ban) error

	// GetBan returns ErrNotFound if the scope has no ban record. Expired
	// records may still be returned; callers check Active.
	GetBan(ctx context.Context, scope string) (*Ban, error)

	// DeleteExpiredBans purges bans whose Until is not after now.
	DeleteExpiredBans(ctx context.Context, now time.Time) (int64, error)
}

// EmailTokenStore persists e-mail verification tokens.
type EmailTokenStore interface {
	// PutEmailToken stores a token, replacing any token for the same
	// fingerprint. It returns ErrDuplicateToken if the token value is taken.
	PutEmailToken(ctx context.Context, token *EmailToken) error

	// ConsumeEmailToken atomically deletes and returns the token record. It
	// returns ErrNotFound if the token does not exist.
	ConsumeEmailToken(ctx context.Context, token string) (*EmailToken, error)

	// DeleteExpiredEmailTokens purges tokens whose ExpiresAt is not after
	// cutoff.
	DeleteExpiredEmailTokens(ctx context.Context, cutoff time.Time) (int64, error)
}

// EphemeralStore holds the short-lived records. It may live in a different
// backend than subjects.
type EphemeralStore interface {
	ChallengeStore
	BanStore
	EmailTokenStore

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}

// Store is a backend holding every record kind.
type Store interface {
	SubjectStore
	EphemeralStore
}
