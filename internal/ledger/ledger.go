// ABOUTME: Registration ledger owning subject records
// ABOUTME: Validates registrations, guards approval with the admin credential, and gates sign-in on approval

package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/2389/keygate/internal/apperr"
	"github.com/2389/keygate/internal/auth"
	"github.com/2389/keygate/internal/pgpkey"
	"github.com/2389/keygate/internal/store"
)

const maxEmailLength = 254

var handlePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,32}$`)

// Ledger errors
var (
	ErrInvalidHandle   = apperr.New(apperr.KindInvalidInput, "handle must be 3-32 letters, digits, '_' or '-'")
	ErrInvalidEmail    = apperr.New(apperr.KindInvalidInput, "invalid email address")
	ErrAlreadyApproved = apperr.New(apperr.KindConflict, "key is already registered and approved")
	ErrSubjectNotFound = apperr.New(apperr.KindNotFound, "registration not found")
	ErrKeyNotApproved  = apperr.New(apperr.KindUnauthenticated, "key not approved")
)

// KeyValidator checks and identifies public keys.
type KeyValidator interface {
	Validate(blob string) error
	Fingerprint(blob string) (string, error)
}

// Ledger manages subject registrations.
type Ledger struct {
	subjects  store.SubjectStore
	validator KeyValidator
	admin     *auth.AdminGate
	now       func() time.Time
	logger    *slog.Logger
}

// New creates a Ledger. A nil now selects time.Now.
func New(subjects store.SubjectStore, validator KeyValidator, admin *auth.AdminGate, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		subjects:  subjects,
		validator: validator,
		admin:     admin,
		now:       now,
		logger:    slog.Default().With("component", "ledger"),
	}
}

// NormalizeHandle trims and validates a handle.
func NormalizeHandle(handle string) (string, error) {
	handle = strings.TrimSpace(handle)
	if !handlePattern.MatchString(handle) {
		return "", ErrInvalidHandle
	}
	return handle, nil
}

// NormalizeEmail parses an address and returns its bare form.
func NormalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" || len(email) > maxEmailLength {
		return "", ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return "", ErrInvalidEmail
	}
	return addr.Address, nil
}

// Register records a pending subject for the key and returns it. A pending
// registration for the same key is replaced; an approved one is left alone
// and ErrAlreadyApproved is returned.
func (l *Ledger) Register(ctx context.Context, handle, email, keyBlob string) (*store.Subject, error) {
	handle, err := NormalizeHandle(handle)
	if err != nil {
		return nil, err
	}
	email, err = NormalizeEmail(email)
	if err != nil {
		return nil, err
	}

	if err := l.validator.Validate(keyBlob); err != nil {
		return nil, err
	}
	fingerprint, err := l.validator.Fingerprint(keyBlob)
	if err != nil {
		return nil, err
	}

	now := l.now()
	subj := &store.Subject{
		Fingerprint: fingerprint,
		Handle:      handle,
		Email:       email,
		PublicKey:   pgpkey.Normalize(keyBlob),
		Status:      store.SubjectStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := l.subjects.UpsertPendingSubject(ctx, subj); err != nil {
		if errors.Is(err, store.ErrSubjectApproved) {
			l.logger.Warn("re-registration of approved key rejected", "fingerprint", fingerprint)
			return nil, ErrAlreadyApproved
		}
		return nil, apperr.Transient(fmt.Errorf("storing registration: %w", err))
	}

	l.logger.Info("registration recorded", "fingerprint", fingerprint, "handle", handle)
	return subj, nil
}

// Get returns the subject with the fingerprint.
func (l *Ledger) Get(ctx context.Context, fingerprint string) (*store.Subject, error) {
	subj, err := l.subjects.GetSubject(ctx, fingerprint)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSubjectNotFound
	}
	if err != nil {
		return nil, apperr.Transient(fmt.Errorf("loading subject: %w", err))
	}
	return subj, nil
}

// Approve marks a subject approved. The credential is checked before the
// subject is looked up, so unauthorized callers cannot probe fingerprints.
func (l *Ledger) Approve(ctx context.Context, fingerprint, credential string) (*store.Subject, error) {
	if err := l.admin.Check(credential); err != nil {
		l.logger.Warn("approval with bad admin credential", "fingerprint", fingerprint)
		return nil, err
	}

	subj, err := l.subjects.ApproveSubject(ctx, fingerprint, l.now())
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSubjectNotFound
	}
	if err != nil {
		return nil, apperr.Transient(fmt.Errorf("approving subject: %w", err))
	}

	if !subj.PGPVerified {
		l.logger.Warn("approved subject has not proven key possession", "fingerprint", fingerprint)
	}
	l.logger.Info("subject approved", "fingerprint", fingerprint, "handle", subj.Handle)
	return subj, nil
}

// LookupApproved returns the subject only if it is approved.
func (l *Ledger) LookupApproved(ctx context.Context, fingerprint string) (*store.Subject, error) {
	subj, err := l.Get(ctx, fingerprint)
	if errors.Is(err, ErrSubjectNotFound) {
		return nil, ErrKeyNotApproved
	}
	if err != nil {
		return nil, err
	}
	if subj.Status != store.SubjectStatusApproved {
		return nil, ErrKeyNotApproved
	}
	return subj, nil
}

// MarkPGPVerified records a passed registration challenge.
func (l *Ledger) MarkPGPVerified(ctx context.Context, fingerprint string) error {
	return l.mark(ctx, fingerprint, l.subjects.SetPGPVerified)
}

// MarkEmailVerified records a redeemed e-mail link.
func (l *Ledger) MarkEmailVerified(ctx context.Context, fingerprint string) error {
	return l.mark(ctx, fingerprint, l.subjects.SetEmailVerified)
}

func (l *Ledger) mark(ctx context.Context, fingerprint string, set func(context.Context, string, time.Time) error) error {
	err := set(ctx, fingerprint, l.now())
	if errors.Is(err, store.ErrNotFound) {
		return ErrSubjectNotFound
	}
	if err != nil {
		return apperr.Transient(fmt.Errorf("updating subject: %w", err))
	}
	return nil
}

// ListPending returns pending subjects, oldest first.
func (l *Ledger) ListPending(ctx context.Context, credential string, limit int) ([]*store.Subject, error) {
	if err := l.admin.Check(credential); err != nil {
		return nil, err
	}
	subjects, err := l.subjects.ListSubjects(ctx, store.SubjectStatusPending, limit)
	if err != nil {
		return nil, apperr.Transient(fmt.Errorf("listing pending subjects: %w", err))
	}
	return subjects, nil
}
