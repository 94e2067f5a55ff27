// ABOUTME: Temporary ban tracking over a store.BanStore
// ABOUTME: Ban scopes are namespaced by challenge kind, plus a per-subject cool-down scope

package challenge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/keygate/internal/apperr"
	"github.com/2389/keygate/internal/store"
)

// ErrRateLimited is returned while a ban is in force.
var ErrRateLimited = apperr.New(apperr.KindRateLimited, "too many attempts, try again later")

// BannedError reports an active ban and when it lifts. It matches
// ErrRateLimited with errors.Is.
type BannedError struct {
	Until time.Time
}

func (e *BannedError) Error() string { return ErrRateLimited.Error() }

func (e *BannedError) Unwrap() error { return ErrRateLimited }

// RetryAfter returns how long until the ban lifts, rounded up to a second.
func (e *BannedError) RetryAfter(now time.Time) time.Duration {
	d := e.Until.Sub(now)
	if d <= 0 {
		return 0
	}
	return d.Truncate(time.Second) + time.Second
}

// BanScope is the ban key guarding challenges of kind at scope.
func BanScope(kind store.ChallengeKind, scope string) string {
	return string(kind) + ":" + scope
}

// SubjectScope is the ban key of a subject's sign-in cool-down.
func SubjectScope(fingerprint string) string {
	return "subject:" + fingerprint
}

// BanTracker records and checks temporary bans.
type BanTracker struct {
	bans   store.BanStore
	logger *slog.Logger
}

// NewBanTracker creates a tracker over bans.
func NewBanTracker(bans store.BanStore) *BanTracker {
	return &BanTracker{
		bans:   bans,
		logger: slog.Default().With("component", "bans"),
	}
}

// Check returns a *BannedError if any of scopes is banned at now. When
// several are banned the one lifting last is reported.
func (b *BanTracker) Check(ctx context.Context, now time.Time, scopes ...string) error {
	var banned *BannedError
	for _, scope := range scopes {
		ban, err := b.bans.GetBan(ctx, scope)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return apperr.Transient(fmt.Errorf("checking ban: %w", err))
		}
		if ban.Active(now) && (banned == nil || ban.Until.After(banned.Until)) {
			banned = &BannedError{Until: ban.Until}
		}
	}
	if banned != nil {
		return banned
	}
	return nil
}

// Ban bans scope until the given time. An existing longer ban is kept.
func (b *BanTracker) Ban(ctx context.Context, scope string, until time.Time) error {
	if err := b.bans.PutBan(ctx, &store.Ban{Scope: scope, Until: until}); err != nil {
		return apperr.Transient(fmt.Errorf("storing ban: %w", err))
	}
	b.logger.Info("scope banned", "scope", scope, "until", until)
	return nil
}

// Purge removes bans that have lifted.
func (b *BanTracker) Purge(ctx context.Context, now time.Time) (int64, error) {
	return b.bans.DeleteExpiredBans(ctx, now)
}
