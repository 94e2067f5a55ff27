// ABOUTME: Challenge issuance and verification state machine
// ABOUTME: Enforces the 25s TTL, the attempt ceiling with banning, and single consumption of a code

package challenge

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/keygate/internal/apperr"
	"github.com/2389/keygate/internal/store"
)

const (
	// TTL is how long an issued code stays valid. A code exactly TTL old is
	// still accepted.
	TTL = 25 * time.Second

	// MaxAttempts is the number of wrong codes that triggers a ban.
	MaxAttempts = 3

	DefaultBanDuration     = 24 * time.Hour
	DefaultSubjectCooldown = 15 * time.Minute
	DefaultStoreTimeout    = 3 * time.Second

	codeDigits = 6
)

var codeSpace = big.NewInt(1_000_000)

// Verification errors
var (
	ErrNoActiveChallenge = apperr.New(apperr.KindNotFound, "no active challenge")
	ErrChallengeExpired  = apperr.New(apperr.KindChallengeExpired, "challenge expired")
	ErrIncorrectCode     = apperr.New(apperr.KindIncorrectCode, "incorrect code")
	ErrTooManyAttempts   = apperr.New(apperr.KindTooManyAttempts, "too many incorrect attempts")
	ErrInvalidKind       = apperr.New(apperr.KindInvalidInput, "invalid challenge kind")
	ErrEmptyScope        = apperr.New(apperr.KindInvalidInput, "missing challenge scope")
)

// Cryptosystem encrypts a challenge code to a subject's public key.
type Cryptosystem interface {
	Encrypt(plaintext []byte, publicKey string) (string, error)
}

// BanEvent describes a ban created by exceeding the attempt ceiling.
type BanEvent struct {
	Kind        store.ChallengeKind
	Scope       string
	Fingerprint string
	Until       time.Time
}

// Config tunes an Engine. Zero values select the defaults.
type Config struct {
	BanDuration     time.Duration
	SubjectCooldown time.Duration
	StoreTimeout    time.Duration

	// Now is the clock; defaults to time.Now.
	Now func() time.Time

	// Rand is the code entropy source; defaults to crypto/rand.Reader.
	Rand io.Reader

	// OnBan is called after a ban is persisted.
	OnBan func(ctx context.Context, ev BanEvent)
}

// Result identifies a successfully verified challenge.
type Result struct {
	Kind        store.ChallengeKind
	Scope       string
	Fingerprint string
}

// Engine issues and verifies challenges.
type Engine struct {
	challenges store.ChallengeStore
	bans       *BanTracker
	crypto     Cryptosystem

	banDuration     time.Duration
	subjectCooldown time.Duration
	storeTimeout    time.Duration
	now             func() time.Time
	rand            io.Reader
	onBan           func(ctx context.Context, ev BanEvent)

	logger *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(challenges store.ChallengeStore, bans *BanTracker, crypto Cryptosystem, cfg Config) *Engine {
	e := &Engine{
		challenges:      challenges,
		bans:            bans,
		crypto:          crypto,
		banDuration:     cfg.BanDuration,
		subjectCooldown: cfg.SubjectCooldown,
		storeTimeout:    cfg.StoreTimeout,
		now:             cfg.Now,
		rand:            cfg.Rand,
		onBan:           cfg.OnBan,
		logger:          slog.Default().With("component", "challenge"),
	}
	if e.banDuration <= 0 {
		e.banDuration = DefaultBanDuration
	}
	if e.subjectCooldown <= 0 {
		e.subjectCooldown = DefaultSubjectCooldown
	}
	if e.storeTimeout <= 0 {
		e.storeTimeout = DefaultStoreTimeout
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.rand == nil {
		e.rand = rand.Reader
	}
	return e
}

// Bans returns the engine's ban tracker.
func (e *Engine) Bans() *BanTracker { return e.bans }

// Now reads the engine clock.
func (e *Engine) Now() time.Time { return e.now() }

// NewCode returns a uniformly random zero-padded 6-digit code.
func (e *Engine) NewCode() (string, error) {
	n, err := rand.Int(e.rand, codeSpace)
	if err != nil {
		return "", fmt.Errorf("generating code: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}

// Issue creates a challenge for (kind, scope), encrypts its code to publicKey
// and returns the ciphertext. Any earlier challenge for (kind, scope) is
// replaced. Bans are not checked here.
func (e *Engine) Issue(ctx context.Context, kind store.ChallengeKind, scope, fingerprint, publicKey string) (string, error) {
	if !kind.Valid() {
		return "", ErrInvalidKind
	}
	if scope == "" {
		return "", ErrEmptyScope
	}

	code, err := e.NewCode()
	if err != nil {
		return "", err
	}

	encrypted, err := e.crypto.Encrypt([]byte(code), publicKey)
	if err != nil {
		return "", fmt.Errorf("encrypting challenge: %w", err)
	}

	ch := &store.Challenge{
		ID:          uuid.NewString(),
		Kind:        kind,
		Scope:       scope,
		Fingerprint: fingerprint,
		Code:        code,
		IssuedAt:    e.now(),
	}

	sctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()
	if err := e.challenges.PutChallenge(sctx, ch); err != nil {
		return "", apperr.Transient(fmt.Errorf("storing challenge: %w", err))
	}

	e.logger.Debug("issued challenge", "kind", kind, "fingerprint", fingerprint, "challenge_id", ch.ID)
	return encrypted, nil
}

// Verify checks submitted against the live challenge for (kind, scope).
// A success or a ban-triggering failure consumes the challenge. Side effects
// are committed even if ctx is cancelled.
func (e *Engine) Verify(ctx context.Context, kind store.ChallengeKind, scope, submitted string) (*Result, error) {
	if !kind.Valid() {
		return nil, ErrInvalidKind
	}
	if scope == "" {
		return nil, ErrEmptyScope
	}
	now := e.now()

	ch, err := e.lookup(ctx, now, kind, scope)
	if err != nil {
		return nil, err
	}

	if now.Sub(ch.IssuedAt) > TTL {
		e.discard(ctx, ch)
		return nil, ErrChallengeExpired
	}

	if !codesMatch(submitted, ch.Code) {
		return nil, e.recordFailure(ctx, now, ch)
	}

	dctx, cancel := e.detached(ctx)
	defer cancel()
	deleted, err := e.challenges.DeleteChallenge(dctx, kind, scope, ch.ID)
	if err != nil {
		return nil, apperr.Transient(fmt.Errorf("consuming challenge: %w", err))
	}
	if !deleted {
		// A concurrent request consumed or replaced it first
		return nil, ErrNoActiveChallenge
	}

	e.logger.Info("challenge verified", "kind", kind, "fingerprint", ch.Fingerprint, "challenge_id", ch.ID)
	return &Result{Kind: kind, Scope: scope, Fingerprint: ch.Fingerprint}, nil
}

// lookup checks bans and fetches the live challenge.
func (e *Engine) lookup(ctx context.Context, now time.Time, kind store.ChallengeKind, scope string) (*store.Challenge, error) {
	sctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()

	if err := e.bans.Check(sctx, now, BanScope(kind, scope)); err != nil {
		return nil, err
	}

	ch, err := e.challenges.GetChallenge(sctx, kind, scope)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoActiveChallenge
	}
	if err != nil {
		return nil, apperr.Transient(fmt.Errorf("loading challenge: %w", err))
	}

	// Challenges issued under other client tokens before a cool-down began
	// must not get a fresh set of attempts.
	if kind == store.ChallengeKindSignin && ch.Fingerprint != "" {
		if err := e.bans.Check(sctx, now, SubjectScope(ch.Fingerprint)); err != nil {
			return nil, err
		}
	}
	return ch, nil
}

// recordFailure counts a wrong code and bans once the ceiling is reached.
func (e *Engine) recordFailure(ctx context.Context, now time.Time, ch *store.Challenge) error {
	dctx, cancel := e.detached(ctx)
	defer cancel()

	attempts, err := e.challenges.IncrementAttempts(dctx, ch.Kind, ch.Scope, ch.ID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNoActiveChallenge
	}
	if err != nil {
		return apperr.Transient(fmt.Errorf("recording attempt: %w", err))
	}

	if attempts < MaxAttempts {
		e.logger.Info("incorrect code", "kind", ch.Kind, "fingerprint", ch.Fingerprint, "attempts", attempts)
		return ErrIncorrectCode
	}

	until := now.Add(e.banDuration)
	if err := e.bans.Ban(dctx, BanScope(ch.Kind, ch.Scope), until); err != nil {
		return err
	}
	if ch.Kind == store.ChallengeKindSignin && ch.Fingerprint != "" {
		if err := e.bans.Ban(dctx, SubjectScope(ch.Fingerprint), now.Add(e.subjectCooldown)); err != nil {
			return err
		}
	}
	if _, err := e.challenges.DeleteChallenge(dctx, ch.Kind, ch.Scope, ch.ID); err != nil {
		// The ban already blocks the scope; the janitor removes the record
		e.logger.Warn("failed to delete banned challenge", "kind", ch.Kind, "error", err)
	}

	e.logger.Warn("attempt ceiling reached", "kind", ch.Kind, "fingerprint", ch.Fingerprint, "until", until)
	if attempts == MaxAttempts && e.onBan != nil {
		e.onBan(dctx, BanEvent{Kind: ch.Kind, Scope: ch.Scope, Fingerprint: ch.Fingerprint, Until: until})
	}
	return ErrTooManyAttempts
}

// discard removes an expired challenge.
func (e *Engine) discard(ctx context.Context, ch *store.Challenge) {
	dctx, cancel := e.detached(ctx)
	defer cancel()

	if _, err := e.challenges.DeleteChallenge(dctx, ch.Kind, ch.Scope, ch.ID); err != nil {
		e.logger.Warn("failed to delete expired challenge", "kind", ch.Kind, "error", err)
	}
}

// detached returns a context that survives caller cancellation but is still
// bounded by the store timeout.
func (e *Engine) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.storeTimeout)
}

// Purge removes challenges past their TTL and bans that have lifted.
func (e *Engine) Purge(ctx context.Context) (challenges, bans int64, err error) {
	now := e.now()

	challenges, err = e.challenges.DeleteChallengesIssuedBefore(ctx, now.Add(-TTL))
	if err != nil {
		return 0, 0, fmt.Errorf("purging challenges: %w", err)
	}
	bans, err = e.bans.Purge(ctx, now)
	if err != nil {
		return challenges, 0, fmt.Errorf("purging bans: %w", err)
	}
	return challenges, bans, nil
}

// codesMatch compares a submitted code to the stored one as strings, so
// leading zeros matter.
func codesMatch(submitted, code string) bool {
	s := strings.TrimSpace(submitted)
	return len(s) == len(code) && subtle.ConstantTimeCompare([]byte(s), []byte(code)) == 1
}
