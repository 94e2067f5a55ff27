// ABOUTME: Orchestrates the external authentication operations
// ABOUTME: Checks bans before issuance, bounds store work with timeouts, retries transient failures of idempotent steps

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/2389/keygate/internal/apperr"
	"github.com/2389/keygate/internal/auth"
	"github.com/2389/keygate/internal/challenge"
	"github.com/2389/keygate/internal/emailverify"
	"github.com/2389/keygate/internal/ledger"
	"github.com/2389/keygate/internal/notify"
	"github.com/2389/keygate/internal/store"
)

const (
	DefaultRetryAttempts = 3
	DefaultRetryBase     = 50 * time.Millisecond

	maxClientTokenLength = 128
)

// ErrInvalidClientToken rejects an empty or oversized client token.
var ErrInvalidClientToken = apperr.New(apperr.KindInvalidInput, "client token must be 1-128 printable characters")

// Pinger reports backend readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config tunes a Service.
type Config struct {
	StoreTimeout  time.Duration
	RetryAttempts int
	RetryBase     time.Duration
}

// Service exposes the registration, verification and sign-in operations.
type Service struct {
	ledger    *ledger.Ledger
	validator ledger.KeyValidator
	engine    *challenge.Engine
	email     *emailverify.Flow
	sessions  *auth.SessionIssuer
	ready     Pinger

	storeTimeout  time.Duration
	retryAttempts int
	retryBase     time.Duration
	logger        *slog.Logger
}

// New creates a Service.
func New(l *ledger.Ledger, validator ledger.KeyValidator, engine *challenge.Engine, email *emailverify.Flow, sessions *auth.SessionIssuer, ready Pinger, cfg Config) *Service {
	s := &Service{
		ledger:        l,
		validator:     validator,
		engine:        engine,
		email:         email,
		sessions:      sessions,
		ready:         ready,
		storeTimeout:  cfg.StoreTimeout,
		retryAttempts: cfg.RetryAttempts,
		retryBase:     cfg.RetryBase,
		logger:        slog.Default().With("component", "service"),
	}
	if s.storeTimeout <= 0 {
		s.storeTimeout = challenge.DefaultStoreTimeout
	}
	if s.retryAttempts <= 0 {
		s.retryAttempts = DefaultRetryAttempts
	}
	if s.retryBase <= 0 {
		s.retryBase = DefaultRetryBase
	}
	return s
}

// RegisterResult is returned by Register.
type RegisterResult struct {
	Fingerprint string
	Encrypted   string
}

// Register records a pending subject and issues its registration challenge.
func (s *Service) Register(ctx context.Context, handle, email, keyBlob string) (*RegisterResult, error) {
	var subj *store.Subject
	err := s.retry(ctx, "register", func(ctx context.Context) error {
		var err error
		subj, err = s.ledger.Register(ctx, handle, email, keyBlob)
		return err
	})
	if err != nil {
		return nil, err
	}

	encrypted, err := s.issueRegistration(ctx, subj)
	if err != nil {
		return nil, err
	}
	return &RegisterResult{Fingerprint: subj.Fingerprint, Encrypted: encrypted}, nil
}

// IssueRegistrationChallenge issues a fresh registration challenge for a
// pending subject.
func (s *Service) IssueRegistrationChallenge(ctx context.Context, fingerprint string) (string, error) {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return "", challenge.ErrEmptyScope
	}

	var subj *store.Subject
	err := s.retry(ctx, "load subject", func(ctx context.Context) error {
		var err error
		subj, err = s.ledger.Get(ctx, fingerprint)
		return err
	})
	if err != nil {
		return "", err
	}
	if subj.Status == store.SubjectStatusApproved {
		return "", ledger.ErrAlreadyApproved
	}
	return s.issueRegistration(ctx, subj)
}

func (s *Service) issueRegistration(ctx context.Context, subj *store.Subject) (string, error) {
	var encrypted string
	err := s.retry(ctx, "issue registration challenge", func(ctx context.Context) error {
		if err := s.engine.Bans().Check(ctx, s.engine.Now(), challenge.BanScope(store.ChallengeKindRegistration, subj.Fingerprint)); err != nil {
			return err
		}
		var err error
		encrypted, err = s.engine.Issue(ctx, store.ChallengeKindRegistration, subj.Fingerprint, subj.Fingerprint, subj.PublicKey)
		return err
	})
	return encrypted, err
}

// VerifyRegistrationResult is returned by VerifyRegistration.
type VerifyRegistrationResult struct {
	OK    bool
	Email emailverify.Delivery
}

// VerifyRegistration checks a registration code, records key possession and
// sends the e-mail verification link. It is never retried.
func (s *Service) VerifyRegistration(ctx context.Context, fingerprint, code string) (*VerifyRegistrationResult, error) {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return nil, challenge.ErrEmptyScope
	}

	vctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	if _, err := s.engine.Verify(vctx, store.ChallengeKindRegistration, fingerprint, code); err != nil {
		return nil, err
	}

	// The code is consumed; record the result even if the caller has gone.
	dctx, dcancel := context.WithTimeout(context.WithoutCancel(ctx), s.storeTimeout)
	defer dcancel()
	if err := s.ledger.MarkPGPVerified(dctx, fingerprint); err != nil {
		return nil, err
	}
	subj, err := s.ledger.Get(dctx, fingerprint)
	if err != nil {
		return nil, err
	}

	result := &VerifyRegistrationResult{OK: true}
	link, err := s.email.IssueLink(dctx, subj)
	if err != nil {
		s.logger.Error("issuing verification link failed", "fingerprint", fingerprint, "error", err)
		result.Email = emailverify.DeliverySendFailed
		return result, nil
	}
	result.Email = link.Delivery
	return result, nil
}

// RedeemEmailToken consumes an e-mail verification token. It is never retried.
func (s *Service) RedeemEmailToken(ctx context.Context, token string) (*store.Subject, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	return s.email.Redeem(ctx, token)
}

// Approve marks a subject approved.
func (s *Service) Approve(ctx context.Context, fingerprint, credential string) (*store.Subject, error) {
	var subj *store.Subject
	err := s.retry(ctx, "approve", func(ctx context.Context) error {
		var err error
		subj, err = s.ledger.Approve(ctx, strings.TrimSpace(fingerprint), credential)
		return err
	})
	return subj, err
}

// ListPending returns pending registrations for the admin.
func (s *Service) ListPending(ctx context.Context, credential string, limit int) ([]*store.Subject, error) {
	var subjects []*store.Subject
	err := s.retry(ctx, "list pending", func(ctx context.Context) error {
		var err error
		subjects, err = s.ledger.ListPending(ctx, credential, limit)
		return err
	})
	return subjects, err
}

// IssueSigninChallenge issues a sign-in challenge scoped to the client token,
// encrypted to the approved key.
func (s *Service) IssueSigninChallenge(ctx context.Context, keyBlob, clientToken string) (string, error) {
	clientToken, err := normalizeClientToken(clientToken)
	if err != nil {
		return "", err
	}
	if err := s.validator.Validate(keyBlob); err != nil {
		return "", err
	}
	fingerprint, err := s.validator.Fingerprint(keyBlob)
	if err != nil {
		return "", err
	}

	var encrypted string
	err = s.retry(ctx, "issue signin challenge", func(ctx context.Context) error {
		subj, err := s.ledger.LookupApproved(ctx, fingerprint)
		if err != nil {
			return err
		}
		scopes := []string{
			challenge.BanScope(store.ChallengeKindSignin, clientToken),
			challenge.SubjectScope(fingerprint),
		}
		if err := s.engine.Bans().Check(ctx, s.engine.Now(), scopes...); err != nil {
			return err
		}
		encrypted, err = s.engine.Issue(ctx, store.ChallengeKindSignin, clientToken, fingerprint, subj.PublicKey)
		return err
	})
	if err != nil {
		if errors.Is(err, ledger.ErrKeyNotApproved) {
			s.logger.Info("sign-in attempt with unapproved key", "fingerprint", fingerprint)
		}
		return "", err
	}
	return encrypted, nil
}

// SigninResult is returned by VerifySignin.
type SigninResult struct {
	Fingerprint string
	Handle      string
	Session     *auth.Session
}

// VerifySignin checks a sign-in code and mints a session. It is never retried.
func (s *Service) VerifySignin(ctx context.Context, clientToken, code string) (*SigninResult, error) {
	clientToken, err := normalizeClientToken(clientToken)
	if err != nil {
		return nil, err
	}

	vctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	res, err := s.engine.Verify(vctx, store.ChallengeKindSignin, clientToken, code)
	if err != nil {
		return nil, err
	}

	dctx, dcancel := context.WithTimeout(context.WithoutCancel(ctx), s.storeTimeout)
	defer dcancel()
	subj, err := s.ledger.LookupApproved(dctx, res.Fingerprint)
	if err != nil {
		return nil, err
	}

	session, err := s.sessions.Issue(subj.Fingerprint, subj.Handle)
	if err != nil {
		return nil, fmt.Errorf("minting session: %w", err)
	}

	s.logger.Info("signed in", "fingerprint", subj.Fingerprint, "handle", subj.Handle, "session", session.ID)
	return &SigninResult{Fingerprint: subj.Fingerprint, Handle: subj.Handle, Session: session}, nil
}

// Ready checks that the stores respond.
func (s *Service) Ready(ctx context.Context) error {
	if s.ready == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	if err := s.ready.Ping(ctx); err != nil {
		return apperr.Transient(fmt.Errorf("store not ready: %w", err))
	}
	return nil
}

// SessionTTL reports how long minted sessions last.
func (s *Service) SessionTTL() time.Duration { return s.sessions.TTL() }

// retry runs fn, retrying transient failures with exponential backoff. Each
// attempt is bounded by the store timeout.
func (s *Service) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(uint64(s.retryAttempts-1), retry.NewExponential(s.retryBase))
	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		actx, cancel := context.WithTimeout(ctx, s.storeTimeout)
		defer cancel()

		err := fn(actx)
		if err != nil && apperr.IsTransient(err) && ctx.Err() == nil {
			s.logger.Warn("transient failure", "op", op, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
}

func normalizeClientToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" || len(token) > maxClientTokenLength {
		return "", ErrInvalidClientToken
	}
	for _, r := range token {
		if r < 0x21 || r > 0x7e {
			return "", ErrInvalidClientToken
		}
	}
	return token, nil
}

// BanAlerts returns a challenge.Config OnBan hook that reports bans to
// operators.
func BanAlerts(alerter notify.Alerter) func(context.Context, challenge.BanEvent) {
	logger := slog.Default().With("component", "service")
	return func(ctx context.Context, ev challenge.BanEvent) {
		text := fmt.Sprintf("keygate: %s attempts exhausted for %s (fingerprint %s), banned until %s",
			ev.Kind, ev.Scope, ev.Fingerprint, ev.Until.UTC().Format(time.RFC3339))
		if err := alerter.Alert(ctx, text); err != nil {
			logger.Warn("ban alert failed", "error", err)
		}
	}
}
