// ABOUTME: E-mail verification link issuance and one-shot redemption
// ABOUTME: Links are encrypted to the subject key before mailing; delivery failures alert operators instead of failing

package emailverify

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/2389/keygate/internal/apperr"
	"github.com/2389/keygate/internal/challenge"
	"github.com/2389/keygate/internal/ledger"
	"github.com/2389/keygate/internal/notify"
	"github.com/2389/keygate/internal/store"
)

const (
	DefaultTokenTTL = 24 * time.Hour
	tokenBytes      = 32
	mailSubject     = "Verify your e-mail address"
)

// Flow errors
var (
	ErrNotPGPVerified = apperr.New(apperr.KindConflict, "key possession has not been verified")
	ErrInvalidToken   = apperr.New(apperr.KindNotFound, "invalid or already used verification link")
	ErrTokenExpired   = apperr.New(apperr.KindChallengeExpired, "verification link expired")
)

// Delivery is the outcome of mailing a link.
type Delivery string

const (
	DeliverySent          Delivery = "sent"
	DeliveryNotConfigured Delivery = "not_configured"
	DeliverySendFailed    Delivery = "send_failed"
)

// Link describes an issued verification link. The token itself only travels
// inside the encrypted mail body.
type Link struct {
	Fingerprint string
	ExpiresAt   time.Time
	Delivery    Delivery
}

// Config tunes a Flow.
type Config struct {
	// BaseURL is the public origin links point at, e.g. https://auth.example.com.
	BaseURL      string
	TokenTTL     time.Duration
	StoreTimeout time.Duration
	Now          func() time.Time
	Rand         io.Reader
}

// Flow issues and redeems verification links.
type Flow struct {
	tokens  store.EmailTokenStore
	ledger  *ledger.Ledger
	crypto  challenge.Cryptosystem
	mailer  notify.Mailer
	alerter notify.Alerter

	baseURL      string
	tokenTTL     time.Duration
	storeTimeout time.Duration
	now          func() time.Time
	rand         io.Reader
	logger       *slog.Logger
}

// New creates a Flow. A nil alerter logs alerts instead.
func New(tokens store.EmailTokenStore, l *ledger.Ledger, crypto challenge.Cryptosystem, mailer notify.Mailer, alerter notify.Alerter, cfg Config) *Flow {
	f := &Flow{
		tokens:       tokens,
		ledger:       l,
		crypto:       crypto,
		mailer:       mailer,
		alerter:      alerter,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		tokenTTL:     cfg.TokenTTL,
		storeTimeout: cfg.StoreTimeout,
		now:          cfg.Now,
		rand:         cfg.Rand,
		logger:       slog.Default().With("component", "emailverify"),
	}
	if f.tokenTTL <= 0 {
		f.tokenTTL = DefaultTokenTTL
	}
	if f.storeTimeout <= 0 {
		f.storeTimeout = challenge.DefaultStoreTimeout
	}
	if f.now == nil {
		f.now = time.Now
	}
	if f.rand == nil {
		f.rand = rand.Reader
	}
	if f.mailer == nil {
		f.mailer = notify.NoopMailer{}
	}
	if f.alerter == nil {
		f.alerter = notify.NewLogAlerter()
	}
	return f
}

// IssueLink creates a fresh token for the subject, replacing any previous one,
// and mails the encrypted link. Delivery problems are reported in the Link,
// not as an error.
func (f *Flow) IssueLink(ctx context.Context, subj *store.Subject) (*Link, error) {
	if !subj.PGPVerified {
		return nil, ErrNotPGPVerified
	}

	now := f.now()
	tok, err := f.putToken(ctx, subj.Fingerprint, now)
	if err != nil {
		return nil, err
	}

	link := &Link{Fingerprint: subj.Fingerprint, ExpiresAt: tok.ExpiresAt}

	encrypted, err := f.crypto.Encrypt([]byte(f.verifyURL(tok.Token)), subj.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("encrypting verification link: %w", err)
	}

	if !f.mailer.IsConfigured() {
		f.logger.Info("mailer not configured, verification link not sent", "fingerprint", subj.Fingerprint)
		link.Delivery = DeliveryNotConfigured
		return link, nil
	}

	if err := f.mailer.Send(ctx, subj.Email, mailSubject, mailBody(subj.Handle, encrypted, f.tokenTTL)); err != nil {
		f.logger.Error("verification mail failed", "fingerprint", subj.Fingerprint, "error", err)
		f.alert(ctx, fmt.Sprintf("keygate: verification mail to %s (%s) failed: %v", subj.Handle, subj.Fingerprint, err))
		link.Delivery = DeliverySendFailed
		return link, nil
	}

	f.logger.Info("verification link sent", "fingerprint", subj.Fingerprint)
	link.Delivery = DeliverySent
	return link, nil
}

func (f *Flow) putToken(ctx context.Context, fingerprint string, now time.Time) (*store.EmailToken, error) {
	for range 3 {
		token, err := f.newToken()
		if err != nil {
			return nil, err
		}
		tok := &store.EmailToken{
			Token:       token,
			Fingerprint: fingerprint,
			CreatedAt:   now,
			ExpiresAt:   now.Add(f.tokenTTL),
		}
		err = f.tokens.PutEmailToken(ctx, tok)
		if errors.Is(err, store.ErrDuplicateToken) {
			continue
		}
		if err != nil {
			return nil, apperr.Transient(fmt.Errorf("storing verification token: %w", err))
		}
		return tok, nil
	}
	return nil, apperr.Transient(errors.New("could not allocate a unique verification token"))
}

func (f *Flow) newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := io.ReadFull(f.rand, b); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (f *Flow) verifyURL(token string) string {
	return f.baseURL + "/auth/email/verify?token=" + url.QueryEscape(token)
}

// Redeem consumes a token and marks the subject's e-mail verified. A token
// works once; an expired token is removed and reported as expired.
func (f *Flow) Redeem(ctx context.Context, token string) (*store.Subject, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	tok, err := f.tokens.ConsumeEmailToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, apperr.Transient(fmt.Errorf("consuming verification token: %w", err))
	}

	if !f.now().Before(tok.ExpiresAt) {
		f.logger.Info("expired verification link redeemed", "fingerprint", tok.Fingerprint)
		return nil, ErrTokenExpired
	}

	// The token is gone; finish the update even if the caller disconnects.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.storeTimeout)
	defer cancel()

	if err := f.ledger.MarkEmailVerified(dctx, tok.Fingerprint); err != nil {
		return nil, err
	}
	subj, err := f.ledger.Get(dctx, tok.Fingerprint)
	if err != nil {
		return nil, err
	}

	f.logger.Info("e-mail verified", "fingerprint", tok.Fingerprint)
	return subj, nil
}

// Purge removes tokens that expired more than store.EmailTokenRetention ago.
func (f *Flow) Purge(ctx context.Context) (int64, error) {
	n, err := f.tokens.DeleteExpiredEmailTokens(ctx, f.now().Add(-store.EmailTokenRetention))
	if err != nil {
		return 0, fmt.Errorf("purging verification tokens: %w", err)
	}
	return n, nil
}

func (f *Flow) alert(ctx context.Context, text string) {
	if err := f.alerter.Alert(ctx, text); err != nil {
		f.logger.Warn("operator alert failed", "error", err)
	}
}

func mailBody(handle, encryptedLink string, ttl time.Duration) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s,\n\n", handle)
	b.WriteString("Decrypt the message below with your registered key and open the link\n")
	fmt.Fprintf(&b, "it contains to verify this address. The link works once and expires in %s.\n\n", ttl)
	b.WriteString(encryptedLink)
	b.WriteString("\n")
	return b.String()
}
