// ABOUTME: Test harness wiring a Service over the in-memory store with fake crypto, mail and clock
// ABOUTME: Shared by the service and gateway tests so both exercise the same object graph

package servicetest

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/2389/keygate/internal/auth"
	"github.com/2389/keygate/internal/challenge"
	"github.com/2389/keygate/internal/emailverify"
	"github.com/2389/keygate/internal/ledger"
	"github.com/2389/keygate/internal/pgpkey"
	"github.com/2389/keygate/internal/service"
	"github.com/2389/keygate/internal/store"
)

// AdminToken is the admin credential configured in the harness.
const AdminToken = "harness-admin-token"

// SessionSecret signs harness sessions.
var SessionSecret = []byte("harness-session-secret-0123456789")

// Clock is a settable clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Validator accepts "KEY:<fingerprint>" blobs and rejects "WEAK" as weak.
type Validator struct{}

func (Validator) Validate(blob string) error {
	_, err := Validator{}.Fingerprint(blob)
	return err
}

func (Validator) Fingerprint(blob string) (string, error) {
	blob = strings.TrimSpace(blob)
	switch {
	case blob == "WEAK":
		return "", pgpkey.ErrWeakKey
	case !strings.HasPrefix(blob, "KEY:"):
		return "", pgpkey.ErrInvalidKeyFormat
	}
	return strings.TrimPrefix(blob, "KEY:"), nil
}

// Crypto "encrypts" to ENC[<key>|<plaintext>].
type Crypto struct{}

func (Crypto) Encrypt(plaintext []byte, publicKey string) (string, error) {
	return "ENC[" + publicKey + "|" + string(plaintext) + "]", nil
}

// Decrypt recovers the plaintext of the first message Crypto produced in s.
func Decrypt(t testing.TB, s string) string {
	t.Helper()
	start := strings.Index(s, "ENC[")
	if start < 0 {
		t.Fatalf("no encrypted payload in %q", s)
	}
	rest := s[start+len("ENC["):]
	bar := strings.Index(rest, "|")
	end := strings.Index(rest, "]")
	if bar < 0 || end < bar {
		t.Fatalf("malformed encrypted payload in %q", s)
	}
	return rest[bar+1 : end]
}

// Mail is a message captured by Mailer.
type Mail struct {
	To, Subject, Body string
}

// Mailer records messages.
type Mailer struct {
	mu         sync.Mutex
	configured bool
	err        error
	sent       []Mail
}

func (m *Mailer) IsConfigured() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.configured
}

func (m *Mailer) Send(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, Mail{To: to, Subject: subject, Body: body})
	return nil
}

// SetErr makes subsequent sends fail.
func (m *Mailer) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetConfigured toggles IsConfigured.
func (m *Mailer) SetConfigured(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configured = ok
}

// Sent returns captured messages.
func (m *Mailer) Sent() []Mail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Mail(nil), m.sent...)
}

// Alerter records alerts.
type Alerter struct {
	mu    sync.Mutex
	texts []string
}

func (a *Alerter) Alert(_ context.Context, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.texts = append(a.texts, text)
	return nil
}

// Texts returns captured alerts.
func (a *Alerter) Texts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.texts...)
}

// Harness is a fully wired Service with its collaborators exposed.
type Harness struct {
	Service  *service.Service
	Store    *store.MockStore
	Ledger   *ledger.Ledger
	Engine   *challenge.Engine
	Email    *emailverify.Flow
	Sessions *auth.SessionIssuer
	Clock    *Clock
	Mailer   *Mailer
	Alerter  *Alerter
}

// New wires a harness. The mailer starts configured.
func New(t testing.TB) *Harness {
	t.Helper()

	h := &Harness{
		Store:   store.NewMockStore(),
		Clock:   &Clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		Mailer:  &Mailer{configured: true},
		Alerter: &Alerter{},
	}
	h.Ledger = ledger.New(h.Store, Validator{}, auth.NewAdminGate(AdminToken), h.Clock.Now)
	h.Engine = challenge.NewEngine(h.Store, challenge.NewBanTracker(h.Store), Crypto{}, challenge.Config{
		Now:   h.Clock.Now,
		OnBan: service.BanAlerts(h.Alerter),
	})
	h.Email = emailverify.New(h.Store, h.Ledger, Crypto{}, h.Mailer, h.Alerter, emailverify.Config{
		BaseURL: "https://auth.example.com",
		Now:     h.Clock.Now,
	})
	h.Sessions = auth.NewSessionIssuer(SessionSecret, 0, h.Clock.Now)
	h.Service = service.New(h.Ledger, Validator{}, h.Engine, h.Email, h.Sessions, h.Store, service.Config{
		RetryBase: time.Millisecond,
	})
	return h
}

// RegisterVerified registers handle with key "KEY:<fingerprint>" and passes
// its registration challenge.
func (h *Harness) RegisterVerified(t testing.TB, handle, fingerprint string) {
	t.Helper()
	ctx := context.Background()

	res, err := h.Service.Register(ctx, handle, handle+"@example.com", "KEY:"+fingerprint)
	if err != nil {
		t.Fatalf("register %s: %v", handle, err)
	}
	if _, err := h.Service.VerifyRegistration(ctx, fingerprint, Decrypt(t, res.Encrypted)); err != nil {
		t.Fatalf("verify registration %s: %v", handle, err)
	}
}

// RegisterApproved registers, verifies and approves a subject.
func (h *Harness) RegisterApproved(t testing.TB, handle, fingerprint string) {
	t.Helper()
	h.RegisterVerified(t, handle, fingerprint)
	if _, err := h.Service.Approve(context.Background(), fingerprint, AdminToken); err != nil {
		t.Fatalf("approve %s: %v", handle, err)
	}
}
