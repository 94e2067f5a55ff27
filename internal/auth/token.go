// ABOUTME: JWT session tokens minted after a successful sign-in
// ABOUTME: Uses HS256 signing with a configured secret; the subject claim is the key fingerprint

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Issuer is the iss claim of every session token
const Issuer = "keygate"

// DefaultSessionTTL is how long a session token is valid
const DefaultSessionTTL = 12 * time.Hour

// ErrMissingClaim is returned when a session would lack a required claim
var ErrMissingClaim = errors.New("missing required claim")

// SessionClaims are the claims carried by a session token
type SessionClaims struct {
	Handle string `json:"handle,omitempty"`
	jwt.RegisteredClaims
}

// Session is a freshly minted session token
type Session struct {
	Token     string
	ID        string
	ExpiresAt time.Time
}

// SessionIssuer mints HS256 session tokens. Relying parties verify them with
// the shared secret; keygate itself never reads them back.
type SessionIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSessionIssuer creates an issuer. A non-positive ttl selects
// DefaultSessionTTL; a nil now selects time.Now.
func NewSessionIssuer(secret []byte, ttl time.Duration, now func() time.Time) *SessionIssuer {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if now == nil {
		now = time.Now
	}
	return &SessionIssuer{secret: secret, ttl: ttl, now: now}
}

// TTL returns the session lifetime
func (s *SessionIssuer) TTL() time.Duration { return s.ttl }

// Issue mints a session token for the subject with the given fingerprint
func (s *SessionIssuer) Issue(fingerprint, handle string) (*Session, error) {
	if fingerprint == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	now := s.now()
	expires := now.Add(s.ttl)
	claims := SessionClaims{
		Handle: handle,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   fingerprint,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("signing session token: %w", err)
	}
	return &Session{Token: token, ID: claims.ID, ExpiresAt: expires}, nil
}
