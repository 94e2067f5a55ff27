// ABOUTME: Shared-secret admin credential check
// ABOUTME: Compares in constant time and never accepts an unset credential

package auth

import (
	"crypto/subtle"

	"github.com/2389/keygate/internal/apperr"
)

// AdminHeader carries the admin credential on HTTP requests
const AdminHeader = "X-Admin-Token"

// ErrUnauthorized is returned for a missing or wrong admin credential
var ErrUnauthorized = apperr.New(apperr.KindUnauthorized, "unauthorized")

// AdminGate checks presented credentials against the configured admin token
type AdminGate struct {
	token []byte
}

// NewAdminGate creates a gate. An empty token rejects every credential.
func NewAdminGate(token string) *AdminGate {
	return &AdminGate{token: []byte(token)}
}

// Configured reports whether an admin token is set
func (g *AdminGate) Configured() bool {
	return len(g.token) > 0
}

// Check returns ErrUnauthorized unless presented equals the configured token
func (g *AdminGate) Check(presented string) error {
	if !g.Configured() {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(presented), g.token) != 1 {
		return ErrUnauthorized
	}
	return nil
}
