// ABOUTME: Test helpers that check session tokens minted by auth.SessionIssuer
// ABOUTME: Parsing is as strict as a relying party sharing the secret would be

package authtest

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/keygate/internal/auth"
)

// ParseSession validates an HS256 session token signed with secret as of now
// and returns its claims.
func ParseSession(secret []byte, token string, now time.Time) (*auth.SessionClaims, error) {
	claims := &auth.SessionClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(auth.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return nil, fmt.Errorf("parsing session token: %w", err)
	}
	if claims.Subject == "" {
		return nil, errors.New("session token has no subject")
	}
	return claims, nil
}
