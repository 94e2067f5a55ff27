package authtest

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/keygate/internal/auth"
)

var secret = []byte("authtest-secret-authtest-secret-0123")

func TestParseSession_Valid(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	s, err := auth.NewSessionIssuer(secret, time.Hour, func() time.Time { return now }).Issue("FP", "alice")
	require.NoError(t, err)

	claims, err := ParseSession(secret, s.Token, now)
	require.NoError(t, err)
	assert.Equal(t, "FP", claims.Subject)
	assert.Equal(t, "alice", claims.Handle)
}

func TestParseSession_Rejects(t *testing.T) {
	now := time.Now()
	sign := func(method jwt.SigningMethod, key any, claims jwt.Claims) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString(key)
		require.NoError(t, err)
		return s
	}
	valid := jwt.RegisteredClaims{Issuer: auth.Issuer, Subject: "FP", ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))}

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-jwt-token"},
		{"wrong secret", sign(jwt.SigningMethodHS256, []byte("different-secret-different-secret"), valid)},
		{"wrong issuer", sign(jwt.SigningMethodHS256, secret, jwt.RegisteredClaims{
			Issuer: "someone-else", Subject: "FP", ExpiresAt: valid.ExpiresAt,
		})},
		{"none algorithm", sign(jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, valid)},
		{"no expiry", sign(jwt.SigningMethodHS256, secret, jwt.RegisteredClaims{Issuer: auth.Issuer, Subject: "FP"})},
		{"no subject", sign(jwt.SigningMethodHS256, secret, jwt.RegisteredClaims{Issuer: auth.Issuer, ExpiresAt: valid.ExpiresAt})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSession(secret, tt.token, now)
			assert.Error(t, err)
		})
	}
}

func TestParseSession_Expired(t *testing.T) {
	issued := time.Now().Add(-13 * time.Hour)
	s, err := auth.NewSessionIssuer(secret, 12*time.Hour, func() time.Time { return issued }).Issue("FP", "alice")
	require.NoError(t, err)

	_, err = ParseSession(secret, s.Token, time.Now())
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}
