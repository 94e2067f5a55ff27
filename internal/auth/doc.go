// Package auth provides the credentials keygate hands out and checks.
//
// # Session Tokens
//
// A successful sign-in yields an HS256 JWT minted by SessionIssuer:
//
//	issuer := auth.NewSessionIssuer(secret, 12*time.Hour, nil)
//	session, err := issuer.Issue(fingerprint, handle)
//
// Claims:
//   - sub: the subject's key fingerprint
//   - handle: the subject's handle
//   - jti: random UUID per session
//   - iss: "keygate"
//   - iat, nbf, exp
//
// keygate only issues session tokens; relying parties verify them with the
// shared secret.
//
// # Admin Credential
//
// Approval and pending-list operations require the shared admin token,
// presented in the X-Admin-Token header over HTTP. AdminGate compares it in
// constant time and rejects everything when no token is configured.
package auth
