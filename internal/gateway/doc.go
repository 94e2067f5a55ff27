// Package gateway runs the keygate server.
//
// # Overview
//
// The Gateway owns the stores, the auth service and every listener. New
// opens the configured backends and wires the service graph; Run serves
// until its context is canceled; Shutdown drains the servers and closes the
// stores.
//
// # HTTP API
//
// Public endpoints (api.go):
//
//   - POST /auth/register - Record a pending subject, returns an encrypted code
//   - POST /auth/register/challenge - Reissue the registration challenge
//   - POST /auth/register/verify - Prove key possession, sends the e-mail link
//   - GET /auth/email/verify?token= - Redeem an e-mail link (JSON or HTML)
//   - POST /auth/challenge - Issue a sign-in challenge for an approved key
//   - POST /auth/verify - Verify a sign-in code, returns a session token
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check
//
// Admin endpoints require the X-Admin-Token header:
//
//   - POST /auth/admin/approve/{fingerprint}
//   - GET /auth/admin/pending?limit=
//
// With tailscale enabled the admin endpoints are served only on the tailnet
// listener; otherwise they share the public mux.
//
// # Errors
//
// Failures are returned as {"error": "..."} with the status derived from
// the error kind. Rate-limited and banned requests carry Retry-After.
//
// # gRPC
//
// When server.grpc_addr is set, a grpc.health.v1 server reports SERVING
// while the stores answer pings.
//
// # Lifecycle
//
//	gw, err := gateway.New(ctx, cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return gw.Run(ctx)
package gateway
