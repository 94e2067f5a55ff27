// Package store provides persistence for keygate subjects and their
// short-lived authentication records.
//
// # Architecture
//
// The store package is interface-driven:
//
//   - SubjectStore: registered key holders and their approval state
//   - ChallengeStore: one live challenge per (kind, scope)
//   - BanStore: temporary lockouts keyed by a namespaced scope
//   - EmailTokenStore: single-use e-mail verification tokens
//
// EphemeralStore groups the last three, and Store groups all four.
//
// # Backends
//
//   - SQLiteStore: modernc.org/sqlite, schema created on open
//   - PostgresStore: pgx through database/sql, schema managed by goose
//   - RedisStore: go-redis, EphemeralStore only, records expire by TTL
//   - MockStore: in-memory, for tests
//
// SQLiteStore and PostgresStore share their queries. Placeholders are written
// as ? and rewritten to $N for Postgres.
//
// # Atomicity
//
// Every check-then-act on a challenge or token is one conditional statement
// (or one Lua script on Redis):
//
//   - IncrementAttempts and DeleteChallenge match on the issuance ID, so a
//     caller holding a replaced challenge cannot touch its successor
//   - ConsumeEmailToken is DELETE ... RETURNING, so a token redeems once
//   - UpsertPendingSubject is an upsert guarded by status = 'pending', so an
//     approved subject is never overwritten
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: Requested record does not exist
//   - ErrSubjectApproved: Pending upsert hit an approved subject
//   - ErrDuplicateToken: E-mail token value already in use
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMockStore() for unit tests. The conformance suite in store_test.go
// runs against every backend; set KEYGATE_TEST_POSTGRES_DSN to include
// Postgres.
package store
