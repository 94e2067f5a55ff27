// ABOUTME: Conformance tests run against every Store backend
// ABOUTME: Covers conditional upserts, challenge CAS, ban extension and single-use tokens

package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fullBackend struct {
	name string
	open func(t *testing.T) Store
}

type ephemeralBackend struct {
	name string
	// ttlManaged backends expire records themselves and ignore purge calls
	ttlManaged bool
	open       func(t *testing.T) EphemeralStore
}

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "keygate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestRedisStore(t *testing.T, opts ...RedisOption) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), opts...)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func fullBackends(t *testing.T) []fullBackend {
	backends := []fullBackend{
		{name: "mock", open: func(t *testing.T) Store { return NewMockStore() }},
		{name: "sqlite", open: func(t *testing.T) Store { return newTestSQLiteStore(t) }},
	}

	if dsn := os.Getenv("KEYGATE_TEST_POSTGRES_DSN"); dsn != "" {
		backends = append(backends, fullBackend{name: "postgres", open: func(t *testing.T) Store {
			s, err := NewPostgresStore(context.Background(), dsn)
			require.NoError(t, err)
			_, err = s.db.Exec(`TRUNCATE subjects, challenges, bans, email_tokens`)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		}})
	}
	return backends
}

func ephemeralBackends(t *testing.T) []ephemeralBackend {
	var backends []ephemeralBackend
	for _, b := range fullBackends(t) {
		open := b.open
		backends = append(backends, ephemeralBackend{
			name: b.name,
			open: func(t *testing.T) EphemeralStore { return open(t) },
		})
	}
	return append(backends, ephemeralBackend{
		name:       "redis",
		ttlManaged: true,
		open: func(t *testing.T) EphemeralStore {
			s, _ := newTestRedisStore(t)
			return s
		},
	})
}

func testSubject(fp string, at time.Time) *Subject {
	return &Subject{
		Fingerprint: fp,
		Handle:      "handle-" + fp,
		Email:       fp + "@example.com",
		PublicKey:   "-----BEGIN PGP PUBLIC KEY BLOCK-----\n" + fp,
		Status:      SubjectStatusPending,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
}

func TestSubjects(t *testing.T) {
	for _, b := range fullBackends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Second)

			t.Run("upsert and get", func(t *testing.T) {
				s := b.open(t)
				require.NoError(t, s.UpsertPendingSubject(ctx, testSubject("AAAA", now)))

				got, err := s.GetSubject(ctx, "AAAA")
				require.NoError(t, err)
				assert.Equal(t, "handle-AAAA", got.Handle)
				assert.Equal(t, "AAAA@example.com", got.Email)
				assert.Equal(t, SubjectStatusPending, got.Status)
				assert.False(t, got.PGPVerified)
				assert.False(t, got.EmailVerified)
				assert.True(t, now.Equal(got.CreatedAt))
				assert.Nil(t, got.ApprovedAt)
			})

			t.Run("get missing", func(t *testing.T) {
				s := b.open(t)
				_, err := s.GetSubject(ctx, "NOPE")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("re-register pending replaces record and keeps created_at", func(t *testing.T) {
				s := b.open(t)
				require.NoError(t, s.UpsertPendingSubject(ctx, testSubject("AAAA", now)))
				require.NoError(t, s.SetPGPVerified(ctx, "AAAA", now))

				later := now.Add(time.Minute)
				again := testSubject("AAAA", later)
				again.Handle = "renamed"
				require.NoError(t, s.UpsertPendingSubject(ctx, again))

				got, err := s.GetSubject(ctx, "AAAA")
				require.NoError(t, err)
				assert.Equal(t, "renamed", got.Handle)
				assert.False(t, got.PGPVerified, "re-registration resets verification")
				assert.True(t, now.Equal(got.CreatedAt))
				assert.True(t, later.Equal(got.UpdatedAt))
			})

			t.Run("approved subject cannot be overwritten", func(t *testing.T) {
				s := b.open(t)
				require.NoError(t, s.UpsertPendingSubject(ctx, testSubject("AAAA", now)))
				_, err := s.ApproveSubject(ctx, "AAAA", now)
				require.NoError(t, err)

				hijack := testSubject("AAAA", now.Add(time.Minute))
				hijack.Email = "attacker@example.com"
				assert.ErrorIs(t, s.UpsertPendingSubject(ctx, hijack), ErrSubjectApproved)

				got, err := s.GetSubject(ctx, "AAAA")
				require.NoError(t, err)
				assert.Equal(t, SubjectStatusApproved, got.Status)
				assert.Equal(t, "AAAA@example.com", got.Email)
			})

			t.Run("approve is idempotent", func(t *testing.T) {
				s := b.open(t)
				require.NoError(t, s.UpsertPendingSubject(ctx, testSubject("AAAA", now)))

				first, err := s.ApproveSubject(ctx, "AAAA", now.Add(time.Minute))
				require.NoError(t, err)
				require.NotNil(t, first.ApprovedAt)
				assert.Equal(t, SubjectStatusApproved, first.Status)

				second, err := s.ApproveSubject(ctx, "AAAA", now.Add(time.Hour))
				require.NoError(t, err)
				assert.True(t, first.ApprovedAt.Equal(*second.ApprovedAt))
				assert.True(t, first.UpdatedAt.Equal(second.UpdatedAt))
			})

			t.Run("approve missing", func(t *testing.T) {
				s := b.open(t)
				_, err := s.ApproveSubject(ctx, "NOPE", now)
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("verification flags", func(t *testing.T) {
				s := b.open(t)
				require.NoError(t, s.UpsertPendingSubject(ctx, testSubject("AAAA", now)))
				require.NoError(t, s.SetPGPVerified(ctx, "AAAA", now))
				require.NoError(t, s.SetEmailVerified(ctx, "AAAA", now))

				got, err := s.GetSubject(ctx, "AAAA")
				require.NoError(t, err)
				assert.True(t, got.PGPVerified)
				assert.True(t, got.EmailVerified)

				assert.ErrorIs(t, s.SetPGPVerified(ctx, "NOPE", now), ErrNotFound)
				assert.ErrorIs(t, s.SetEmailVerified(ctx, "NOPE", now), ErrNotFound)
			})

			t.Run("list by status oldest first", func(t *testing.T) {
				s := b.open(t)
				for i, fp := range []string{"CCCC", "AAAA", "BBBB"} {
					require.NoError(t, s.UpsertPendingSubject(ctx, testSubject(fp, now.Add(time.Duration(i)*time.Second))))
				}
				_, err := s.ApproveSubject(ctx, "AAAA", now)
				require.NoError(t, err)

				pending, err := s.ListSubjects(ctx, SubjectStatusPending, 0)
				require.NoError(t, err)
				require.Len(t, pending, 2)
				assert.Equal(t, "CCCC", pending[0].Fingerprint)
				assert.Equal(t, "BBBB", pending[1].Fingerprint)

				limited, err := s.ListSubjects(ctx, SubjectStatusPending, 1)
				require.NoError(t, err)
				assert.Len(t, limited, 1)

				approved, err := s.ListSubjects(ctx, SubjectStatusApproved, 10)
				require.NoError(t, err)
				require.Len(t, approved, 1)
				assert.Equal(t, "AAAA", approved[0].Fingerprint)
			})
		})
	}
}

func TestChallenges(t *testing.T) {
	for _, b := range ephemeralBackends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Millisecond)

			newChallenge := func(id, code string) *Challenge {
				return &Challenge{
					ID:          id,
					Kind:        ChallengeKindSignin,
					Scope:       "client-1",
					Fingerprint: "AAAA",
					Code:        code,
					IssuedAt:    now,
				}
			}

			t.Run("put and get", func(t *testing.T) {
				s := b.open(t)
				require.NoError(t, s.PutChallenge(ctx, newChallenge("c1", "123456")))

				got, err := s.GetChallenge(ctx, ChallengeKindSignin, "client-1")
				require.NoError(t, err)
				assert.Equal(t, "c1", got.ID)
				assert.Equal(t, "123456", got.Code)
				assert.Equal(t, "AAAA", got.Fingerprint)
				assert.Equal(t, 0, got.Attempts)
				assert.True(t, now.Equal(got.IssuedAt))
			})

			t.Run("kinds are separate namespaces", func(t *testing.T) {
				s := b.open(t)
				require.NoError(t, s.PutChallenge(ctx, newChallenge("c1", "123456")))

				_, err := s.GetChallenge(ctx, ChallengeKindRegistration, "client-1")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("put replaces and resets attempts", func(t *testing.T) {
				s := b.open(t)
				require.NoError(t, s.PutChallenge(ctx, newChallenge("c1", "111111")))
				_, err := s.IncrementAttempts(ctx, ChallengeKindSignin, "client-1", "c1")
				require.NoError(t, err)

				require.NoError(t, s.PutChallenge(ctx, newChallenge("c2", "222222")))
				got, err := s.GetChallenge(ctx, ChallengeKindSignin, "client-1")
				require.NoError(t, err)
				assert.Equal(t, "c2", got.ID)
				assert.Equal(t, "222222", got.Code)
				assert.Equal(t, 0, got.Attempts)
			})

			t.Run("increment targets one issuance", func(t *testing.T) {
				s := b.open(t)
				require.NoError(t, s.PutChallenge(ctx, newChallenge("c1", "111111")))

				n, err := s.IncrementAttempts(ctx, ChallengeKindSignin, "client-1", "c1")
				require.NoError(t, err)
				assert.Equal(t, 1, n)

				_, err = s.IncrementAttempts(ctx, ChallengeKindSignin, "client-1", "stale")
				assert.ErrorIs(t, err, ErrNotFound)

				_, err = s.IncrementAttempts(ctx, ChallengeKindSignin, "client-2", "c1")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("conditional delete", func(t *testing.T) {
				s := b.open(t)
				require.NoError(t, s.PutChallenge(ctx, newChallenge("c1", "111111")))

				deleted, err := s.DeleteChallenge(ctx, ChallengeKindSignin, "client-1", "stale")
				require.NoError(t, err)
				assert.False(t, deleted)

				deleted, err = s.DeleteChallenge(ctx, ChallengeKindSignin, "client-1", "c1")
				require.NoError(t, err)
				assert.True(t, deleted)

				deleted, err = s.DeleteChallenge(ctx, ChallengeKindSignin, "client-1", "c1")
				require.NoError(t, err)
				assert.False(t, deleted)

				_, err = s.GetChallenge(ctx, ChallengeKindSignin, "client-1")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("concurrent increments are not lost", func(t *testing.T) {
				s := b.open(t)
				require.NoError(t, s.PutChallenge(ctx, newChallenge("c1", "111111")))

				const workers = 16
				results := make([]int, workers)
				var wg sync.WaitGroup
				for i := 0; i < workers; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						n, err := s.IncrementAttempts(ctx, ChallengeKindSignin, "client-1", "c1")
						assert.NoError(t, err)
						results[i] = n
					}(i)
				}
				wg.Wait()

				sort.Ints(results)
				for i, n := range results {
					assert.Equal(t, i+1, n)
				}
			})

			t.Run("concurrent deletes remove once", func(t *testing.T) {
				s := b.open(t)
				require.NoError(t, s.PutChallenge(ctx, newChallenge("c1", "111111")))

				const workers = 8
				var mu sync.Mutex
				removed := 0
				var wg sync.WaitGroup
				for i := 0; i < workers; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						ok, err := s.DeleteChallenge(ctx, ChallengeKindSignin, "client-1", "c1")
						assert.NoError(t, err)
						if ok {
							mu.Lock()
							removed++
							mu.Unlock()
						}
					}()
				}
				wg.Wait()
				assert.Equal(t, 1, removed)
			})

			if !b.ttlManaged {
				t.Run("purge stale", func(t *testing.T) {
					s := b.open(t)
					old := newChallenge("c1", "111111")
					old.IssuedAt = now.Add(-time.Hour)
					require.NoError(t, s.PutChallenge(ctx, old))

					fresh := newChallenge("c2", "222222")
					fresh.Scope = "client-2"
					require.NoError(t, s.PutChallenge(ctx, fresh))

					n, err := s.DeleteChallengesIssuedBefore(ctx, now.Add(-time.Minute))
					require.NoError(t, err)
					assert.Equal(t, int64(1), n)

					_, err = s.GetChallenge(ctx, ChallengeKindSignin, "client-2")
					assert.NoError(t, err)
				})
			}
		})
	}
}

func TestBans(t *testing.T) {
	for _, b := range ephemeralBackends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Millisecond)

			t.Run("put and get", func(t *testing.T) {
				s := b.open(t)
				require.NoError(t, s.PutBan(ctx, &Ban{Scope: "signin:client-1", Until: now.Add(time.Hour)}))

				ban, err := s.GetBan(ctx, "signin:client-1")
				require.NoError(t, err)
				assert.True(t, ban.Active(now))
				assert.True(t, now.Add(time.Hour).Equal(ban.Until))

				_, err = s.GetBan(ctx, "signin:client-2")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("later expiry wins", func(t *testing.T) {
				s := b.open(t)
				require.NoError(t, s.PutBan(ctx, &Ban{Scope: "x", Until: now.Add(2 * time.Hour)}))
				require.NoError(t, s.PutBan(ctx, &Ban{Scope: "x", Until: now.Add(time.Hour)}))

				ban, err := s.GetBan(ctx, "x")
				require.NoError(t, err)
				assert.True(t, now.Add(2*time.Hour).Equal(ban.Until))

				require.NoError(t, s.PutBan(ctx, &Ban{Scope: "x", Until: now.Add(3 * time.Hour)}))
				ban, err = s.GetBan(ctx, "x")
				require.NoError(t, err)
				assert.True(t, now.Add(3*time.Hour).Equal(ban.Until))
			})

			if !b.ttlManaged {
				t.Run("purge expired", func(t *testing.T) {
					s := b.open(t)
					require.NoError(t, s.PutBan(ctx, &Ban{Scope: "old", Until: now.Add(-time.Second)}))
					require.NoError(t, s.PutBan(ctx, &Ban{Scope: "live", Until: now.Add(time.Hour)}))

					n, err := s.DeleteExpiredBans(ctx, now)
					require.NoError(t, err)
					assert.Equal(t, int64(1), n)

					_, err = s.GetBan(ctx, "old")
					assert.ErrorIs(t, err, ErrNotFound)
					_, err = s.GetBan(ctx, "live")
					assert.NoError(t, err)
				})
			}
		})
	}
}

func TestEmailTokens(t *testing.T) {
	for _, b := range ephemeralBackends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Millisecond)

			newToken := func(token, fp string) *EmailToken {
				return &EmailToken{Token: token, Fingerprint: fp, CreatedAt: now, ExpiresAt: now.Add(24 * time.Hour)}
			}

			t.Run("consume once", func(t *testing.T) {
				s := b.open(t)
				require.NoError(t, s.PutEmailToken(ctx, newToken("tok-1", "AAAA")))

				got, err := s.ConsumeEmailToken(ctx, "tok-1")
				require.NoError(t, err)
				assert.Equal(t, "AAAA", got.Fingerprint)
				assert.True(t, now.Add(24*time.Hour).Equal(got.ExpiresAt))

				_, err = s.ConsumeEmailToken(ctx, "tok-1")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("new token replaces old for same fingerprint", func(t *testing.T) {
				s := b.open(t)
				require.NoError(t, s.PutEmailToken(ctx, newToken("tok-1", "AAAA")))
				require.NoError(t, s.PutEmailToken(ctx, newToken("tok-2", "AAAA")))

				_, err := s.ConsumeEmailToken(ctx, "tok-1")
				assert.ErrorIs(t, err, ErrNotFound)

				got, err := s.ConsumeEmailToken(ctx, "tok-2")
				require.NoError(t, err)
				assert.Equal(t, "AAAA", got.Fingerprint)
			})

			t.Run("token value collision", func(t *testing.T) {
				s := b.open(t)
				require.NoError(t, s.PutEmailToken(ctx, newToken("tok-1", "AAAA")))
				assert.ErrorIs(t, s.PutEmailToken(ctx, newToken("tok-1", "BBBB")), ErrDuplicateToken)
			})

			t.Run("concurrent consume succeeds once", func(t *testing.T) {
				s := b.open(t)
				require.NoError(t, s.PutEmailToken(ctx, newToken("tok-1", "AAAA")))

				const workers = 8
				var mu sync.Mutex
				wins := 0
				var wg sync.WaitGroup
				for i := 0; i < workers; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						if _, err := s.ConsumeEmailToken(ctx, "tok-1"); err == nil {
							mu.Lock()
							wins++
							mu.Unlock()
						}
					}()
				}
				wg.Wait()
				assert.Equal(t, 1, wins)
			})

			if !b.ttlManaged {
				t.Run("purge expired", func(t *testing.T) {
					s := b.open(t)
					for i, fp := range []string{"AAAA", "BBBB"} {
						tok := newToken(fmt.Sprintf("tok-%d", i), fp)
						if fp == "AAAA" {
							tok.ExpiresAt = now.Add(-time.Second)
						}
						require.NoError(t, s.PutEmailToken(ctx, tok))
					}

					n, err := s.DeleteExpiredEmailTokens(ctx, now)
					require.NoError(t, err)
					assert.Equal(t, int64(1), n)

					_, err = s.ConsumeEmailToken(ctx, "tok-1")
					assert.NoError(t, err)
				})
			}
		})
	}
}
