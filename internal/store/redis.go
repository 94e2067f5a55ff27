// ABOUTME: Redis implementation of EphemeralStore for challenges, bans and e-mail tokens
// ABOUTME: Conditional updates run as Lua scripts; records expire through Redis TTLs

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix          = "keygate:"
	defaultChallengeRetention = 10 * time.Minute
)

// incrementAttempts bumps attempts only while the stored id matches.
var incrementAttemptsScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'id') ~= ARGV[1] then
	return -1
end
return redis.call('HINCRBY', KEYS[1], 'attempts', 1)
`)

var deleteChallengeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'id') ~= ARGV[1] then
	return 0
end
return redis.call('DEL', KEYS[1])
`)

// putBan keeps the later of the stored and requested expiry.
var putBanScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if tonumber(ARGV[1]) > cur then
	redis.call('SET', KEYS[1], ARGV[1])
	redis.call('PEXPIREAT', KEYS[1], ARGV[1])
end
return 1
`)

// putEmailToken stores a token hash and a fingerprint index, dropping the
// fingerprint's previous token.
var putEmailTokenScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 and redis.call('HGET', KEYS[1], 'fingerprint') ~= ARGV[2] then
	return 0
end
local old = redis.call('GET', KEYS[2])
if old and old ~= ARGV[1] then
	redis.call('DEL', ARGV[5] .. old)
end
redis.call('HSET', KEYS[1], 'fingerprint', ARGV[2], 'created_ms', ARGV[3], 'expires_ms', ARGV[4])
redis.call('PEXPIREAT', KEYS[1], ARGV[6])
redis.call('SET', KEYS[2], ARGV[1])
redis.call('PEXPIREAT', KEYS[2], ARGV[6])
return 1
`)

var consumeEmailTokenScript = redis.NewScript(`
local v = redis.call('HMGET', KEYS[1], 'fingerprint', 'created_ms', 'expires_ms')
if not v[1] then
	return false
end
redis.call('DEL', KEYS[1])
local idx = ARGV[1] .. v[1]
if redis.call('GET', idx) == ARGV[2] then
	redis.call('DEL', idx)
end
return v
`)

// RedisOption configures a RedisStore
type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces every key the store writes
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithChallengeRetention sets how long after issuance a challenge key lives.
// Expiry decisions are made by the caller; this only bounds storage.
func WithChallengeRetention(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.challengeRetention = d }
}

// WithEmailTokenRetention sets how long a token key outlives its expiry, so
// late redemptions can still be told apart from unknown tokens.
func WithEmailTokenRetention(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.tokenRetention = d }
}

// RedisStore implements EphemeralStore on Redis
type RedisStore struct {
	client             *redis.Client
	prefix             string
	challengeRetention time.Duration
	tokenRetention     time.Duration
	logger             *slog.Logger
}

// NewRedisStore connects to the redis:// URL and verifies the connection.
func NewRedisStore(ctx context.Context, url string, opts ...RedisOption) (*RedisStore, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	s := NewRedisStoreFromClient(client, opts...)
	s.logger.Info("Redis store initialized", "addr", options.Addr, "db", options.DB)
	return s, nil
}

// NewRedisStoreFromClient wraps an existing client. The store owns the client
// and closes it on Close.
func NewRedisStoreFromClient(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:             client,
		prefix:             defaultKeyPrefix,
		challengeRetention: defaultChallengeRetention,
		tokenRetention:     EmailTokenRetention,
		logger:             slog.Default().With("component", "store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) challengeKey(kind ChallengeKind, scope string) string {
	return s.prefix + "challenge:" + string(kind) + ":" + scope
}

func (s *RedisStore) banKey(scope string) string {
	return s.prefix + "ban:" + scope
}

func (s *RedisStore) tokenPrefix() string {
	return s.prefix + "emailtoken:"
}

func (s *RedisStore) tokenIndexPrefix() string {
	return s.prefix + "emailtoken-fp:"
}

// Ping checks that Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client
func (s *RedisStore) Close() error {
	s.logger.Info("closing Redis store")
	return s.client.Close()
}

// PutChallenge replaces the challenge hash in a single transaction
func (s *RedisStore) PutChallenge(ctx context.Context, c *Challenge) error {
	key := s.challengeKey(c.Kind, c.Scope)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, map[string]any{
			"id":          c.ID,
			"fingerprint": c.Fingerprint,
			"code":        c.Code,
			"issued_ms":   c.IssuedAt.UnixMilli(),
			"attempts":    c.Attempts,
		})
		pipe.PExpireAt(ctx, key, c.IssuedAt.Add(s.challengeRetention))
		return nil
	})
	if err != nil {
		return fmt.Errorf("storing challenge: %w", err)
	}
	return nil
}

// GetChallenge reads the challenge hash.
// Returns ErrNotFound if the key is absent.
func (s *RedisStore) GetChallenge(ctx context.Context, kind ChallengeKind, scope string) (*Challenge, error) {
	fields, err := s.client.HGetAll(ctx, s.challengeKey(kind, scope)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading challenge: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	issuedMs, err := strconv.ParseInt(fields["issued_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing issued_ms: %w", err)
	}
	attempts, err := strconv.Atoi(fields["attempts"])
	if err != nil {
		return nil, fmt.Errorf("parsing attempts: %w", err)
	}

	return &Challenge{
		ID:          fields["id"],
		Kind:        kind,
		Scope:       scope,
		Fingerprint: fields["fingerprint"],
		Code:        fields["code"],
		IssuedAt:    fromMillis(issuedMs),
		Attempts:    attempts,
	}, nil
}

// IncrementAttempts bumps attempts on a specific issuance
func (s *RedisStore) IncrementAttempts(ctx context.Context, kind ChallengeKind, scope, id string) (int, error) {
	n, err := incrementAttemptsScript.Run(ctx, s.client, []string{s.challengeKey(kind, scope)}, id).Int()
	if err != nil {
		return 0, fmt.Errorf("incrementing attempts: %w", err)
	}
	if n < 0 {
		return 0, ErrNotFound
	}
	return n, nil
}

// DeleteChallenge removes a specific issuance
func (s *RedisStore) DeleteChallenge(ctx context.Context, kind ChallengeKind, scope, id string) (bool, error) {
	n, err := deleteChallengeScript.Run(ctx, s.client, []string{s.challengeKey(kind, scope)}, id).Int()
	if err != nil {
		return false, fmt.Errorf("deleting challenge: %w", err)
	}
	return n > 0, nil
}

// DeleteChallengesIssuedBefore is a no-op; challenge keys carry a TTL.
func (s *RedisStore) DeleteChallengesIssuedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

// PutBan creates or extends a ban
func (s *RedisStore) PutBan(ctx context.Context, ban *Ban) error {
	err := putBanScript.Run(ctx, s.client, []string{s.banKey(ban.Scope)}, ban.Until.UnixMilli()).Err()
	if err != nil {
		return fmt.Errorf("storing ban: %w", err)
	}
	s.logger.Debug("stored ban", "scope", ban.Scope, "until", ban.Until)
	return nil
}

// GetBan reads a ban.
// Returns ErrNotFound if the key is absent.
func (s *RedisStore) GetBan(ctx context.Context, scope string) (*Ban, error) {
	untilMs, err := s.client.Get(ctx, s.banKey(scope)).Int64()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading ban: %w", err)
	}
	return &Ban{Scope: scope, Until: fromMillis(untilMs)}, nil
}

// DeleteExpiredBans is a no-op; ban keys carry a TTL.
func (s *RedisStore) DeleteExpiredBans(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

// PutEmailToken stores a token and replaces the fingerprint's previous one
func (s *RedisStore) PutEmailToken(ctx context.Context, tok *EmailToken) error {
	keys := []string{s.tokenPrefix() + tok.Token, s.tokenIndexPrefix() + tok.Fingerprint}
	n, err := putEmailTokenScript.Run(ctx, s.client, keys,
		tok.Token,
		tok.Fingerprint,
		tok.CreatedAt.UnixMilli(),
		tok.ExpiresAt.UnixMilli(),
		s.tokenPrefix(),
		tok.ExpiresAt.Add(s.tokenRetention).UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("storing email token: %w", err)
	}
	if n == 0 {
		return ErrDuplicateToken
	}
	return nil
}

// ConsumeEmailToken atomically reads and deletes a token
func (s *RedisStore) ConsumeEmailToken(ctx context.Context, token string) (*EmailToken, error) {
	vals, err := consumeEmailTokenScript.Run(ctx, s.client,
		[]string{s.tokenPrefix() + token},
		s.tokenIndexPrefix(),
		token,
	).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consuming email token: %w", err)
	}
	if len(vals) != 3 {
		return nil, fmt.Errorf("consuming email token: unexpected reply length %d", len(vals))
	}

	createdMs, err := strconv.ParseInt(vals[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing created_ms: %w", err)
	}
	expiresMs, err := strconv.ParseInt(vals[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing expires_ms: %w", err)
	}

	return &EmailToken{
		Token:       token,
		Fingerprint: vals[0],
		CreatedAt:   fromMillis(createdMs),
		ExpiresAt:   fromMillis(expiresMs),
	}, nil
}

// DeleteExpiredEmailTokens is a no-op; token keys carry a TTL of their expiry
// plus the retention.
func (s *RedisStore) DeleteExpiredEmailTokens(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}
