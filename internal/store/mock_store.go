// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and mirrors its conditional-update semantics

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu         sync.Mutex
	subjects   map[string]*Subject    // keyed by fingerprint
	challenges map[string]*Challenge  // keyed by "kind:scope"
	bans       map[string]*Ban        // keyed by scope
	tokens     map[string]*EmailToken // keyed by token
	tokenByFP  map[string]string      // fingerprint -> token

	// Err, when set, is returned by every operation. Tests use it to
	// simulate an unavailable backend.
	Err error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		subjects:   make(map[string]*Subject),
		challenges: make(map[string]*Challenge),
		bans:       make(map[string]*Ban),
		tokens:     make(map[string]*EmailToken),
		tokenByFP:  make(map[string]string),
	}
}

// SetErr sets or clears the injected failure.
func (m *MockStore) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}

func challengeKey(kind ChallengeKind, scope string) string {
	return string(kind) + ":" + scope
}

func copySubject(s *Subject) *Subject {
	c := *s
	if s.ApprovedAt != nil {
		t := *s.ApprovedAt
		c.ApprovedAt = &t
	}
	return &c
}

// UpsertPendingSubject stores a pending subject unless it is approved.
func (m *MockStore) UpsertPendingSubject(ctx context.Context, subj *Subject) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	existing, ok := m.subjects[subj.Fingerprint]
	if ok && existing.Status == SubjectStatusApproved {
		return ErrSubjectApproved
	}

	s := copySubject(subj)
	s.Status = SubjectStatusPending
	s.ApprovedAt = nil
	if ok {
		s.CreatedAt = existing.CreatedAt
		s.ApprovedAt = existing.ApprovedAt
	}
	m.subjects[s.Fingerprint] = s
	return nil
}

// GetSubject retrieves a subject by fingerprint.
func (m *MockStore) GetSubject(ctx context.Context, fingerprint string) (*Subject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	s, ok := m.subjects[fingerprint]
	if !ok {
		return nil, ErrNotFound
	}
	return copySubject(s), nil
}

// ApproveSubject marks a subject approved.
func (m *MockStore) ApproveSubject(ctx context.Context, fingerprint string, at time.Time) (*Subject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	s, ok := m.subjects[fingerprint]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Status != SubjectStatusApproved {
		s.Status = SubjectStatusApproved
		s.UpdatedAt = at
	}
	if s.ApprovedAt == nil {
		t := at
		s.ApprovedAt = &t
	}
	return copySubject(s), nil
}

// SetPGPVerified sets the pgp_verified flag.
func (m *MockStore) SetPGPVerified(ctx context.Context, fingerprint string, at time.Time) error {
	return m.setFlag(fingerprint, at, func(s *Subject) { s.PGPVerified = true })
}

// SetEmailVerified sets the email_verified flag.
func (m *MockStore) SetEmailVerified(ctx context.Context, fingerprint string, at time.Time) error {
	return m.setFlag(fingerprint, at, func(s *Subject) { s.EmailVerified = true })
}

func (m *MockStore) setFlag(fingerprint string, at time.Time, set func(*Subject)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	s, ok := m.subjects[fingerprint]
	if !ok {
		return ErrNotFound
	}
	set(s)
	s.UpdatedAt = at
	return nil
}

// ListSubjects returns subjects with the given status, oldest first.
func (m *MockStore) ListSubjects(ctx context.Context, status SubjectStatus, limit int) ([]*Subject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if limit <= 0 {
		limit = defaultListLimit
	}

	var result []*Subject
	for _, s := range m.subjects {
		if s.Status == status {
			result = append(result, copySubject(s))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].Fingerprint < result[j].Fingerprint
	})

	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// PutChallenge replaces the challenge for (kind, scope).
func (m *MockStore) PutChallenge(ctx context.Context, c *Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	cp := *c
	m.challenges[challengeKey(c.Kind, c.Scope)] = &cp
	return nil
}

// GetChallenge retrieves the challenge for (kind, scope).
func (m *MockStore) GetChallenge(ctx context.Context, kind ChallengeKind, scope string) (*Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	c, ok := m.challenges[challengeKey(kind, scope)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// IncrementAttempts bumps attempts if the stored challenge has the given id.
func (m *MockStore) IncrementAttempts(ctx context.Context, kind ChallengeKind, scope, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}

	c, ok := m.challenges[challengeKey(kind, scope)]
	if !ok || c.ID != id {
		return 0, ErrNotFound
	}
	c.Attempts++
	return c.Attempts, nil
}

// DeleteChallenge removes the challenge if the stored one has the given id.
func (m *MockStore) DeleteChallenge(ctx context.Context, kind ChallengeKind, scope, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}

	key := challengeKey(kind, scope)
	c, ok := m.challenges[key]
	if !ok || c.ID != id {
		return false, nil
	}
	delete(m.challenges, key)
	return true, nil
}

// DeleteChallengesIssuedBefore purges old challenges.
func (m *MockStore) DeleteChallengesIssuedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}

	var n int64
	for key, c := range m.challenges {
		if c.IssuedAt.Before(cutoff) {
			delete(m.challenges, key)
			n++
		}
	}
	return n, nil
}

// PutBan creates or extends a ban.
func (m *MockStore) PutBan(ctx context.Context, ban *Ban) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	if existing, ok := m.bans[ban.Scope]; ok && !ban.Until.After(existing.Until) {
		return nil
	}
	b := *ban
	m.bans[ban.Scope] = &b
	return nil
}

// GetBan retrieves a ban.
func (m *MockStore) GetBan(ctx context.Context, scope string) (*Ban, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	b, ok := m.bans[scope]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

// DeleteExpiredBans purges bans that are no longer active.
func (m *MockStore) DeleteExpiredBans(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}

	var n int64
	for scope, b := range m.bans {
		if !b.Active(now) {
			delete(m.bans, scope)
			n++
		}
	}
	return n, nil
}

// PutEmailToken stores a token, replacing the fingerprint's previous one.
func (m *MockStore) PutEmailToken(ctx context.Context, tok *EmailToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	if existing, ok := m.tokens[tok.Token]; ok && existing.Fingerprint != tok.Fingerprint {
		return ErrDuplicateToken
	}
	if old, ok := m.tokenByFP[tok.Fingerprint]; ok {
		delete(m.tokens, old)
	}
	cp := *tok
	m.tokens[tok.Token] = &cp
	m.tokenByFP[tok.Fingerprint] = tok.Token
	return nil
}

// ConsumeEmailToken removes and returns a token.
func (m *MockStore) ConsumeEmailToken(ctx context.Context, token string) (*EmailToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	tok, ok := m.tokens[token]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.tokens, token)
	if m.tokenByFP[tok.Fingerprint] == token {
		delete(m.tokenByFP, tok.Fingerprint)
	}
	return tok, nil
}

// DeleteExpiredEmailTokens purges tokens that expired by cutoff.
func (m *MockStore) DeleteExpiredEmailTokens(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}

	var n int64
	for token, tok := range m.tokens {
		if !tok.ExpiresAt.After(cutoff) {
			delete(m.tokens, token)
			if m.tokenByFP[tok.Fingerprint] == token {
				delete(m.tokenByFP, tok.Fingerprint)
			}
			n++
		}
	}
	return n, nil
}

// Ping reports the injected failure, if any.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Err
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}
