package repository

import (
	"context"
	"sync"
	"time"

	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/domain"
	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/domain/oauth"
)

// timedEntry wraps a value with its expiry for TTL tracking.
type timedEntry[T any] struct {
	value     T
	expiresAt time.Time
}

func (e timedEntry[T]) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// Purger is implemented by memory stores holding TTL-bound entries. The
// sweeper calls PurgeExpired periodically; lookups also expire lazily.
type Purger interface {
	PurgeExpired(now time.Time) int
}

// MemoryChallengeStore keeps PKCE challenges in process memory. Safe for
// concurrent use. Entries survive only as long as the process.
type MemoryChallengeStore struct {
	mu   sync.RWMutex
	data map[string]timedEntry[oauth.PKCEChallenge]
}

var _ ChallengeStore = (*MemoryChallengeStore)(nil)

func NewMemoryChallengeStore() *MemoryChallengeStore {
	return &MemoryChallengeStore{data: make(map[string]timedEntry[oauth.PKCEChallenge])}
}

func (s *MemoryChallengeStore) SaveChallenge(_ context.Context, outerState string, ch oauth.PKCEChallenge, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[outerState] = timedEntry[oauth.PKCEChallenge]{value: ch, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *MemoryChallengeStore) GetChallenge(_ context.Context, outerState string) (*oauth.PKCEChallenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.data[outerState]
	if !ok {
		return nil, nil
	}
	if entry.expired(time.Now()) {
		delete(s.data, outerState)
		return nil, nil
	}
	ch := entry.value
	return &ch, nil
}

func (s *MemoryChallengeStore) DeleteChallenge(_ context.Context, outerState string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, outerState)
	return nil
}

func (s *MemoryChallengeStore) PurgeExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for key, entry := range s.data {
		if entry.expired(now) {
			delete(s.data, key)
			purged++
		}
	}
	return purged
}

// MemoryStateBridgeStore keeps state bridge entries in process memory.
type MemoryStateBridgeStore struct {
	mu   sync.RWMutex
	data map[string]timedEntry[oauth.StateBridgeEntry]
}

var _ StateBridgeStore = (*MemoryStateBridgeStore)(nil)

func NewMemoryStateBridgeStore() *MemoryStateBridgeStore {
	return &MemoryStateBridgeStore{data: make(map[string]timedEntry[oauth.StateBridgeEntry])}
}

func (s *MemoryStateBridgeStore) SaveEntry(_ context.Context, token string, entry oauth.StateBridgeEntry, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[token] = timedEntry[oauth.StateBridgeEntry]{value: entry, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *MemoryStateBridgeStore) GetEntry(_ context.Context, token string) (*oauth.StateBridgeEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.data[token]
	if !ok {
		return nil, nil
	}
	if entry.expired(time.Now()) {
		delete(s.data, token)
		return nil, nil
	}
	value := entry.value
	return &value, nil
}

func (s *MemoryStateBridgeStore) DeleteEntry(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, token)
	return nil
}

func (s *MemoryStateBridgeStore) PurgeExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for key, entry := range s.data {
		if entry.expired(now) {
			delete(s.data, key)
			purged++
		}
	}
	return purged
}

// MemoryAuthCodeStore keeps authorization codes in process memory.
type MemoryAuthCodeStore struct {
	mu   sync.Mutex
	data map[string]timedEntry[oauth.AuthorizationCode]
}

var _ AuthCodeStore = (*MemoryAuthCodeStore)(nil)

func NewMemoryAuthCodeStore() *MemoryAuthCodeStore {
	return &MemoryAuthCodeStore{data: make(map[string]timedEntry[oauth.AuthorizationCode])}
}

func (s *MemoryAuthCodeStore) SaveCode(_ context.Context, code oauth.AuthorizationCode, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[code.Code] = timedEntry[oauth.AuthorizationCode]{value: code, expiresAt: time.Now().Add(ttl)}
	return nil
}

// ConsumeCode marks the code used and returns it. The used entry stays in the
// map until its TTL so replays are rejected rather than treated as unknown.
func (s *MemoryAuthCodeStore) ConsumeCode(_ context.Context, code string) (*oauth.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.data[code]
	if !ok {
		return nil, nil
	}
	now := time.Now()
	if entry.expired(now) {
		delete(s.data, code)
		return nil, nil
	}
	if entry.value.Used || now.After(entry.value.ExpiresAt) {
		return nil, nil
	}
	entry.value.Used = true
	s.data[code] = entry
	consumed := entry.value
	return &consumed, nil
}

func (s *MemoryAuthCodeStore) PurgeExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for key, entry := range s.data {
		if entry.expired(now) {
			delete(s.data, key)
			purged++
		}
	}
	return purged
}

// MemoryCompanySessionRepo is a development and test stand-in for the
// Postgres-backed session repository.
type MemoryCompanySessionRepo struct {
	mu       sync.RWMutex
	sessions map[string]domain.CompanySession
}

var _ CompanySessionRepository = (*MemoryCompanySessionRepo)(nil)

func NewMemoryCompanySessionRepo() *MemoryCompanySessionRepo {
	return &MemoryCompanySessionRepo{sessions: make(map[string]domain.CompanySession)}
}

func (r *MemoryCompanySessionRepo) Create(_ context.Context, session domain.CompanySession) (domain.CompanySession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session.SessionID] = session
	return session, nil
}

func (r *MemoryCompanySessionRepo) GetBySessionID(_ context.Context, sessionID string) (domain.CompanySession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[sessionID]
	if !ok {
		return domain.CompanySession{}, ErrNotFound
	}
	return session, nil
}

func (r *MemoryCompanySessionRepo) GetMostRecent(_ context.Context) (domain.CompanySession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var (
		best  domain.CompanySession
		found bool
	)
	for _, session := range r.sessions {
		if !found || session.LastUsedAt.After(best.LastUsedAt) {
			best = session
			found = true
		}
	}
	if !found {
		return domain.CompanySession{}, ErrNotFound
	}
	return best, nil
}

func (r *MemoryCompanySessionRepo) ListByRealmID(_ context.Context, realmID string) ([]domain.CompanySession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.CompanySession
	for _, session := range r.sessions {
		if session.RealmID == realmID {
			out = append(out, session)
		}
	}
	return out, nil
}

func (r *MemoryCompanySessionRepo) UpdateTokensByRealm(_ context.Context, realmID, accessToken, refreshToken string, expiresAt time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var updated int64
	for id, session := range r.sessions {
		if session.RealmID != realmID {
			continue
		}
		session.AccessToken = accessToken
		session.RefreshToken = refreshToken
		session.TokenExpiresAt = expiresAt
		r.sessions[id] = session
		updated++
	}
	return updated, nil
}

func (r *MemoryCompanySessionRepo) TouchLastUsed(_ context.Context, sessionID string, usedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	session.LastUsedAt = usedAt
	r.sessions[sessionID] = session
	return nil
}

func (r *MemoryCompanySessionRepo) DeleteByRealm(_ context.Context, realmID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var deleted int64
	for id, session := range r.sessions {
		if session.RealmID == realmID {
			delete(r.sessions, id)
			deleted++
		}
	}
	return deleted, nil
}

// MemoryBrokerTokenRepo is a development and test stand-in for the
// Postgres-backed broker token repository.
type MemoryBrokerTokenRepo struct {
	mu     sync.RWMutex
	tokens map[string]domain.BrokerToken
}

var _ BrokerTokenRepository = (*MemoryBrokerTokenRepo)(nil)

func NewMemoryBrokerTokenRepo() *MemoryBrokerTokenRepo {
	return &MemoryBrokerTokenRepo{tokens: make(map[string]domain.BrokerToken)}
}

func (r *MemoryBrokerTokenRepo) Create(_ context.Context, token domain.BrokerToken) (domain.BrokerToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[token.Token] = token
	return token, nil
}

func (r *MemoryBrokerTokenRepo) GetByToken(_ context.Context, token string) (domain.BrokerToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stored, ok := r.tokens[token]
	if !ok {
		return domain.BrokerToken{}, ErrNotFound
	}
	return stored, nil
}

func (r *MemoryBrokerTokenRepo) GetByRefreshToken(_ context.Context, refreshToken string) (domain.BrokerToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if refreshToken == "" {
		return domain.BrokerToken{}, ErrNotFound
	}
	for _, stored := range r.tokens {
		if stored.RefreshToken == refreshToken {
			return stored, nil
		}
	}
	return domain.BrokerToken{}, ErrNotFound
}

func (r *MemoryBrokerTokenRepo) Delete(_ context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, token)
	return nil
}
