package repository

import (
	"context"
	"errors"
	"time"

	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/domain"
	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/domain/oauth"
)

// ErrNotFound is returned by durable repositories when no row matches.
var ErrNotFound = errors.New("repository: not found")

// ChallengeStore persists outer-leg PKCE challenges keyed by outer state.
// Entries expire after their TTL; lookups past expiry return nil.
type ChallengeStore interface {
	SaveChallenge(ctx context.Context, outerState string, ch oauth.PKCEChallenge, ttl time.Duration) error
	GetChallenge(ctx context.Context, outerState string) (*oauth.PKCEChallenge, error)
	DeleteChallenge(ctx context.Context, outerState string) error
}

// StateBridgeStore maps inner state tokens to their bridge entries.
type StateBridgeStore interface {
	SaveEntry(ctx context.Context, token string, entry oauth.StateBridgeEntry, ttl time.Duration) error
	GetEntry(ctx context.Context, token string) (*oauth.StateBridgeEntry, error)
	DeleteEntry(ctx context.Context, token string) error
}

// AuthCodeStore manages single-use authorization codes issued to the outer
// client. ConsumeCode atomically marks the code used and returns it; a second
// consume of the same code returns nil.
type AuthCodeStore interface {
	SaveCode(ctx context.Context, code oauth.AuthorizationCode, ttl time.Duration) error
	ConsumeCode(ctx context.Context, code string) (*oauth.AuthorizationCode, error)
}

// CompanySessionRepository persists per-realm QuickBooks credentials, one row
// per outer session, with a secondary lookup by realm id.
type CompanySessionRepository interface {
	Create(ctx context.Context, session domain.CompanySession) (domain.CompanySession, error)
	GetBySessionID(ctx context.Context, sessionID string) (domain.CompanySession, error)
	GetMostRecent(ctx context.Context) (domain.CompanySession, error)
	ListByRealmID(ctx context.Context, realmID string) ([]domain.CompanySession, error)
	UpdateTokensByRealm(ctx context.Context, realmID, accessToken, refreshToken string, expiresAt time.Time) (int64, error)
	TouchLastUsed(ctx context.Context, sessionID string, usedAt time.Time) error
	DeleteByRealm(ctx context.Context, realmID string) (int64, error)
}

// BrokerTokenRepository persists broker-issued bearer tokens.
type BrokerTokenRepository interface {
	Create(ctx context.Context, token domain.BrokerToken) (domain.BrokerToken, error)
	GetByToken(ctx context.Context, token string) (domain.BrokerToken, error)
	GetByRefreshToken(ctx context.Context, refreshToken string) (domain.BrokerToken, error)
	Delete(ctx context.Context, token string) error
}
