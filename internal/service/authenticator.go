package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	domainoauth "github.com/pietrobelluno/quickbooks-online-mcp-server/internal/domain/oauth"
	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/repository"
)

// AuthContext is what a protected call receives once the gate has resolved
// and refreshed the caller's company credentials.
type AuthContext struct {
	SessionID   string
	RealmID     string
	AccessToken string
}

// Authenticator is the per-call gate in front of protected endpoints. Its
// failure taxonomy is exactly two-valued: ErrUnauthenticated (bad or expired
// broker token) and ErrReauthorizationRequired (company connection gone or
// unrefreshable). Callers must not conflate the two.
type Authenticator struct {
	tokens   repository.BrokerTokenRepository
	sessions repository.CompanySessionRepository
	refresh  *RefreshService
	logger   *zap.Logger
}

// NewAuthenticator wires the request authenticator.
func NewAuthenticator(
	tokens repository.BrokerTokenRepository,
	sessions repository.CompanySessionRepository,
	refresh *RefreshService,
	logger *zap.Logger,
) *Authenticator {
	return &Authenticator{
		tokens:   tokens,
		sessions: sessions,
		refresh:  refresh,
		logger:   logger,
	}
}

// Authenticate resolves the bearer token to a live company session,
// refreshing Intuit tokens when due.
func (a *Authenticator) Authenticate(ctx context.Context, bearer string) (*AuthContext, error) {
	if bearer == "" {
		return nil, domainoauth.ErrUnauthenticated
	}

	token, err := a.tokens.GetByToken(ctx, bearer)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domainoauth.ErrUnauthenticated
		}
		return nil, fmt.Errorf("resolve broker token: %w", err)
	}
	now := time.Now()
	if token.Expired(now) {
		return nil, domainoauth.ErrUnauthenticated
	}

	session, err := a.sessions.GetBySessionID(ctx, token.SessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Company was disconnected; the broker token alone is useless.
			return nil, domainoauth.ErrReauthorizationRequired
		}
		return nil, fmt.Errorf("resolve company session: %w", err)
	}

	session, err = a.refresh.EnsureFresh(ctx, session)
	if err != nil {
		return nil, err
	}

	if err := a.sessions.TouchLastUsed(ctx, session.SessionID, now.UTC()); err != nil {
		a.log().Warn("failed to touch session", zap.Error(err))
	}

	return &AuthContext{
		SessionID:   session.SessionID,
		RealmID:     session.RealmID,
		AccessToken: session.AccessToken,
	}, nil
}

func (a *Authenticator) log() *zap.Logger {
	if a != nil && a.logger != nil {
		return a.logger
	}
	return zap.L()
}
