package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	providerclient "github.com/pietrobelluno/quickbooks-online-mcp-server/internal/adapter/oauth"
	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/config"
	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/domain"
	domainoauth "github.com/pietrobelluno/quickbooks-online-mcp-server/internal/domain/oauth"
	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/lock"
	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/repository"
)

// RefreshService keeps company sessions' Intuit tokens fresh. Refresh is
// serialized per realm, not per session: Intuit rotates refresh tokens, and
// two concurrent refreshes with the same token would invalidate each other.
type RefreshService struct {
	sessions repository.CompanySessionRepository
	locks    *lock.Coordinator
	provider providerclient.ProviderClient
	cfg      config.Config
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewRefreshService wires the refresh service.
func NewRefreshService(
	sessions repository.CompanySessionRepository,
	locks *lock.Coordinator,
	provider providerclient.ProviderClient,
	cfg config.Config,
	logger *zap.Logger,
) *RefreshService {
	return &RefreshService{
		sessions: sessions,
		locks:    locks,
		provider: provider,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("github.com/pietrobelluno/quickbooks-online-mcp-server/internal/service"),
	}
}

// EnsureFresh returns a session whose access token is valid for at least the
// refresh margin, refreshing and fanning out to every sibling session of the
// realm when needed. A provider-side refresh failure surfaces as
// ErrReauthorizationRequired; callers must not retry it.
func (s *RefreshService) EnsureFresh(ctx context.Context, session domain.CompanySession) (domain.CompanySession, error) {
	if !s.refreshDue(session) {
		return session, nil
	}

	ctx, span := s.tracer.Start(ctx, "RefreshService.EnsureFresh")
	defer span.End()

	release, err := s.locks.Acquire(ctx, session.RealmID)
	if err != nil {
		return domain.CompanySession{}, fmt.Errorf("acquire realm lock: %w", err)
	}
	defer release()

	// Re-check under the lock: another caller may have refreshed the realm
	// while we waited, in which case our session row already carries the
	// new tokens.
	current, err := s.sessions.GetBySessionID(ctx, session.SessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.CompanySession{}, domainoauth.ErrReauthorizationRequired
		}
		return domain.CompanySession{}, fmt.Errorf("reload session: %w", err)
	}
	if !s.refreshDue(current) {
		return current, nil
	}

	tokens, err := s.provider.RefreshToken(ctx, current.RefreshToken)
	if err != nil {
		s.log().Warn("intuit refresh failed, reauthorization required",
			zap.String("realm_id", current.RealmID),
			zap.Error(err),
		)
		return domain.CompanySession{}, fmt.Errorf("%w: %v", domainoauth.ErrReauthorizationRequired, err)
	}

	expiresAt := time.Now().UTC().Add(time.Duration(tokens.ExpiresIn) * time.Second)
	updated, err := s.sessions.UpdateTokensByRealm(ctx, current.RealmID, tokens.AccessToken, tokens.RefreshToken, expiresAt)
	if err != nil {
		return domain.CompanySession{}, fmt.Errorf("fan out refreshed tokens: %w", err)
	}

	s.log().Info("company tokens refreshed",
		zap.String("realm_id", current.RealmID),
		zap.Int64("sessions_updated", updated),
	)

	current.AccessToken = tokens.AccessToken
	current.RefreshToken = tokens.RefreshToken
	current.TokenExpiresAt = expiresAt
	return current, nil
}

func (s *RefreshService) refreshDue(session domain.CompanySession) bool {
	return time.Until(session.TokenExpiresAt) < s.cfg.RefreshMargin
}

func (s *RefreshService) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}
