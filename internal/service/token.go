package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/config"
	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/domain"
	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/repository"
)

// TokenResponse matches RFC 6749 token endpoint responses.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// TokenExchangeInput carries the outer client's token request.
type TokenExchangeInput struct {
	GrantType    string
	Code         string
	CodeVerifier string
	ClientID     string
	RefreshToken string
}

// TokenService terminates the outer token endpoint: the PKCE-verified
// authorization_code grant, and the refresh_token grant when broker token
// refresh is enabled.
type TokenService struct {
	codes      repository.AuthCodeStore
	challenges repository.ChallengeStore
	tokens     repository.BrokerTokenRepository
	snowflake  *snowflake.Node
	cfg        config.Config
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewTokenService wires the token exchange orchestrator.
func NewTokenService(
	codes repository.AuthCodeStore,
	challenges repository.ChallengeStore,
	tokens repository.BrokerTokenRepository,
	node *snowflake.Node,
	cfg config.Config,
	logger *zap.Logger,
) *TokenService {
	return &TokenService{
		codes:      codes,
		challenges: challenges,
		tokens:     tokens,
		snowflake:  node,
		cfg:        cfg,
		logger:     logger,
		tracer:     otel.Tracer("github.com/pietrobelluno/quickbooks-online-mcp-server/internal/service"),
	}
}

// Exchange dispatches on grant_type.
func (s *TokenService) Exchange(ctx context.Context, in TokenExchangeInput) (*TokenResponse, error) {
	ctx, span := s.tracer.Start(ctx, "TokenService.Exchange")
	defer span.End()

	switch strings.ToLower(strings.TrimSpace(in.GrantType)) {
	case "authorization_code":
		return s.authorizationCodeGrant(ctx, in)
	case "refresh_token":
		if !s.cfg.BrokerRefreshEnabled {
			return nil, newOAuthError("unsupported_grant_type", "Refresh grant is disabled.", 400)
		}
		return s.refreshTokenGrant(ctx, in)
	default:
		return nil, newOAuthError("unsupported_grant_type", "Unsupported grant type.", 400)
	}
}

func (s *TokenService) authorizationCodeGrant(ctx context.Context, in TokenExchangeInput) (*TokenResponse, error) {
	if strings.TrimSpace(in.Code) == "" {
		return nil, invalidRequest("code is required.")
	}
	clientID := strings.TrimSpace(in.ClientID)
	if clientID == "" {
		return nil, invalidRequest("client_id is required.")
	}
	if !ValidVerifier(in.CodeVerifier) {
		return nil, invalidRequest("code_verifier must be 43-128 characters of the RFC 7636 alphabet.")
	}

	// Consuming marks the code used before anything else happens, closing
	// the replay window even if a later step fails.
	code, err := s.codes.ConsumeCode(ctx, in.Code)
	if err != nil {
		return nil, fmt.Errorf("consume authorization code: %w", err)
	}
	if code == nil {
		return nil, invalidGrant("Authorization code is invalid or expired.")
	}

	challenge, err := s.challenges.GetChallenge(ctx, code.OuterState)
	if err != nil {
		return nil, fmt.Errorf("load challenge: %w", err)
	}
	if challenge == nil {
		return nil, invalidGrant("Authorization request has expired.")
	}

	if !VerifyChallenge(challenge.Method, in.CodeVerifier, challenge.Challenge) {
		s.log().Warn("pkce verification failed",
			zap.String("client_id", clientID),
			zap.String("session_id", code.SessionID),
		)
		return nil, invalidGrant("PKCE verification failed.")
	}
	if challenge.ClientID != clientID {
		s.log().Warn("client binding mismatch on token exchange",
			zap.String("expected_client_id", challenge.ClientID),
			zap.String("client_id", clientID),
		)
		return nil, invalidGrant("client_id does not match the authorization request.")
	}

	if err := s.challenges.DeleteChallenge(ctx, code.OuterState); err != nil {
		s.log().Warn("failed to delete consumed challenge", zap.Error(err))
	}

	return s.mintBrokerToken(ctx, code.SessionID)
}

// refreshTokenGrant rotates the broker token pair. The old pair is removed
// before the new one is returned.
func (s *TokenService) refreshTokenGrant(ctx context.Context, in TokenExchangeInput) (*TokenResponse, error) {
	refresh := strings.TrimSpace(in.RefreshToken)
	if refresh == "" {
		return nil, invalidRequest("refresh_token is required.")
	}

	stored, err := s.tokens.GetByRefreshToken(ctx, refresh)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, invalidGrant("Refresh token is invalid.")
		}
		return nil, fmt.Errorf("look up refresh token: %w", err)
	}
	if err := s.tokens.Delete(ctx, stored.Token); err != nil {
		return nil, fmt.Errorf("rotate broker token: %w", err)
	}

	return s.mintBrokerToken(ctx, stored.SessionID)
}

func (s *TokenService) mintBrokerToken(ctx context.Context, sessionID string) (*TokenResponse, error) {
	access, err := secureRandomString(32)
	if err != nil {
		return nil, fmt.Errorf("mint broker token: %w", err)
	}

	now := time.Now().UTC()
	token := domain.BrokerToken{
		ID:        s.snowflake.Generate().Int64(),
		Token:     access,
		SessionID: sessionID,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.cfg.BrokerTokenTTL),
	}
	if s.cfg.BrokerRefreshEnabled {
		refresh, err := secureRandomString(32)
		if err != nil {
			return nil, fmt.Errorf("mint broker refresh token: %w", err)
		}
		token.RefreshToken = refresh
	}

	if _, err := s.tokens.Create(ctx, token); err != nil {
		return nil, fmt.Errorf("persist broker token: %w", err)
	}

	return &TokenResponse{
		AccessToken:  token.Token,
		RefreshToken: token.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.cfg.BrokerTokenTTL.Seconds()),
	}, nil
}

func (s *TokenService) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}
