package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	providerclient "github.com/pietrobelluno/quickbooks-online-mcp-server/internal/adapter/oauth"
	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/config"
	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/domain"
	domainoauth "github.com/pietrobelluno/quickbooks-online-mcp-server/internal/domain/oauth"
	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/lock"
	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/repository"
	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/statecodec"
)

// firstConnectLockKey serializes first-time connections, where no realm id
// is known yet to key the lock by.
const firstConnectLockKey = "connect:first"

// AuthorizeService drives both redirect legs: the outer /authorize request
// and the Intuit callback, plus company disconnect.
type AuthorizeService interface {
	StartAuthorization(ctx context.Context, in StartAuthorizationInput) (*RedirectResult, error)
	HandleIntuitCallback(ctx context.Context, in IntuitCallbackInput) (*RedirectResult, error)
	Disconnect(ctx context.Context, realmID string) error
}

// StartAuthorizationInput carries the outer client's authorize parameters.
// CallbackURL is the broker's own Intuit-facing callback, derived from the
// request by the handler.
type StartAuthorizationInput struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	State               string
	Scope               string
	CallbackURL         string
}

// IntuitCallbackInput captures Intuit callback query parameters.
type IntuitCallbackInput struct {
	Code        string
	RealmID     string
	State       string
	CallbackURL string
}

// RedirectResult is the 302 target the handler should send the browser to.
type RedirectResult struct {
	RedirectURL string
}

type authorizeService struct {
	challenges repository.ChallengeStore
	bridge     repository.StateBridgeStore
	codes      repository.AuthCodeStore
	sessions   repository.CompanySessionRepository
	locks      *lock.Coordinator
	provider   providerclient.ProviderClient
	codec      *statecodec.Codec
	snowflake  *snowflake.Node
	cfg        config.Config
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewAuthorizeService wires the authorization orchestrator.
func NewAuthorizeService(
	challenges repository.ChallengeStore,
	bridge repository.StateBridgeStore,
	codes repository.AuthCodeStore,
	sessions repository.CompanySessionRepository,
	locks *lock.Coordinator,
	provider providerclient.ProviderClient,
	codec *statecodec.Codec,
	node *snowflake.Node,
	cfg config.Config,
	logger *zap.Logger,
) AuthorizeService {
	return &authorizeService{
		challenges: challenges,
		bridge:     bridge,
		codes:      codes,
		sessions:   sessions,
		locks:      locks,
		provider:   provider,
		codec:      codec,
		snowflake:  node,
		cfg:        cfg,
		logger:     logger,
		tracer:     otel.Tracer("github.com/pietrobelluno/quickbooks-online-mcp-server/internal/service"),
	}
}

func (s *authorizeService) StartAuthorization(ctx context.Context, in StartAuthorizationInput) (*RedirectResult, error) {
	ctx, span := s.tracer.Start(ctx, "AuthorizeService.StartAuthorization")
	defer span.End()

	params, err := s.validateAuthorizeInput(in)
	if err != nil {
		return nil, err
	}

	challenge := domainoauth.PKCEChallenge{
		Challenge:   params.codeChallenge,
		Method:      params.method,
		RedirectURI: params.redirectURI,
		ClientID:    params.clientID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.challenges.SaveChallenge(ctx, params.state, challenge, s.cfg.FlowStateTTL); err != nil {
		return nil, fmt.Errorf("persist challenge: %w", err)
	}

	// This first lookup only picks the lock key: the realm id when a session
	// exists, the first-connect key otherwise. Its result is not trusted; the
	// authoritative read is the re-check below, taken under the lock.
	existing, err := s.sessions.GetMostRecent(ctx)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("look up existing session: %w", err)
	}

	lockKey := firstConnectLockKey
	if err == nil {
		lockKey = existing.RealmID
	}
	release, lockErr := s.locks.Acquire(ctx, lockKey)
	if lockErr != nil {
		return nil, fmt.Errorf("acquire realm lock: %w", lockErr)
	}
	defer release()

	// Re-check now that we hold the lock; another caller may have finished
	// a consent or refresh while we waited.
	existing, err = s.sessions.GetMostRecent(ctx)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("look up existing session: %w", err)
	}
	if err == nil && s.sessionUsable(existing) {
		return s.fanOutSharedSession(ctx, existing, params)
	}

	return s.redirectToIntuit(ctx, in, params)
}

func (s *authorizeService) sessionUsable(session domain.CompanySession) bool {
	return time.Until(session.TokenExpiresAt) >= s.cfg.SharedSessionMargin
}

// fanOutSharedSession clones the realm's current tokens into a brand-new
// session row and sends the outer client straight back with a code, skipping
// the Intuit round trip entirely.
func (s *authorizeService) fanOutSharedSession(ctx context.Context, existing domain.CompanySession, params authorizeParams) (*RedirectResult, error) {
	now := time.Now().UTC()
	session := domain.CompanySession{
		ID:             s.snowflake.Generate().Int64(),
		SessionID:      uuid.NewString(),
		RealmID:        existing.RealmID,
		AccessToken:    existing.AccessToken,
		RefreshToken:   existing.RefreshToken,
		TokenExpiresAt: existing.TokenExpiresAt,
		CreatedAt:      now,
		LastUsedAt:     now,
	}
	if _, err := s.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("clone company session: %w", err)
	}

	code, err := s.mintAuthorizationCode(ctx, session.SessionID, params.state)
	if err != nil {
		return nil, err
	}

	s.log().Info("shared company session reused",
		zap.String("realm_id", existing.RealmID),
		zap.String("session_id", session.SessionID),
	)
	return &RedirectResult{RedirectURL: appendCodeAndState(params.parsedRedirect, code, params.state)}, nil
}

// redirectToIntuit opens the fresh-consent path: a new session id travels to
// Intuit inside the signed inner state and comes back on the callback.
func (s *authorizeService) redirectToIntuit(ctx context.Context, in StartAuthorizationInput, params authorizeParams) (*RedirectResult, error) {
	sessionID := uuid.NewString()
	innerState, jti, err := s.codec.Encode(params.state, sessionID)
	if err != nil {
		return nil, fmt.Errorf("encode inner state: %w", err)
	}

	entry := domainoauth.StateBridgeEntry{
		OuterState: params.state,
		SessionID:  sessionID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.bridge.SaveEntry(ctx, jti, entry, s.cfg.FlowStateTTL); err != nil {
		return nil, fmt.Errorf("persist bridge entry: %w", err)
	}

	oauthCfg := oauth2.Config{
		ClientID:    s.cfg.IntuitClientID,
		RedirectURL: in.CallbackURL,
		Scopes:      s.cfg.IntuitScopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  s.cfg.IntuitAuthURL,
			TokenURL: s.cfg.IntuitTokenURL,
		},
	}

	s.log().Info("starting company consent",
		zap.String("session_id", sessionID),
	)
	return &RedirectResult{RedirectURL: oauthCfg.AuthCodeURL(innerState)}, nil
}

func (s *authorizeService) HandleIntuitCallback(ctx context.Context, in IntuitCallbackInput) (*RedirectResult, error) {
	ctx, span := s.tracer.Start(ctx, "AuthorizeService.HandleIntuitCallback")
	defer span.End()

	if strings.TrimSpace(in.Code) == "" || strings.TrimSpace(in.RealmID) == "" || strings.TrimSpace(in.State) == "" {
		return nil, domainoauth.ErrInvalidRequest
	}

	payload, err := s.codec.Decode(in.State)
	if err != nil {
		s.log().Warn("intuit callback state rejected", zap.Error(err))
		return nil, domainoauth.ErrInvalidState
	}
	entry, err := s.bridge.GetEntry(ctx, payload.ID)
	if err != nil {
		return nil, fmt.Errorf("load bridge entry: %w", err)
	}
	if entry == nil || entry.OuterState != payload.OuterState || entry.SessionID != payload.SessionID {
		return nil, domainoauth.ErrInvalidState
	}

	// The outer redirect target comes from the challenge stored at
	// /authorize time; if it is gone the outer flow has expired.
	challenge, err := s.challenges.GetChallenge(ctx, payload.OuterState)
	if err != nil {
		return nil, fmt.Errorf("load challenge: %w", err)
	}
	if challenge == nil {
		return nil, domainoauth.ErrInvalidState
	}
	parsedRedirect, err := url.Parse(challenge.RedirectURI)
	if err != nil {
		return nil, domainoauth.ErrInvalidState
	}

	tokens, err := s.provider.ExchangeCode(ctx, in.Code, in.CallbackURL)
	if err != nil {
		return nil, fmt.Errorf("exchange intuit code: %w", err)
	}

	// Session creation runs under both the first-connect lock and the realm
	// lock. A concurrent /authorize keys its lock by the existing session's
	// realm, or by the first-connect key when no session exists yet; holding
	// both here means either kind of racer waits out the write and then
	// observes the new session instead of starting a second consent.
	firstRelease, err := s.locks.Acquire(ctx, firstConnectLockKey)
	if err != nil {
		return nil, fmt.Errorf("acquire first-connect lock: %w", err)
	}
	release, err := s.locks.Acquire(ctx, in.RealmID)
	if err != nil {
		firstRelease()
		return nil, fmt.Errorf("acquire realm lock: %w", err)
	}
	now := time.Now().UTC()
	session := domain.CompanySession{
		ID:             s.snowflake.Generate().Int64(),
		SessionID:      payload.SessionID,
		RealmID:        in.RealmID,
		AccessToken:    tokens.AccessToken,
		RefreshToken:   tokens.RefreshToken,
		TokenExpiresAt: now.Add(time.Duration(tokens.ExpiresIn) * time.Second),
		CreatedAt:      now,
		LastUsedAt:     now,
	}
	_, err = s.sessions.Create(ctx, session)
	release()
	firstRelease()
	if err != nil {
		return nil, fmt.Errorf("persist company session: %w", err)
	}

	code, err := s.mintAuthorizationCode(ctx, session.SessionID, payload.OuterState)
	if err != nil {
		return nil, err
	}

	if err := s.bridge.DeleteEntry(ctx, payload.ID); err != nil {
		s.log().Warn("failed to delete bridge entry", zap.Error(err))
	}

	s.log().Info("company connected",
		zap.String("realm_id", in.RealmID),
		zap.String("session_id", session.SessionID),
	)
	return &RedirectResult{RedirectURL: appendCodeAndState(parsedRedirect, code, payload.OuterState)}, nil
}

// Disconnect removes every session for the realm. It takes the realm lock so
// an in-flight refresh cannot resurrect a deleted session, and best-effort
// revokes the refresh token at Intuit.
func (s *authorizeService) Disconnect(ctx context.Context, realmID string) error {
	ctx, span := s.tracer.Start(ctx, "AuthorizeService.Disconnect")
	defer span.End()

	realmID = strings.TrimSpace(realmID)
	if realmID == "" {
		return domainoauth.ErrInvalidRequest
	}

	release, err := s.locks.Acquire(ctx, realmID)
	if err != nil {
		return fmt.Errorf("acquire realm lock: %w", err)
	}
	defer release()

	sessions, err := s.sessions.ListByRealmID(ctx, realmID)
	if err != nil {
		return fmt.Errorf("list realm sessions: %w", err)
	}
	if len(sessions) > 0 {
		if err := s.provider.RevokeToken(ctx, sessions[0].RefreshToken); err != nil {
			s.log().Warn("intuit token revocation failed",
				zap.String("realm_id", realmID),
				zap.Error(err),
			)
		}
	}

	deleted, err := s.sessions.DeleteByRealm(ctx, realmID)
	if err != nil {
		return fmt.Errorf("delete realm sessions: %w", err)
	}
	s.log().Info("company disconnected",
		zap.String("realm_id", realmID),
		zap.Int64("sessions_deleted", deleted),
	)
	return nil
}

func (s *authorizeService) mintAuthorizationCode(ctx context.Context, sessionID, outerState string) (string, error) {
	value, err := newAuthorizationCode()
	if err != nil {
		return "", fmt.Errorf("mint authorization code: %w", err)
	}
	now := time.Now().UTC()
	code := domainoauth.AuthorizationCode{
		Code:       value,
		SessionID:  sessionID,
		OuterState: outerState,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.FlowStateTTL),
	}
	if err := s.codes.SaveCode(ctx, code, s.cfg.FlowStateTTL); err != nil {
		return "", fmt.Errorf("persist authorization code: %w", err)
	}
	return value, nil
}

type authorizeParams struct {
	clientID       string
	redirectURI    string
	parsedRedirect *url.URL
	codeChallenge  string
	method         string
	state          string
}

func (s *authorizeService) validateAuthorizeInput(in StartAuthorizationInput) (authorizeParams, error) {
	if !strings.EqualFold(strings.TrimSpace(in.ResponseType), "code") {
		return authorizeParams{}, invalidRequest("response_type must be code.")
	}
	clientID := strings.TrimSpace(in.ClientID)
	if clientID == "" {
		return authorizeParams{}, invalidRequest("client_id is required.")
	}
	redirectURI := strings.TrimSpace(in.RedirectURI)
	if redirectURI == "" {
		return authorizeParams{}, invalidRequest("redirect_uri is required.")
	}
	parsedRedirect, err := url.Parse(redirectURI)
	if err != nil || parsedRedirect.Scheme == "" || parsedRedirect.Host == "" {
		return authorizeParams{}, invalidRequest("redirect_uri must be absolute.")
	}
	if !s.redirectHostAllowed(parsedRedirect) {
		return authorizeParams{}, invalidRequest("redirect_uri host is not allowed.")
	}
	codeChallenge := strings.TrimSpace(in.CodeChallenge)
	if codeChallenge == "" {
		return authorizeParams{}, invalidRequest("code_challenge is required.")
	}
	method := strings.TrimSpace(in.CodeChallengeMethod)
	if method == "" {
		return authorizeParams{}, invalidRequest("code_challenge_method is required.")
	}
	if method != domainoauth.MethodS256 && method != domainoauth.MethodPlain {
		return authorizeParams{}, invalidRequest("code_challenge_method must be S256 or plain.")
	}
	state := strings.TrimSpace(in.State)
	if state == "" {
		return authorizeParams{}, invalidRequest("state is required.")
	}
	return authorizeParams{
		clientID:       clientID,
		redirectURI:    redirectURI,
		parsedRedirect: parsedRedirect,
		codeChallenge:  codeChallenge,
		method:         method,
		state:          state,
	}, nil
}

// redirectHostAllowed compares the parsed hostname against the allow-list.
// Exact hostname equality only; prefix or substring matching is a known
// open-redirect bypass.
func (s *authorizeService) redirectHostAllowed(u *url.URL) bool {
	host := u.Hostname()
	for _, allowed := range s.cfg.AllowedRedirectHosts {
		if strings.EqualFold(host, allowed) {
			return true
		}
	}
	return false
}

func appendCodeAndState(redirect *url.URL, code, state string) string {
	target := *redirect
	q := target.Query()
	q.Set("code", code)
	q.Set("state", state)
	target.RawQuery = q.Encode()
	return target.String()
}

func (s *authorizeService) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}
