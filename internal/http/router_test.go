package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/config"
	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/domain"
	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/http/handler"
	httpmiddleware "github.com/pietrobelluno/quickbooks-online-mcp-server/internal/http/middleware"
	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/lock"
	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/mcp"
	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/repository"
	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubAuthorizeService struct {
	disconnected string
}

func (s *stubAuthorizeService) StartAuthorization(context.Context, service.StartAuthorizationInput) (*service.RedirectResult, error) {
	return &service.RedirectResult{RedirectURL: "https://appcenter.intuit.test/connect"}, nil
}

func (s *stubAuthorizeService) HandleIntuitCallback(context.Context, service.IntuitCallbackInput) (*service.RedirectResult, error) {
	return &service.RedirectResult{RedirectURL: "https://client.example.com/callback"}, nil
}

func (s *stubAuthorizeService) Disconnect(_ context.Context, realmID string) error {
	s.disconnected = realmID
	return nil
}

func newRouterHarness(t *testing.T) (*gin.Engine, *stubAuthorizeService, *repository.MemoryCompanySessionRepo, *repository.MemoryBrokerTokenRepo) {
	t.Helper()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	sessions := repository.NewMemoryCompanySessionRepo()
	tokens := repository.NewMemoryBrokerTokenRepo()
	cfg := config.Config{
		ServiceName:     "broker-test",
		BrokerTokenTTL:  time.Hour,
		FlowStateTTL:    10 * time.Minute,
		RefreshMargin:   5 * time.Minute,
		LockWaitTimeout: time.Second,
	}

	tokenService := service.NewTokenService(repository.NewMemoryAuthCodeStore(), repository.NewMemoryChallengeStore(), tokens, node, cfg, zap.NewNop())
	refresh := service.NewRefreshService(sessions, lock.NewCoordinator(cfg.LockWaitTimeout), nil, cfg, zap.NewNop())
	authenticator := service.NewAuthenticator(tokens, sessions, refresh, zap.NewNop())

	authorize := &stubAuthorizeService{}
	brokerHandler := handler.NewBrokerHandler(authorize, tokenService)
	r := NewRouter(cfg, brokerHandler, &httpmiddleware.Auth{Authenticator: authenticator}, mcp.NewServer(zap.NewNop()), nil)
	return r, authorize, sessions, tokens
}

func seedConnection(t *testing.T, sessions *repository.MemoryCompanySessionRepo, tokens *repository.MemoryBrokerTokenRepo) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := sessions.Create(ctx, domain.CompanySession{
		SessionID:      "session-1",
		RealmID:        "realm-1",
		AccessToken:    "intuit-access",
		RefreshToken:   "intuit-refresh",
		TokenExpiresAt: now.Add(time.Hour),
		LastUsedAt:     now,
	})
	require.NoError(t, err)

	_, err = tokens.Create(ctx, domain.BrokerToken{
		Token:     "broker-token",
		SessionID: "session-1",
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	})
	require.NoError(t, err)
}

func postDisconnect(r *gin.Engine, bearer string) *httptest.ResponseRecorder {
	form := url.Values{}
	form.Set("realm_id", "realm-1")
	req := httptest.NewRequest(http.MethodPost, "/oauth/disconnect", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRouter_DisconnectRequiresBearer(t *testing.T) {
	r, authorize, _, _ := newRouterHarness(t)

	w := postDisconnect(r, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))
	require.Empty(t, authorize.disconnected)
}

func TestRouter_DisconnectWithBearer(t *testing.T) {
	r, authorize, sessions, tokens := newRouterHarness(t)
	seedConnection(t, sessions, tokens)

	w := postDisconnect(r, "broker-token")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "realm-1", authorize.disconnected)
}

func TestRouter_Healthz(t *testing.T) {
	r, _, _, _ := newRouterHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}
