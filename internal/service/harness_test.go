package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/config"
	domainoauth "github.com/pietrobelluno/quickbooks-online-mcp-server/internal/domain/oauth"
	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/lock"
	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/repository"
	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/statecodec"
)

// ---- Test harness and fakes ----

type brokerTestHarness struct {
	challenges *repository.MemoryChallengeStore
	bridge     *repository.MemoryStateBridgeStore
	codes      *repository.MemoryAuthCodeStore
	sessions   *repository.MemoryCompanySessionRepo
	tokens     *repository.MemoryBrokerTokenRepo
	locks      *lock.Coordinator
	provider   *fakeProviderClient
	codec      *statecodec.Codec
	cfg        config.Config

	authorize     AuthorizeService
	tokenService  *TokenService
	refresh       *RefreshService
	authenticator *Authenticator
}

func testConfig() config.Config {
	return config.Config{
		IntuitClientID:       "intuit-client",
		IntuitClientSecret:   "intuit-secret",
		IntuitAuthURL:        "https://appcenter.intuit.test/connect/oauth2",
		IntuitTokenURL:       "https://oauth.intuit.test/oauth2/v1/tokens/bearer",
		IntuitRevokeURL:      "https://oauth.intuit.test/oauth2/v1/tokens/revoke",
		IntuitScopes:         []string{"com.intuit.quickbooks.accounting"},
		AllowedRedirectHosts: []string{"client.example.com"},
		StateSigningSecret:   "0123456789abcdef0123456789abcdef",
		BrokerTokenTTL:       time.Hour,
		FlowStateTTL:         10 * time.Minute,
		RefreshMargin:        5 * time.Minute,
		SharedSessionMargin:  30 * time.Minute,
		LockWaitTimeout:      2 * time.Second,
	}
}

func newBrokerTestHarness(t *testing.T, mutate ...func(*config.Config)) *brokerTestHarness {
	t.Helper()

	cfg := testConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	h := &brokerTestHarness{
		challenges: repository.NewMemoryChallengeStore(),
		bridge:     repository.NewMemoryStateBridgeStore(),
		codes:      repository.NewMemoryAuthCodeStore(),
		sessions:   repository.NewMemoryCompanySessionRepo(),
		tokens:     repository.NewMemoryBrokerTokenRepo(),
		locks:      lock.NewCoordinator(cfg.LockWaitTimeout),
		provider:   &fakeProviderClient{},
		codec:      statecodec.New([]byte(cfg.StateSigningSecret), cfg.FlowStateTTL),
		cfg:        cfg,
	}

	logger := zap.NewNop()
	h.authorize = NewAuthorizeService(h.challenges, h.bridge, h.codes, h.sessions, h.locks, h.provider, h.codec, node, cfg, logger)
	h.tokenService = NewTokenService(h.codes, h.challenges, h.tokens, node, cfg, logger)
	h.refresh = NewRefreshService(h.sessions, h.locks, h.provider, cfg, logger)
	h.authenticator = NewAuthenticator(h.tokens, h.sessions, h.refresh, logger)
	return h
}

type fakeProviderClient struct {
	mu sync.Mutex

	exchangeTokens *domainoauth.ProviderTokens
	exchangeErr    error
	exchangeCalls  int

	refreshTokens *domainoauth.ProviderTokens
	refreshErr    error
	refreshCalls  int
	refreshDelay  time.Duration

	revokeErr    error
	revokeCalls  int
	revokedToken string
}

func (f *fakeProviderClient) ExchangeCode(_ context.Context, _, _ string) (*domainoauth.ProviderTokens, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchangeCalls++
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	if f.exchangeTokens != nil {
		return f.exchangeTokens, nil
	}
	return &domainoauth.ProviderTokens{
		AccessToken:  "intuit-access",
		RefreshToken: "intuit-refresh",
		ExpiresIn:    3600,
		TokenType:    "bearer",
	}, nil
}

func (f *fakeProviderClient) RefreshToken(_ context.Context, _ string) (*domainoauth.ProviderTokens, error) {
	f.mu.Lock()
	delay := f.refreshDelay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	if f.refreshTokens != nil {
		return f.refreshTokens, nil
	}
	return &domainoauth.ProviderTokens{
		AccessToken:  "refreshed-access",
		RefreshToken: "rotated-refresh",
		ExpiresIn:    3600,
		TokenType:    "bearer",
	}, nil
}

func (f *fakeProviderClient) RevokeToken(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revokeCalls++
	f.revokedToken = token
	return f.revokeErr
}

func (f *fakeProviderClient) refreshCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}
