package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/domain"
	domainoauth "github.com/pietrobelluno/quickbooks-online-mcp-server/internal/domain/oauth"
)

func seedAuthenticated(t *testing.T, h *brokerTestHarness, tokenExpiry time.Duration) string {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := h.sessions.Create(ctx, domain.CompanySession{
		SessionID:      "session-1",
		RealmID:        "realm-1",
		AccessToken:    "intuit-access",
		RefreshToken:   "intuit-refresh",
		TokenExpiresAt: now.Add(time.Hour),
		CreatedAt:      now,
		LastUsedAt:     now.Add(-time.Hour),
	})
	require.NoError(t, err)

	_, err = h.tokens.Create(ctx, domain.BrokerToken{
		Token:     "broker-token-1",
		SessionID: "session-1",
		IssuedAt:  now,
		ExpiresAt: now.Add(tokenExpiry),
	})
	require.NoError(t, err)
	return "broker-token-1"
}

func TestAuthenticate_HappyPath(t *testing.T) {
	h := newBrokerTestHarness(t)
	bearer := seedAuthenticated(t, h, time.Hour)

	authCtx, err := h.authenticator.Authenticate(context.Background(), bearer)
	require.NoError(t, err)
	require.Equal(t, "session-1", authCtx.SessionID)
	require.Equal(t, "realm-1", authCtx.RealmID)
	require.Equal(t, "intuit-access", authCtx.AccessToken)

	// Activity is recorded.
	session, err := h.sessions.GetBySessionID(context.Background(), "session-1")
	require.NoError(t, err)
	require.WithinDuration(t, time.Now(), session.LastUsedAt, time.Minute)
}

func TestAuthenticate_EmptyBearer(t *testing.T) {
	h := newBrokerTestHarness(t)

	_, err := h.authenticator.Authenticate(context.Background(), "")
	require.ErrorIs(t, err, domainoauth.ErrUnauthenticated)
}

func TestAuthenticate_UnknownToken(t *testing.T) {
	h := newBrokerTestHarness(t)

	_, err := h.authenticator.Authenticate(context.Background(), "unknown")
	require.ErrorIs(t, err, domainoauth.ErrUnauthenticated)
}

func TestAuthenticate_ExpiredBrokerToken(t *testing.T) {
	h := newBrokerTestHarness(t)
	bearer := seedAuthenticated(t, h, -time.Minute)

	_, err := h.authenticator.Authenticate(context.Background(), bearer)
	require.ErrorIs(t, err, domainoauth.ErrUnauthenticated)
}

func TestAuthenticate_SessionGone(t *testing.T) {
	h := newBrokerTestHarness(t)
	bearer := seedAuthenticated(t, h, time.Hour)

	_, err := h.sessions.DeleteByRealm(context.Background(), "realm-1")
	require.NoError(t, err)

	_, err = h.authenticator.Authenticate(context.Background(), bearer)
	require.ErrorIs(t, err, domainoauth.ErrReauthorizationRequired)
}

func TestAuthenticate_RefreshesDueTokens(t *testing.T) {
	h := newBrokerTestHarness(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := h.sessions.Create(ctx, domain.CompanySession{
		SessionID:      "session-1",
		RealmID:        "realm-1",
		AccessToken:    "stale-access",
		RefreshToken:   "stale-refresh",
		TokenExpiresAt: now.Add(time.Minute),
		LastUsedAt:     now,
	})
	require.NoError(t, err)
	_, err = h.tokens.Create(ctx, domain.BrokerToken{
		Token:     "broker-token-1",
		SessionID: "session-1",
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	})
	require.NoError(t, err)

	authCtx, err := h.authenticator.Authenticate(ctx, "broker-token-1")
	require.NoError(t, err)
	require.Equal(t, "refreshed-access", authCtx.AccessToken)
	require.Equal(t, 1, h.provider.refreshCallCount())
}

func TestAuthenticate_UnrefreshableSessionRequiresReauthorization(t *testing.T) {
	h := newBrokerTestHarness(t)
	h.provider.refreshErr = errors.New("refresh token revoked")
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := h.sessions.Create(ctx, domain.CompanySession{
		SessionID:      "session-1",
		RealmID:        "realm-1",
		AccessToken:    "stale-access",
		RefreshToken:   "stale-refresh",
		TokenExpiresAt: now.Add(time.Minute),
		LastUsedAt:     now,
	})
	require.NoError(t, err)
	_, err = h.tokens.Create(ctx, domain.BrokerToken{
		Token:     "broker-token-1",
		SessionID: "session-1",
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	})
	require.NoError(t, err)

	_, err = h.authenticator.Authenticate(ctx, "broker-token-1")
	require.ErrorIs(t, err, domainoauth.ErrReauthorizationRequired)
}
