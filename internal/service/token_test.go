package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/config"
	domainoauth "github.com/pietrobelluno/quickbooks-online-mcp-server/internal/domain/oauth"
)

const testVerifier = "verifier-verifier-verifier-verifier-verifier-1"

// seedCodeAndChallenge plants a pending authorization: a stored PKCE
// challenge under the outer state and a minted single-use code.
func seedCodeAndChallenge(t *testing.T, h *brokerTestHarness, clientID string) string {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	challenge := domainoauth.PKCEChallenge{
		Challenge:   oauth2.S256ChallengeFromVerifier(testVerifier),
		Method:      domainoauth.MethodS256,
		RedirectURI: "https://client.example.com/callback",
		ClientID:    clientID,
		CreatedAt:   now,
	}
	require.NoError(t, h.challenges.SaveChallenge(ctx, "outer-state-1", challenge, h.cfg.FlowStateTTL))

	code := domainoauth.AuthorizationCode{
		Code:       "auth-code-1",
		SessionID:  "session-1",
		OuterState: "outer-state-1",
		CreatedAt:  now,
		ExpiresAt:  now.Add(h.cfg.FlowStateTTL),
	}
	require.NoError(t, h.codes.SaveCode(ctx, code, h.cfg.FlowStateTTL))
	return code.Code
}

func TestExchange_AuthorizationCodeGrant(t *testing.T) {
	h := newBrokerTestHarness(t)
	ctx := context.Background()
	code := seedCodeAndChallenge(t, h, "mcp-client")

	resp, err := h.tokenService.Exchange(ctx, TokenExchangeInput{
		GrantType:    "authorization_code",
		Code:         code,
		CodeVerifier: testVerifier,
		ClientID:     "mcp-client",
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.AccessToken)
	require.Equal(t, "Bearer", resp.TokenType)
	require.Equal(t, int(h.cfg.BrokerTokenTTL.Seconds()), resp.ExpiresIn)
	require.Empty(t, resp.RefreshToken)

	stored, err := h.tokens.GetByToken(ctx, resp.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "session-1", stored.SessionID)
	require.False(t, stored.Expired(time.Now()))

	// The challenge was consumed with the code.
	challenge, err := h.challenges.GetChallenge(ctx, "outer-state-1")
	require.NoError(t, err)
	require.Nil(t, challenge)
}

func TestExchange_CodeReplayRejected(t *testing.T) {
	h := newBrokerTestHarness(t)
	ctx := context.Background()
	code := seedCodeAndChallenge(t, h, "mcp-client")

	in := TokenExchangeInput{
		GrantType:    "authorization_code",
		Code:         code,
		CodeVerifier: testVerifier,
		ClientID:     "mcp-client",
	}
	_, err := h.tokenService.Exchange(ctx, in)
	require.NoError(t, err)

	_, err = h.tokenService.Exchange(ctx, in)
	var oauthErr *OAuthError
	require.ErrorAs(t, err, &oauthErr)
	require.Equal(t, "invalid_grant", oauthErr.Code)
}

func TestExchange_ReplayAfterFailedVerificationStillRejected(t *testing.T) {
	h := newBrokerTestHarness(t)
	ctx := context.Background()
	code := seedCodeAndChallenge(t, h, "mcp-client")

	// First attempt fails PKCE, but the code is already burned.
	_, err := h.tokenService.Exchange(ctx, TokenExchangeInput{
		GrantType:    "authorization_code",
		Code:         code,
		CodeVerifier: strings.Repeat("w", 50),
		ClientID:     "mcp-client",
	})
	var oauthErr *OAuthError
	require.ErrorAs(t, err, &oauthErr)
	require.Equal(t, "invalid_grant", oauthErr.Code)

	// Retrying with the right verifier must not resurrect it.
	_, err = h.tokenService.Exchange(ctx, TokenExchangeInput{
		GrantType:    "authorization_code",
		Code:         code,
		CodeVerifier: testVerifier,
		ClientID:     "mcp-client",
	})
	require.ErrorAs(t, err, &oauthErr)
	require.Equal(t, "invalid_grant", oauthErr.Code)
}

func TestExchange_MalformedVerifier(t *testing.T) {
	h := newBrokerTestHarness(t)
	code := seedCodeAndChallenge(t, h, "mcp-client")

	tests := []struct {
		name     string
		verifier string
	}{
		{"too short", strings.Repeat("a", 20)},
		{"bad charset", strings.Repeat("a", 42) + "!"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.tokenService.Exchange(context.Background(), TokenExchangeInput{
				GrantType:    "authorization_code",
				Code:         code,
				CodeVerifier: tt.verifier,
				ClientID:     "mcp-client",
			})
			var oauthErr *OAuthError
			require.ErrorAs(t, err, &oauthErr)
			require.Equal(t, "invalid_request", oauthErr.Code)
		})
	}
}

func TestExchange_ClientBindingMismatch(t *testing.T) {
	h := newBrokerTestHarness(t)
	code := seedCodeAndChallenge(t, h, "mcp-client")

	_, err := h.tokenService.Exchange(context.Background(), TokenExchangeInput{
		GrantType:    "authorization_code",
		Code:         code,
		CodeVerifier: testVerifier,
		ClientID:     "other-client",
	})
	var oauthErr *OAuthError
	require.ErrorAs(t, err, &oauthErr)
	require.Equal(t, "invalid_grant", oauthErr.Code)
}

func TestExchange_UnknownCode(t *testing.T) {
	h := newBrokerTestHarness(t)

	_, err := h.tokenService.Exchange(context.Background(), TokenExchangeInput{
		GrantType:    "authorization_code",
		Code:         "missing",
		CodeVerifier: testVerifier,
		ClientID:     "mcp-client",
	})
	var oauthErr *OAuthError
	require.ErrorAs(t, err, &oauthErr)
	require.Equal(t, "invalid_grant", oauthErr.Code)
}

func TestExchange_UnsupportedGrantType(t *testing.T) {
	h := newBrokerTestHarness(t)

	_, err := h.tokenService.Exchange(context.Background(), TokenExchangeInput{GrantType: "password"})
	var oauthErr *OAuthError
	require.ErrorAs(t, err, &oauthErr)
	require.Equal(t, "unsupported_grant_type", oauthErr.Code)
}

func TestExchange_RefreshGrantDisabledByDefault(t *testing.T) {
	h := newBrokerTestHarness(t)

	_, err := h.tokenService.Exchange(context.Background(), TokenExchangeInput{
		GrantType:    "refresh_token",
		RefreshToken: "anything",
	})
	var oauthErr *OAuthError
	require.ErrorAs(t, err, &oauthErr)
	require.Equal(t, "unsupported_grant_type", oauthErr.Code)
}

func TestExchange_RefreshGrantRotates(t *testing.T) {
	h := newBrokerTestHarness(t, func(cfg *config.Config) {
		cfg.BrokerRefreshEnabled = true
	})
	ctx := context.Background()
	code := seedCodeAndChallenge(t, h, "mcp-client")

	first, err := h.tokenService.Exchange(ctx, TokenExchangeInput{
		GrantType:    "authorization_code",
		Code:         code,
		CodeVerifier: testVerifier,
		ClientID:     "mcp-client",
	})
	require.NoError(t, err)
	require.NotEmpty(t, first.RefreshToken)

	second, err := h.tokenService.Exchange(ctx, TokenExchangeInput{
		GrantType:    "refresh_token",
		RefreshToken: first.RefreshToken,
	})
	require.NoError(t, err)
	require.NotEmpty(t, second.AccessToken)
	require.NotEqual(t, first.AccessToken, second.AccessToken)
	require.NotEqual(t, first.RefreshToken, second.RefreshToken)

	// The old pair is gone.
	_, err = h.tokenService.Exchange(ctx, TokenExchangeInput{
		GrantType:    "refresh_token",
		RefreshToken: first.RefreshToken,
	})
	var oauthErr *OAuthError
	require.ErrorAs(t, err, &oauthErr)
	require.Equal(t, "invalid_grant", oauthErr.Code)
}
