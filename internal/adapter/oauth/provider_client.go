package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pietrobelluno/quickbooks-online-mcp-server/internal/config"
	domainoauth "github.com/pietrobelluno/quickbooks-online-mcp-server/internal/domain/oauth"
)

// ProviderClient encapsulates outbound HTTP calls to the Intuit OAuth
// endpoints: code exchange, refresh, and revocation.
type ProviderClient interface {
	ExchangeCode(ctx context.Context, code, redirectURI string) (*domainoauth.ProviderTokens, error)
	RefreshToken(ctx context.Context, refreshToken string) (*domainoauth.ProviderTokens, error)
	RevokeToken(ctx context.Context, token string) error
}

// HTTPProviderClient is the default HTTP implementation.
type HTTPProviderClient struct {
	httpClient *http.Client
	cfg        config.Config
}

var _ ProviderClient = (*HTTPProviderClient)(nil)

// NewHTTPProviderClient constructs the default ProviderClient.
func NewHTTPProviderClient(client *http.Client, cfg config.Config) *HTTPProviderClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPProviderClient{httpClient: client, cfg: cfg}
}

// ExchangeCode swaps the Intuit authorization code for tokens.
func (c *HTTPProviderClient) ExchangeCode(ctx context.Context, code, redirectURI string) (*domainoauth.ProviderTokens, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", redirectURI)
	return c.postTokenRequest(ctx, data)
}

// RefreshToken exchanges the current refresh token for a new token pair.
// Intuit rotates refresh tokens, so the returned refresh token replaces the
// one passed in.
func (c *HTTPProviderClient) RefreshToken(ctx context.Context, refreshToken string) (*domainoauth.ProviderTokens, error) {
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	return c.postTokenRequest(ctx, data)
}

// RevokeToken invalidates a refresh or access token at Intuit. Revoking the
// refresh token disconnects the company.
func (c *HTTPProviderClient) RevokeToken(ctx context.Context, token string) error {
	payload, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return fmt.Errorf("marshal revoke payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.IntuitRevokeURL, strings.NewReader(string(payload)))
	if err != nil {
		return fmt.Errorf("build revoke request: %w", err)
	}
	req.SetBasicAuth(c.cfg.IntuitClientID, c.cfg.IntuitClientSecret)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("revoke failed: status=%d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPProviderClient) postTokenRequest(ctx context.Context, data url.Values) (*domainoauth.ProviderTokens, error) {
	if strings.TrimSpace(c.cfg.IntuitTokenURL) == "" {
		return nil, fmt.Errorf("token url missing")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.IntuitTokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.SetBasicAuth(c.cfg.IntuitClientID, c.cfg.IntuitClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("token request failed: status=%d", resp.StatusCode)
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}

	tokens := &domainoauth.ProviderTokens{
		AccessToken:  stringValue(raw["access_token"]),
		RefreshToken: stringValue(raw["refresh_token"]),
		TokenType:    stringValue(raw["token_type"]),
		Raw:          raw,
	}
	if exp := raw["expires_in"]; exp != nil {
		tokens.ExpiresIn = int64Value(exp)
	}
	if exp := raw["x_refresh_token_expires_in"]; exp != nil {
		tokens.XRefreshTokenExpires = int64Value(exp)
	}
	if strings.TrimSpace(tokens.AccessToken) == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	return tokens, nil
}

func stringValue(input any) string {
	switch v := input.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func int64Value(input any) int64 {
	switch v := input.(type) {
	case float64:
		return int64(v)
	case float32:
		return int64(v)
	case int64:
		return v
	case int32:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
