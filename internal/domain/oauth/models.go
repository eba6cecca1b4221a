package oauth

import "time"

// PKCE challenge methods accepted on the outer leg (RFC 7636).
const (
	MethodS256  = "S256"
	MethodPlain = "plain"
)

// PKCEChallenge is the outer client's code challenge, keyed by the outer
// state parameter. Consumed exactly once during token exchange.
type PKCEChallenge struct {
	Challenge   string
	Method      string
	RedirectURI string
	ClientID    string
	CreatedAt   time.Time
}

// StateBridgeEntry maps the inner (Intuit-leg) state token back to the outer
// authorization request. Single use.
type StateBridgeEntry struct {
	OuterState string
	SessionID  string
	CreatedAt  time.Time
}

// AuthorizationCode bridges the Intuit callback to the outer token exchange.
type AuthorizationCode struct {
	Code       string
	SessionID  string
	OuterState string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Used       bool
}

// ProviderTokens models the response from the Intuit token endpoint.
type ProviderTokens struct {
	AccessToken          string
	RefreshToken         string
	ExpiresIn            int64
	XRefreshTokenExpires int64
	TokenType            string
	Raw                  map[string]any
}
