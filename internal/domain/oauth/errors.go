package oauth

import "errors"

var (
	// ErrInvalidRequest indicates caller input validation errors.
	ErrInvalidRequest = errors.New("oauth: invalid request")
	// ErrInvalidGrant covers expired, consumed, or unknown codes and
	// challenges, and PKCE or client binding mismatches.
	ErrInvalidGrant = errors.New("oauth: invalid grant")
	// ErrInvalidState indicates the inner state token is unknown, expired,
	// or fails signature verification.
	ErrInvalidState = errors.New("oauth: invalid state")
	// ErrUnauthenticated indicates a missing or expired broker token.
	ErrUnauthenticated = errors.New("oauth: unauthenticated")
	// ErrReauthorizationRequired indicates the company connection is gone or
	// can no longer be refreshed; the user must run the consent flow again.
	ErrReauthorizationRequired = errors.New("oauth: reauthorization required")
)
