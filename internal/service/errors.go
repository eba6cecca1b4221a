package service

import "fmt"

// OAuthError standardizes OAuth compliant errors returned by the token
// endpoint and the protected-call gate.
type OAuthError struct {
	Code        string
	Description string
	Status      int
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func newOAuthError(code, desc string, status int) *OAuthError {
	return &OAuthError{Code: code, Description: desc, Status: status}
}

func invalidRequest(desc string) *OAuthError {
	return newOAuthError("invalid_request", desc, 400)
}

func invalidGrant(desc string) *OAuthError {
	return newOAuthError("invalid_grant", desc, 400)
}
