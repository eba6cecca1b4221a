package service

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	domainoauth "github.com/pietrobelluno/quickbooks-online-mcp-server/internal/domain/oauth"
)

func TestValidVerifier(t *testing.T) {
	tests := []struct {
		name     string
		verifier string
		want     bool
	}{
		{"minimum length", strings.Repeat("a", 43), true},
		{"maximum length", strings.Repeat("a", 128), true},
		{"all allowed specials", strings.Repeat("-._~", 11), true},
		{"too short", strings.Repeat("a", 42), false},
		{"too long", strings.Repeat("a", 129), false},
		{"empty", "", false},
		{"disallowed plus", strings.Repeat("a", 42) + "+", false},
		{"disallowed space", strings.Repeat("a", 42) + " ", false},
		{"disallowed slash", strings.Repeat("a", 42) + "/", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ValidVerifier(tt.verifier))
		})
	}
}

func TestVerifyChallenge_S256(t *testing.T) {
	verifier := strings.Repeat("v", 50)
	challenge := oauth2.S256ChallengeFromVerifier(verifier)

	require.True(t, VerifyChallenge(domainoauth.MethodS256, verifier, challenge))
	require.False(t, VerifyChallenge(domainoauth.MethodS256, verifier+"x", challenge))
	require.False(t, VerifyChallenge(domainoauth.MethodS256, verifier, challenge+"x"))
}

func TestVerifyChallenge_Plain(t *testing.T) {
	verifier := strings.Repeat("p", 43)

	require.True(t, VerifyChallenge(domainoauth.MethodPlain, verifier, verifier))
	require.False(t, VerifyChallenge(domainoauth.MethodPlain, verifier, verifier+"x"))
}

func TestVerifyChallenge_UnknownMethod(t *testing.T) {
	verifier := strings.Repeat("p", 43)
	require.False(t, VerifyChallenge("S512", verifier, verifier))
}

func TestNewAuthorizationCode_Entropy(t *testing.T) {
	first, err := newAuthorizationCode()
	require.NoError(t, err)
	second, err := newAuthorizationCode()
	require.NoError(t, err)

	require.Len(t, first, 64)
	require.NotEqual(t, first, second)
}

func TestSecureRandomString(t *testing.T) {
	value, err := secureRandomString(32)
	require.NoError(t, err)
	require.NotEmpty(t, value)
	require.NotContains(t, value, "=")
}
