package service

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"

	"golang.org/x/oauth2"

	domainoauth "github.com/pietrobelluno/quickbooks-online-mcp-server/internal/domain/oauth"
)

// RFC 7636 bounds for code_verifier length.
const (
	minVerifierLength = 43
	maxVerifierLength = 128
)

// ValidVerifier reports whether the code_verifier satisfies the RFC 7636
// charset and length rule: 43-128 characters of [A-Za-z0-9-._~].
func ValidVerifier(verifier string) bool {
	if len(verifier) < minVerifierLength || len(verifier) > maxVerifierLength {
		return false
	}
	for _, r := range verifier {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '.' || r == '_' || r == '~':
		default:
			return false
		}
	}
	return true
}

// VerifyChallenge recomputes the challenge from the verifier with the stored
// method and compares it to the stored challenge in constant time.
func VerifyChallenge(method, verifier, challenge string) bool {
	var computed string
	switch method {
	case domainoauth.MethodS256:
		computed = oauth2.S256ChallengeFromVerifier(verifier)
	case domainoauth.MethodPlain:
		computed = verifier
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// secureRandomString returns size random bytes base64url-encoded without
// padding.
func secureRandomString(size int) (string, error) {
	if size <= 0 {
		size = 32
	}
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// newAuthorizationCode mints a high-entropy single-use code: 32 random bytes
// hex-encoded.
func newAuthorizationCode() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
