// Package statecodec encodes the inner (Intuit-leg) state parameter. The
// blob is opaque to Intuit and to callers; internally it is a versioned,
// HMAC-signed claims set so the schema can evolve without breaking in-flight
// authorizations. Single-use enforcement lives in the state bridge store,
// keyed by the blob's jti.
package statecodec

import (
	"fmt"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
)

// Version is the current inner-state schema version.
const Version = 1

// Payload is the decoded content of an inner state blob.
type Payload struct {
	Version    int    `json:"v"`
	OuterState string `json:"outer_state"`
	SessionID  string `json:"session_id"`
	ID         string `json:"-"`
}

type customClaims struct {
	Version    int    `json:"v"`
	OuterState string `json:"outer_state"`
	SessionID  string `json:"session_id"`
}

// Codec signs and verifies inner state blobs.
type Codec struct {
	secret []byte
	ttl    time.Duration
}

// New constructs a codec. ttl bounds how long an encoded blob verifies; it
// should match the state bridge TTL.
func New(secret []byte, ttl time.Duration) *Codec {
	return &Codec{secret: secret, ttl: ttl}
}

// Encode produces a signed state blob and the jti under which the bridge
// entry should be stored.
func (c *Codec) Encode(outerState, sessionID string) (string, string, error) {
	signer, err := gojose.NewSigner(
		gojose.SigningKey{Algorithm: gojose.HS256, Key: c.secret},
		(&gojose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", "", fmt.Errorf("new state signer: %w", err)
	}

	jti := uuid.NewString()
	now := time.Now().UTC()
	std := gojwt.Claims{
		ID:       jti,
		IssuedAt: gojwt.NewNumericDate(now),
		Expiry:   gojwt.NewNumericDate(now.Add(c.ttl)),
	}
	custom := customClaims{
		Version:    Version,
		OuterState: outerState,
		SessionID:  sessionID,
	}

	token, err := gojwt.Signed(signer).Claims(std).Claims(custom).Serialize()
	if err != nil {
		return "", "", fmt.Errorf("serialize state: %w", err)
	}
	return token, jti, nil
}

// Decode verifies the blob's signature, expiry, and schema version, and
// returns its payload. The caller must still consume the bridge entry keyed
// by Payload.ID to enforce single use.
func (c *Codec) Decode(token string) (*Payload, error) {
	parsed, err := gojwt.ParseSigned(token, []gojose.SignatureAlgorithm{gojose.HS256})
	if err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}

	var std gojwt.Claims
	var custom customClaims
	if err := parsed.Claims(c.secret, &std, &custom); err != nil {
		return nil, fmt.Errorf("verify state: %w", err)
	}
	if err := std.Validate(gojwt.Expected{Time: time.Now().UTC()}); err != nil {
		return nil, fmt.Errorf("validate state: %w", err)
	}
	if custom.Version != Version {
		return nil, fmt.Errorf("unsupported state version %d", custom.Version)
	}
	if std.ID == "" || custom.OuterState == "" || custom.SessionID == "" {
		return nil, fmt.Errorf("incomplete state payload")
	}

	return &Payload{
		Version:    custom.Version,
		OuterState: custom.OuterState,
		SessionID:  custom.SessionID,
		ID:         std.ID,
	}, nil
}
