package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// newVerifier generates a PKCE code verifier: 32 random bytes encoded as
// unpadded base64url (43 characters, within RFC 7636's 43-128 range).
func newVerifier() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("keygate/oauth: generate verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// challengeS256 derives the S256 code challenge for a verifier:
// base64url(sha256(verifier)) without padding.
func challengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// newState generates the CSRF state token bound to a session.
func newState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("keygate/oauth: generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
