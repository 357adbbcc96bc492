package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"

	"golang.org/x/oauth2"
)

// HashToken returns the base64url-encoded (unpadded) SHA-256 digest of a
// token. Tokens are never stored verbatim; every store lookup is keyed by
// this digest so a leaked store dump cannot be replayed.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ComputeCodeChallenge derives the S256 PKCE code challenge for a verifier
// per RFC 7636 section 4.2.
func ComputeCodeChallenge(verifier string) string {
	return HashToken(verifier)
}

// ConstantTimeEquals compares two strings in constant time. Use this for
// every comparison involving secrets (PKCE challenges, state values) to
// avoid timing side channels.
func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// NewRandomToken returns a cryptographically secure URL-safe random string.
// It reuses oauth2.GenerateVerifier, which produces 32 bytes of entropy
// encoded as unpadded base64url, suitable for codes, tokens, and state.
func NewRandomToken() string {
	return oauth2.GenerateVerifier()
}
