package security

import (
	"crypto/sha256"
	"encoding/hex"
)

// Redact replaces a sensitive value (token, code, verifier, secret) with a
// short fingerprint safe for log output. The fingerprint is the first eight
// hex characters of the SHA-256 digest: enough to correlate log lines for one
// token, useless for replay.
func Redact(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return "redacted:" + hex.EncodeToString(sum[:])[:8]
}
