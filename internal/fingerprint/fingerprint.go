// Package fingerprint derives deterministic identifiers for AI request
// payloads so repeated identical submissions can be detected regardless of
// incidental whitespace or casing differences.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Normalize collapses the request text into a canonical form: lower-cased,
// trimmed, with internal whitespace runs reduced to single spaces.
func Normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// Hash returns the SHA-256 hex digest of the normalized request text.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])
}
