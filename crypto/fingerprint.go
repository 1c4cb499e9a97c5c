package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// Fingerprint derives the device binding value for a session from the
// caller's network address, raw client string, and session ID. The result is
// deterministic: the same triple always yields the same value, so a token
// replayed from a different address or client fails the compare.
func Fingerprint(networkAddress, clientString, sessionID string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{networkAddress, clientString, sessionID}, "|")))
	return hex.EncodeToString(sum[:])
}

// HashAddress returns the hex SHA-256 of a network address for storage in
// session metadata, so raw addresses never land at rest.
func HashAddress(networkAddress string) string {
	sum := sha256.Sum256([]byte(networkAddress))
	return hex.EncodeToString(sum[:])
}

// FingerprintEqual compares two fingerprints in constant time.
func FingerprintEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
