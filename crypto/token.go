package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

const minTokenBytes = 24

// NewToken returns a base64url-encoded opaque token built from n bytes of
// crypto/rand entropy. Used for password-reset and email-verification
// challenges; n below 24 is rejected.
func NewToken(n int) (string, error) {
	if n < minTokenBytes {
		return "", errors.New("token entropy too small")
	}

	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// HashToken returns the SHA-256 digest of an opaque token. Only digests are
// persisted; a store compromise does not expose redeemable tokens.
func HashToken(token string) [32]byte {
	return sha256.Sum256([]byte(token))
}
