package token

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultBlacklistMax = 10000

// Blacklist is an in-process set of revoked tokens. Entries carry the
// token's expiry (decoded without signature verification, which is safe
// because membership only ever shortens a token's life) so a sweep can drop
// the ones that would no longer verify.
//
// The set is process-local. Multi-instance deployments need sticky routing
// or short access TTLs for revocation to be fully effective.
type Blacklist struct {
	mu      sync.Mutex
	entries map[string]time.Time
	max     int
}

func newBlacklist(max int) *Blacklist {
	return &Blacklist{
		entries: make(map[string]time.Time),
		max:     max,
	}
}

// Add inserts a token. When the set exceeds its bound, expired entries are
// swept inline under the same lock.
func (b *Blacklist) Add(tokenStr string) {
	exp := decodeExpiry(tokenStr)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[tokenStr] = exp
	if len(b.entries) > b.max {
		b.sweepLocked()
	}
}

// Contains reports whether a token has been revoked.
func (b *Blacklist) Contains(tokenStr string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, found := b.entries[tokenStr]
	return found
}

// Len reports the number of entries currently held.
func (b *Blacklist) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.entries)
}

func (b *Blacklist) sweepLocked() {
	now := time.Now()
	for tokenStr, exp := range b.entries {
		if !exp.IsZero() && exp.Before(now) {
			delete(b.entries, tokenStr)
		}
	}
}

// DecodeSessionID extracts the session ID claim without verifying the
// signature. Callers use it to derive the fingerprint a full Verify will
// then check; it must never be trusted on its own.
func DecodeSessionID(tokenStr string) string {
	parsed, _, err := jwt.NewParser().ParseUnverified(tokenStr, &Claims{})
	if err != nil {
		return ""
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok {
		return ""
	}
	return claims.SessionID
}

// decodeExpiry extracts exp without verifying the signature. A zero time
// means the token is malformed or carries no expiry; such entries survive
// sweeps, which errs on the side of keeping revocations.
func decodeExpiry(tokenStr string) time.Time {
	parsed, _, err := jwt.NewParser().ParseUnverified(tokenStr, &Claims{})
	if err != nil {
		return time.Time{}
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || claims.ExpiresAt == nil {
		return time.Time{}
	}

	return claims.ExpiresAt.Time
}
