package authcore

import "errors"

var (
	// ErrInvalidCredentials is returned for any credential failure. Lookup
	// misses, password mismatches, and unknown identifiers are deliberately
	// indistinguishable to the caller.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountInactive is returned when the principal exists but is not active.
	ErrAccountInactive = errors.New("account inactive")
	// ErrWeakPassword is returned when a password fails the strength policy.
	ErrWeakPassword = errors.New("weak password")
	// ErrPasswordReuse is returned when a new password matches the current one.
	ErrPasswordReuse = errors.New("new password must be different from current password")
	// ErrSessionNotFound is returned when a session does not exist or has expired.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionRevoked is returned when a session exists but has been revoked.
	ErrSessionRevoked = errors.New("session revoked")
	// ErrTokenInvalid is returned on signature, issuer, or audience mismatch.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrTokenExpired is returned when a token is past its expiry.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenBlacklisted is returned when a token has been revoked before expiry.
	ErrTokenBlacklisted = errors.New("token blacklisted")
	// ErrTokenBindingMismatch is returned when a token is replayed from a
	// different network address or client than it was issued to.
	ErrTokenBindingMismatch = errors.New("token binding mismatch")
	// ErrInvalidOrExpiredToken is returned for reset/verification challenges
	// that are unknown, already used, or past expiry.
	ErrInvalidOrExpiredToken = errors.New("invalid or expired token")
	// ErrRateLimited is returned when a named policy's window budget is exhausted.
	ErrRateLimited = errors.New("rate limited")
	// ErrTemporarilyBlocked is returned while an address is under a temporary block.
	ErrTemporarilyBlocked = errors.New("temporarily blocked")
	// ErrPermanentlyBlocked is returned once an address requires manual unblocking.
	ErrPermanentlyBlocked = errors.New("permanently blocked")
	// ErrStoreUnavailable is returned when a durable-store write cannot be confirmed.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrCorruptSessionData is returned when encrypted session metadata fails
	// its integrity check.
	ErrCorruptSessionData = errors.New("corrupt session data")
	// ErrEngineNotReady is returned when an Engine method is called before Build.
	ErrEngineNotReady = errors.New("engine not initialized")
)
