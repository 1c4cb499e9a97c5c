package rate

import "errors"

var (
	// ErrRateLimited is returned when a window budget is exhausted.
	ErrRateLimited = errors.New("rate limited")
	// ErrTemporarilyBlocked is returned while an address sits under a
	// timed escalation block.
	ErrTemporarilyBlocked = errors.New("temporarily blocked")
	// ErrPermanentlyBlocked is returned once an address requires manual
	// unblocking.
	ErrPermanentlyBlocked = errors.New("permanently blocked")
	// ErrUnknownPolicy is returned for policy names with no registration.
	ErrUnknownPolicy = errors.New("unknown rate limit policy")
	// ErrRedisUnavailable wraps Redis transport failures.
	ErrRedisUnavailable = errors.New("redis unavailable")
)
