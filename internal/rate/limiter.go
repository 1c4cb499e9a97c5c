package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Policy names recognized by the default registry.
const (
	PolicyLogin             = "login"
	PolicyPasswordReset     = "password_reset"
	PolicyEmailVerification = "email_verification"
	PolicyRegistration      = "registration"
	PolicyAPI               = "api"
	PolicyTokenValidation   = "token_validation"
)

// Policy is a named fixed-window budget.
type Policy struct {
	Name   string
	Window time.Duration
	Max    int
}

// DefaultPolicies returns the built-in policy set. Callers may override or
// extend it before handing it to [NewLimiter].
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		PolicyLogin:             {Name: PolicyLogin, Window: 15 * time.Minute, Max: 5},
		PolicyPasswordReset:     {Name: PolicyPasswordReset, Window: 15 * time.Minute, Max: 3},
		PolicyEmailVerification: {Name: PolicyEmailVerification, Window: 5 * time.Minute, Max: 2},
		PolicyRegistration:      {Name: PolicyRegistration, Window: time.Hour, Max: 2},
		PolicyAPI:               {Name: PolicyAPI, Window: time.Minute, Max: 60},
		PolicyTokenValidation:   {Name: PolicyTokenValidation, Window: time.Minute, Max: 60},
	}
}

// Result reports the state of a counter after a check.
type Result struct {
	Count    int64
	Limit    int
	RetryIn  time.Duration
	Exceeded bool
}

// Limiter enforces named fixed-window budgets over Redis counters. A nil
// entry in the policy map and unregistered names both fail with
// [ErrUnknownPolicy] rather than silently passing traffic.
type Limiter struct {
	redis    redis.UniversalClient
	prefix   string
	policies map[string]Policy
}

// NewLimiter builds a Limiter from a policy registry.
func NewLimiter(redisClient redis.UniversalClient, prefix string, policies map[string]Policy) (*Limiter, error) {
	if redisClient == nil {
		return nil, errors.New("redis client is required")
	}
	if len(policies) == 0 {
		policies = DefaultPolicies()
	}
	for name, p := range policies {
		if p.Window <= 0 || p.Max <= 0 {
			return nil, fmt.Errorf("invalid policy %q", name)
		}
	}
	if prefix == "" {
		prefix = "ac"
	}

	return &Limiter{redis: redisClient, prefix: prefix, policies: policies}, nil
}

// Policy returns the registered policy for a name.
func (l *Limiter) Policy(name string) (Policy, bool) {
	p, ok := l.policies[name]
	return p, ok
}

// CheckAndIncrement charges one unit against the named policy for key and
// reports the resulting counter state. The counter is charged even when the
// budget is already exhausted so that hammering extends nothing but the
// caller still sees the overflow grow.
func (l *Limiter) CheckAndIncrement(ctx context.Context, policyName, key string) (Result, error) {
	policy, ok := l.policies[policyName]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, policyName)
	}

	counterKey := l.counterKey(policyName, key)
	count, err := l.redis.Incr(ctx, counterKey).Result()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := l.redis.Expire(ctx, counterKey, policy.Window).Err(); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	retryIn := time.Duration(0)
	exceeded := count > int64(policy.Max)
	if exceeded {
		ttl, err := l.redis.PTTL(ctx, counterKey).Result()
		if err == nil && ttl > 0 {
			retryIn = ttl
		}
	}

	return Result{Count: count, Limit: policy.Max, RetryIn: retryIn, Exceeded: exceeded}, nil
}

// Reset clears the counter for a policy/key pair, typically after the
// guarded operation succeeds.
func (l *Limiter) Reset(ctx context.Context, policyName, key string) error {
	if err := l.redis.Del(ctx, l.counterKey(policyName, key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Peek returns the current counter without charging it. Missing keys read
// as zero and do not reveal whether the subject exists.
func (l *Limiter) Peek(ctx context.Context, policyName, key string) (int64, error) {
	count, err := l.redis.Get(ctx, l.counterKey(policyName, key)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return count, nil
}

func (l *Limiter) counterKey(policyName, key string) string {
	return l.prefix + ":rl:" + policyName + ":" + key
}
