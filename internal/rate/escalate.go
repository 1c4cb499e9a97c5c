package rate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const delayPerViolation = 500 * time.Millisecond

// EscalationConfig tunes the violation ladder.
type EscalationConfig struct {
	DelayThreshold     int
	TempBlockThreshold int
	PermBlockThreshold int
	TempBlockTTL       time.Duration
	MaxDelay           time.Duration
	ViolationTTL       time.Duration
}

// Outcome is what a recorded violation earned the offending address.
type Outcome struct {
	Level        int
	Total        int64
	Delay        time.Duration
	TempBlocked  bool
	BlockedUntil time.Time
	PermBlocked  bool
}

// Escalator keeps a per-address violation record in Redis (a hash of
// per-policy counts with a rolling TTL) and applies the ladder: repeated
// violations earn proportional delays, then a timed block, then a permanent
// block that only an operator can lift.
//
// The escalator is the single authority on blocks; no other component
// decides to block an address.
type Escalator struct {
	redis  redis.UniversalClient
	prefix string
	config EscalationConfig
	log    zerolog.Logger
}

// NewEscalator validates cfg and returns an Escalator.
func NewEscalator(redisClient redis.UniversalClient, prefix string, cfg EscalationConfig, log zerolog.Logger) (*Escalator, error) {
	if redisClient == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.DelayThreshold <= 0 || cfg.TempBlockThreshold <= cfg.DelayThreshold || cfg.PermBlockThreshold <= cfg.TempBlockThreshold {
		return nil, errors.New("escalation thresholds must ascend")
	}
	if cfg.TempBlockTTL <= 0 || cfg.MaxDelay <= 0 || cfg.ViolationTTL <= 0 {
		return nil, errors.New("escalation durations must be > 0")
	}
	if prefix == "" {
		prefix = "ac"
	}

	return &Escalator{redis: redisClient, prefix: prefix, config: cfg, log: log}, nil
}

// LevelFor classifies a violation record on the 0-3 severity scale from the
// total count and the number of distinct violation types. It is a pure
// function so the ladder can be reasoned about and tested in isolation.
func LevelFor(total int64, types int) int {
	switch {
	case total >= 15 || types >= 3:
		return 3
	case total >= 10 || types >= 2:
		return 2
	case total >= 5:
		return 1
	default:
		return 0
	}
}

// CheckBlocked reports whether an address is currently blocked. It is cheap
// and intended to run before any guarded operation.
func (e *Escalator) CheckBlocked(ctx context.Context, address string) error {
	val, err := e.redis.Get(ctx, e.blockKey(address)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	if val == "perm" {
		return ErrPermanentlyBlocked
	}
	return ErrTemporarilyBlocked
}

// BlockedFor returns how long a temporary block has left. Zero means not
// blocked or blocked permanently.
func (e *Escalator) BlockedFor(ctx context.Context, address string) (time.Duration, error) {
	ttl, err := e.redis.PTTL(ctx, e.blockKey(address)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// RecordViolation charges a violation of violationType against address and
// applies whatever the ladder now calls for. The returned Outcome carries
// the delay the caller must serve before responding.
func (e *Escalator) RecordViolation(ctx context.Context, address, violationType string) (Outcome, error) {
	key := e.violationKey(address)

	pipe := e.redis.TxPipeline()
	totalCmd := pipe.HIncrBy(ctx, key, "total", 1)
	pipe.HIncrBy(ctx, key, "n:"+violationType, 1)
	pipe.HSet(ctx, key, "last", time.Now().Format(time.RFC3339Nano))
	pipe.Expire(ctx, key, e.config.ViolationTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	total := totalCmd.Val()

	fields, err := e.redis.HKeys(ctx, key).Result()
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	types := 0
	for _, f := range fields {
		if strings.HasPrefix(f, "n:") {
			types++
		}
	}

	out := Outcome{Level: LevelFor(total, types), Total: total}

	switch {
	case total >= int64(e.config.PermBlockThreshold):
		if err := e.redis.Set(ctx, e.blockKey(address), "perm", 0).Err(); err != nil {
			return out, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		out.PermBlocked = true
		e.log.Error().
			Str("address", address).
			Int64("violations", total).
			Int("types", types).
			Msg("address permanently blocked, manual unblock required")

	case total >= int64(e.config.TempBlockThreshold):
		if err := e.redis.Set(ctx, e.blockKey(address), "temp", e.config.TempBlockTTL).Err(); err != nil {
			return out, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		out.TempBlocked = true
		out.BlockedUntil = time.Now().Add(e.config.TempBlockTTL)
		e.log.Warn().
			Str("address", address).
			Int64("violations", total).
			Dur("block_ttl", e.config.TempBlockTTL).
			Msg("address temporarily blocked")

	case total >= int64(e.config.DelayThreshold):
		delay := time.Duration(total-int64(e.config.DelayThreshold)+1) * delayPerViolation
		if delay > e.config.MaxDelay {
			delay = e.config.MaxDelay
		}
		out.Delay = delay
	}

	return out, nil
}

// Unblock lifts any block on an address and clears its violation record.
// This is the operator path for permanent blocks.
func (e *Escalator) Unblock(ctx context.Context, address string) error {
	if err := e.redis.Del(ctx, e.blockKey(address), e.violationKey(address)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (e *Escalator) violationKey(address string) string {
	return e.prefix + ":viol:" + address
}

func (e *Escalator) blockKey(address string) string {
	return e.prefix + ":block:" + address
}
