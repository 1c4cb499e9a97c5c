package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DurableStore is the persistence contract for sessions. Implementations
// must be safe for concurrent use; the postgres implementation lives in
// store/postgres.
type DurableStore interface {
	Insert(ctx context.Context, s *Session) error
	Get(ctx context.Context, sessionID string) (*Session, error)
	Touch(ctx context.Context, sessionID string, lastAccessAt time.Time) error
	Revoke(ctx context.Context, sessionID, reason string, at time.Time) error

	// RevokeAllForPrincipal revokes every active session of a principal
	// except exceptID (empty revokes all) and returns the revoked IDs so
	// cache entries can be dropped.
	RevokeAllForPrincipal(ctx context.Context, principalID, exceptID, reason string, at time.Time) ([]string, error)

	ListActiveByPrincipal(ctx context.Context, principalID string) ([]*Session, error)

	// ReapExpired revokes sessions past their absolute expiry or idle for
	// longer than idleTimeout as of now, returning the affected IDs.
	ReapExpired(ctx context.Context, now time.Time, idleTimeout time.Duration) ([]string, error)
}

// Store layers a Redis read-through cache over a [DurableStore].
//
// Write ordering is fixed: the durable store first, then the cache. Cache
// failures on the write path are logged and swallowed; cache failures on the
// read path fall through to the durable store.
//
// Repopulation after a durable read (Get fallback, Touch refresh) can race a
// concurrent Revoke's cache delete and re-cache the pre-revocation copy for
// up to the cache TTL. The durable store stays authoritative: listings and
// cap checks never consult the cache, and the sweep clears such entries. The
// window only affects Validate reads of a session revoked in the same
// instant.
type Store struct {
	durable  DurableStore
	cache    redis.UniversalClient
	prefix   string
	cacheTTL time.Duration
	log      zerolog.Logger
}

// NewStore wires a Store. cache may be nil, which degrades every read to
// the durable store.
func NewStore(durable DurableStore, cache redis.UniversalClient, prefix string, cacheTTL time.Duration, log zerolog.Logger) (*Store, error) {
	if durable == nil {
		return nil, errors.New("durable store is required")
	}
	if cacheTTL <= 0 {
		return nil, errors.New("cache TTL must be > 0")
	}
	if prefix == "" {
		prefix = "ac"
	}

	return &Store{
		durable:  durable,
		cache:    cache,
		prefix:   prefix,
		cacheTTL: cacheTTL,
		log:      log,
	}, nil
}

// Save persists a new session durably, then populates the cache.
func (s *Store) Save(ctx context.Context, sess *Session) error {
	if err := s.durable.Insert(ctx, sess); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.cacheSet(ctx, sess)
	return nil
}

// Get returns a session by ID, cache first. A cache miss or cache error
// falls back to the durable store and repopulates the cache on success.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	if sess, ok := s.cacheGet(ctx, sessionID); ok {
		return sess, nil
	}

	sess, err := s.durable.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.cacheSet(ctx, sess)
	return sess, nil
}

// Touch advances a session's last-access time.
func (s *Store) Touch(ctx context.Context, sessionID string, at time.Time) error {
	if err := s.durable.Touch(ctx, sessionID, at); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	// Refresh the cached copy rather than patching it in place.
	if sess, err := s.durable.Get(ctx, sessionID); err == nil {
		s.cacheSet(ctx, sess)
	}
	return nil
}

// Revoke marks a session revoked durably, then drops it from the cache. The
// cache delete runs even when the durable write fails so a stale active copy
// cannot outlive a revocation attempt.
func (s *Store) Revoke(ctx context.Context, sessionID, reason string, at time.Time) error {
	err := s.durable.Revoke(ctx, sessionID, reason, at)
	s.cacheDel(ctx, sessionID)

	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrRevoked) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// RevokeAllForPrincipal revokes every active session of a principal except
// exceptID and drops the revoked entries from the cache.
func (s *Store) RevokeAllForPrincipal(ctx context.Context, principalID, exceptID, reason string, at time.Time) (int, error) {
	ids, err := s.durable.RevokeAllForPrincipal(ctx, principalID, exceptID, reason, at)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.cacheDel(ctx, ids...)
	return len(ids), nil
}

// ListActiveByPrincipal reads straight from the durable store; the cap check
// must not trust the cache.
func (s *Store) ListActiveByPrincipal(ctx context.Context, principalID string) ([]*Session, error) {
	sessions, err := s.durable.ListActiveByPrincipal(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return sessions, nil
}

// ReapExpired expires overdue sessions durably and evicts their cache entries.
func (s *Store) ReapExpired(ctx context.Context, now time.Time, idleTimeout time.Duration) (int, error) {
	ids, err := s.durable.ReapExpired(ctx, now, idleTimeout)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.cacheDel(ctx, ids...)
	return len(ids), nil
}

func (s *Store) cacheKey(sessionID string) string {
	return s.prefix + ":sess:" + sessionID
}

func (s *Store) cacheSet(ctx context.Context, sess *Session) {
	if s.cache == nil {
		return
	}

	payload, err := json.Marshal(sess)
	if err != nil {
		s.log.Warn().Err(err).Str("session_id", sess.ID).Msg("session cache encode failed")
		return
	}

	// Jitter the TTL so a burst of logins does not expire as one thundering herd.
	ttl := s.cacheTTL + time.Duration(rand.Int63n(int64(s.cacheTTL/20)+1))
	if err := s.cache.Set(ctx, s.cacheKey(sess.ID), payload, ttl).Err(); err != nil {
		s.log.Warn().Err(err).Str("session_id", sess.ID).Msg("session cache write failed")
	}
}

func (s *Store) cacheGet(ctx context.Context, sessionID string) (*Session, bool) {
	if s.cache == nil {
		return nil, false
	}

	payload, err := s.cache.Get(ctx, s.cacheKey(sessionID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Warn().Err(err).Str("session_id", sessionID).Msg("session cache read failed")
		}
		return nil, false
	}

	var sess Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID).Msg("session cache decode failed")
		s.cacheDel(ctx, sessionID)
		return nil, false
	}

	return &sess, true
}

func (s *Store) cacheDel(ctx context.Context, sessionIDs ...string) {
	if s.cache == nil || len(sessionIDs) == 0 {
		return
	}

	keys := make([]string, len(sessionIDs))
	for i, id := range sessionIDs {
		keys[i] = s.cacheKey(id)
	}
	if err := s.cache.Del(ctx, keys...).Err(); err != nil {
		s.log.Warn().Err(err).Int("count", len(keys)).Msg("session cache delete failed")
	}
}
