package session

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// anomalyTracker keeps a short-lived per-principal record in Redis: the hash
// of the last network address seen, when it was seen, and a count of recent
// authentication failures. It feeds two signals:
//
//   - impossible travel: the address changes faster than a person plausibly
//     could, currently a fixed time threshold between differing addresses
//   - brute force: too many tracked failures inside the window
//
// Tracking is best effort. If Redis is down, access proceeds without the
// check; the durable rate-limit path still applies.
type anomalyTracker struct {
	client           redis.UniversalClient
	prefix           string
	trackingTTL      time.Duration
	travelThreshold  time.Duration
	failureThreshold int
	log              zerolog.Logger
}

func newAnomalyTracker(client redis.UniversalClient, prefix string, trackingTTL, travelThreshold time.Duration, failureThreshold int, log zerolog.Logger) *anomalyTracker {
	return &anomalyTracker{
		client:           client,
		prefix:           prefix,
		trackingTTL:      trackingTTL,
		travelThreshold:  travelThreshold,
		failureThreshold: failureThreshold,
		log:              log,
	}
}

func (a *anomalyTracker) key(principalID string) string {
	return a.prefix + ":anomaly:" + principalID
}

// NoteAccess records an authenticated access from addressHash and reports
// whether it looks anomalous.
func (a *anomalyTracker) NoteAccess(ctx context.Context, principalID, addressHash string) bool {
	if a.client == nil {
		return false
	}

	key := a.key(principalID)
	fields, err := a.client.HGetAll(ctx, key).Result()
	if err != nil {
		a.log.Warn().Err(err).Msg("anomaly record read failed")
		return false
	}

	now := time.Now()
	anomalous := false

	if prevAddr, ok := fields["addr"]; ok && prevAddr != "" && prevAddr != addressHash {
		if prevAt, parseErr := time.Parse(time.RFC3339Nano, fields["at"]); parseErr == nil {
			if now.Sub(prevAt) < a.travelThreshold {
				anomalous = true
			}
		}
	}

	pipe := a.client.TxPipeline()
	pipe.HSet(ctx, key, "addr", addressHash, "at", now.Format(time.RFC3339Nano))
	pipe.Expire(ctx, key, a.trackingTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		a.log.Warn().Err(err).Msg("anomaly record write failed")
	}

	return anomalous
}

// NoteFailure counts an authentication failure and reports whether the
// failure threshold has been crossed.
func (a *anomalyTracker) NoteFailure(ctx context.Context, principalID string) bool {
	if a.client == nil {
		return false
	}

	key := a.key(principalID)
	count, err := a.client.HIncrBy(ctx, key, "failures", 1).Result()
	if err != nil {
		a.log.Warn().Err(err).Msg("anomaly failure count failed")
		return false
	}
	if err := a.client.Expire(ctx, key, a.trackingTTL).Err(); err != nil {
		a.log.Warn().Err(err).Msg("anomaly record expire failed")
	}

	return count >= int64(a.failureThreshold)
}

// ClearFailures resets the failure counter after a successful authentication.
func (a *anomalyTracker) ClearFailures(ctx context.Context, principalID string) {
	if a.client == nil {
		return
	}

	if err := a.client.HDel(ctx, a.key(principalID), "failures").Err(); err != nil {
		a.log.Warn().Err(err).Msg("anomaly failure reset failed")
	}
}
