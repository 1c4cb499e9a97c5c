package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kestrelsec/authcore/crypto"
)

// Config tunes the session lifecycle.
type Config struct {
	AbsoluteLifetime time.Duration
	IdleTimeout      time.Duration
	MaxPerPrincipal  int
	SweepInterval    time.Duration

	TrackingTTL      time.Duration
	TravelThreshold  time.Duration
	FailureThreshold int

	// OnEvict, when set, receives the number of sessions the per-principal
	// cap revoked during a create.
	OnEvict func(count int)
}

// Manager owns session creation, validation, revocation, anomaly handling,
// and the background expiry sweep. All methods are safe for concurrent use.
type Manager struct {
	store   *Store
	codec   *MetadataCodec
	anomaly *anomalyTracker
	config  Config
	log     zerolog.Logger

	stop      chan struct{}
	closeOnce sync.Once
}

// NewManager wires a Manager. tracker may receive a nil Redis client, which
// disables anomaly detection but nothing else.
func NewManager(store *Store, codec *MetadataCodec, tracker redis.UniversalClient, prefix string, cfg Config, log zerolog.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if codec == nil {
		return nil, errors.New("metadata codec is required")
	}
	if cfg.AbsoluteLifetime <= 0 || cfg.IdleTimeout <= 0 || cfg.MaxPerPrincipal <= 0 || cfg.SweepInterval <= 0 {
		return nil, errors.New("invalid session configuration")
	}
	if prefix == "" {
		prefix = "ac"
	}

	return &Manager{
		store:   store,
		codec:   codec,
		anomaly: newAnomalyTracker(tracker, prefix, cfg.TrackingTTL, cfg.TravelThreshold, cfg.FailureThreshold, log),
		config:  cfg,
		log:     log,
		stop:    make(chan struct{}),
	}, nil
}

// Create registers a new session for a principal. When the principal is at
// the session cap, the least recently used sessions are revoked to make
// room, so creation never fails on the cap.
func (m *Manager) Create(ctx context.Context, principalID, tenantID, networkAddress, clientString string) (*Session, error) {
	if err := m.evictOverCap(ctx, principalID); err != nil {
		return nil, err
	}

	sessionID := uuid.NewString()
	browser, osName, deviceClass := ParseClientString(clientString)
	sealed, err := m.codec.Seal(sessionID, Metadata{
		ClientString: clientString,
		Browser:      browser,
		OS:           osName,
		DeviceClass:  deviceClass,
		AddressHash:  crypto.HashAddress(networkAddress),
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sess := &Session{
		ID:             sessionID,
		PrincipalID:    principalID,
		TenantID:       tenantID,
		Fingerprint:    crypto.Fingerprint(networkAddress, clientString, sessionID),
		SealedMetadata: sealed,
		CreatedAt:      now,
		LastAccessAt:   now,
		ExpiresAt:      now.Add(m.config.AbsoluteLifetime),
	}

	if err := m.store.Save(ctx, sess); err != nil {
		return nil, err
	}

	m.anomaly.ClearFailures(ctx, principalID)
	if m.anomaly.NoteAccess(ctx, principalID, crypto.HashAddress(networkAddress)) {
		// A login from a new address faster than travel allows: keep the
		// fresh session, drop every other one.
		if n, err := m.store.RevokeAllForPrincipal(ctx, principalID, sessionID, ReasonAnomaly, time.Now()); err == nil && n > 0 {
			m.log.Warn().Str("principal_id", principalID).Int("revoked", n).Msg("anomalous login, revoked sibling sessions")
		}
	}

	return sess, nil
}

// Validate checks a session against expiry, revocation, and the device
// binding, then advances its last-access time asynchronously. A binding
// mismatch revokes the session before returning [ErrFingerprintMismatch].
func (m *Manager) Validate(ctx context.Context, sessionID, networkAddress, clientString string) (*Session, error) {
	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if sess.Revoked {
		return nil, ErrRevoked
	}

	now := time.Now()
	if now.After(sess.ExpiresAt) || now.Sub(sess.LastAccessAt) > m.config.IdleTimeout {
		m.revokeBestEffort(ctx, sessionID, ReasonExpired)
		return nil, ErrNotFound
	}

	if !crypto.FingerprintEqual(sess.Fingerprint, crypto.Fingerprint(networkAddress, clientString, sessionID)) {
		m.revokeBestEffort(ctx, sessionID, ReasonBindingMiss)
		m.log.Warn().
			Str("session_id", sessionID).
			Str("principal_id", sess.PrincipalID).
			Msg("session fingerprint mismatch, session revoked")
		return nil, ErrFingerprintMismatch
	}

	if m.anomaly.NoteAccess(ctx, sess.PrincipalID, crypto.HashAddress(networkAddress)) {
		if n, err := m.store.RevokeAllForPrincipal(ctx, sess.PrincipalID, "", ReasonAnomaly, now); err == nil {
			m.log.Warn().Str("principal_id", sess.PrincipalID).Int("revoked", n).Msg("anomalous access, sessions revoked")
		}
		return nil, ErrRevoked
	}

	go m.touch(sessionID)

	return sess, nil
}

// Metadata opens a session's sealed metadata.
func (m *Manager) Metadata(sess *Session) (Metadata, error) {
	return m.codec.Open(sess.ID, sess.SealedMetadata)
}

// RecordAuthFailure counts a failed authentication for a principal. Crossing
// the failure threshold revokes every session the principal has; the return
// value reports whether that happened.
func (m *Manager) RecordAuthFailure(ctx context.Context, principalID string) bool {
	if !m.anomaly.NoteFailure(ctx, principalID) {
		return false
	}

	if n, err := m.store.RevokeAllForPrincipal(ctx, principalID, "", ReasonAnomaly, time.Now()); err == nil {
		m.log.Warn().Str("principal_id", principalID).Int("revoked", n).Msg("failure threshold crossed, sessions revoked")
	}
	return true
}

// Revoke ends a session. Revoking a session that is already gone or already
// revoked is not an error.
func (m *Manager) Revoke(ctx context.Context, sessionID, reason string) error {
	err := m.store.Revoke(ctx, sessionID, reason, time.Now())
	if err != nil && (errors.Is(err, ErrNotFound) || errors.Is(err, ErrRevoked)) {
		return nil
	}
	return err
}

// RevokeAll ends every active session of a principal except exceptID (empty
// keeps none) and returns how many were revoked.
func (m *Manager) RevokeAll(ctx context.Context, principalID, exceptID, reason string) (int, error) {
	return m.store.RevokeAllForPrincipal(ctx, principalID, exceptID, reason, time.Now())
}

// ListActive returns the principal's active sessions from the durable store.
func (m *Manager) ListActive(ctx context.Context, principalID string) ([]*Session, error) {
	return m.store.ListActiveByPrincipal(ctx, principalID)
}

// Run sweeps expired sessions every SweepInterval until ctx is cancelled or
// Close is called. Call it on its own goroutine.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one expiry pass immediately.
func (m *Manager) Sweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	n, err := m.store.ReapExpired(sweepCtx, time.Now(), m.config.IdleTimeout)
	if err != nil {
		m.log.Error().Err(err).Msg("session sweep failed")
		return
	}
	if n > 0 {
		m.log.Info().Int("expired", n).Msg("session sweep complete")
	}
}

// Close stops the background sweep. It is safe to call more than once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.stop) })
}

// evictOverCap revokes least recently used sessions until one slot is free.
func (m *Manager) evictOverCap(ctx context.Context, principalID string) error {
	active, err := m.store.ListActiveByPrincipal(ctx, principalID)
	if err != nil {
		return err
	}
	if len(active) < m.config.MaxPerPrincipal {
		return nil
	}

	sort.Slice(active, func(i, j int) bool {
		return active[i].LastAccessAt.Before(active[j].LastAccessAt)
	})

	evict := len(active) - m.config.MaxPerPrincipal + 1
	evicted := 0
	for _, sess := range active[:evict] {
		if err := m.store.Revoke(ctx, sess.ID, ReasonEvicted, time.Now()); err != nil {
			if errors.Is(err, ErrNotFound) || errors.Is(err, ErrRevoked) {
				continue
			}
			return err
		}
		evicted++
		m.log.Info().
			Str("principal_id", principalID).
			Str("session_id", sess.ID).
			Msg("session cap reached, oldest session evicted")
	}

	if evicted > 0 && m.config.OnEvict != nil {
		m.config.OnEvict(evicted)
	}
	return nil
}

func (m *Manager) revokeBestEffort(ctx context.Context, sessionID, reason string) {
	if err := m.store.Revoke(ctx, sessionID, reason, time.Now()); err != nil &&
		!errors.Is(err, ErrNotFound) && !errors.Is(err, ErrRevoked) {
		m.log.Warn().Err(err).Str("session_id", sessionID).Msg("session revoke failed")
	}
}

// touch runs off the request path; a lost update only shortens the idle
// window, never extends it.
func (m *Manager) touch(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.store.Touch(ctx, sessionID, time.Now()); err != nil && !errors.Is(err, ErrNotFound) {
		m.log.Warn().Err(err).Str("session_id", sessionID).Msg("session touch failed")
	}
}
