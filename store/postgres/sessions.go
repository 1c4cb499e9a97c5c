package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kestrelsec/authcore/session"
)

// SessionStore implements [session.DurableStore] on Postgres.
type SessionStore struct {
	pool *pgxpool.Pool
}

// NewSessionStore wraps an open pool.
func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

// Insert stores a new session row.
func (s *SessionStore) Insert(ctx context.Context, sess *session.Session) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO auth_sessions
			(id, principal_id, tenant_id, fingerprint, sealed_metadata,
			 created_at, last_access_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sess.ID, sess.PrincipalID, sess.TenantID, sess.Fingerprint, sess.SealedMetadata,
		sess.CreatedAt, sess.LastAccessAt, sess.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Get fetches a session row by ID.
func (s *SessionStore) Get(ctx context.Context, sessionID string) (*session.Session, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var (
		sess          session.Session
		revokedAt     *time.Time
		revokedReason *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, principal_id, tenant_id, fingerprint, sealed_metadata,
		       created_at, last_access_at, expires_at, revoked, revoked_at, revoked_reason
		FROM auth_sessions WHERE id = $1`, sessionID).Scan(
		&sess.ID, &sess.PrincipalID, &sess.TenantID, &sess.Fingerprint, &sess.SealedMetadata,
		&sess.CreatedAt, &sess.LastAccessAt, &sess.ExpiresAt, &sess.Revoked, &revokedAt, &revokedReason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, session.ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	if revokedAt != nil {
		sess.RevokedAt = *revokedAt
	}
	if revokedReason != nil {
		sess.RevokedReason = *revokedReason
	}
	return &sess, nil
}

// Touch advances last_access_at on an active session.
func (s *SessionStore) Touch(ctx context.Context, sessionID string, lastAccessAt time.Time) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE auth_sessions SET last_access_at = $2
		WHERE id = $1 AND NOT revoked`, sessionID, lastAccessAt)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return session.ErrNotFound
	}
	return nil
}

// Revoke marks a session revoked exactly once.
func (s *SessionStore) Revoke(ctx context.Context, sessionID, reason string, at time.Time) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE auth_sessions
		SET revoked = TRUE, revoked_at = $2, revoked_reason = $3
		WHERE id = $1 AND NOT revoked`, sessionID, at, reason)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var revoked bool
		if scanErr := s.pool.QueryRow(ctx,
			`SELECT revoked FROM auth_sessions WHERE id = $1`, sessionID).Scan(&revoked); scanErr != nil {
			return session.ErrNotFound
		}
		return session.ErrRevoked
	}
	return nil
}

// RevokeAllForPrincipal revokes every active session of a principal except
// exceptID and returns the affected IDs.
func (s *SessionStore) RevokeAllForPrincipal(ctx context.Context, principalID, exceptID, reason string, at time.Time) ([]string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		UPDATE auth_sessions
		SET revoked = TRUE, revoked_at = $3, revoked_reason = $4
		WHERE principal_id = $1 AND id <> $2 AND NOT revoked
		RETURNING id`, principalID, exceptID, at, reason)
	if err != nil {
		return nil, fmt.Errorf("revoke sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("revoke sessions: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListActiveByPrincipal returns the unexpired, unrevoked sessions of a
// principal, oldest access first.
func (s *SessionStore) ListActiveByPrincipal(ctx context.Context, principalID string) ([]*session.Session, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT id, principal_id, tenant_id, fingerprint, sealed_metadata,
		       created_at, last_access_at, expires_at, revoked
		FROM auth_sessions
		WHERE principal_id = $1 AND NOT revoked AND expires_at > NOW()
		ORDER BY last_access_at ASC`, principalID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*session.Session
	for rows.Next() {
		var sess session.Session
		if err := rows.Scan(&sess.ID, &sess.PrincipalID, &sess.TenantID, &sess.Fingerprint,
			&sess.SealedMetadata, &sess.CreatedAt, &sess.LastAccessAt, &sess.ExpiresAt, &sess.Revoked); err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// ReapExpired revokes sessions past their absolute expiry or idle beyond
// idleTimeout and returns the affected IDs.
func (s *SessionStore) ReapExpired(ctx context.Context, now time.Time, idleTimeout time.Duration) ([]string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		UPDATE auth_sessions
		SET revoked = TRUE, revoked_at = $1, revoked_reason = $2
		WHERE NOT revoked AND (expires_at <= $1 OR last_access_at <= $3)
		RETURNING id`, now, session.ReasonExpired, now.Add(-idleTimeout))
	if err != nil {
		return nil, fmt.Errorf("reap sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("reap sessions: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
