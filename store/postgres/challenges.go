package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kestrelsec/authcore"
)

// ErrChallengeNotFound is returned by Consume for tokens that are unknown,
// expired, or already used. The causes are not distinguished.
var ErrChallengeNotFound = errors.New("challenge not found")

// ChallengeStore implements [authcore.ChallengeStore] on Postgres.
type ChallengeStore struct {
	pool *pgxpool.Pool
}

// NewChallengeStore wraps an open pool.
func NewChallengeStore(pool *pgxpool.Pool) *ChallengeStore {
	return &ChallengeStore{pool: pool}
}

// Create invalidates any outstanding challenge of the same kind for the
// email, then inserts the new one, both inside one transaction.
func (s *ChallengeStore) Create(ctx context.Context, ch authcore.Challenge) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("create challenge: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		UPDATE auth_challenges SET consumed_at = NOW()
		WHERE email = $1 AND kind = $2 AND consumed_at IS NULL`,
		ch.Email, string(ch.Kind)); err != nil {
		return fmt.Errorf("create challenge: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO auth_challenges
			(id, principal_id, email, token_hash, kind, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ch.ID, ch.PrincipalID, ch.Email, ch.TokenHash, string(ch.Kind),
		ch.CreatedAt, ch.ExpiresAt); err != nil {
		return fmt.Errorf("create challenge: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("create challenge: %w", err)
	}
	return nil
}

// Consume marks the matching open challenge used and returns it. The
// conditional UPDATE makes redemption single-use under concurrency: only
// one caller's row update lands.
func (s *ChallengeStore) Consume(ctx context.Context, tokenHash []byte, kind authcore.ChallengeKind) (authcore.Challenge, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var (
		ch        authcore.Challenge
		consumed  time.Time
		kindValue string
	)
	err := s.pool.QueryRow(ctx, `
		UPDATE auth_challenges SET consumed_at = NOW()
		WHERE token_hash = $1 AND kind = $2
		  AND consumed_at IS NULL AND expires_at > NOW()
		RETURNING id, principal_id, email, token_hash, kind, created_at, expires_at, consumed_at`,
		tokenHash, string(kind)).Scan(
		&ch.ID, &ch.PrincipalID, &ch.Email, &ch.TokenHash, &kindValue,
		&ch.CreatedAt, &ch.ExpiresAt, &consumed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return authcore.Challenge{}, ErrChallengeNotFound
		}
		return authcore.Challenge{}, fmt.Errorf("consume challenge: %w", err)
	}

	ch.Kind = authcore.ChallengeKind(kindValue)
	ch.ConsumedAt = consumed
	return ch, nil
}

// InvalidateAllForEmail expires every open challenge of a kind for an email.
func (s *ChallengeStore) InvalidateAllForEmail(ctx context.Context, email string, kind authcore.ChallengeKind) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if _, err := s.pool.Exec(ctx, `
		UPDATE auth_challenges SET consumed_at = NOW()
		WHERE email = $1 AND kind = $2 AND consumed_at IS NULL`,
		email, string(kind)); err != nil {
		return fmt.Errorf("invalidate challenges: %w", err)
	}
	return nil
}
