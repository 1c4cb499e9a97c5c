package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kestrelsec/authcore"
)

// ViolationStore implements [authcore.ViolationAuditStore] on Postgres. The
// trail is append-only; rows are never updated.
type ViolationStore struct {
	pool *pgxpool.Pool
}

// NewViolationStore wraps an open pool.
func NewViolationStore(pool *pgxpool.Pool) *ViolationStore {
	return &ViolationStore{pool: pool}
}

// Record appends one violation event.
func (s *ViolationStore) Record(ctx context.Context, v authcore.ViolationRecord) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	at := v.At
	if at.IsZero() {
		at = time.Now()
	}

	if _, err := s.pool.Exec(ctx, `
		INSERT INTO auth_violations (address, kind, level, detail, at)
		VALUES ($1, $2, $3, $4, $5)`,
		v.Address, v.Kind, v.Level, v.Detail, at); err != nil {
		return fmt.Errorf("record violation: %w", err)
	}
	return nil
}

// ListRecent returns the newest violation events for an address.
func (s *ViolationStore) ListRecent(ctx context.Context, address string, limit int) ([]authcore.ViolationRecord, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx, `
		SELECT address, kind, level, detail, at
		FROM auth_violations
		WHERE address = $1
		ORDER BY at DESC
		LIMIT $2`, address, limit)
	if err != nil {
		return nil, fmt.Errorf("list violations: %w", err)
	}
	defer rows.Close()

	var out []authcore.ViolationRecord
	for rows.Next() {
		var v authcore.ViolationRecord
		if err := rows.Scan(&v.Address, &v.Kind, &v.Level, &v.Detail, &v.At); err != nil {
			return nil, fmt.Errorf("list violations: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
