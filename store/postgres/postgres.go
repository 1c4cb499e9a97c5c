package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const callTimeout = 10 * time.Second

// Open parses dsn, builds a pool with sane connection limits, and verifies
// connectivity with a ping before returning.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnIdleTime = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// Migrate creates the tables the stores expect. It is idempotent and meant
// for development and tests; production schemas are managed externally.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS auth_sessions (
			id              TEXT PRIMARY KEY,
			principal_id    TEXT NOT NULL,
			tenant_id       TEXT NOT NULL DEFAULT '0',
			fingerprint     TEXT NOT NULL,
			sealed_metadata BYTEA NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL,
			last_access_at  TIMESTAMPTZ NOT NULL,
			expires_at      TIMESTAMPTZ NOT NULL,
			revoked         BOOLEAN NOT NULL DEFAULT FALSE,
			revoked_at      TIMESTAMPTZ,
			revoked_reason  TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS auth_sessions_principal_idx
			ON auth_sessions (principal_id) WHERE NOT revoked`,
		`CREATE TABLE IF NOT EXISTS auth_challenges (
			id           TEXT PRIMARY KEY,
			principal_id TEXT NOT NULL,
			email        TEXT NOT NULL,
			token_hash   BYTEA NOT NULL,
			kind         TEXT NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL,
			expires_at   TIMESTAMPTZ NOT NULL,
			consumed_at  TIMESTAMPTZ
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS auth_challenges_hash_idx
			ON auth_challenges (token_hash)`,
		`CREATE INDEX IF NOT EXISTS auth_challenges_email_idx
			ON auth_challenges (email, kind)`,
		`CREATE TABLE IF NOT EXISTS auth_violations (
			id      BIGSERIAL PRIMARY KEY,
			address TEXT NOT NULL,
			kind    TEXT NOT NULL,
			level   INT NOT NULL,
			detail  TEXT NOT NULL DEFAULT '',
			at      TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS auth_violations_address_idx
			ON auth_violations (address, at)`,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, callTimeout)
}
