package authcore

import (
	"context"
	"time"
)

// ChallengeKind distinguishes the two opaque-token flows.
type ChallengeKind string

const (
	// ChallengePasswordReset tokens grant a single password rewrite.
	ChallengePasswordReset ChallengeKind = "password_reset"
	// ChallengeEmailVerification tokens activate a pending account.
	ChallengeEmailVerification ChallengeKind = "email_verification"
)

// Challenge is a stored password-reset or email-verification request. Only
// the SHA-256 digest of the issued token is persisted.
type Challenge struct {
	ID          string
	PrincipalID string
	Email       string
	TokenHash   []byte
	Kind        ChallengeKind
	CreatedAt   time.Time
	ExpiresAt   time.Time
	ConsumedAt  time.Time
}

// ChallengeStore persists challenges durably. Implementations must make
// Consume single-use under concurrent redemption: exactly one caller wins.
type ChallengeStore interface {
	// Create stores a new challenge after invalidating any outstanding
	// challenge of the same kind for the same email.
	Create(ctx context.Context, ch Challenge) error

	// Consume atomically marks the challenge matching tokenHash and kind as
	// used and returns it. Unknown, expired, and already-consumed tokens all
	// fail the same way.
	Consume(ctx context.Context, tokenHash []byte, kind ChallengeKind) (Challenge, error)

	// InvalidateAllForEmail expires every open challenge of a kind for an
	// email address.
	InvalidateAllForEmail(ctx context.Context, email string, kind ChallengeKind) error
}

// ViolationRecord is one escalation event worth keeping: a budget overrun,
// a block, or an anomaly revocation.
type ViolationRecord struct {
	Address string
	Kind    string
	Level   int
	Detail  string
	At      time.Time
}

// ViolationAuditStore is an append-only trail of escalation events. Writes
// are best effort; the engine logs and continues when they fail.
type ViolationAuditStore interface {
	Record(ctx context.Context, v ViolationRecord) error
}
