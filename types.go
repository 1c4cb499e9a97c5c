package authcore

import (
	"context"
	"time"
)

// PrincipalStatus represents the lifecycle state of a principal account.
type PrincipalStatus uint8

const (
	// PrincipalActive marks an account that may authenticate.
	PrincipalActive PrincipalStatus = iota
	// PrincipalPendingVerification marks an account awaiting email verification.
	PrincipalPendingVerification
	// PrincipalDisabled marks an account that has been administratively disabled.
	PrincipalDisabled
	// PrincipalDeleted marks a soft-deleted account.
	PrincipalDeleted
)

// PrincipalRecord is the account record returned by [PrincipalProvider].
// It carries the credential hash, status, role, and the opaque permission
// list embedded in issued tokens.
type PrincipalRecord struct {
	PrincipalID  string
	TenantID     string
	Email        string
	PasswordHash string
	Status       PrincipalStatus
	Role         string
	Permissions  []string
}

// PrincipalProvider is the interface callers implement to integrate authcore
// with their account database. The engine never stores credentials itself;
// it reads and updates them through this interface.
type PrincipalProvider interface {
	GetByIdentifier(ctx context.Context, identifier string) (PrincipalRecord, error)
	GetByID(ctx context.Context, principalID string) (PrincipalRecord, error)
	GetByEmail(ctx context.Context, email string) (PrincipalRecord, error)
	UpdatePasswordHash(ctx context.Context, principalID, newHash string) error
	UpdateStatus(ctx context.Context, principalID string, status PrincipalStatus) error
}

// PrincipalContext is the authenticated identity returned by
// [Engine.ValidateBearer]. It carries everything a request handler needs
// without another store round trip.
type PrincipalContext struct {
	PrincipalID string
	TenantID    string
	SessionID   string
	Role        string
	Permissions []string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// TokenPair is the access/refresh pair returned by [Engine.Authenticate].
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	SessionID        string
}

// RateDecision is the outcome of a [Engine.RateLimit] check.
type RateDecision struct {
	Allowed   bool
	Policy    string
	Count     int64
	Limit     int
	RetryIn   time.Duration
	Escalated bool
}
