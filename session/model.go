package session

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a session does not exist or has expired.
	ErrNotFound = errors.New("session not found")
	// ErrRevoked is returned when a session exists but has been revoked.
	ErrRevoked = errors.New("session revoked")
	// ErrFingerprintMismatch is returned when a caller presents a valid
	// session ID from the wrong device. The session is revoked as a side
	// effect before this error is returned.
	ErrFingerprintMismatch = errors.New("session fingerprint mismatch")
	// ErrCorruptMetadata is returned when sealed metadata fails its
	// integrity check. Validation fails closed on it.
	ErrCorruptMetadata = errors.New("corrupt session metadata")
	// ErrStoreUnavailable is returned when the durable store cannot confirm
	// an operation.
	ErrStoreUnavailable = errors.New("session store unavailable")
)

// Revocation reasons recorded on the session and emitted in audit events.
const (
	ReasonLogout       = "logout"
	ReasonLogoutAll    = "logout_all"
	ReasonEvicted      = "evicted"
	ReasonExpired      = "expired"
	ReasonBindingMiss  = "binding_mismatch"
	ReasonAnomaly      = "anomaly"
	ReasonCredentials  = "credentials_changed"
	ReasonAdminRevoked = "admin_revoked"
)

// Session is the persisted record of an authenticated device. SealedMetadata
// is the AEAD ciphertext of a [Metadata] value; the plaintext never reaches
// a store.
type Session struct {
	ID             string    `json:"id"`
	PrincipalID    string    `json:"principal_id"`
	TenantID       string    `json:"tenant_id"`
	Fingerprint    string    `json:"fingerprint"`
	SealedMetadata []byte    `json:"sealed_metadata"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessAt   time.Time `json:"last_access_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	Revoked        bool      `json:"revoked"`
	RevokedAt      time.Time `json:"revoked_at,omitzero"`
	RevokedReason  string    `json:"revoked_reason,omitempty"`
}

// Metadata is the per-session device description stored encrypted at rest.
// The network address is hashed before it gets here; the raw address is
// never persisted.
type Metadata struct {
	ClientString string `json:"client_string"`
	Browser      string `json:"browser"`
	OS           string `json:"os"`
	DeviceClass  string `json:"device_class"`
	AddressHash  string `json:"address_hash"`
}
