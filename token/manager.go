package token

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Kind selects which signing secret and lifetime a token uses.
type Kind string

const (
	// KindAccess is the short-lived bearer token presented on every request.
	KindAccess Kind = "access"
	// KindRefresh is the long-lived token exchanged for new access tokens.
	KindRefresh Kind = "refresh"
)

var (
	// ErrInvalid covers signature, algorithm, issuer, audience, and kind
	// mismatches. The causes are deliberately not distinguished to callers.
	ErrInvalid = errors.New("invalid token")
	// ErrExpired is returned when a structurally valid token is past expiry.
	ErrExpired = errors.New("token expired")
	// ErrBlacklisted is returned when a token was revoked before expiry.
	ErrBlacklisted = errors.New("token blacklisted")
	// ErrBindingMismatch is returned when the caller's fingerprint does not
	// match the one the token was issued to.
	ErrBindingMismatch = errors.New("token binding mismatch")
)

// Config holds signing material and lifetimes for a [Manager]. The access
// and refresh secrets must be distinct.
type Config struct {
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
	Audience      string
	Leeway        time.Duration
	BlacklistMax  int
}

// Claims is the payload carried by both token kinds.
type Claims struct {
	PrincipalID string   `json:"pid"`
	TenantID    string   `json:"tid,omitempty"`
	SessionID   string   `json:"sid"`
	Role        string   `json:"role,omitempty"`
	Permissions []string `json:"perms,omitempty"`
	Fingerprint string   `json:"fp"`
	Kind        Kind     `json:"knd"`
	jwt.RegisteredClaims
}

// Manager signs and verifies access and refresh tokens. It is safe for
// concurrent use.
type Manager struct {
	config    Config
	blacklist *Blacklist
}

// NewManager validates cfg and returns a ready Manager.
func NewManager(cfg Config) (*Manager, error) {
	if len(cfg.AccessSecret) < 32 || len(cfg.RefreshSecret) < 32 {
		return nil, errors.New("token secrets must be at least 32 bytes")
	}
	if subtle.ConstantTimeCompare(cfg.AccessSecret, cfg.RefreshSecret) == 1 {
		return nil, errors.New("access and refresh secrets must differ")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.BlacklistMax <= 0 {
		cfg.BlacklistMax = defaultBlacklistMax
	}

	return &Manager{
		config:    cfg,
		blacklist: newBlacklist(cfg.BlacklistMax),
	}, nil
}

// Issue signs a token of the given kind. The jti, issuer, audience, and
// timestamps are filled here; callers supply identity, session, and the
// fingerprint binding.
func (m *Manager) Issue(kind Kind, claims Claims) (string, time.Time, error) {
	secret, ttl, err := m.keyFor(kind)
	if err != nil {
		return "", time.Time{}, err
	}
	if claims.Fingerprint == "" {
		return "", time.Time{}, errors.New("fingerprint binding is required")
	}

	now := time.Now()
	expiresAt := now.Add(ttl)

	claims.Kind = kind
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    m.config.Issuer,
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		IssuedAt:  jwt.NewNumericDate(now),
	}
	if m.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{m.config.Audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}

	return signed, expiresAt, nil
}

// Verify checks a token end to end: blacklist membership first, then
// signature, issuer, audience, and expiry (with leeway), then kind, and
// finally the fingerprint binding. The returned claims are trustworthy only
// when err is nil.
func (m *Manager) Verify(tokenStr string, fingerprint string, kind Kind) (*Claims, error) {
	if m.blacklist.Contains(tokenStr) {
		return nil, ErrBlacklisted
	}

	secret, _, err := m.keyFor(kind)
	if err != nil {
		return nil, err
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
	}
	if m.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(m.config.Leeway))
	}
	if m.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(m.config.Issuer))
	}
	if m.config.Audience != "" {
		options = append(options, jwt.WithAudience(m.config.Audience))
	}

	parser := jwt.NewParser(options...)
	parsed, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalid
	}
	if claims.Kind != kind {
		return nil, ErrInvalid
	}

	if subtle.ConstantTimeCompare([]byte(claims.Fingerprint), []byte(fingerprint)) != 1 {
		return nil, ErrBindingMismatch
	}

	return claims, nil
}

// Blacklist revokes a token for the remainder of its lifetime. Unparseable
// tokens are kept without an expiry so they stay revoked across sweeps.
func (m *Manager) Blacklist(tokenStr string) {
	m.blacklist.Add(tokenStr)
}

// BlacklistSize reports the current number of blacklisted tokens.
func (m *Manager) BlacklistSize() int {
	return m.blacklist.Len()
}

func (m *Manager) keyFor(kind Kind) ([]byte, time.Duration, error) {
	switch kind {
	case KindAccess:
		return m.config.AccessSecret, m.config.AccessTTL, nil
	case KindRefresh:
		return m.config.RefreshSecret, m.config.RefreshTTL, nil
	default:
		return nil, 0, errors.New("unsupported token kind")
	}
}
