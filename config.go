package authcore

import (
	"errors"
	"strings"
	"time"
)

// Config defines the engine configuration. Instances are intended to be
// populated during initialization and then treated as immutable.
type Config struct {
	Token     TokenConfig
	Session   SessionConfig
	Password  PasswordConfig
	RateLimit RateLimitConfig
	Anomaly   AnomalyConfig
	Reset     ResetConfig
	Audit     AuditConfig
	Metrics   MetricsConfig

	// ProductionMode tightens secret validation at Build time. It must not be
	// consulted anywhere else; runtime behavior is identical across environments
	// except for RateLimit.Enabled.
	ProductionMode bool
}

/*
====================================
TOKEN CONFIG
====================================
*/

// TokenConfig holds signing material and lifetimes for access and refresh
// tokens. The two secrets must differ so that a leaked refresh secret cannot
// forge access tokens, and vice versa.
type TokenConfig struct {
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
	Audience      string
	Leeway        time.Duration
	BlacklistMax  int
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig controls session lifetimes, the per-principal cap, the cleanup
// sweep, and the key sealing session metadata at rest.
type SessionConfig struct {
	RedisPrefix      string
	AbsoluteLifetime time.Duration
	IdleTimeout      time.Duration
	MaxPerPrincipal  int
	SweepInterval    time.Duration

	// MetadataKey is the 32-byte AEAD key for encrypted session metadata.
	MetadataKey []byte
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig tunes the adaptive hash and the timing floor on verification.
type PasswordConfig struct {
	Cost             int
	MinVerifyLatency time.Duration
}

/*
====================================
RATE LIMIT CONFIG
====================================
*/

// RateLimitConfig controls the fixed-window limiter and the escalation
// ladder. Enabled is the single switch for non-production environments; no
// other code path branches on environment.
type RateLimitConfig struct {
	Enabled bool

	DelayThreshold     int
	TempBlockThreshold int
	PermBlockThreshold int
	TempBlockTTL       time.Duration
	MaxDelay           time.Duration
	ViolationTTL       time.Duration
}

// AnomalyConfig tunes the impossible-travel heuristic and the failed-attempt
// threshold that feed session revocation.
type AnomalyConfig struct {
	TrackingTTL      time.Duration
	TravelThreshold  time.Duration
	FailureThreshold int
}

// ResetConfig controls password-reset and email-verification challenges.
// Redemption attempts are bounded by the password_reset and
// email_verification rate policies, not by a per-challenge counter.
type ResetConfig struct {
	ResetTTL        time.Duration
	VerificationTTL time.Duration
}

// AuditConfig controls the buffered audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig controls the in-process metrics counters.
type MetricsConfig struct {
	Enabled bool
}

/*
====================================
DEFAULT CONFIG
====================================
*/

func defaultConfig() Config {
	return Config{
		Token: TokenConfig{
			AccessTTL:    2 * time.Hour,
			RefreshTTL:   7 * 24 * time.Hour,
			Issuer:       "authcore",
			Audience:     "authcore-api",
			Leeway:       30 * time.Second,
			BlacklistMax: 10000,
		},
		Session: SessionConfig{
			RedisPrefix:      "ac",
			AbsoluteLifetime: 24 * time.Hour,
			IdleTimeout:      30 * time.Minute,
			MaxPerPrincipal:  5,
			SweepInterval:    15 * time.Minute,
		},
		Password: PasswordConfig{
			Cost:             12,
			MinVerifyLatency: 100 * time.Millisecond,
		},
		RateLimit: RateLimitConfig{
			Enabled:            true,
			DelayThreshold:     5,
			TempBlockThreshold: 10,
			PermBlockThreshold: 20,
			TempBlockTTL:       time.Hour,
			MaxDelay:           10 * time.Second,
			ViolationTTL:       time.Hour,
		},
		Anomaly: AnomalyConfig{
			TrackingTTL:      time.Hour,
			TravelThreshold:  5 * time.Minute,
			FailureThreshold: 3,
		},
		Reset: ResetConfig{
			ResetTTL:        10 * time.Minute,
			VerificationTTL: 24 * time.Hour,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Token.AccessSecret = cloneBytes(cfg.Token.AccessSecret)
	out.Token.RefreshSecret = cloneBytes(cfg.Token.RefreshSecret)
	out.Session.MetadataKey = cloneBytes(cfg.Session.MetadataKey)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// weakSecrets lists placeholder values that must never reach production.
var weakSecrets = []string{
	"secret",
	"changeme",
	"password",
	"dev-secret",
	"your-secret-key",
	"insecure",
	"default",
}

// Validate checks the configuration for internal consistency and, in
// production mode, enforces secret hygiene: secrets present, at least 32
// characters, not a known placeholder, and distinct per token kind.
func (c *Config) Validate() error {
	if err := validateSecret("access token secret", c.Token.AccessSecret, c.ProductionMode); err != nil {
		return err
	}
	if err := validateSecret("refresh token secret", c.Token.RefreshSecret, c.ProductionMode); err != nil {
		return err
	}
	if len(c.Token.AccessSecret) > 0 && string(c.Token.AccessSecret) == string(c.Token.RefreshSecret) {
		return errors.New("access and refresh secrets must differ")
	}

	if c.Token.AccessTTL <= 0 {
		return errors.New("Token AccessTTL must be > 0")
	}
	if c.Token.RefreshTTL <= c.Token.AccessTTL {
		return errors.New("Token RefreshTTL must exceed AccessTTL")
	}
	if c.Token.Leeway < 0 || c.Token.Leeway > 2*time.Minute {
		return errors.New("Token Leeway must be between 0 and 2m")
	}
	if c.Token.BlacklistMax <= 0 {
		return errors.New("Token BlacklistMax must be > 0")
	}

	if c.Session.AbsoluteLifetime <= 0 {
		return errors.New("Session AbsoluteLifetime must be > 0")
	}
	if c.Session.IdleTimeout <= 0 || c.Session.IdleTimeout > c.Session.AbsoluteLifetime {
		return errors.New("Session IdleTimeout must be > 0 and <= AbsoluteLifetime")
	}
	if c.Session.MaxPerPrincipal <= 0 {
		return errors.New("Session MaxPerPrincipal must be > 0")
	}
	if c.Session.SweepInterval <= 0 {
		return errors.New("Session SweepInterval must be > 0")
	}
	if len(c.Session.MetadataKey) != 32 {
		return errors.New("Session MetadataKey must be exactly 32 bytes")
	}

	if c.Password.Cost < 10 || c.Password.Cost > 31 {
		return errors.New("Password Cost must be between 10 and 31")
	}
	if c.ProductionMode && c.Password.Cost < 14 {
		return errors.New("ProductionMode requires Password Cost >= 14")
	}
	if c.Password.MinVerifyLatency < 0 {
		return errors.New("Password MinVerifyLatency must be >= 0")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.DelayThreshold <= 0 {
			return errors.New("RateLimit DelayThreshold must be > 0")
		}
		if c.RateLimit.TempBlockThreshold <= c.RateLimit.DelayThreshold {
			return errors.New("RateLimit TempBlockThreshold must exceed DelayThreshold")
		}
		if c.RateLimit.PermBlockThreshold <= c.RateLimit.TempBlockThreshold {
			return errors.New("RateLimit PermBlockThreshold must exceed TempBlockThreshold")
		}
		if c.RateLimit.TempBlockTTL <= 0 {
			return errors.New("RateLimit TempBlockTTL must be > 0")
		}
		if c.RateLimit.MaxDelay <= 0 {
			return errors.New("RateLimit MaxDelay must be > 0")
		}
		if c.RateLimit.ViolationTTL <= 0 {
			return errors.New("RateLimit ViolationTTL must be > 0")
		}
	}
	if c.ProductionMode && !c.RateLimit.Enabled {
		return errors.New("ProductionMode requires rate limiting")
	}

	if c.Anomaly.TrackingTTL <= 0 {
		return errors.New("Anomaly TrackingTTL must be > 0")
	}
	if c.Anomaly.TravelThreshold <= 0 {
		return errors.New("Anomaly TravelThreshold must be > 0")
	}
	if c.Anomaly.FailureThreshold <= 0 {
		return errors.New("Anomaly FailureThreshold must be > 0")
	}

	if c.Reset.ResetTTL <= 0 {
		return errors.New("Reset ResetTTL must be > 0")
	}
	if c.Reset.VerificationTTL <= 0 {
		return errors.New("Reset VerificationTTL must be > 0")
	}

	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}

	return nil
}

func validateSecret(name string, secret []byte, production bool) error {
	if len(secret) == 0 {
		if production {
			return errors.New(name + " is required in production")
		}
		return errors.New(name + " is required")
	}
	if len(secret) < 32 {
		return errors.New(name + " must be at least 32 characters")
	}

	lowered := strings.ToLower(string(secret))
	for _, weak := range weakSecrets {
		if strings.Contains(lowered, weak) {
			return errors.New(name + " matches a known-weak placeholder value")
		}
	}

	return nil
}
