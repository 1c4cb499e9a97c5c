package authcore

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kestrelsec/authcore/crypto"
	"github.com/kestrelsec/authcore/internal/rate"
	"github.com/kestrelsec/authcore/notify"
	"github.com/kestrelsec/authcore/session"
	"github.com/kestrelsec/authcore/token"
)

// Builder assembles an [Engine]. Construction is allocation-only; nothing
// touches Redis or the durable store until the first Engine call.
type Builder struct {
	config Config
	redis  redis.UniversalClient
	logger zerolog.Logger

	durableSessions session.DurableStore
	challenges      ChallengeStore
	violations      ViolationAuditStore
	provider        PrincipalProvider
	notifier        notify.Notifier
	auditSink       AuditSink
	policies        map[string]rate.Policy

	built bool
}

// New returns a Builder seeded with the default configuration.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
		logger: zerolog.Nop(),
	}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the Redis client used for the session cache, rate-limit
// counters, anomaly records, and escalation state.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithLogger sets the structured logger. The default discards everything.
func (b *Builder) WithLogger(log zerolog.Logger) *Builder {
	b.logger = log
	return b
}

// WithDurableSessionStore sets the source-of-truth session store, typically
// store/postgres.SessionStore.
func (b *Builder) WithDurableSessionStore(store session.DurableStore) *Builder {
	b.durableSessions = store
	return b
}

// WithChallengeStore sets the reset/verification challenge store.
func (b *Builder) WithChallengeStore(store ChallengeStore) *Builder {
	b.challenges = store
	return b
}

// WithViolationStore sets the optional append-only violation trail.
func (b *Builder) WithViolationStore(store ViolationAuditStore) *Builder {
	b.violations = store
	return b
}

// WithPrincipalProvider sets the caller's account integration.
func (b *Builder) WithPrincipalProvider(provider PrincipalProvider) *Builder {
	b.provider = provider
	return b
}

// WithNotifier sets the outbound security notifier. The default discards.
func (b *Builder) WithNotifier(n notify.Notifier) *Builder {
	b.notifier = n
	return b
}

// WithAuditSink sets the audit sink and enables audit dispatch.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	b.config.Audit.Enabled = sink != nil
	return b
}

// WithRateLimitPolicies overrides the named policy registry. Unset keeps
// the defaults.
func (b *Builder) WithRateLimitPolicies(policies map[string]rate.Policy) *Builder {
	b.policies = policies
	return b
}

// WithMetricsEnabled toggles in-process counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// Build validates the configuration, wires every component, and starts the
// background session sweep. A Builder builds at most once.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.durableSessions == nil {
		return nil, errors.New("durable session store required")
	}
	if b.provider == nil {
		return nil, errors.New("principal provider required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	hasher, err := crypto.NewHasher(cfg.Password.Cost, cfg.Password.MinVerifyLatency)
	if err != nil {
		return nil, err
	}

	tokens, err := token.NewManager(token.Config{
		AccessSecret:  cfg.Token.AccessSecret,
		RefreshSecret: cfg.Token.RefreshSecret,
		AccessTTL:     cfg.Token.AccessTTL,
		RefreshTTL:    cfg.Token.RefreshTTL,
		Issuer:        cfg.Token.Issuer,
		Audience:      cfg.Token.Audience,
		Leeway:        cfg.Token.Leeway,
		BlacklistMax:  cfg.Token.BlacklistMax,
	})
	if err != nil {
		return nil, err
	}

	metrics := NewMetrics(cfg.Metrics)

	sessionStore, err := session.NewStore(
		b.durableSessions,
		b.redis,
		cfg.Session.RedisPrefix,
		cfg.Session.AbsoluteLifetime,
		b.logger,
	)
	if err != nil {
		return nil, err
	}

	sessions, err := session.NewManager(sessionStore, mustCodec(cfg.Session.MetadataKey), b.redis, cfg.Session.RedisPrefix, session.Config{
		AbsoluteLifetime: cfg.Session.AbsoluteLifetime,
		IdleTimeout:      cfg.Session.IdleTimeout,
		MaxPerPrincipal:  cfg.Session.MaxPerPrincipal,
		SweepInterval:    cfg.Session.SweepInterval,
		TrackingTTL:      cfg.Anomaly.TrackingTTL,
		TravelThreshold:  cfg.Anomaly.TravelThreshold,
		FailureThreshold: cfg.Anomaly.FailureThreshold,
		OnEvict: func(count int) {
			for i := 0; i < count; i++ {
				metrics.Inc(MetricSessionEvicted)
			}
		},
	}, b.logger)
	if err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	var escalator *rate.Escalator
	if cfg.RateLimit.Enabled {
		limiter, err = rate.NewLimiter(b.redis, cfg.Session.RedisPrefix, b.policies)
		if err != nil {
			return nil, err
		}
		escalator, err = rate.NewEscalator(b.redis, cfg.Session.RedisPrefix, rate.EscalationConfig{
			DelayThreshold:     cfg.RateLimit.DelayThreshold,
			TempBlockThreshold: cfg.RateLimit.TempBlockThreshold,
			PermBlockThreshold: cfg.RateLimit.PermBlockThreshold,
			TempBlockTTL:       cfg.RateLimit.TempBlockTTL,
			MaxDelay:           cfg.RateLimit.MaxDelay,
			ViolationTTL:       cfg.RateLimit.ViolationTTL,
		}, b.logger)
		if err != nil {
			return nil, err
		}
	}

	notifier := b.notifier
	if notifier == nil {
		notifier = notify.NoOp{}
	}

	e := &Engine{
		config:     cfg,
		log:        b.logger,
		hasher:     hasher,
		tokens:     tokens,
		sessions:   sessions,
		limiter:    limiter,
		escalator:  escalator,
		challenges: b.challenges,
		violations: b.violations,
		notifier:   notifier,
		provider:   b.provider,
		audit:      newAuditDispatcher(cfg.Audit, b.auditSink),
		metrics:    metrics,
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	e.sweepCancel = cancel
	go e.sessions.Run(sweepCtx)

	b.built = true
	return e, nil
}

func mustCodec(key []byte) *session.MetadataCodec {
	// Key length was checked in Config.Validate.
	codec, err := session.NewMetadataCodec(key)
	if err != nil {
		panic(err)
	}
	return codec
}
