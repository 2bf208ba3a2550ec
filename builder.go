package hoaauth

import (
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/strataboard/hoaauth/internal/limiters"
	"github.com/strataboard/hoaauth/internal/stores"
	"github.com/strataboard/hoaauth/jwt"
	"github.com/strataboard/hoaauth/keyring"
)

// Builder assembles an [Engine]. Configure it during initialization and call
// Build exactly once; the resulting engine is immutable and safe for
// concurrent use.
type Builder struct {
	config Config
	redis  *redis.Client

	keys []keyring.Key

	credentials CredentialStore
	directory   UserDirectory
	notifier    Notifier
	sender      ChallengeSender
	providers   []IdentityProvider

	auditSink AuditSink
	warn      func(string, ...any)

	built bool
}

func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the default configuration wholesale.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

func (b *Builder) WithRedis(client *redis.Client) *Builder {
	b.redis = client
	return b
}

// WithKeys seeds the signing keyring. At least one key with private material
// must be valid at build time; later rotations go through [Engine.RotateKey].
func (b *Builder) WithKeys(keys ...keyring.Key) *Builder {
	b.keys = append(b.keys, keys...)
	return b
}

func (b *Builder) WithCredentialStore(store CredentialStore) *Builder {
	b.credentials = store
	return b
}

// WithUserDirectory wires the account directory consulted on the external
// login path. Required only when providers are registered.
func (b *Builder) WithUserDirectory(dir UserDirectory) *Builder {
	b.directory = dir
	return b
}

func (b *Builder) WithNotifier(n Notifier) *Builder {
	b.notifier = n
	return b
}

// WithChallengeSender wires delivery of one-time MFA codes. Required when any
// user relies on delivered codes rather than an authenticator app.
func (b *Builder) WithChallengeSender(s ChallengeSender) *Builder {
	b.sender = s
	return b
}

// WithProvider registers an external identity provider under its name.
func (b *Builder) WithProvider(p IdentityProvider) *Builder {
	b.providers = append(b.providers, p)
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithWarnLogger wires the operational warning hook, e.g. slog.Warn wrapped
// in a printf adapter. Warnings never carry secrets.
func (b *Builder) WithWarnLogger(warn func(string, ...any)) *Builder {
	b.warn = warn
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := b.config

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	if b.credentials == nil {
		return nil, errors.New("credential store required")
	}
	if len(b.keys) == 0 {
		return nil, errors.New("at least one signing key required")
	}
	if len(b.providers) > 0 && b.directory == nil {
		return nil, errors.New("user directory required when providers are registered")
	}

	// -------- KEYRING / TOKENS --------
	ring, err := keyring.New(b.keys...)
	if err != nil {
		return nil, err
	}

	tokens, err := jwt.NewManager(jwt.Config{
		AccessTTL:    cfg.Tokens.AccessTTL,
		Issuer:       cfg.Tokens.Issuer,
		Audience:     cfg.Tokens.Audience,
		Leeway:       cfg.Tokens.Leeway,
		MaxFutureIAT: cfg.Tokens.MaxFutureIAT,
	}, ring)
	if err != nil {
		return nil, err
	}

	// -------- PROVIDERS --------
	providers := make(map[string]IdentityProvider, len(b.providers))
	for _, p := range b.providers {
		if p == nil || p.Name() == "" {
			return nil, errors.New("provider with empty name")
		}
		if _, dup := providers[p.Name()]; dup {
			return nil, errors.New("duplicate provider name: " + p.Name())
		}
		providers[p.Name()] = p
	}

	// -------- STORES / LIMITERS --------
	engine := &Engine{
		config:      cfg,
		redis:       b.redis,
		credentials: b.credentials,
		directory:   b.directory,
		notifier:    b.notifier,
		sender:      b.sender,
		providers:   providers,
		ring:        ring,
		tokens:      tokens,
		totp:        newTOTPManager(cfg.Mfa),
		refresh:     stores.NewRefreshStore(b.redis, cfg.RedisPrefix),
		revocation:  stores.NewRevocationRegistry(b.redis, cfg.RedisPrefix),
		challenges:  stores.NewChallengeStore(b.redis, cfg.RedisPrefix),
		links:       stores.NewIdentityLinkStore(b.redis, cfg.RedisPrefix),
		lockout: limiters.NewLockoutLimiter(b.redis, limiters.LockoutConfig{
			Enabled:      cfg.Lockout.Enabled,
			Threshold:    cfg.Lockout.Threshold,
			Window:       cfg.Lockout.Window,
			BaseDuration: cfg.Lockout.BaseLockDuration,
			MaxDuration:  cfg.Lockout.MaxLockDuration,
		}, cfg.RedisPrefix),
		challengeRate: limiters.NewChallengeThrottle(b.redis, limiters.ChallengeThrottleConfig{
			MaxPerWindow: cfg.Mfa.MaxChallengesPerWindow,
			Window:       cfg.Mfa.ChallengeWindow,
		}, cfg.RedisPrefix),
		metrics: NewMetrics(cfg.Metrics),
		audit:   newAuditDispatcher(cfg.Audit, b.auditSink),
		warn:    b.warn,
	}

	b.built = true

	return engine, nil
}

// RotateKey installs the next signing key. The previous signing key is
// retained for verification until it expires, so tokens issued moments before
// the rotation keep validating.
func (e *Engine) RotateKey(next keyring.Key) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.ring.Rotate(next); err != nil {
		return err
	}
	e.signingDownUntil.Store(0)
	return nil
}
