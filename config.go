package hoaauth

import (
	"errors"
	"time"
)

// Config is the full engine configuration. Instances are set once through the
// [Builder] and treated as immutable afterwards.
type Config struct {
	Tokens      TokenConfig
	Refresh     RefreshConfig
	Lockout     LockoutConfig
	Mfa         MfaConfig
	External    ExternalConfig
	Audit       AuditConfig
	Metrics     MetricsConfig
	RedisPrefix string
}

/*
====================================
TOKEN CONFIG
====================================
*/

// TokenConfig governs access-token issuance and validation.
type TokenConfig struct {
	AccessTTL    time.Duration
	Leeway       time.Duration
	MaxFutureIAT time.Duration
	Issuer       string
	Audience     string
	// SigningCooldown is how long issuance fails fast after the keyring had no
	// usable signing key, instead of retrying the ring per request.
	SigningCooldown time.Duration
}

/*
====================================
REFRESH CONFIG
====================================
*/

// RefreshConfig governs refresh-token chains. TTL is sliding: every rotation
// re-extends the chain.
type RefreshConfig struct {
	TTL time.Duration
	// BumpEpochOnReuse additionally invalidates every outstanding access token
	// of the affected user when chain reuse is detected.
	BumpEpochOnReuse bool
}

/*
====================================
LOCKOUT CONFIG
====================================
*/

// LockoutConfig governs the failed-login lockout limiter. Lock durations
// double per consecutive lockout from BaseLockDuration up to MaxLockDuration.
type LockoutConfig struct {
	Enabled          bool
	Threshold        int
	Window           time.Duration
	BaseLockDuration time.Duration
	MaxLockDuration  time.Duration
}

/*
====================================
MFA CONFIG
====================================
*/

// MfaConfig governs second-factor challenges. Totp settings apply when the
// credential store holds an authenticator secret for the user; CodeDigits
// applies to delivered one-time codes.
type MfaConfig struct {
	ChallengeTTL time.Duration
	MaxAttempts  int
	CodeDigits   int
	TotpDigits   int
	TotpPeriod   int
	TotpSkew     int
	// MaxChallengesPerWindow caps how many challenges one user may be issued
	// per ChallengeWindow; every delivered code costs a notification. Zero
	// disables the throttle.
	MaxChallengesPerWindow int
	ChallengeWindow        time.Duration
}

/*
====================================
EXTERNAL / AUDIT / METRICS CONFIG
====================================
*/

// ExternalConfig governs federated login behavior.
type ExternalConfig struct {
	// AutoLinkVerifiedEmail links a first-seen external identity to an existing
	// local account when the provider asserts a verified matching email.
	// Default off: silent auto-linking is an account-takeover vector.
	AutoLinkVerifiedEmail bool
}

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig controls the engine counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

func defaultConfig() Config {
	return Config{
		Tokens: TokenConfig{
			AccessTTL:       15 * time.Minute,
			Leeway:          30 * time.Second,
			Issuer:          "hoaauth",
			SigningCooldown: 30 * time.Second,
		},
		Refresh: RefreshConfig{
			TTL: 14 * 24 * time.Hour,
		},
		Lockout: LockoutConfig{
			Enabled:          true,
			Threshold:        5,
			Window:           15 * time.Minute,
			BaseLockDuration: 15 * time.Minute,
			MaxLockDuration:  time.Hour,
		},
		Mfa: MfaConfig{
			ChallengeTTL:           5 * time.Minute,
			MaxAttempts:            5,
			CodeDigits:             6,
			TotpDigits:             6,
			TotpPeriod:             30,
			TotpSkew:               1,
			MaxChallengesPerWindow: 5,
			ChallengeWindow:        15 * time.Minute,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		RedisPrefix: "ha",
	}
}

func validateConfig(cfg Config) error {
	if cfg.Tokens.AccessTTL <= 0 {
		return errors.New("config: access TTL must be positive")
	}
	if cfg.Tokens.Issuer == "" {
		return errors.New("config: issuer required")
	}
	if cfg.Refresh.TTL <= cfg.Tokens.AccessTTL {
		return errors.New("config: refresh TTL must exceed access TTL")
	}
	if cfg.Lockout.Enabled {
		if cfg.Lockout.Threshold < 2 {
			return errors.New("config: lockout threshold too low")
		}
		if cfg.Lockout.Window <= 0 || cfg.Lockout.BaseLockDuration <= 0 {
			return errors.New("config: lockout window and base duration must be positive")
		}
		if cfg.Lockout.MaxLockDuration < cfg.Lockout.BaseLockDuration {
			return errors.New("config: lockout max duration below base duration")
		}
	}
	if cfg.Mfa.ChallengeTTL <= 0 || cfg.Mfa.MaxAttempts < 1 {
		return errors.New("config: invalid mfa challenge settings")
	}
	if cfg.Mfa.CodeDigits < 6 || cfg.Mfa.CodeDigits > 10 {
		return errors.New("config: mfa code digits out of range")
	}
	if cfg.Mfa.TotpPeriod < 15 || cfg.Mfa.TotpSkew < 0 || cfg.Mfa.TotpSkew > 2 {
		return errors.New("config: invalid totp settings")
	}
	if cfg.Mfa.MaxChallengesPerWindow > 0 && cfg.Mfa.ChallengeWindow <= 0 {
		return errors.New("config: mfa challenge window must be positive when the throttle is on")
	}
	if cfg.RedisPrefix == "" {
		return errors.New("config: redis prefix required")
	}
	return nil
}
