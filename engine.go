package hoaauth

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/strataboard/hoaauth/internal"
	"github.com/strataboard/hoaauth/internal/limiters"
	"github.com/strataboard/hoaauth/internal/stores"
	"github.com/strataboard/hoaauth/jwt"
	"github.com/strataboard/hoaauth/keyring"
)

// Engine is the authentication and authorization core. Construct it through
// [Builder]; all methods are safe for concurrent use after Build.
type Engine struct {
	config Config

	redis       *redis.Client
	credentials CredentialStore
	directory   UserDirectory
	notifier    Notifier
	sender      ChallengeSender
	providers   map[string]IdentityProvider

	ring   *keyring.Ring
	tokens *jwt.Manager
	totp   *totpManager

	refresh       *stores.RefreshStore
	revocation    *stores.RevocationRegistry
	challenges    *stores.ChallengeStore
	links         *stores.IdentityLinkStore
	lockout       *limiters.LockoutLimiter
	challengeRate *limiters.ChallengeThrottle

	metrics *Metrics
	audit   *auditDispatcher
	warn    func(string, ...any)

	// signingDownUntil is the breaker deadline (unix ms) after a
	// KeySigningUnavailable condition.
	signingDownUntil atomic.Int64
}

func (e *Engine) ready() error {
	if e == nil || e.tokens == nil || e.refresh == nil || e.revocation == nil {
		return ErrEngineNotReady
	}
	return nil
}

// IssueTokenPair mints an access/refresh pair for the given claims and roots
// a new refresh chain for the device. It has no side effects on failure
// paths: the chain record is the last thing written.
func (e *Engine) IssueTokenPair(ctx context.Context, claims UserClaims, deviceID string) (TokenPair, error) {
	if err := e.ready(); err != nil {
		return TokenPair{}, err
	}

	now := time.Now()
	if until := e.signingDownUntil.Load(); until > now.UnixMilli() {
		return TokenPair{}, ErrKeySigningUnavailable
	}

	epoch, err := e.revocation.CurrentEpoch(ctx, claims.UserID)
	if err != nil {
		return TokenPair{}, err
	}

	access, _, err := e.tokens.CreateAccess(claims.UserID, claims.Roles, claims.Permissions, epoch)
	if err != nil {
		if errors.Is(err, keyring.ErrNoSigningKey) {
			e.tripSigningBreaker(now)
			return TokenPair{}, fmt.Errorf("%w: %v", ErrKeySigningUnavailable, err)
		}
		return TokenPair{}, err
	}

	secret, err := internal.NewRefreshSecret()
	if err != nil {
		return TokenPair{}, err
	}

	record := stores.RefreshRecord{
		TokenHash: internal.HashHex(internal.HashRefreshSecret(secret)),
		ChainID:   uuid.NewString(),
		DeviceID:  deviceID,
		UserID:    claims.UserID,
		Status:    stores.RefreshStatusActive,
		IssuedAt:  now,
		ExpiresAt: now.Add(e.config.Refresh.TTL),
	}
	if err := e.refresh.CreateRoot(ctx, record); err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		AccessToken:      access,
		RefreshToken:     internal.EncodeRefreshToken(secret),
		AccessExpiresAt:  now.Add(e.config.Tokens.AccessTTL),
		RefreshExpiresAt: record.ExpiresAt,
	}, nil
}

// BumpEpoch invalidates every access token previously issued to the user.
// O(1); outstanding tokens fail validation on their next use.
func (e *Engine) BumpEpoch(ctx context.Context, userID string) error {
	if err := e.ready(); err != nil {
		return err
	}

	if _, err := e.revocation.BumpEpoch(ctx, userID); err != nil {
		return err
	}

	e.metrics.Inc(MetricEpochBump)
	e.emitAudit(ctx, AuditEvent{
		EventType: EventEpochBumped,
		UserID:    userID,
		Success:   true,
	})
	e.notifySecurity(userID, EventEpochBumped)
	return nil
}

// RevokeChain burns the refresh chain the given token belongs to, e.g. when
// an administrator signs out one device.
func (e *Engine) RevokeChain(ctx context.Context, refreshToken string) error {
	if err := e.ready(); err != nil {
		return err
	}

	secret, err := internal.DecodeRefreshToken(refreshToken)
	if err != nil {
		return ErrTokenInvalid
	}

	rec, err := e.refresh.Get(ctx, internal.HashHex(internal.HashRefreshSecret(secret)))
	if err != nil {
		if errors.Is(err, stores.ErrRefreshNotFound) {
			return ErrTokenInvalid
		}
		return err
	}

	if _, err := e.refresh.RevokeChain(ctx, rec.ChainID); err != nil {
		return err
	}

	e.metrics.Inc(MetricChainRevoked)
	e.emitAudit(ctx, AuditEvent{
		EventType: EventChainRevoked,
		UserID:    rec.UserID,
		DeviceID:  rec.DeviceID,
		ChainID:   rec.ChainID,
		Success:   true,
	})
	return nil
}

// MetricsSnapshot returns a copy of the engine counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}, Histograms: map[MetricID][]uint64{}}
	}
	return e.metrics.Snapshot()
}

// AuditDropped reports how many audit events were dropped under backpressure.
func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Dropped()
}

// Close flushes the audit dispatcher. The engine must not be used afterwards.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.audit.Close()
}

func (e *Engine) tripSigningBreaker(now time.Time) {
	e.metrics.Inc(MetricKeySigningUnavailable)
	cooldown := e.config.Tokens.SigningCooldown
	if cooldown <= 0 {
		return
	}
	e.signingDownUntil.Store(now.Add(cooldown).UnixMilli())
	e.warnf("hoaauth: no usable signing key, failing issuance for %s", cooldown)
}

func (e *Engine) emitAudit(ctx context.Context, event AuditEvent) {
	if e.audit == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	e.audit.Emit(ctx, event)
}

// notifySecurity forwards a security event to the host notifier without ever
// blocking the auth flow.
func (e *Engine) notifySecurity(userID, eventKind string) {
	if e.notifier == nil || userID == "" {
		return
	}
	go e.notifier.NotifySecurityEvent(userID, eventKind)
}

func (e *Engine) warnf(format string, args ...any) {
	if e.warn != nil {
		e.warn(format, args...)
	}
}
