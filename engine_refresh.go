package hoaauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/strataboard/hoaauth/internal"
	"github.com/strataboard/hoaauth/internal/stores"
	"github.com/strataboard/hoaauth/keyring"
)

// RefreshToken exchanges a refresh token for a fresh pair. The presented
// token is consumed and a child record is appended to its chain in one atomic
// step, so exactly one of two racing refreshes wins; the loser sees the chain
// burned. Roles and permissions are re-resolved from the credential store so
// a refreshed access token never carries stale claims.
//
// While no signing key is usable the presented token is left unconsumed and
// [ErrKeySigningUnavailable] is returned; the same token can be retried once
// a key is available again.
func (e *Engine) RefreshToken(ctx context.Context, refreshToken, deviceID string) (TokenPair, error) {
	if err := e.ready(); err != nil {
		return TokenPair{}, err
	}

	secret, err := internal.DecodeRefreshToken(refreshToken)
	if err != nil {
		e.metrics.Inc(MetricRefreshFailure)
		return TokenPair{}, ErrTokenInvalid
	}

	// The rotation CAS consumes the presented token, so signing must be known
	// good before anything destructive happens. Burning the parent and then
	// failing to mint would make the client's retry look like theft.
	now := time.Now()
	if until := e.signingDownUntil.Load(); until > now.UnixMilli() {
		e.metrics.Inc(MetricRefreshFailure)
		return TokenPair{}, ErrKeySigningUnavailable
	}
	if _, err := e.ring.SigningKey(now); err != nil {
		if errors.Is(err, keyring.ErrNoSigningKey) {
			e.tripSigningBreaker(now)
			e.metrics.Inc(MetricRefreshFailure)
			return TokenPair{}, fmt.Errorf("%w: %v", ErrKeySigningUnavailable, err)
		}
		return TokenPair{}, err
	}

	nextSecret, err := internal.NewRefreshSecret()
	if err != nil {
		return TokenPair{}, err
	}

	record, err := e.refresh.Rotate(ctx,
		internal.HashHex(internal.HashRefreshSecret(secret)),
		deviceID,
		internal.HashHex(internal.HashRefreshSecret(nextSecret)),
		e.config.Refresh.TTL,
	)
	if err != nil {
		return TokenPair{}, e.mapRotateError(ctx, deviceID, err)
	}

	claims, err := e.credentials.GetUserClaims(ctx, record.UserID)
	if err != nil {
		return TokenPair{}, fmt.Errorf("%w: %v", ErrCredentialBackend, err)
	}

	epoch, err := e.revocation.CurrentEpoch(ctx, record.UserID)
	if err != nil {
		return TokenPair{}, err
	}

	access, _, err := e.tokens.CreateAccess(record.UserID, claims.Roles, claims.Permissions, epoch)
	if err != nil {
		if errors.Is(err, keyring.ErrNoSigningKey) {
			e.tripSigningBreaker(now)
			// The key became unusable between the preflight and the mint. The
			// rotation already happened, so hand the replacement refresh token
			// back with the error; the session stays alive across the outage.
			return TokenPair{
				RefreshToken:     internal.EncodeRefreshToken(nextSecret),
				RefreshExpiresAt: record.ExpiresAt,
			}, fmt.Errorf("%w: %v", ErrKeySigningUnavailable, err)
		}
		return TokenPair{}, err
	}

	e.metrics.Inc(MetricRefreshSuccess)
	e.emitAudit(ctx, AuditEvent{
		EventType: EventRefreshRotated,
		UserID:    record.UserID,
		DeviceID:  record.DeviceID,
		ChainID:   record.ChainID,
		Success:   true,
	})

	return TokenPair{
		AccessToken:      access,
		RefreshToken:     internal.EncodeRefreshToken(nextSecret),
		AccessExpiresAt:  now.Add(e.config.Tokens.AccessTTL),
		RefreshExpiresAt: record.ExpiresAt,
	}, nil
}

func (e *Engine) mapRotateError(ctx context.Context, deviceID string, err error) error {
	var reuse *stores.ReuseDetectedError
	if errors.As(err, &reuse) {
		e.metrics.Inc(MetricRefreshReuseDetected)
		e.metrics.Inc(MetricChainRevoked)
		e.emitAudit(ctx, AuditEvent{
			EventType: EventTokenReuseDetected,
			UserID:    reuse.UserID,
			DeviceID:  deviceID,
			ChainID:   reuse.ChainID,
		})
		e.notifySecurity(reuse.UserID, EventTokenReuseDetected)

		if e.config.Refresh.BumpEpochOnReuse && reuse.UserID != "" {
			if _, bumpErr := e.revocation.BumpEpoch(ctx, reuse.UserID); bumpErr != nil {
				e.warnf("hoaauth: epoch bump after reuse failed for %q: %v", reuse.UserID, bumpErr)
			} else {
				e.metrics.Inc(MetricEpochBump)
			}
		}
		return ErrTokenReuseDetected
	}

	e.metrics.Inc(MetricRefreshFailure)
	switch {
	case errors.Is(err, stores.ErrRefreshNotFound), errors.Is(err, stores.ErrRefreshDeviceMismatch):
		return ErrTokenInvalid
	case errors.Is(err, stores.ErrRefreshExpired):
		return ErrTokenExpired
	case errors.Is(err, stores.ErrRefreshRevoked):
		return ErrTokenReuseDetected
	default:
		return err
	}
}
