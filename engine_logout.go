package hoaauth

import (
	"context"
	"errors"
	"time"

	"github.com/strataboard/hoaauth/internal"
	"github.com/strataboard/hoaauth/internal/stores"
)

// Logout revokes the presented access token immediately and burns the refresh
// chain when the refresh token is supplied. With allDevices the user's epoch
// is bumped as well, which invalidates every outstanding access token.
// Idempotent: an already-expired access token is not an error. A supplied
// refresh token is honored even when the access token fails parsing, so a
// client holding a corrupted access token can still kill its chain.
func (e *Engine) Logout(ctx context.Context, accessToken, refreshToken string, allDevices bool) error {
	if err := e.ready(); err != nil {
		return err
	}

	var userID string
	var accessErr error

	claims, err := e.tokens.ParseAccess(accessToken)
	if err != nil {
		if mapped := e.mapParseError(err); !errors.Is(mapped, ErrTokenExpired) {
			if refreshToken == "" {
				return mapped
			}
			// The refresh token is an independent revocation credential:
			// its chain is still burned even when the access token is
			// unusable. The parse failure is reported after that.
			accessErr = mapped
		}
	} else {
		userID = claims.Subject
		ttl := time.Until(claims.ExpiresAt.Time) + e.config.Tokens.Leeway
		if err := e.revocation.BlacklistToken(ctx, claims.ID, ttl); err != nil {
			return err
		}
	}

	if refreshToken != "" {
		secret, err := internal.DecodeRefreshToken(refreshToken)
		if err != nil {
			return ErrTokenInvalid
		}
		rec, err := e.refresh.Get(ctx, internal.HashHex(internal.HashRefreshSecret(secret)))
		switch {
		case err == nil:
			if _, err := e.refresh.RevokeChain(ctx, rec.ChainID); err != nil {
				return err
			}
			e.metrics.Inc(MetricChainRevoked)
			if userID == "" {
				userID = rec.UserID
			}
		case errors.Is(err, stores.ErrRefreshNotFound):
			// Chain already expired or burned. Logout stays idempotent.
		default:
			return err
		}
	}

	if accessErr != nil {
		return accessErr
	}

	if allDevices {
		if userID == "" {
			return ErrTokenInvalid
		}
		if _, err := e.revocation.BumpEpoch(ctx, userID); err != nil {
			return err
		}
		e.metrics.Inc(MetricLogoutAll)
		e.metrics.Inc(MetricEpochBump)
		e.notifySecurity(userID, EventEpochBumped)
	}

	e.metrics.Inc(MetricLogout)
	e.emitAudit(ctx, AuditEvent{
		EventType: EventLogout,
		UserID:    userID,
		Success:   true,
		Metadata:  map[string]string{"all_devices": boolString(allDevices)},
	})
	return nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
