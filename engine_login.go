package hoaauth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/strataboard/hoaauth/internal"
	"github.com/strataboard/hoaauth/internal/limiters"
	"github.com/strataboard/hoaauth/internal/stores"
)

// Login authenticates an identifier/password pair for a device. Locked
// identifiers are rejected before the credential store is consulted, so a
// locked attempt never consumes a failure count. When the user has MFA
// enabled the result carries a challenge id instead of tokens.
func (e *Engine) Login(ctx context.Context, identifier, password, deviceID string) (LoginResult, error) {
	if err := e.ready(); err != nil {
		return LoginResult{}, err
	}

	decision, err := e.lockout.Check(ctx, identifier)
	if err != nil {
		return LoginResult{}, err
	}
	if !decision.Allowed {
		e.metrics.Inc(MetricLoginLockout)
		return LoginResult{}, fmt.Errorf("%w until %s", ErrAccountLocked, decision.LockedUntil.Format(time.RFC3339))
	}

	claims, err := e.credentials.VerifyPassword(ctx, identifier, password)
	if err != nil {
		if !errors.Is(err, ErrInvalidCredentials) {
			// Backend failure, not an authentication failure. Lockout state
			// stays untouched.
			return LoginResult{}, fmt.Errorf("%w: %v", ErrCredentialBackend, err)
		}
		return LoginResult{}, e.recordLoginFailure(ctx, identifier, deviceID)
	}

	if err := e.lockout.RecordSuccess(ctx, identifier); err != nil {
		e.warnf("hoaauth: lockout reset failed for %q: %v", identifier, err)
	}

	if claims.MfaEnabled {
		challengeID, err := e.issueChallenge(ctx, claims, deviceID)
		if err != nil {
			return LoginResult{}, err
		}
		return LoginResult{MfaRequired: true, ChallengeID: challengeID}, nil
	}

	pair, err := e.IssueTokenPair(ctx, claims, deviceID)
	if err != nil {
		return LoginResult{}, err
	}

	e.metrics.Inc(MetricLoginSuccess)
	e.emitAudit(ctx, AuditEvent{
		EventType: EventLoginSuccess,
		UserID:    claims.UserID,
		DeviceID:  deviceID,
		Success:   true,
	})

	return LoginResult{TokenPair: pair}, nil
}

func (e *Engine) recordLoginFailure(ctx context.Context, identifier, deviceID string) error {
	e.metrics.Inc(MetricLoginFailure)

	decision, err := e.lockout.RecordFailure(ctx, identifier)
	if err != nil {
		e.warnf("hoaauth: lockout accounting failed for %q: %v", identifier, err)
		return ErrInvalidCredentials
	}

	e.emitAudit(ctx, AuditEvent{
		EventType: EventLoginFailure,
		DeviceID:  deviceID,
		Metadata:  map[string]string{"failures": fmt.Sprint(decision.Failures)},
	})

	if !decision.Allowed {
		e.metrics.Inc(MetricLoginLockout)
		e.emitAudit(ctx, AuditEvent{
			EventType: EventAccountLocked,
			DeviceID:  deviceID,
			Metadata:  map[string]string{"locked_until": decision.LockedUntil.Format(time.RFC3339)},
		})
		return fmt.Errorf("%w until %s", ErrAccountLocked, decision.LockedUntil.Format(time.RFC3339))
	}
	return ErrInvalidCredentials
}

// issueChallenge creates a pending MFA challenge for the user. Users with a
// provisioned authenticator verify against the TOTP window; everyone else
// gets a one-time code delivered through the challenge sender. Issuance is
// throttled per user so repeated logins cannot flood the delivery channel.
func (e *Engine) issueChallenge(ctx context.Context, claims UserClaims, deviceID string) (string, error) {
	if err := e.challengeRate.Allow(ctx, claims.UserID); err != nil {
		if errors.Is(err, limiters.ErrChallengeThrottled) {
			e.emitAudit(ctx, AuditEvent{
				EventType: EventMfaChallengeIssued,
				UserID:    claims.UserID,
				DeviceID:  deviceID,
				Error:     ErrRateLimitExceeded.Error(),
			})
			return "", fmt.Errorf("%w: mfa challenge issuance", ErrRateLimitExceeded)
		}
		return "", err
	}

	challenge := stores.Challenge{
		ChallengeID:       uuid.NewString(),
		UserID:            claims.UserID,
		DeviceID:          deviceID,
		ExpiresAt:         time.Now().Add(e.config.Mfa.ChallengeTTL),
		AttemptsRemaining: e.config.Mfa.MaxAttempts,
	}

	secret, err := e.credentials.GetTotpSecret(ctx, claims.UserID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCredentialBackend, err)
	}

	var code string
	if len(secret) > 0 {
		challenge.Mode = stores.ChallengeModeTOTP
	} else {
		if e.sender == nil {
			return "", errors.New("mfa enabled but no challenge sender configured")
		}
		code, err = internal.NewOTP(e.config.Mfa.CodeDigits)
		if err != nil {
			return "", err
		}
		challenge.Mode = stores.ChallengeModeCode
		challenge.CodeHash = internal.HashHex(internal.HashCode(code))
	}

	if err := e.challenges.Save(ctx, challenge); err != nil {
		return "", err
	}

	if challenge.Mode == stores.ChallengeModeCode {
		if err := e.sender.SendMfaCode(ctx, claims.UserID, code); err != nil {
			_ = e.challenges.Delete(ctx, challenge.ChallengeID)
			return "", err
		}
	}

	e.metrics.Inc(MetricMfaChallengeIssued)
	e.emitAudit(ctx, AuditEvent{
		EventType: EventMfaChallengeIssued,
		UserID:    claims.UserID,
		DeviceID:  deviceID,
		Success:   true,
		Metadata:  map[string]string{"mode": challenge.Mode},
	})

	return challenge.ChallengeID, nil
}

// VerifyMfa completes a pending challenge. Attempt accounting is settled
// atomically in the store, so concurrent verifications of one challenge
// resolve to at most one success, and a correct code presented after
// exhaustion is still rejected.
func (e *Engine) VerifyMfa(ctx context.Context, challengeID, code, deviceID string) (TokenPair, error) {
	if err := e.ready(); err != nil {
		return TokenPair{}, err
	}

	challenge, err := e.challenges.Get(ctx, challengeID)
	if err != nil {
		if errors.Is(err, stores.ErrChallengeNotFound) {
			return TokenPair{}, ErrMfaChallengeInvalid
		}
		return TokenPair{}, err
	}
	if challenge.DeviceID != deviceID {
		// Wrong device never consumes an attempt.
		return TokenPair{}, ErrMfaChallengeInvalid
	}

	match, err := e.matchChallengeCode(ctx, challenge, code)
	if err != nil {
		return TokenPair{}, err
	}

	if err := e.challenges.Settle(ctx, challengeID, match); err != nil {
		return TokenPair{}, e.mapSettleError(ctx, challenge, err)
	}

	claims, err := e.credentials.GetUserClaims(ctx, challenge.UserID)
	if err != nil {
		return TokenPair{}, fmt.Errorf("%w: %v", ErrCredentialBackend, err)
	}

	pair, err := e.IssueTokenPair(ctx, claims, deviceID)
	if err != nil {
		return TokenPair{}, err
	}

	e.metrics.Inc(MetricMfaSuccess)
	e.metrics.Inc(MetricLoginSuccess)
	e.emitAudit(ctx, AuditEvent{
		EventType: EventMfaVerified,
		UserID:    challenge.UserID,
		DeviceID:  deviceID,
		Success:   true,
	})

	return pair, nil
}

func (e *Engine) matchChallengeCode(ctx context.Context, challenge *stores.Challenge, code string) (bool, error) {
	switch challenge.Mode {
	case stores.ChallengeModeTOTP:
		secret, err := e.credentials.GetTotpSecret(ctx, challenge.UserID)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrCredentialBackend, err)
		}
		return e.totp.VerifyCode(secret, code, time.Now())
	default:
		presented := internal.HashHex(internal.HashCode(code))
		return subtle.ConstantTimeCompare([]byte(presented), []byte(challenge.CodeHash)) == 1, nil
	}
}

func (e *Engine) mapSettleError(ctx context.Context, challenge *stores.Challenge, err error) error {
	switch {
	case errors.Is(err, stores.ErrChallengeInvalidCode):
		e.metrics.Inc(MetricMfaFailure)
		return ErrMfaInvalidCode
	case errors.Is(err, stores.ErrChallengeExhausted):
		e.metrics.Inc(MetricMfaExhausted)
		e.emitAudit(ctx, AuditEvent{
			EventType: EventMfaExhausted,
			UserID:    challenge.UserID,
			DeviceID:  challenge.DeviceID,
		})
		e.notifySecurity(challenge.UserID, EventMfaExhausted)
		return ErrMfaAttemptsExhausted
	case errors.Is(err, stores.ErrChallengeExpired):
		return ErrMfaChallengeExpired
	case errors.Is(err, stores.ErrChallengeReplay), errors.Is(err, stores.ErrChallengeNotFound):
		return ErrMfaChallengeInvalid
	default:
		return err
	}
}
