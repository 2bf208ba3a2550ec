package hoaauth

import (
	"context"
	"errors"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	jwtmgr "github.com/strataboard/hoaauth/jwt"
	"github.com/strataboard/hoaauth/keyring"
	"github.com/strataboard/hoaauth/permission"
)

// Validate verifies an access token end to end: signature against the
// keyring, validity window, issuer and audience, the jti blacklist, and the
// user's current revocation epoch. Epoch and blacklist reads go straight to
// Redis so revocation is visible on the very next call.
func (e *Engine) Validate(ctx context.Context, accessToken string) (AuthResult, error) {
	if err := e.ready(); err != nil {
		return AuthResult{}, err
	}
	start := time.Now()

	claims, err := e.tokens.ParseAccess(accessToken)
	if err != nil {
		e.metrics.Inc(MetricValidateRejected)
		return AuthResult{}, e.mapParseError(err)
	}

	blacklisted, err := e.revocation.IsBlacklisted(ctx, claims.ID)
	if err != nil {
		return AuthResult{}, err
	}
	if blacklisted {
		e.metrics.Inc(MetricValidateRejected)
		return AuthResult{}, ErrTokenRevoked
	}

	epoch, err := e.revocation.CurrentEpoch(ctx, claims.Subject)
	if err != nil {
		return AuthResult{}, err
	}
	if claims.Epoch < epoch {
		e.metrics.Inc(MetricValidateRejected)
		return AuthResult{}, ErrEpochRevoked
	}

	e.metrics.Inc(MetricValidateSuccess)
	e.metrics.Observe(MetricValidateLatency, time.Since(start))

	result := AuthResult{
		UserID:      claims.Subject,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
		Epoch:       claims.Epoch,
		TokenID:     claims.ID,
	}
	if claims.ExpiresAt != nil {
		result.ExpiresAt = claims.ExpiresAt.Time
	}
	return result, nil
}

// Authorize validates the token and then evaluates the policy against the
// subject it carries. Policy denial and token rejection are distinct errors
// so callers can render 401 versus 403.
func (e *Engine) Authorize(ctx context.Context, accessToken string, policy permission.Policy, resource permission.Resource) (AuthResult, error) {
	result, err := e.Validate(ctx, accessToken)
	if err != nil {
		return AuthResult{}, err
	}

	subject := permission.Subject{
		Sub:         result.UserID,
		Roles:       result.Roles,
		Permissions: result.Permissions,
	}
	if !permission.Evaluate(policy, subject, resource) {
		e.metrics.Inc(MetricAuthorizeDenied)
		return AuthResult{}, ErrPermissionDenied
	}
	return result, nil
}

// mapParseError folds golang-jwt and keyring failures into the engine's
// sentinel vocabulary.
func (e *Engine) mapParseError(err error) error {
	switch {
	case errors.Is(err, jwtlib.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwtlib.ErrTokenSignatureInvalid),
		errors.Is(err, jwtmgr.ErrMissingKid),
		errors.Is(err, keyring.ErrUnknownKeyID),
		errors.Is(err, keyring.ErrKeyOutsideWindow):
		return ErrInvalidSignature
	default:
		return ErrTokenInvalid
	}
}
