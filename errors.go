package hoaauth

import "errors"

var (
	// ErrEngineNotReady is returned when an Engine method is called before Build completed.
	ErrEngineNotReady = errors.New("engine not ready")
	// ErrInvalidCredentials is returned for a wrong identifier/password pair.
	// Credential stores must return this sentinel (or wrap it) so that lockout
	// accounting can tell authentication failures from backend failures.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked is returned while an identifier is under lockout.
	ErrAccountLocked = errors.New("account locked")
	// ErrCredentialBackend is returned when the credential store call failed or
	// timed out. It never mutates lockout state.
	ErrCredentialBackend = errors.New("credential backend unavailable")
	// ErrTokenInvalid is returned for tokens that fail structural validation.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrTokenExpired is returned for access or refresh tokens past their lifetime.
	ErrTokenExpired = errors.New("token expired")
	// ErrInvalidSignature is returned when signature verification fails or the
	// token references an unusable signing key.
	ErrInvalidSignature = errors.New("invalid token signature")
	// ErrEpochRevoked is returned for access tokens issued before the user's
	// current revocation epoch.
	ErrEpochRevoked = errors.New("token epoch revoked")
	// ErrTokenRevoked is returned for individually blacklisted access tokens.
	ErrTokenRevoked = errors.New("token revoked")
	// ErrTokenReuseDetected is returned when a consumed or revoked refresh
	// token is presented; the whole chain is burned by then.
	ErrTokenReuseDetected = errors.New("refresh token reuse detected")
	// ErrMfaChallengeInvalid is returned for unknown challenges or a device
	// other than the one the challenge was issued to.
	ErrMfaChallengeInvalid = errors.New("mfa challenge invalid")
	// ErrMfaInvalidCode is returned for a wrong code with attempts remaining.
	ErrMfaInvalidCode = errors.New("invalid mfa code")
	// ErrMfaChallengeExpired is returned once the challenge TTL elapsed.
	ErrMfaChallengeExpired = errors.New("mfa challenge expired")
	// ErrMfaAttemptsExhausted is returned when the challenge is out of
	// attempts, regardless of whether the presented code would have matched.
	ErrMfaAttemptsExhausted = errors.New("mfa challenge attempts exceeded")
	// ErrUnknownProvider is returned for external logins naming a provider the
	// engine was not built with.
	ErrUnknownProvider = errors.New("unknown identity provider")
	// ErrExternalLinkConflict is returned when an unseen external identity
	// matches an existing local account by email; linking then requires the
	// explicit confirmation step.
	ErrExternalLinkConflict = errors.New("external identity conflicts with existing account")
	// ErrExternalExchange is returned when the provider code exchange fails.
	ErrExternalExchange = errors.New("external code exchange failed")
	// ErrPermissionDenied is returned when a policy denies the subject.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrRateLimitExceeded is returned when MFA challenge issuance for a user
	// exceeds the configured per-window cap.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrKeySigningUnavailable is returned when no signing key is usable. It is
	// an operational condition: issuance trips a cooldown breaker rather than
	// hammering the keyring per request.
	ErrKeySigningUnavailable = errors.New("token signing unavailable")
)
