package hoaauth

import (
	"context"
	"time"
)

// UserClaims is the identity snapshot the credential store resolves for a
// user: role names, explicit permission claims, and the MFA flag.
type UserClaims struct {
	UserID      string
	Email       string
	Roles       []string
	Permissions []string
	MfaEnabled  bool
}

// TokenPair is one issued access/refresh pair. The refresh token is an opaque
// value; the engine stores only its hash.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// LoginResult is returned by [Engine.Login] and [Engine.ExternalLoginCallback].
// When MfaRequired is set, no tokens are present and the caller must complete
// [Engine.VerifyMfa] with the challenge id.
type LoginResult struct {
	TokenPair
	MfaRequired bool
	ChallengeID string
}

// AuthResult is the outcome of a successful [Engine.Validate] or
// [Engine.Authorize]: the authenticated subject and the claims the token
// carried.
type AuthResult struct {
	UserID      string
	Roles       []string
	Permissions []string
	Epoch       int64
	TokenID     string
	ExpiresAt   time.Time
}

// CredentialStore is the external system of record for passwords and user
// profiles. VerifyPassword must return [ErrInvalidCredentials] (possibly
// wrapped) for a bad pair; any other error is treated as a backend failure
// and never counts against lockout.
type CredentialStore interface {
	VerifyPassword(ctx context.Context, identifier, password string) (UserClaims, error)
	GetUserClaims(ctx context.Context, userID string) (UserClaims, error)
	// GetTotpSecret resolves the user's authenticator secret, or nil when the
	// user has none provisioned and challenge codes are delivered instead.
	GetTotpSecret(ctx context.Context, userID string) ([]byte, error)
}

// CreateExternalUserInput describes the provisional account created for a
// first-seen external identity. UserID is pre-generated by the engine so that
// the identity link and the account agree even under concurrent first logins.
type CreateExternalUserInput struct {
	UserID         string
	Provider       string
	ProviderUserID string
	Email          string
	DisplayName    string
}

// UserDirectory is the external account directory consulted on the external
// login path.
type UserDirectory interface {
	FindUserByEmail(ctx context.Context, email string) (UserClaims, bool, error)
	CreateExternalUser(ctx context.Context, input CreateExternalUserInput) (UserClaims, error)
}

// Notifier delivers security notifications. Calls are fire-and-forget and
// best-effort; the engine never blocks an auth flow on delivery.
type Notifier interface {
	NotifySecurityEvent(userID, eventKind string)
}

// ChallengeSender delivers one-time MFA codes through the external
// notification system. Required when any user relies on delivered codes
// rather than an authenticator app.
type ChallengeSender interface {
	SendMfaCode(ctx context.Context, userID, code string) error
}

// ExternalProfile is the identity a provider returns for an exchanged
// authorization code.
type ExternalProfile struct {
	ProviderUserID string
	Email          string
	EmailVerified  bool
	DisplayName    string
}

// IdentityProvider is the federation contract with one external OAuth/OIDC
// provider. Implementations are selected by name at the callback boundary.
type IdentityProvider interface {
	Name() string
	ExchangeCode(ctx context.Context, code string) (ExternalProfile, error)
}
