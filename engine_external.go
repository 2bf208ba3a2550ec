package hoaauth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ExternalLoginCallback finishes an external OAuth/OIDC login: the code is
// exchanged with the named provider, the resulting identity is resolved to a
// local account, and a token pair is issued. First-seen identities are
// auto-provisioned unless their email collides with an existing local
// account, which requires the explicit [Engine.ConfirmExternalLink] step.
func (e *Engine) ExternalLoginCallback(ctx context.Context, providerName, code, deviceID string) (LoginResult, error) {
	if err := e.ready(); err != nil {
		return LoginResult{}, err
	}

	provider, ok := e.providers[providerName]
	if !ok {
		return LoginResult{}, fmt.Errorf("%w: %q", ErrUnknownProvider, providerName)
	}

	profile, err := provider.ExchangeCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrExternalExchange) {
			return LoginResult{}, err
		}
		return LoginResult{}, fmt.Errorf("%w: %v", ErrExternalExchange, err)
	}

	userID, linked, err := e.links.Lookup(ctx, providerName, profile.ProviderUserID)
	if err != nil {
		return LoginResult{}, err
	}

	var claims UserClaims
	if linked {
		claims, err = e.credentials.GetUserClaims(ctx, userID)
		if err != nil {
			return LoginResult{}, fmt.Errorf("%w: %v", ErrCredentialBackend, err)
		}
	} else {
		claims, err = e.resolveUnlinkedIdentity(ctx, providerName, profile)
		if err != nil {
			return LoginResult{}, err
		}
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

	e.metrics.Inc(MetricExternalLoginSuccess)
	e.emitAudit(ctx, AuditEvent{
		EventType: EventExternalLogin,
		UserID:    claims.UserID,
		DeviceID:  deviceID,
		Success:   true,
		Metadata:  map[string]string{"provider": providerName},
	})

	return LoginResult{TokenPair: pair}, nil
}

// resolveUnlinkedIdentity handles a first-seen external identity. The local
// user id is generated before the link is claimed, so concurrent first logins
// of the same identity converge on the winner's id and exactly one directory
// account is created.
func (e *Engine) resolveUnlinkedIdentity(ctx context.Context, providerName string, profile ExternalProfile) (UserClaims, error) {
	if profile.Email != "" {
		existing, found, err := e.directory.FindUserByEmail(ctx, profile.Email)
		if err != nil {
			return UserClaims{}, fmt.Errorf("%w: %v", ErrCredentialBackend, err)
		}
		if found {
			if e.config.External.AutoLinkVerifiedEmail && profile.EmailVerified {
				if err := e.links.Link(ctx, providerName, profile.ProviderUserID, existing.UserID); err != nil {
					return UserClaims{}, err
				}
				e.metrics.Inc(MetricExternalLinkCreated)
				e.emitAudit(ctx, AuditEvent{
					EventType: EventExternalLinkCreated,
					UserID:    existing.UserID,
					Success:   true,
					Metadata:  map[string]string{"provider": providerName, "auto": "true"},
				})
				return existing, nil
			}

			e.metrics.Inc(MetricExternalLinkConflict)
			e.emitAudit(ctx, AuditEvent{
				EventType: EventExternalLinkConflict,
				UserID:    existing.UserID,
				Metadata:  map[string]string{"provider": providerName},
			})
			return UserClaims{}, fmt.Errorf("%w: email already registered", ErrExternalLinkConflict)
		}
	}

	candidateID := uuid.NewString()
	winnerID, created, err := e.links.LinkIfAbsent(ctx, providerName, profile.ProviderUserID, candidateID)
	if err != nil {
		return UserClaims{}, err
	}

	if !created {
		// Lost the race; the winner's account is the real one.
		claims, err := e.credentials.GetUserClaims(ctx, winnerID)
		if err != nil {
			return UserClaims{}, fmt.Errorf("%w: %v", ErrCredentialBackend, err)
		}
		return claims, nil
	}

	claims, err := e.directory.CreateExternalUser(ctx, CreateExternalUserInput{
		UserID:         candidateID,
		Provider:       providerName,
		ProviderUserID: profile.ProviderUserID,
		Email:          profile.Email,
		DisplayName:    profile.DisplayName,
	})
	if err != nil {
		// Roll the claim back so a later login can retry provisioning.
		if unlinkErr := e.links.Unlink(ctx, providerName, profile.ProviderUserID); unlinkErr != nil {
			e.warnf("hoaauth: link rollback failed for %s/%s: %v", providerName, profile.ProviderUserID, unlinkErr)
		}
		return UserClaims{}, fmt.Errorf("%w: %v", ErrCredentialBackend, err)
	}

	e.metrics.Inc(MetricExternalLinkCreated)
	e.emitAudit(ctx, AuditEvent{
		EventType: EventExternalLinkCreated,
		UserID:    claims.UserID,
		Success:   true,
		Metadata:  map[string]string{"provider": providerName},
	})
	return claims, nil
}

// ConfirmExternalLink attaches an external identity to an existing account
// after the caller proved control of it, resolving an
// [ErrExternalLinkConflict] from the callback path. The access token must
// validate and belong to the account being linked.
func (e *Engine) ConfirmExternalLink(ctx context.Context, accessToken, providerName, providerUserID string) error {
	if err := e.ready(); err != nil {
		return err
	}

	if _, ok := e.providers[providerName]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, providerName)
	}

	result, err := e.Validate(ctx, accessToken)
	if err != nil {
		return err
	}

	existing, linked, err := e.links.Lookup(ctx, providerName, providerUserID)
	if err != nil {
		return err
	}
	if linked {
		if existing == result.UserID {
			return nil
		}
		return fmt.Errorf("%w: identity linked to another account", ErrExternalLinkConflict)
	}

	winner, created, err := e.links.LinkIfAbsent(ctx, providerName, providerUserID, result.UserID)
	if err != nil {
		return err
	}
	if !created && winner != result.UserID {
		return fmt.Errorf("%w: identity linked to another account", ErrExternalLinkConflict)
	}

	e.metrics.Inc(MetricExternalLinkCreated)
	e.emitAudit(ctx, AuditEvent{
		EventType: EventExternalLinkCreated,
		UserID:    result.UserID,
		Success:   true,
		Metadata:  map[string]string{"provider": providerName, "confirmed": "true"},
	})
	return nil
}
