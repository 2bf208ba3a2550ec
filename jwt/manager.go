package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/strataboard/hoaauth/keyring"
)

// ErrMissingKid is returned for tokens whose header carries no key id.
var ErrMissingKid = errors.New("missing kid")

// Config carries the issuance parameters. Instances are set once at
// initialization and treated as immutable afterwards.
type Config struct {
	AccessTTL    time.Duration
	Issuer       string
	Audience     string
	Leeway       time.Duration
	MaxFutureIAT time.Duration
}

// AccessClaims is the payload of an access token: subject identity, the role
// and permission sets resolved at issuance, and the revocation epoch the token
// was minted under.
type AccessClaims struct {
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Epoch       int64    `json:"epoch"`
	jwt.RegisteredClaims
}

// Manager signs and verifies access tokens against a keyring.
type Manager struct {
	config Config
	ring   *keyring.Ring
}

// NewManager validates the configuration and binds the manager to a ring.
func NewManager(cfg Config, ring *keyring.Ring) (*Manager, error) {
	if cfg.AccessTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.MaxFutureIAT == 0 {
		cfg.MaxFutureIAT = 10 * time.Minute
	}
	if cfg.MaxFutureIAT < 0 || cfg.MaxFutureIAT > 24*time.Hour {
		return nil, errors.New("invalid MaxFutureIAT configuration")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer required")
	}
	if ring == nil {
		return nil, errors.New("keyring required")
	}
	return &Manager{config: cfg, ring: ring}, nil
}

// CreateAccess mints a signed access token for sub and returns the compact
// token together with its jti.
func (m *Manager) CreateAccess(sub string, roles, permissions []string, epoch int64) (string, string, error) {
	now := time.Now()

	key, err := m.ring.SigningKey(now)
	if err != nil {
		return "", "", err
	}

	jti := uuid.NewString()
	claims := AccessClaims{
		Roles:       roles,
		Permissions: permissions,
		Epoch:       epoch,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ID:        jti,
			Issuer:    m.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.AccessTTL)),
		},
	}
	if m.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{m.config.Audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = key.Kid

	signed, err := token.SignedString(key.Private)
	if err != nil {
		return "", "", err
	}
	return signed, jti, nil
}

// ParseAccess verifies signature, validity window, issuer, and audience, and
// returns the decoded claims. Epoch and blacklist checks are left to the
// caller.
func (m *Manager) ParseAccess(tokenStr string) (*AccessClaims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(m.config.Issuer),
	}
	if m.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(m.config.Leeway))
	}
	if m.config.Audience != "" {
		options = append(options, jwt.WithAudience(m.config.Audience))
	}

	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenStr, &AccessClaims{}, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, ErrMissingKid
		}
		key, err := m.ring.VerifyKey(kid, time.Now())
		if err != nil {
			return nil, fmt.Errorf("kid %q: %w", kid, err)
		}
		return key, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*AccessClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.IssuedAt != nil && m.config.MaxFutureIAT > 0 {
		if claims.IssuedAt.Time.After(time.Now().Add(m.config.MaxFutureIAT)) {
			return nil, errors.New("token iat too far in the future")
		}
	}

	return claims, nil
}
