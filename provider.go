package hoaauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// OIDCProviderConfig describes one external provider's code-exchange
// endpoints. Google, Microsoft, and Apple all fit this shape; hosts with a
// provider that does not can implement [IdentityProvider] directly.
type OIDCProviderConfig struct {
	Name         string
	TokenURL     string
	UserInfoURL  string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	HTTPClient   *http.Client
	Timeout      time.Duration
}

// OIDCProvider exchanges authorization codes against a static OIDC endpoint
// pair: code -> access token -> userinfo profile.
type OIDCProvider struct {
	config OIDCProviderConfig
	client *http.Client
}

func NewOIDCProvider(cfg OIDCProviderConfig) (*OIDCProvider, error) {
	if cfg.Name == "" {
		return nil, errors.New("provider name required")
	}
	if cfg.TokenURL == "" || cfg.UserInfoURL == "" {
		return nil, errors.New("provider endpoints required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("provider client id required")
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	return &OIDCProvider{config: cfg, client: client}, nil
}

func (p *OIDCProvider) Name() string {
	return p.config.Name
}

// ExchangeCode redeems the authorization code and resolves the provider-side
// identity. Only the federation contract is implemented here; consent and
// redirect handling belong to the web layer.
func (p *OIDCProvider) ExchangeCode(ctx context.Context, code string) (ExternalProfile, error) {
	accessToken, err := p.redeemCode(ctx, code)
	if err != nil {
		return ExternalProfile{}, err
	}
	return p.fetchProfile(ctx, accessToken)
}

func (p *OIDCProvider) redeemCode(ctx context.Context, code string) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", p.config.ClientID)
	if p.config.ClientSecret != "" {
		form.Set("client_secret", p.config.ClientSecret)
	}
	if p.config.RedirectURL != "" {
		form.Set("redirect_uri", p.config.RedirectURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExternalExchange, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExternalExchange, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token endpoint returned %d", ErrExternalExchange, resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: %v", ErrExternalExchange, err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", ErrExternalExchange)
	}
	return body.AccessToken, nil
}

func (p *OIDCProvider) fetchProfile(ctx context.Context, accessToken string) (ExternalProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.UserInfoURL, nil)
	if err != nil {
		return ExternalProfile{}, fmt.Errorf("%w: %v", ErrExternalExchange, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return ExternalProfile{}, fmt.Errorf("%w: %v", ErrExternalExchange, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ExternalProfile{}, fmt.Errorf("%w: userinfo endpoint returned %d", ErrExternalExchange, resp.StatusCode)
	}

	var body struct {
		Sub           string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ExternalProfile{}, fmt.Errorf("%w: %v", ErrExternalExchange, err)
	}
	if body.Sub == "" {
		return ExternalProfile{}, fmt.Errorf("%w: profile missing subject", ErrExternalExchange)
	}

	return ExternalProfile{
		ProviderUserID: body.Sub,
		Email:          body.Email,
		EmailVerified:  body.EmailVerified,
		DisplayName:    body.Name,
	}, nil
}
