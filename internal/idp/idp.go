// Package idp integrates an external OpenID Connect identity provider for
// user authentication on the authorization flow. When no issuer is
// configured the service falls back to locally registered users.
package idp

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// Identity is the authenticated principal returned by a completed flow.
type Identity struct {
	Subject  string
	Username string
	Email    string
}

// Provider authenticates users against an upstream IdP.
type Provider interface {
	// AuthCodeURL builds the provider's authorization URL for the given
	// opaque state value.
	AuthCodeURL(state string) string
	// Exchange redeems an authorization code and verifies the ID token.
	Exchange(ctx context.Context, code string) (*Identity, error)
}

// Config configures the OIDC client.
type Config struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// OIDCProvider implements Provider against a discovered OIDC issuer.
type OIDCProvider struct {
	verifier *oidc.IDTokenVerifier
	oauth    oauth2.Config
	logger   *zap.Logger
}

// New discovers the issuer and builds the OAuth2 client configuration.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*OIDCProvider, error) {
	if cfg.IssuerURL == "" {
		return nil, errors.New("issuer URL is required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("client ID is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC issuer %s: %w", cfg.IssuerURL, err)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	return &OIDCProvider{
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       scopes,
		},
		logger: logger,
	}, nil
}

// AuthCodeURL builds the upstream authorization URL.
func (p *OIDCProvider) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

// Exchange redeems the authorization code, verifies the ID token and extracts
// the principal. The preferred_username claim wins over email for the local
// username.
func (p *OIDCProvider) Exchange(ctx context.Context, code string) (*Identity, error) {
	tok, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("code exchange failed: %w", err)
	}
	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok {
		return nil, errors.New("token response is missing id_token")
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("ID token verification failed: %w", err)
	}

	var claims struct {
		Email             string `json:"email"`
		PreferredUsername string `json:"preferred_username"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to decode ID token claims: %w", err)
	}

	username := claims.PreferredUsername
	if username == "" {
		username = claims.Email
	}
	if username == "" {
		username = idToken.Subject
	}
	p.logger.Debug("IdP exchange complete", zap.String("subject", idToken.Subject), zap.String("username", username))
	return &Identity{
		Subject:  idToken.Subject,
		Username: username,
		Email:    claims.Email,
	}, nil
}
