package oidc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/biomcp/mcp-gateway/providers"
)

// Config holds standard-OIDC provider configuration. Endpoints may be set
// explicitly or left empty to be discovered from the issuer; explicit values
// always win over discovery.
type Config struct {
	// Issuer is the upstream issuer URL. Required when any endpoint is left
	// to discovery or when ID-token verification is wanted.
	Issuer string

	// ClientID and ClientSecret are the gateway's credentials at the
	// upstream provider. ClientID is required.
	ClientID     string
	ClientSecret string

	// AuthorizationEndpoint, TokenEndpoint, and UserinfoEndpoint override
	// discovery when non-empty.
	AuthorizationEndpoint string
	TokenEndpoint         string
	UserinfoEndpoint      string

	// Scopes requested upstream. Empty defaults to "openid email".
	Scopes []string

	// AllowUnverifiedSub permits falling back to a bare sub claim in the
	// token response when neither userinfo nor a verifiable ID token is
	// available. This is an explicit, lower-trust availability trade-off;
	// off by default.
	AllowUnverifiedSub bool

	// Discovery is the shared discovery client. Nil creates a private one.
	Discovery *DiscoveryClient

	// HTTPClient is used for all upstream calls. Nil uses a 10s default.
	HTTPClient *http.Client

	// Logger is the structured logger. Nil uses slog.Default().
	Logger *slog.Logger
}

// Provider is the standard-OIDC identity provider.
type Provider struct {
	config     Config
	discovery  *DiscoveryClient
	httpClient *http.Client
	logger     *slog.Logger
}

var _ providers.Provider = (*Provider)(nil)

// New creates an OIDC provider.
func New(config Config) (*Provider, error) {
	if config.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	needsDiscovery := config.AuthorizationEndpoint == "" || config.TokenEndpoint == ""
	if needsDiscovery && config.Issuer == "" {
		return nil, fmt.Errorf("issuer is required when endpoints are not configured explicitly")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	discovery := config.Discovery
	if discovery == nil {
		discovery = NewDiscoveryClient(httpClient, 0, logger)
	}
	if len(config.Scopes) == 0 {
		config.Scopes = []string{gooidc.ScopeOpenID, "email"}
	}

	return &Provider{config: config, discovery: discovery, httpClient: httpClient, logger: logger}, nil
}

// Name implements providers.Provider.
func (p *Provider) Name() string { return "oidc" }

// endpoints resolves the effective endpoint set. Explicit configuration wins;
// anything missing comes from discovery.
func (p *Provider) endpoints(ctx context.Context) (authz, token, userinfo, jwks string, err error) {
	authz = p.config.AuthorizationEndpoint
	token = p.config.TokenEndpoint
	userinfo = p.config.UserinfoEndpoint

	if authz != "" && token != "" && (userinfo != "" || p.config.Issuer == "") {
		return authz, token, userinfo, "", nil
	}

	doc, derr := p.discovery.Discover(ctx, p.config.Issuer)
	if derr != nil {
		// Explicit endpoints may still be complete enough to proceed.
		if authz != "" && token != "" {
			p.logger.Warn("OIDC discovery failed, using explicit endpoints", "error", derr)
			return authz, token, userinfo, "", nil
		}
		return "", "", "", "", fmt.Errorf("endpoint discovery failed: %w", derr)
	}

	if authz == "" {
		authz = doc.AuthorizationEndpoint
	}
	if token == "" {
		token = doc.TokenEndpoint
	}
	if userinfo == "" {
		userinfo = doc.UserinfoEndpoint
	}
	return authz, token, userinfo, doc.JWKSURI, nil
}

// BuildAuthorizationURL builds the upstream authorization URL. The
// correlation id travels in state; OIDC providers echo it back verbatim.
func (p *Provider) BuildAuthorizationURL(ctx context.Context, callbackURL, tx string, scopes []string) (string, error) {
	authz, _, _, _, err := p.endpoints(ctx)
	if err != nil {
		return "", err
	}

	if len(scopes) == 0 {
		scopes = p.config.Scopes
	}

	cfg := &oauth2.Config{
		ClientID: p.config.ClientID,
		Endpoint: oauth2.Endpoint{AuthURL: authz},
		Scopes:   scopes,
	}
	cfg.RedirectURL = callbackURL
	return cfg.AuthCodeURL(tx), nil
}

// ParseCallback recovers the correlation id from state and either the code
// or the provider's error. A URL without state is not an OIDC callback.
func (p *Provider) ParseCallback(u *url.URL) (*providers.Callback, error) {
	q := u.Query()
	tx := q.Get("state")
	if tx == "" {
		return nil, nil
	}

	if errCode := q.Get("error"); errCode != "" {
		return &providers.Callback{
			TX: tx,
			Err: &providers.UpstreamError{
				Code:        errCode,
				Description: q.Get("error_description"),
			},
		}, nil
	}

	code := q.Get("code")
	if code == "" {
		return nil, fmt.Errorf("callback is missing code")
	}
	return &providers.Callback{TX: tx, Code: code}, nil
}

// Authenticate exchanges the callback code and resolves the user's identity
// through the priority chain: userinfo endpoint, verified ID token, and, only
// when AllowUnverifiedSub is set, the token response's bare sub claim.
func (p *Provider) Authenticate(ctx context.Context, req providers.AuthRequest) (*providers.Identity, error) {
	if req.Code == "" {
		return nil, fmt.Errorf("oidc provider requires a callback code")
	}

	_, tokenEndpoint, userinfo, jwks, err := p.endpoints(ctx)
	if err != nil {
		return nil, err
	}

	cfg := &oauth2.Config{
		ClientID:     p.config.ClientID,
		ClientSecret: p.config.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenEndpoint},
		RedirectURL:  req.RedirectURI,
	}
	token, err := providers.ExchangeCode(ctx, cfg, p.httpClient, req.Code)
	if err != nil {
		return nil, err
	}

	// 1. Userinfo endpoint, when one is configured or discovered.
	if userinfo != "" {
		identity, uerr := p.fetchUserinfo(ctx, userinfo, token.AccessToken)
		if uerr == nil {
			return identity, nil
		}
		p.logger.Warn("Userinfo lookup failed, trying ID token", "error", uerr)
	}

	// 2. Signed ID token verified against the issuer's published keys.
	if rawIDToken, ok := token.Extra("id_token").(string); ok && rawIDToken != "" && p.config.Issuer != "" {
		identity, verr := p.verifyIDToken(ctx, rawIDToken, jwks)
		if verr == nil {
			return identity, nil
		}
		p.logger.Warn("ID token verification failed", "error", verr)
	}

	// 3. Bare sub claim from the token response. Lower trust; opt-in only.
	if p.config.AllowUnverifiedSub {
		if sub, ok := token.Extra("sub").(string); ok && sub != "" {
			p.logger.Warn("Resolved identity from unverified token-response sub claim",
				"issuer", p.config.Issuer)
			email, _ := token.Extra("email").(string)
			return &providers.Identity{Subject: sub, Email: email}, nil
		}
	}

	return nil, fmt.Errorf("unable to resolve user identity from provider response")
}

func (p *Provider) fetchUserinfo(ctx context.Context, endpoint, accessToken string) (*providers.Identity, error) {
	var info struct {
		Sub   string `json:"sub"`
		Email string `json:"email"`
	}
	if err := providers.FetchJSON(ctx, p.httpClient, endpoint, accessToken, &info); err != nil {
		return nil, err
	}
	if info.Sub == "" {
		return nil, fmt.Errorf("userinfo response contains no sub")
	}
	return &providers.Identity{Subject: info.Sub, Email: info.Email}, nil
}

// verifyIDToken checks the ID token signature against the issuer's JWKS.
// An unverified ID token is never trusted.
func (p *Provider) verifyIDToken(ctx context.Context, rawIDToken, jwksURI string) (*providers.Identity, error) {
	ctx = gooidc.ClientContext(ctx, p.httpClient)

	var verifier *gooidc.IDTokenVerifier
	if jwksURI != "" {
		keySet := gooidc.NewRemoteKeySet(ctx, jwksURI)
		verifier = gooidc.NewVerifier(p.config.Issuer, keySet, &gooidc.Config{ClientID: p.config.ClientID})
	} else {
		upstream, err := gooidc.NewProvider(ctx, p.config.Issuer)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize issuer verifier: %w", err)
		}
		verifier = upstream.Verifier(&gooidc.Config{ClientID: p.config.ClientID})
	}

	idToken, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("ID token verification failed: %w", err)
	}

	var claims struct {
		Sub   string `json:"sub"`
		Email string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse ID token claims: %w", err)
	}
	if claims.Sub == "" {
		return nil, fmt.Errorf("ID token contains no sub")
	}
	return &providers.Identity{Subject: claims.Sub, Email: claims.Email}, nil
}
