package hosted

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/biomcp/mcp-gateway/providers"
	"github.com/biomcp/mcp-gateway/security"
)

const defaultIdentityCacheTTL = 5 * time.Minute

// Config holds hosted-login provider configuration.
type Config struct {
	// AuthorizationEndpoint is the hosted login page URL (required).
	AuthorizationEndpoint string

	// UserinfoEndpoint resolves a callback token into a user identity
	// (required).
	UserinfoEndpoint string

	// PublicToken is an optional public project identifier some hosted
	// services require on the login URL.
	PublicToken string

	// HTTPClient is used for userinfo calls. Nil uses a 10s-timeout default.
	HTTPClient *http.Client

	// IdentityCache is an optional shared cache of token → identity lookups.
	// Nil creates a private cache with a 5 minute TTL.
	IdentityCache *IdentityCache

	// Logger is the structured logger. Nil uses slog.Default().
	Logger *slog.Logger
}

// Provider is the hosted-login identity provider.
type Provider struct {
	config     Config
	httpClient *http.Client
	cache      *IdentityCache
	logger     *slog.Logger
}

var _ providers.Provider = (*Provider)(nil)

// New creates a hosted-login provider.
func New(config Config) (*Provider, error) {
	if config.AuthorizationEndpoint == "" {
		return nil, fmt.Errorf("authorization endpoint is required")
	}
	if config.UserinfoEndpoint == "" {
		return nil, fmt.Errorf("userinfo endpoint is required")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	cache := config.IdentityCache
	if cache == nil {
		cache = NewIdentityCache(defaultIdentityCacheTTL)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Provider{config: config, httpClient: httpClient, cache: cache, logger: logger}, nil
}

// Name implements providers.Provider.
func (p *Provider) Name() string { return "hosted" }

// BuildAuthorizationURL builds the hosted login URL. The correlation id rides
// on the callback URL because the hosted service drops unknown state.
func (p *Provider) BuildAuthorizationURL(_ context.Context, callbackURL, tx string, scopes []string) (string, error) {
	callback, err := url.Parse(callbackURL)
	if err != nil {
		return "", fmt.Errorf("invalid callback URL: %w", err)
	}
	cq := callback.Query()
	cq.Set("tx", tx)
	callback.RawQuery = cq.Encode()

	authURL, err := url.Parse(p.config.AuthorizationEndpoint)
	if err != nil {
		return "", fmt.Errorf("invalid authorization endpoint: %w", err)
	}
	q := authURL.Query()
	q.Set("redirect_uri", callback.String())
	if p.config.PublicToken != "" {
		q.Set("public_token", p.config.PublicToken)
	}
	if len(scopes) > 0 {
		q.Set("scope", strings.Join(scopes, " "))
	}
	authURL.RawQuery = q.Encode()

	return authURL.String(), nil
}

// ParseCallback recovers the correlation id and either the returned token or
// the provider's error. A URL without tx is not a hosted callback.
func (p *Provider) ParseCallback(u *url.URL) (*providers.Callback, error) {
	q := u.Query()
	tx := q.Get("tx")
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

	token := q.Get("token")
	if token == "" {
		return nil, fmt.Errorf("callback is missing token")
	}

	return &providers.Callback{
		TX:        tx,
		Token:     token,
		TokenType: q.Get("token_type"),
	}, nil
}

// Authenticate resolves the callback token via the userinfo endpoint. Results
// are cached per token so a retried callback does not re-hit the provider.
func (p *Provider) Authenticate(ctx context.Context, req providers.AuthRequest) (*providers.Identity, error) {
	if req.Token == "" {
		return nil, fmt.Errorf("hosted provider requires a callback token")
	}

	cacheKey := security.HashToken(req.Token)
	if identity, ok := p.cache.Get(cacheKey); ok {
		return identity, nil
	}

	var info struct {
		Sub    string `json:"sub"`
		UserID string `json:"user_id"`
		Email  string `json:"email"`
	}
	if err := providers.FetchJSON(ctx, p.httpClient, p.config.UserinfoEndpoint, req.Token, &info); err != nil {
		p.logger.Warn("Hosted userinfo lookup failed", "error", err)
		return nil, fmt.Errorf("failed to resolve identity: %w", err)
	}

	sub := info.Sub
	if sub == "" {
		sub = info.UserID
	}
	if sub == "" {
		return nil, fmt.Errorf("userinfo response contains no subject")
	}

	identity := &providers.Identity{Subject: sub, Email: info.Email}
	p.cache.Put(cacheKey, identity)
	return identity, nil
}
