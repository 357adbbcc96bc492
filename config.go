package gateway

import (
	"strings"
	"time"
)

// Metadata discovery path prefixes.
const (
	MetadataPathAuthorizationServer = "/.well-known/oauth-authorization-server"
	MetadataPathProtectedResource   = "/.well-known/oauth-protected-resource"
)

// Config holds the HTTP layer configuration.
type Config struct {
	// Issuer is the gateway's external base URL. Required; also used by the
	// server package as the token issuer.
	Issuer string

	// Resource is the protected resource identifier (RFC 9728). Empty
	// defaults to Issuer + "/mcp".
	Resource string

	// SupportedScopes is advertised in discovery metadata.
	SupportedScopes []string

	// AllowedOrigins is the CORS allow-list for non-discovery endpoints.
	// Discovery metadata is always world-readable.
	AllowedOrigins []string

	// RateLimitBudget is the fixed request budget per client IP per window.
	// Zero defaults to 25.
	RateLimitBudget int

	// RateLimitWindow is the rate limit window. Zero defaults to 10 seconds.
	RateLimitWindow time.Duration

	// TrustProxy enables X-Forwarded-For / X-Real-IP client IP extraction.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies in front of the gateway,
	// used with TrustProxy. Zero defaults to 1.
	TrustedProxyCount int
}

func (c *Config) applyDefaults() {
	if c.Resource == "" {
		c.Resource = strings.TrimSuffix(c.Issuer, "/") + "/mcp"
	}
	if c.RateLimitBudget == 0 {
		c.RateLimitBudget = 25
	}
	if c.RateLimitWindow == 0 {
		c.RateLimitWindow = 10 * time.Second
	}
	if c.TrustedProxyCount == 0 {
		c.TrustedProxyCount = 1
	}
}

func (c *Config) endpoint(path string) string {
	return strings.TrimSuffix(c.Issuer, "/") + path
}

// AuthorizationEndpoint returns the /authorize URL.
func (c *Config) AuthorizationEndpoint() string { return c.endpoint("/authorize") }

// TokenEndpoint returns the /token URL.
func (c *Config) TokenEndpoint() string { return c.endpoint("/token") }

// RegistrationEndpoint returns the /register URL.
func (c *Config) RegistrationEndpoint() string { return c.endpoint("/register") }

// RevocationEndpoint returns the /revoke URL.
func (c *Config) RevocationEndpoint() string { return c.endpoint("/revoke") }
