package server

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"
)

// Config holds the authorization server configuration.
type Config struct {
	// Issuer is the gateway's external base URL, used as the iss value and
	// to derive the provider callback URL. Required.
	Issuer string

	// SupportedScopes restricts the scope values clients may request. Empty
	// allows any scope string.
	SupportedScopes []string

	// AuthorizationSessionTTL bounds the window between /authorize and the
	// provider callback. Zero defaults to 10 minutes.
	AuthorizationSessionTTL time.Duration

	// AuthorizationCodeTTL bounds the window between callback and exchange.
	// Zero defaults to 10 minutes.
	AuthorizationCodeTTL time.Duration

	// RefreshTokenTTL bounds refresh token lifetime. Zero defaults to 30 days.
	RefreshTokenTTL time.Duration

	// MinStateLength is the minimum accepted client state length. Short
	// state values undermine CSRF protection. Zero defaults to 8.
	MinStateLength int

	// AllowInsecureHTTP permits a non-loopback http issuer. Development only.
	AllowInsecureHTTP bool

	// AllowLocalhostRedirectURIs permits loopback redirect URIs (RFC 8252
	// native apps). On by default via applySecureDefaults.
	disallowLocalhostRedirectURIs bool
}

// DisallowLocalhostRedirectURIs turns off the loopback redirect URI
// exception for deployments that serve browsers only.
func (c *Config) DisallowLocalhostRedirectURIs() {
	c.disallowLocalhostRedirectURIs = true
}

// applySecureDefaults fills zero values with the secure defaults and logs
// each substitution once at startup.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	cfg := *config

	if cfg.AuthorizationSessionTTL == 0 {
		cfg.AuthorizationSessionTTL = 10 * time.Minute
	}
	if cfg.AuthorizationCodeTTL == 0 {
		cfg.AuthorizationCodeTTL = 10 * time.Minute
	}
	if cfg.RefreshTokenTTL == 0 {
		cfg.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if cfg.MinStateLength == 0 {
		cfg.MinStateLength = 8
	}

	logger.Debug("Authorization server configuration resolved",
		"authorization_session_ttl", cfg.AuthorizationSessionTTL,
		"authorization_code_ttl", cfg.AuthorizationCodeTTL,
		"refresh_token_ttl", cfg.RefreshTokenTTL)

	return &cfg
}

// validateIssuer enforces the HTTPS requirement on the issuer URL. Loopback
// http is tolerated for development; anything else needs AllowInsecureHTTP.
func validateIssuer(issuer string, allowInsecure bool, logger *slog.Logger) error {
	if issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	u, err := url.Parse(issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if isLoopbackHost(u.Hostname()) {
			logger.Warn("Issuer uses http on loopback; acceptable for development only",
				"issuer", issuer)
			return nil
		}
		if !allowInsecure {
			return fmt.Errorf("issuer must use https outside loopback (got %s); set AllowInsecureHTTP to override", issuer)
		}
		logger.Error("Issuer uses http on a non-loopback host; tokens are exposed to interception",
			"issuer", issuer)
		return nil
	default:
		return fmt.Errorf("issuer URL scheme must be http or https, got %q", u.Scheme)
	}
}

// isLoopbackHost reports whether a hostname refers to the local machine.
func isLoopbackHost(hostname string) bool {
	if hostname == "localhost" {
		return true
	}
	host := strings.Trim(hostname, "[]")
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
