package server

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/biomcp/mcp-gateway/security"
	"github.com/biomcp/mcp-gateway/storage"
)

// PKCE constants (RFC 7636).
const (
	PKCEMethodS256        = "S256"
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
)

// dangerousSchemes must never appear in a redirect URI regardless of
// configuration. They enable XSS or local file access in user agents.
var dangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

// validateRedirectURIsForRegistration checks every URI of a registration
// request. The first failure aborts the registration.
func (s *Server) validateRedirectURIsForRegistration(redirectURIs []string) error {
	if len(redirectURIs) == 0 {
		return fmt.Errorf("redirect_uris: at least one redirect URI is required")
	}
	for _, uri := range redirectURIs {
		if err := s.validateRedirectURISecurity(uri); err != nil {
			return err
		}
	}
	return nil
}

// validateRedirectURISecurity applies the OAuth 2.0 Security BCP rules to a
// single redirect URI: absolute, no fragment, no dangerous scheme, and https
// for non-loopback hosts when the gateway itself runs on https.
func (s *Server) validateRedirectURISecurity(redirectURI string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("redirect_uri: invalid URI format: %w", err)
	}
	if parsed.Scheme == "" {
		return fmt.Errorf("redirect_uri: URI must be absolute: %q", redirectURI)
	}
	if parsed.Fragment != "" {
		return fmt.Errorf("redirect_uri: fragments are not allowed")
	}

	scheme := strings.ToLower(parsed.Scheme)
	for _, dangerous := range dangerousSchemes {
		if scheme == dangerous {
			return fmt.Errorf("redirect_uri: scheme %q is not allowed", scheme)
		}
	}

	if scheme != "http" && scheme != "https" {
		// Custom scheme for native apps; must at least be RFC 3986 shaped.
		if !isValidSchemeShape(scheme) {
			return fmt.Errorf("redirect_uri: malformed scheme %q", scheme)
		}
		return nil
	}
	if parsed.Host == "" {
		return fmt.Errorf("redirect_uri: URI must have a host: %q", redirectURI)
	}

	if isLoopbackHost(parsed.Hostname()) {
		if s.Config.disallowLocalhostRedirectURIs {
			return fmt.Errorf("redirect_uri: loopback addresses are not allowed")
		}
		// RFC 8252 section 7.3 permits http for loopback native apps.
		return nil
	}

	if scheme == "http" && issuerIsHTTPS(s.Config.Issuer) {
		return fmt.Errorf("redirect_uri: https is required for non-loopback hosts")
	}
	return nil
}

// validateRegisteredRedirectURI checks an /authorize redirect_uri against the
// client's registered set. Exact string match, per OAuth 2.1.
func validateRegisteredRedirectURI(client *storage.Client, redirectURI string) error {
	for _, uri := range client.RedirectURIs {
		if uri == redirectURI {
			return nil
		}
	}
	return fmt.Errorf("redirect URI is not registered for this client")
}

// validateScope checks a requested scope string against the supported set.
// An empty configured set allows any scope.
func (s *Server) validateScope(scope string) error {
	if len(s.Config.SupportedScopes) == 0 || scope == "" {
		return nil
	}
	for _, requested := range strings.Fields(scope) {
		supported := false
		for _, allowed := range s.Config.SupportedScopes {
			if requested == allowed {
				supported = true
				break
			}
		}
		if !supported {
			return fmt.Errorf("unsupported scope: %s", requested)
		}
	}
	return nil
}

// validatePKCE verifies a code_verifier against the stored S256 challenge.
// The comparison is constant time.
func validatePKCE(challenge, verifier string) error {
	if verifier == "" {
		return fmt.Errorf("code_verifier is required")
	}
	if len(verifier) < MinCodeVerifierLength || len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be %d-%d characters (RFC 7636)", MinCodeVerifierLength, MaxCodeVerifierLength)
	}
	for _, ch := range verifier {
		valid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !valid {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}
	if !security.ConstantTimeEquals(security.ComputeCodeChallenge(verifier), challenge) {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}

// isValidSchemeShape checks RFC 3986 scheme syntax:
// ALPHA *( ALPHA / DIGIT / "+" / "-" / "." ).
func isValidSchemeShape(scheme string) bool {
	if scheme == "" {
		return false
	}
	for i, ch := range scheme {
		switch {
		case ch >= 'a' && ch <= 'z':
		case i > 0 && (ch >= '0' && ch <= '9' || ch == '+' || ch == '-' || ch == '.'):
		default:
			return false
		}
	}
	return true
}

func issuerIsHTTPS(issuer string) bool {
	u, err := url.Parse(issuer)
	return err == nil && u.Scheme == "https"
}
