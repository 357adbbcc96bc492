package server

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/biomcp/mcp-gateway/providers"
	"github.com/biomcp/mcp-gateway/security"
	"github.com/biomcp/mcp-gateway/storage"
	"github.com/biomcp/mcp-gateway/tokens"
)

// Server coordinates the OAuth flow across the identity provider, the token
// service, and the storage backend. It is safe for concurrent use.
type Server struct {
	provider providers.Provider
	store    storage.Store
	tokens   *tokens.Service

	Auditor *security.Auditor
	Logger  *slog.Logger
	Config  *Config
}

// New creates an authorization server.
func New(provider providers.Provider, store storage.Store, tokenService *tokens.Service, config *Config, logger *slog.Logger) (*Server, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if tokenService == nil {
		return nil, fmt.Errorf("token service is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)
	if err := validateIssuer(config.Issuer, config.AllowInsecureHTTP, logger); err != nil {
		return nil, err
	}

	return &Server{
		provider: provider,
		store:    store,
		tokens:   tokenService,
		Config:   config,
		Logger:   logger,
	}, nil
}

// SetAuditor sets the security auditor.
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// CallbackURL is the gateway's provider callback endpoint. It is fixed per
// deployment; per-request correlation travels in tx, not in the URL.
func (s *Server) CallbackURL() string {
	return strings.TrimSuffix(s.Config.Issuer, "/") + "/callback"
}

// Tokens exposes the token service for the proxy layer.
func (s *Server) Tokens() *tokens.Service { return s.tokens }

// Provider exposes the configured identity provider.
func (s *Server) Provider() providers.Provider { return s.provider }

// safeTruncate truncates a string for logging without panicking on short
// input.
func safeTruncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
