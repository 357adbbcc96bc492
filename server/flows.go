package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/biomcp/mcp-gateway/providers"
	"github.com/biomcp/mcp-gateway/security"
	"github.com/biomcp/mcp-gateway/storage"
	"github.com/biomcp/mcp-gateway/tokens"
)

// AuthorizationRequest carries the validated-at-transport parameters of a
// GET /authorize call.
type AuthorizationRequest struct {
	ClientID            string
	RedirectURI         string
	State               string
	Scope               string
	Resource            string
	CodeChallenge       string
	CodeChallengeMethod string
}

// StartAuthorizationFlow validates an authorization request, creates the
// tx-keyed correlation session, and returns the upstream provider URL the
// user agent must be redirected to.
func (s *Server) StartAuthorizationFlow(ctx context.Context, req AuthorizationRequest) (string, error) {
	client, err := s.store.GetClient(ctx, req.ClientID)
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", req.ClientID, "", "unknown_client")
		}
		return "", invalidRequest("unknown client_id")
	}
	if err := validateRegisteredRedirectURI(client, req.RedirectURI); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", req.ClientID, "", "redirect_uri_not_registered")
		}
		return "", invalidRequest(err.Error())
	}

	// State is required for CSRF protection (OAuth 2.0 Security BCP).
	if req.State == "" {
		return "", invalidRequest("state parameter is required")
	}
	if len(req.State) < s.Config.MinStateLength {
		return "", invalidRequest(fmt.Sprintf("state must be at least %d characters", s.Config.MinStateLength))
	}

	// PKCE is mandatory, S256 only.
	if req.CodeChallenge == "" {
		return "", invalidRequest("code_challenge is required (PKCE)")
	}
	if req.CodeChallengeMethod != PKCEMethodS256 {
		return "", invalidRequest(fmt.Sprintf("unsupported code_challenge_method: %q (only S256)", req.CodeChallengeMethod))
	}

	if req.Resource == "" {
		return "", invalidRequest("resource parameter is required (RFC 8707)")
	}
	resource, err := tokens.Canonicalize(req.Resource)
	if err != nil {
		return "", invalidRequest(fmt.Sprintf("resource: %v", err))
	}

	if err := s.validateScope(req.Scope); err != nil {
		return "", invalidScope(err.Error())
	}

	tx := security.NewRandomToken()
	now := time.Now()
	session := &storage.AuthorizationSession{
		TX:                  tx,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Resource:            resource,
		Scope:               req.Scope,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.Config.AuthorizationSessionTTL),
	}
	if err := s.store.SaveAuthorizationSession(ctx, session); err != nil {
		return "", fmt.Errorf("failed to save authorization session: %w", err)
	}

	authURL, err := s.provider.BuildAuthorizationURL(ctx, s.CallbackURL(), tx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build provider authorization URL: %w", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:     "authorization_flow_started",
			ClientID: req.ClientID,
			Details: map[string]any{
				"resource": resource,
				"scope":    req.Scope,
				"provider": s.provider.Name(),
			},
		})
	}
	s.Logger.Info("Authorization flow started",
		"client_id", req.ClientID,
		"provider", s.provider.Name(),
		"tx", safeTruncate(tx, 8))

	return authURL, nil
}

// CallbackResult tells the transport layer where to send the user agent
// after a provider callback. Exactly one of Code or Err is set; RedirectURI
// and State always identify the original client.
type CallbackResult struct {
	RedirectURI string
	State       string
	Code        string
	Err         *providers.UpstreamError
}

// HandleProviderCallback consumes the correlation session for a provider
// callback and either issues an authorization code or relays the upstream
// failure. The session is taken atomically, so a replayed callback fails.
func (s *Server) HandleProviderCallback(ctx context.Context, cb *providers.Callback) (*CallbackResult, error) {
	session, err := s.store.TakeAuthorizationSession(ctx, cb.TX)
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:    "invalid_provider_callback",
				Details: map[string]any{"reason": "session_not_found"},
			})
		}
		return nil, invalidRequest("unknown or expired authorization session")
	}

	result := &CallbackResult{RedirectURI: session.RedirectURI, State: session.State}

	// Provider-originated error: relay code and description to the client's
	// redirect URI instead of rendering a gateway error page.
	if cb.Err != nil {
		s.Logger.Warn("Provider returned an error on callback",
			"client_id", session.ClientID,
			"provider_error", cb.Err.Code)
		result.Err = cb.Err
		return result, nil
	}

	identity, err := s.provider.Authenticate(ctx, providers.AuthRequest{
		Token:       cb.Token,
		Code:        cb.Code,
		RedirectURI: s.CallbackURL(),
	})
	if err != nil {
		// Upstream detail goes to the log, a generic failure to the client.
		s.Logger.Error("Upstream authentication failed",
			"client_id", session.ClientID,
			"provider", s.provider.Name(),
			"error", err)
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", session.ClientID, "", "upstream_authentication_failed")
		}
		result.Err = &providers.UpstreamError{
			Code:        ErrorCodeServerError,
			Description: "authentication failed",
		}
		return result, nil
	}

	code := security.NewRandomToken()
	now := time.Now()
	authCode := &storage.AuthorizationCode{
		Code:          code,
		Subject:       identity.Subject,
		Email:         identity.Email,
		ClientID:      session.ClientID,
		RedirectURI:   session.RedirectURI,
		Resource:      session.Resource,
		Scope:         session.Scope,
		CodeChallenge: session.CodeChallenge,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.Config.AuthorizationCodeTTL),
	}
	if err := s.store.SaveAuthorizationCode(ctx, authCode); err != nil {
		return nil, fmt.Errorf("failed to save authorization code: %w", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:     "authorization_code_issued",
			Subject:  identity.Subject,
			ClientID: session.ClientID,
			Details:  map[string]any{"resource": session.Resource},
		})
	}
	s.Logger.Info("Authorization code issued",
		"client_id", session.ClientID,
		"subject", security.Redact(identity.Subject))

	result.Code = code
	return result, nil
}

// ExchangeAuthorizationCode redeems an authorization code for an access and
// refresh token pair. The code is consumed atomically: a second redemption,
// concurrent or sequential, fails with invalid_grant.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, code, clientID, redirectURI, codeVerifier string) (*oauth2.Token, string, error) {
	authCode, err := s.store.TakeAuthorizationCode(ctx, code)
	if err != nil {
		s.Logger.Debug("Authorization code redemption failed",
			"client_id", clientID,
			"code_prefix", safeTruncate(code, 8),
			"error", err)
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", clientID, "", "invalid_authorization_code")
		}
		return nil, "", invalidGrant("invalid grant")
	}

	// Exact matches only; failures are indistinguishable from unknown codes.
	if authCode.ClientID != clientID {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(authCode.Subject, clientID, "", "client_id_mismatch")
		}
		return nil, "", invalidGrant("invalid grant")
	}
	if authCode.RedirectURI != redirectURI {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(authCode.Subject, clientID, "", "redirect_uri_mismatch")
		}
		return nil, "", invalidGrant("invalid grant")
	}

	if err := validatePKCE(authCode.CodeChallenge, codeVerifier); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:     "pkce_validation_failed",
				Subject:  authCode.Subject,
				ClientID: clientID,
				Details:  map[string]any{"reason": err.Error()},
			})
		}
		return nil, "", invalidGrant("invalid grant")
	}

	token, err := s.issueTokenPair(ctx, authCode.Subject, authCode.Email, clientID, authCode.Scope, authCode.Resource, "")
	if err != nil {
		return nil, "", err
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(authCode.Subject, clientID, authCode.Resource, authCode.Scope)
	}
	return token, authCode.Scope, nil
}

// RefreshAccessToken rotates a refresh token: the old token is consumed
// atomically and a new access + refresh pair is issued. Replay of a rotated
// refresh token fails with invalid_grant, signaling possible token theft.
func (s *Server) RefreshAccessToken(ctx context.Context, refreshToken, clientID string) (*oauth2.Token, string, error) {
	oldDigest := security.HashToken(refreshToken)
	record, err := s.store.TakeRefreshToken(ctx, oldDigest)
	if err != nil {
		s.Logger.Debug("Refresh token redemption failed",
			"client_id", clientID,
			"token_prefix", safeTruncate(refreshToken, 8),
			"error", err)
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", clientID, "", "invalid_refresh_token")
		}
		return nil, "", invalidGrant("invalid grant")
	}

	if record.ClientID != clientID {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(record.Subject, clientID, "", "refresh_client_mismatch")
		}
		return nil, "", invalidGrant("invalid grant")
	}

	resource := ""
	if len(record.Resources) > 0 {
		resource = record.Resources[0]
	}
	token, err := s.issueTokenPair(ctx, record.Subject, record.Email, clientID, record.Scope, resource, oldDigest)
	if err != nil {
		return nil, "", err
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRefreshed(record.Subject, clientID)
	}
	s.Logger.Info("Refresh token rotated",
		"client_id", clientID,
		"subject", security.Redact(record.Subject))

	return token, record.Scope, nil
}

// RevokeToken deletes any access or refresh record matching the token.
// Always succeeds (RFC 7009): an unknown token reveals nothing.
func (s *Server) RevokeToken(ctx context.Context, token, clientID, clientIP string) error {
	digest := security.HashToken(token)

	if err := s.store.DeleteAccessToken(ctx, digest); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.Logger.Warn("Failed to delete access token record", "error", err)
	}
	if err := s.store.DeleteRefreshToken(ctx, digest); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.Logger.Warn("Failed to delete refresh token record", "error", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRevoked(clientID, clientIP)
	}
	s.Logger.Info("Token revoked", "client_id", clientID)
	return nil
}

// issueTokenPair mints an access JWT through the token service and an opaque
// refresh token, persisting both records. rotatedFrom carries the digest of
// the refresh token being replaced, empty on first issuance.
func (s *Server) issueTokenPair(ctx context.Context, subject, email, clientID, scope, resource, rotatedFrom string) (*oauth2.Token, error) {
	accessToken, accessRecord, err := s.tokens.Issue(ctx, subject, email, clientID, scope, resource)
	if err != nil {
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}

	refreshToken := security.NewRandomToken()
	now := time.Now()
	refreshRecord := &storage.TokenRecord{
		Subject:     subject,
		Email:       email,
		ClientID:    clientID,
		Scope:       scope,
		Resources:   []string{resource},
		RotatedFrom: rotatedFrom,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.Config.RefreshTokenTTL),
	}
	if err := s.store.SaveRefreshToken(ctx, security.HashToken(refreshToken), refreshRecord); err != nil {
		// Issuance is all-or-nothing: the access record must not outlive a
		// failed refresh save.
		if derr := s.store.DeleteAccessToken(ctx, security.HashToken(accessToken)); derr != nil && !errors.Is(derr, storage.ErrNotFound) {
			s.Logger.Warn("Failed to delete access token record after refresh save failure", "error", derr)
		}
		return nil, fmt.Errorf("failed to save refresh token record: %w", err)
	}

	return &oauth2.Token{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		Expiry:       accessRecord.ExpiresAt,
	}, nil
}
