package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/biomcp/mcp-gateway/security"
	"github.com/biomcp/mcp-gateway/storage"
)

// Client type constants.
const (
	ClientTypePublic       = "public"
	ClientTypeConfidential = "confidential"
)

// Token endpoint authentication method constants (RFC 7591).
const (
	TokenEndpointAuthMethodNone  = "none"
	TokenEndpointAuthMethodBasic = "client_secret_basic"
)

// RegisterClient performs dynamic client registration (RFC 7591). Public
// registration needs no authentication; redirect URIs get full security
// validation before anything is persisted. Confidential clients receive a
// generated secret, returned once and stored only as a bcrypt hash.
func (s *Server) RegisterClient(ctx context.Context, clientName, clientURI, tokenEndpointAuthMethod string, redirectURIs []string, clientIP string) (*storage.Client, string, error) {
	if err := s.validateRedirectURIsForRegistration(redirectURIs); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:      "client_registration_rejected",
				IPAddress: clientIP,
				Details:   map[string]any{"reason": err.Error()},
			})
		}
		return nil, "", invalidRequest(err.Error())
	}

	clientType := ClientTypePublic
	if tokenEndpointAuthMethod == "" {
		tokenEndpointAuthMethod = TokenEndpointAuthMethodNone
	}
	if tokenEndpointAuthMethod != TokenEndpointAuthMethodNone {
		if tokenEndpointAuthMethod != TokenEndpointAuthMethodBasic {
			return nil, "", invalidRequest(fmt.Sprintf("unsupported token_endpoint_auth_method: %s", tokenEndpointAuthMethod))
		}
		clientType = ClientTypeConfidential
	}

	var clientSecret, clientSecretHash string
	if clientType == ClientTypeConfidential {
		clientSecret = security.NewRandomToken()
		hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
		if err != nil {
			return nil, "", fmt.Errorf("failed to hash client secret: %w", err)
		}
		clientSecretHash = string(hash)
	}

	client := &storage.Client{
		ClientID:         security.NewRandomToken(),
		ClientSecretHash: clientSecretHash,
		ClientType:       clientType,
		RedirectURIs:     redirectURIs,
		ClientName:       clientName,
		ClientURI:        clientURI,
		CreatedAt:        time.Now(),
	}
	if err := s.store.SaveClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("failed to save client: %w", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogClientRegistered(client.ClientID, client.ClientType, clientIP)
	}
	s.Logger.Info("Registered OAuth client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"client_type", client.ClientType,
		"redirect_uris", len(client.RedirectURIs))

	return client, clientSecret, nil
}

// GetClient looks up a registered client.
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return s.store.GetClient(ctx, clientID)
}

// ValidateClientCredentials checks client authentication at the token
// endpoint. Public clients present no secret; confidential clients must
// match their bcrypt hash.
func (s *Server) ValidateClientCredentials(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, invalidClient("unknown client")
		}
		return nil, fmt.Errorf("failed to look up client: %w", err)
	}

	if client.ClientType == ClientTypePublic {
		if clientSecret != "" {
			return nil, invalidClient("public client must not present a secret")
		}
		return client, nil
	}

	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", clientID, "", "client_secret_mismatch")
		}
		return nil, invalidClient("client authentication failed")
	}
	return client, nil
}
