package testutil

import (
	"context"
	"log/slog"
	"net/url"
	"testing"
	"time"

	"github.com/biomcp/mcp-gateway/providers"
	"github.com/biomcp/mcp-gateway/providers/mock"
	"github.com/biomcp/mcp-gateway/security"
	"github.com/biomcp/mcp-gateway/server"
	"github.com/biomcp/mcp-gateway/storage"
	"github.com/biomcp/mcp-gateway/storage/memory"
	"github.com/biomcp/mcp-gateway/tokens"
)

// Well-known fixture values.
const (
	Issuer      = "http://localhost:8080"
	Resource    = "http://localhost:8080/mcp"
	RedirectURI = "http://localhost:9999/callback"
	State       = "test-state-12345"

	// RFC 7636 appendix B vector.
	CodeVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	CodeChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

// SigningKey is a fixed 32-byte HS256 secret for tests.
var SigningKey = []byte("0123456789abcdef0123456789abcdef")

// Gateway bundles a fully wired in-memory authorization server.
type Gateway struct {
	Server   *server.Server
	Store    *memory.Store
	Provider *mock.Provider
	Tokens   *tokens.Service
}

// NewGateway builds an authorization server over the in-memory store and the
// mock provider, authenticating every upstream callback as the given subject.
func NewGateway(t *testing.T, subject string) *Gateway {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	logger := slog.New(slog.DiscardHandler)
	tokenService, err := tokens.NewService(tokens.Config{
		SigningKey: SigningKey,
		Issuer:     Issuer,
		Store:      store,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	provider := mock.New(subject, subject+"@example.com")
	srv, err := server.New(provider, store, tokenService, &server.Config{Issuer: Issuer}, logger)
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}
	srv.SetAuditor(security.NewAuditor(logger, true))

	return &Gateway{Server: srv, Store: store, Provider: provider, Tokens: tokenService}
}

// RegisterPublicClient registers a public client with the fixture redirect
// URI and returns it.
func (g *Gateway) RegisterPublicClient(t *testing.T) *storage.Client {
	t.Helper()
	client, _, err := g.Server.RegisterClient(context.Background(),
		"test client", "", server.TokenEndpointAuthMethodNone, []string{RedirectURI}, "127.0.0.1")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	return client
}

// ObtainCode drives the flow through /authorize and the provider callback,
// returning the authorization code bound to the fixture PKCE challenge.
func (g *Gateway) ObtainCode(t *testing.T, clientID string) string {
	t.Helper()
	ctx := context.Background()

	authURL, err := g.Server.StartAuthorizationFlow(ctx, server.AuthorizationRequest{
		ClientID:            clientID,
		RedirectURI:         RedirectURI,
		State:               State,
		Resource:            Resource,
		CodeChallenge:       CodeChallenge,
		CodeChallengeMethod: "S256",
	})
	if err != nil {
		t.Fatalf("StartAuthorizationFlow() error = %v", err)
	}

	tx := TXFromAuthURL(t, authURL)
	result, err := g.Server.HandleProviderCallback(ctx, &providers.Callback{TX: tx, Code: "upstream-code"})
	if err != nil {
		t.Fatalf("HandleProviderCallback() error = %v", err)
	}
	if result.Err != nil {
		t.Fatalf("HandleProviderCallback() relayed error %v", result.Err)
	}
	return result.Code
}

// TXFromAuthURL extracts the tx correlation id from the provider redirect URL
// built by the mock provider, which carries it in the state parameter.
func TXFromAuthURL(t *testing.T, authURL string) string {
	t.Helper()
	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("invalid provider URL %q: %v", authURL, err)
	}
	tx := u.Query().Get("state")
	if tx == "" {
		t.Fatalf("provider URL %q carries no correlation id", authURL)
	}
	return tx
}

// WaitUntil polls fn until it returns true or the deadline passes.
func WaitUntil(t *testing.T, timeout time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
