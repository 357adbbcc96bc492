package gateway_test

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	gateway "github.com/biomcp/mcp-gateway"
	"github.com/biomcp/mcp-gateway/internal/testutil"
	"github.com/biomcp/mcp-gateway/proxy"
	"github.com/biomcp/mcp-gateway/tokens"
)

type fixture struct {
	*testutil.Gateway
	handler *gateway.Handler
	ts      *httptest.Server
	client  *http.Client
}

func newFixture(t *testing.T, mutate func(*gateway.Config)) *fixture {
	t.Helper()
	g := testutil.NewGateway(t, "user-1")

	config := &gateway.Config{
		Issuer:          testutil.Issuer,
		AllowedOrigins:  []string{"https://app.example.com"},
		SupportedScopes: []string{"read", "write"},
	}
	if mutate != nil {
		mutate(config)
	}
	handler, err := gateway.NewHandler(g.Server, config, nil, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	t.Cleanup(handler.Close)

	mux := http.NewServeMux()
	handler.Routes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &fixture{Gateway: g, handler: handler, ts: ts, client: client}
}

func (f *fixture) registerClient(t *testing.T) string {
	t.Helper()
	body := `{"redirect_uris":["` + testutil.RedirectURI + `"],"client_name":"e2e"}`
	resp, err := f.client.Post(f.ts.URL+"/register", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /register error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /register status = %d, want 201", resp.StatusCode)
	}
	var reg gateway.ClientRegistrationResponse
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		t.Fatalf("decode registration response: %v", err)
	}
	if reg.ClientID == "" {
		t.Fatal("registration response has no client_id")
	}
	return reg.ClientID
}

// authorize drives GET /authorize and the provider callback over HTTP and
// returns the authorization code delivered to the client redirect URI.
func (f *fixture) authorize(t *testing.T, clientID string) string {
	t.Helper()

	authorize := f.ts.URL + "/authorize?" + url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {testutil.RedirectURI},
		"state":                 {testutil.State},
		"resource":              {testutil.Resource},
		"code_challenge":        {testutil.CodeChallenge},
		"code_challenge_method": {"S256"},
	}.Encode()

	resp, err := f.client.Get(authorize)
	if err != nil {
		t.Fatalf("GET /authorize error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("GET /authorize status = %d, want 302", resp.StatusCode)
	}
	providerURL, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("invalid provider redirect: %v", err)
	}
	tx := providerURL.Query().Get("state")
	if tx == "" {
		t.Fatal("provider redirect carries no correlation id")
	}

	resp, err = f.client.Get(f.ts.URL + "/callback?" + url.Values{
		"state": {tx},
		"code":  {"upstream-code"},
	}.Encode())
	if err != nil {
		t.Fatalf("GET /callback error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("GET /callback status = %d, want 302", resp.StatusCode)
	}
	clientRedirect, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("invalid client redirect: %v", err)
	}
	if !strings.HasPrefix(clientRedirect.String(), testutil.RedirectURI) {
		t.Fatalf("callback redirected to %q, want client redirect URI", clientRedirect)
	}
	if got := clientRedirect.Query().Get("state"); got != testutil.State {
		t.Fatalf("callback state = %q, want the original client state", got)
	}
	code := clientRedirect.Query().Get("code")
	if code == "" {
		t.Fatal("callback redirect carries no code")
	}
	return code
}

func (f *fixture) exchange(t *testing.T, form url.Values) (*http.Response, gateway.TokenResponse, gateway.ErrorResponse) {
	t.Helper()
	resp, err := f.client.PostForm(f.ts.URL+"/token", form)
	if err != nil {
		t.Fatalf("POST /token error = %v", err)
	}
	defer resp.Body.Close()

	var token gateway.TokenResponse
	var oauthErr gateway.ErrorResponse
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
			t.Fatalf("decode token response: %v", err)
		}
	} else {
		if err := json.NewDecoder(resp.Body).Decode(&oauthErr); err != nil {
			t.Fatalf("decode error response: %v", err)
		}
	}
	return resp, token, oauthErr
}

func TestEndToEndAuthorizationCodeFlow(t *testing.T) {
	f := newFixture(t, nil)
	clientID := f.registerClient(t)
	code := f.authorize(t, clientID)

	resp, token, _ := f.exchange(t, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testutil.RedirectURI},
		"code_verifier": {testutil.CodeVerifier},
		"client_id":     {clientID},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /token status = %d, want 200", resp.StatusCode)
	}
	if resp.Header.Get("Cache-Control") != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", resp.Header.Get("Cache-Control"))
	}
	if token.TokenType != "Bearer" || token.AccessToken == "" || token.RefreshToken == "" {
		t.Errorf("token response = %+v", token)
	}
	if token.ExpiresIn <= 0 || token.ExpiresIn > 3600 {
		t.Errorf("expires_in = %d, want within (0, 3600]", token.ExpiresIn)
	}

	// Replay of the redeemed code fails.
	resp2, _, oauthErr := f.exchange(t, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testutil.RedirectURI},
		"code_verifier": {testutil.CodeVerifier},
		"client_id":     {clientID},
	})
	if resp2.StatusCode != http.StatusBadRequest || oauthErr.Error != "invalid_grant" {
		t.Errorf("replay status/code = %d/%q, want 400/invalid_grant", resp2.StatusCode, oauthErr.Error)
	}

	// Refresh rotation over HTTP.
	resp3, refreshed, _ := f.exchange(t, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {token.RefreshToken},
		"client_id":     {clientID},
	})
	if resp3.StatusCode != http.StatusOK {
		t.Fatalf("refresh status = %d, want 200", resp3.StatusCode)
	}
	if refreshed.RefreshToken == token.RefreshToken {
		t.Error("refresh token was not rotated")
	}
	resp4, _, oauthErr := f.exchange(t, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {token.RefreshToken},
		"client_id":     {clientID},
	})
	if resp4.StatusCode != http.StatusBadRequest || oauthErr.Error != "invalid_grant" {
		t.Errorf("rotated refresh replay = %d/%q, want 400/invalid_grant", resp4.StatusCode, oauthErr.Error)
	}

	// Revocation always answers 200 and kills the record immediately.
	revokeResp, err := f.client.PostForm(f.ts.URL+"/revoke", url.Values{
		"token":     {refreshed.AccessToken},
		"client_id": {clientID},
	})
	if err != nil {
		t.Fatalf("POST /revoke error = %v", err)
	}
	revokeResp.Body.Close()
	if revokeResp.StatusCode != http.StatusOK {
		t.Errorf("POST /revoke status = %d, want 200", revokeResp.StatusCode)
	}
	if _, _, err := f.Tokens.Validate(t.Context(), refreshed.AccessToken, testutil.Resource); !errors.Is(err, tokens.ErrRevoked) {
		t.Errorf("Validate() after /revoke error = %v, want revoked", err)
	}
}

func TestTokenEndpointErrors(t *testing.T) {
	f := newFixture(t, nil)
	clientID := f.registerClient(t)

	t.Run("wrong verifier", func(t *testing.T) {
		code := f.authorize(t, clientID)
		resp, _, oauthErr := f.exchange(t, url.Values{
			"grant_type":    {"authorization_code"},
			"code":          {code},
			"redirect_uri":  {testutil.RedirectURI},
			"code_verifier": {strings.Repeat("b", 43)},
			"client_id":     {clientID},
		})
		if resp.StatusCode != http.StatusBadRequest || oauthErr.Error != "invalid_grant" {
			t.Errorf("status/code = %d/%q, want 400/invalid_grant", resp.StatusCode, oauthErr.Error)
		}
	})

	t.Run("unknown client", func(t *testing.T) {
		resp, _, oauthErr := f.exchange(t, url.Values{
			"grant_type": {"authorization_code"},
			"code":       {"whatever"},
			"client_id":  {"no-such-client"},
		})
		if resp.StatusCode != http.StatusUnauthorized || oauthErr.Error != "invalid_client" {
			t.Errorf("status/code = %d/%q, want 401/invalid_client", resp.StatusCode, oauthErr.Error)
		}
		if resp.Header.Get("WWW-Authenticate") == "" {
			t.Error("401 response lacks WWW-Authenticate")
		}
	})

	t.Run("missing client", func(t *testing.T) {
		resp, _, oauthErr := f.exchange(t, url.Values{"grant_type": {"authorization_code"}})
		if resp.StatusCode != http.StatusUnauthorized || oauthErr.Error != "invalid_client" {
			t.Errorf("status/code = %d/%q, want 401/invalid_client", resp.StatusCode, oauthErr.Error)
		}
	})

	t.Run("unsupported grant", func(t *testing.T) {
		resp, _, oauthErr := f.exchange(t, url.Values{
			"grant_type": {"password"},
			"client_id":  {clientID},
		})
		if resp.StatusCode != http.StatusBadRequest || oauthErr.Error != "unsupported_grant_type" {
			t.Errorf("status/code = %d/%q, want 400/unsupported_grant_type", resp.StatusCode, oauthErr.Error)
		}
	})

	t.Run("method not allowed", func(t *testing.T) {
		resp, err := f.client.Get(f.ts.URL + "/token")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("GET /token status = %d, want 405", resp.StatusCode)
		}
	})
}

func TestAuthorizeErrorRouting(t *testing.T) {
	f := newFixture(t, nil)
	clientID := f.registerClient(t)

	t.Run("unknown client rendered directly", func(t *testing.T) {
		resp, err := f.client.Get(f.ts.URL + "/authorize?client_id=nope&redirect_uri=" + url.QueryEscape(testutil.RedirectURI))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400 (never redirect to an unverified URI)", resp.StatusCode)
		}
	})

	t.Run("unregistered redirect rendered directly", func(t *testing.T) {
		resp, err := f.client.Get(f.ts.URL + "/authorize?" + url.Values{
			"client_id":    {clientID},
			"redirect_uri": {"http://evil.example.com/cb"},
		}.Encode())
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("validation error relayed to verified redirect", func(t *testing.T) {
		resp, err := f.client.Get(f.ts.URL + "/authorize?" + url.Values{
			"response_type": {"code"},
			"client_id":     {clientID},
			"redirect_uri":  {testutil.RedirectURI},
			"state":         {testutil.State},
			"resource":      {testutil.Resource},
			// PKCE challenge intentionally absent.
		}.Encode())
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusFound {
			t.Fatalf("status = %d, want 302", resp.StatusCode)
		}
		loc, _ := url.Parse(resp.Header.Get("Location"))
		if got := loc.Query().Get("error"); got != "invalid_request" {
			t.Errorf("relayed error = %q, want invalid_request", got)
		}
		if got := loc.Query().Get("state"); got != testutil.State {
			t.Errorf("relayed state = %q, want original", got)
		}
	})
}

func TestDiscoveryMetadata(t *testing.T) {
	f := newFixture(t, nil)

	for _, path := range []string{
		gateway.MetadataPathAuthorizationServer,
		gateway.MetadataPathAuthorizationServer + "/mcp",
	} {
		resp, err := f.client.Get(f.ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d, want 200", path, resp.StatusCode)
		}
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
			t.Errorf("discovery Allow-Origin = %q, want wildcard", got)
		}
		var meta gateway.AuthorizationServerMetadata
		if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
			t.Fatalf("decode metadata: %v", err)
		}
		resp.Body.Close()

		if meta.Issuer != testutil.Issuer {
			t.Errorf("issuer = %q, want %q", meta.Issuer, testutil.Issuer)
		}
		if meta.TokenEndpoint != testutil.Issuer+"/token" {
			t.Errorf("token_endpoint = %q", meta.TokenEndpoint)
		}
		if len(meta.CodeChallengeMethodsSupported) != 1 || meta.CodeChallengeMethodsSupported[0] != "S256" {
			t.Errorf("code_challenge_methods_supported = %v, want [S256]", meta.CodeChallengeMethodsSupported)
		}
	}

	resp, err := f.client.Get(f.ts.URL + gateway.MetadataPathProtectedResource)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var res gateway.ProtectedResourceMetadata
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode resource metadata: %v", err)
	}
	if res.Resource != testutil.Resource {
		t.Errorf("resource = %q, want %q", res.Resource, testutil.Resource)
	}
	if len(res.AuthorizationServers) != 1 || res.AuthorizationServers[0] != testutil.Issuer {
		t.Errorf("authorization_servers = %v", res.AuthorizationServers)
	}
}

func TestCORSAllowList(t *testing.T) {
	f := newFixture(t, nil)

	t.Run("allowed origin echoed", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodOptions, f.ts.URL+"/token", nil)
		req.Header.Set("Origin", "https://app.example.com")
		resp, err := f.client.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
			t.Errorf("Allow-Origin = %q, want echoed origin", got)
		}
		if resp.Header.Get("Access-Control-Allow-Credentials") != "true" {
			t.Error("Allow-Credentials missing")
		}
		if !strings.Contains(resp.Header.Get("Access-Control-Expose-Headers"), "mcp-session-id") {
			t.Error("mcp-session-id not exposed")
		}
	})

	t.Run("unknown origin gets nothing", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodOptions, f.ts.URL+"/token", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		resp, err := f.client.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("Allow-Origin = %q, want empty for unlisted origin", got)
		}
	})
}

// TestEndToEndWithProxy runs the complete scenario on one server: register,
// authorize, callback, code exchange with the RFC 7636 example verifier, an
// authenticated proxy call, and revocation cutting access immediately.
func TestEndToEndWithProxy(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Mcp-Session-Id", "backend-session-1")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	}))
	defer backend.Close()

	f := newFixture(t, nil)
	mcpProxy, err := proxy.New(f.Tokens, f.Store, proxy.Config{BackendURL: backend.URL}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("proxy.New() error = %v", err)
	}
	// Mount the proxy next to the OAuth endpoints, as a deployment would.
	proxyMux := http.NewServeMux()
	f.handler.Routes(proxyMux)
	proxyMux.Handle("/mcp", mcpProxy)
	proxyMux.Handle("/mcp/", mcpProxy)
	ts := httptest.NewServer(proxyMux)
	defer ts.Close()
	f.ts = ts
	resource := ts.URL + "/mcp"

	clientID := f.registerClient(t)

	// Authorize against the proxy's own resource identity.
	resp, err := f.client.Get(ts.URL + "/authorize?" + url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {testutil.RedirectURI},
		"state":                 {testutil.State},
		"resource":              {resource},
		"code_challenge":        {testutil.CodeChallenge},
		"code_challenge_method": {"S256"},
	}.Encode())
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	providerURL, _ := url.Parse(resp.Header.Get("Location"))
	tx := providerURL.Query().Get("state")

	resp, err = f.client.Get(ts.URL + "/callback?state=" + tx + "&code=upstream-code")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	clientRedirect, _ := url.Parse(resp.Header.Get("Location"))
	code := clientRedirect.Query().Get("code")
	if code == "" {
		t.Fatal("no authorization code delivered")
	}

	tokenResp, token, _ := f.exchange(t, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testutil.RedirectURI},
		"code_verifier": {testutil.CodeVerifier},
		"client_id":     {clientID},
	})
	if tokenResp.StatusCode != http.StatusOK {
		t.Fatalf("token exchange status = %d, want 200", tokenResp.StatusCode)
	}

	// Authenticated proxy call.
	req, _ := http.NewRequest(http.MethodPost, resource, strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	proxied, err := f.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	proxied.Body.Close()
	if proxied.StatusCode != http.StatusOK {
		t.Fatalf("proxy status = %d, want 200", proxied.StatusCode)
	}
	if got := proxied.Header.Get("Mcp-Session-Id"); got != "backend-session-1" {
		t.Errorf("session header = %q, want backend identifier relayed", got)
	}

	// Revoke and retry: the still-unexpired token must now be rejected.
	revokeResp, err := f.client.PostForm(ts.URL+"/revoke", url.Values{
		"token":     {token.AccessToken},
		"client_id": {clientID},
	})
	if err != nil {
		t.Fatal(err)
	}
	revokeResp.Body.Close()
	if revokeResp.StatusCode != http.StatusOK {
		t.Fatalf("revoke status = %d, want 200", revokeResp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodPost, resource, strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	proxied, err = f.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	proxied.Body.Close()
	if proxied.StatusCode != http.StatusUnauthorized {
		t.Errorf("post-revocation proxy status = %d, want 401", proxied.StatusCode)
	}
}

func TestRateLimiting(t *testing.T) {
	f := newFixture(t, func(c *gateway.Config) {
		c.RateLimitBudget = 2
	})

	var last *http.Response
	for range 3 {
		resp, err := f.client.Get(f.ts.URL + "/authorize?client_id=x")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		last = resp
	}
	if last.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429", last.StatusCode)
	}
	if last.Header.Get("Retry-After") == "" {
		t.Error("429 response lacks Retry-After")
	}
	var oauthErr gateway.ErrorResponse
	resp, err := f.client.Get(f.ts.URL + "/authorize?client_id=x")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&oauthErr); err != nil {
		t.Fatalf("decode 429 body: %v", err)
	}
	if oauthErr.Error != "rate_limit_exceeded" {
		t.Errorf("429 error code = %q, want rate_limit_exceeded", oauthErr.Error)
	}
}

func TestNewHandlerLeavesCallerConfigUntouched(t *testing.T) {
	g := testutil.NewGateway(t, "user-1")

	config := &gateway.Config{}
	handler, err := gateway.NewHandler(g.Server, config, nil, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	t.Cleanup(handler.Close)

	// Issuer backfill and defaulting happen on an internal copy.
	if config.Issuer != "" {
		t.Errorf("config.Issuer = %q, want caller value unchanged", config.Issuer)
	}
	if config.Resource != "" {
		t.Errorf("config.Resource = %q, want caller value unchanged", config.Resource)
	}
	if config.RateLimitBudget != 0 || config.RateLimitWindow != 0 {
		t.Errorf("rate limit fields = %d/%v, want caller zero values unchanged", config.RateLimitBudget, config.RateLimitWindow)
	}
}
