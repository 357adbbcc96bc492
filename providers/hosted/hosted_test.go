package hosted

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/biomcp/mcp-gateway/providers"
)

func newProvider(t *testing.T, mutate func(*Config)) *Provider {
	t.Helper()
	config := Config{
		AuthorizationEndpoint: "https://login.example.com/authorize",
		UserinfoEndpoint:      "https://login.example.com/userinfo",
	}
	if mutate != nil {
		mutate(&config)
	}
	p, err := New(config)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func TestBuildAuthorizationURLEmbedsTX(t *testing.T) {
	p := newProvider(t, func(c *Config) { c.PublicToken = "pub-123" })

	authURL, err := p.BuildAuthorizationURL(context.Background(), "http://localhost:8080/callback", "tx-abc", nil)
	if err != nil {
		t.Fatalf("BuildAuthorizationURL() error = %v", err)
	}
	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatal(err)
	}
	if u.Query().Get("public_token") != "pub-123" {
		t.Error("public_token missing from login URL")
	}

	// The hosted service drops state, so tx must ride on the callback URL.
	callback, err := url.Parse(u.Query().Get("redirect_uri"))
	if err != nil {
		t.Fatal(err)
	}
	if got := callback.Query().Get("tx"); got != "tx-abc" {
		t.Errorf("callback tx = %q, want tx-abc", got)
	}
}

func TestParseCallback(t *testing.T) {
	p := newProvider(t, nil)

	tests := []struct {
		name      string
		rawQuery  string
		wantNil   bool
		wantErr   bool
		wantToken string
		wantCode  string
	}{
		{"not a callback", "foo=bar", true, false, "", ""},
		{"token callback", "tx=t1&token=tok&token_type=Bearer", false, false, "tok", ""},
		{"provider error", "tx=t1&error=access_denied&error_description=nope", false, false, "", "access_denied"},
		{"missing token", "tx=t1", false, true, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, err := p.ParseCallback(&url.URL{Path: "/callback", RawQuery: tt.rawQuery})
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseCallback() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if (cb == nil) != tt.wantNil {
				t.Fatalf("ParseCallback() = %+v, wantNil %v", cb, tt.wantNil)
			}
			if cb == nil {
				return
			}
			if cb.Token != tt.wantToken {
				t.Errorf("Token = %q, want %q", cb.Token, tt.wantToken)
			}
			if tt.wantCode != "" && (cb.Err == nil || cb.Err.Code != tt.wantCode) {
				t.Errorf("Err = %+v, want code %q", cb.Err, tt.wantCode)
			}
		})
	}
}

func TestAuthenticateCachesUserinfo(t *testing.T) {
	var hits atomic.Int32
	userinfo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if got := r.Header.Get("Authorization"); !strings.HasPrefix(got, "Bearer ") {
			t.Errorf("Authorization = %q, want bearer", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"user_id":"u-42","email":"u42@example.com"}`))
	}))
	defer userinfo.Close()

	p := newProvider(t, func(c *Config) {
		c.UserinfoEndpoint = userinfo.URL
		c.IdentityCache = NewIdentityCache(time.Minute)
	})

	for range 3 {
		identity, err := p.Authenticate(context.Background(), providers.AuthRequest{Token: "tok-1"})
		if err != nil {
			t.Fatalf("Authenticate() error = %v", err)
		}
		if identity.Subject != "u-42" || identity.Email != "u42@example.com" {
			t.Errorf("identity = %+v", identity)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("userinfo endpoint hit %d times, want 1 (cached)", got)
	}
}

func TestAuthenticateRequiresToken(t *testing.T) {
	p := newProvider(t, nil)
	if _, err := p.Authenticate(context.Background(), providers.AuthRequest{}); err == nil {
		t.Error("Authenticate() accepted an empty token")
	}
}

func TestAuthenticateUserinfoFailure(t *testing.T) {
	userinfo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer userinfo.Close()

	p := newProvider(t, func(c *Config) { c.UserinfoEndpoint = userinfo.URL })
	if _, err := p.Authenticate(context.Background(), providers.AuthRequest{Token: "tok-1"}); err == nil {
		t.Error("Authenticate() succeeded against a failing userinfo endpoint")
	}
}
