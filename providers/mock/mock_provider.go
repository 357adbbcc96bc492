// Package mock provides a configurable in-memory identity provider for tests.
package mock

import (
	"context"
	"net/url"

	"github.com/biomcp/mcp-gateway/providers"
)

// Provider is a test double implementing providers.Provider. The zero value
// authenticates every request as mock-user; set the function fields or the
// error fields to steer behavior.
type Provider struct {
	// Identity is returned by Authenticate when AuthenticateFunc is nil.
	Identity providers.Identity

	// AuthenticateErr, when set, makes Authenticate fail.
	AuthenticateErr error

	// AuthenticateFunc, when set, replaces Authenticate entirely.
	AuthenticateFunc func(ctx context.Context, req providers.AuthRequest) (*providers.Identity, error)

	// AuthorizationBase is the base URL returned by BuildAuthorizationURL.
	AuthorizationBase string

	// Calls records every AuthRequest passed to Authenticate.
	Calls []providers.AuthRequest
}

var _ providers.Provider = (*Provider)(nil)

// New creates a mock provider authenticating as the given subject.
func New(subject, email string) *Provider {
	return &Provider{
		Identity:          providers.Identity{Subject: subject, Email: email},
		AuthorizationBase: "https://idp.example.com/authorize",
	}
}

// Name implements providers.Provider.
func (*Provider) Name() string { return "mock" }

// BuildAuthorizationURL returns AuthorizationBase with state=tx and the
// callback attached, mimicking a state-preserving provider.
func (p *Provider) BuildAuthorizationURL(_ context.Context, callbackURL, tx string, _ []string) (string, error) {
	base := p.AuthorizationBase
	if base == "" {
		base = "https://idp.example.com/authorize"
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("redirect_uri", callbackURL)
	q.Set("state", tx)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ParseCallback mirrors a state-preserving provider: tx in state, code in
// code, errors in error/error_description.
func (p *Provider) ParseCallback(u *url.URL) (*providers.Callback, error) {
	q := u.Query()
	tx := q.Get("state")
	if tx == "" {
		return nil, nil
	}
	if errCode := q.Get("error"); errCode != "" {
		return &providers.Callback{
			TX:  tx,
			Err: &providers.UpstreamError{Code: errCode, Description: q.Get("error_description")},
		}, nil
	}
	return &providers.Callback{TX: tx, Code: q.Get("code")}, nil
}

// Authenticate returns the configured identity or error.
func (p *Provider) Authenticate(ctx context.Context, req providers.AuthRequest) (*providers.Identity, error) {
	p.Calls = append(p.Calls, req)
	if p.AuthenticateFunc != nil {
		return p.AuthenticateFunc(ctx, req)
	}
	if p.AuthenticateErr != nil {
		return nil, p.AuthenticateErr
	}
	identity := p.Identity
	if identity.Subject == "" {
		identity.Subject = "mock-user"
	}
	return &identity, nil
}
