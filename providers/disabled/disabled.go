// Package disabled implements the identity provider variant used when
// identity features are turned off. Every operation fails loudly with
// ErrDisabled so a misconfigured deployment surfaces as a configuration
// error on first use instead of an obscure downstream failure.
package disabled

import (
	"context"
	"errors"
	"net/url"

	"github.com/biomcp/mcp-gateway/providers"
)

// ErrDisabled is returned by every operation of the disabled provider.
var ErrDisabled = errors.New("identity provider is disabled: authentication endpoints were invoked but no provider is configured")

// Provider rejects every identity operation.
type Provider struct{}

var _ providers.Provider = (*Provider)(nil)

// New creates a disabled provider.
func New() *Provider { return &Provider{} }

// Name implements providers.Provider.
func (*Provider) Name() string { return "disabled" }

// BuildAuthorizationURL always fails with ErrDisabled.
func (*Provider) BuildAuthorizationURL(context.Context, string, string, []string) (string, error) {
	return "", ErrDisabled
}

// ParseCallback always fails with ErrDisabled.
func (*Provider) ParseCallback(*url.URL) (*providers.Callback, error) {
	return nil, ErrDisabled
}

// Authenticate always fails with ErrDisabled.
func (*Provider) Authenticate(context.Context, providers.AuthRequest) (*providers.Identity, error) {
	return nil, ErrDisabled
}
