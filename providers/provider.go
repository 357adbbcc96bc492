// Package providers defines the contract between the gateway and upstream
// identity providers, and implements provider-specific logic in the hosted,
// oidc, and disabled subpackages.
package providers

import (
	"context"
	"fmt"
	"net/url"
)

// Provider is the capability set the gateway needs from an upstream identity
// provider. Variants are selected once at startup; adding a provider means
// adding a variant, never modifying callers.
//
// The correlation id tx links the gateway's outbound redirect to the eventual
// callback. Each variant decides where tx travels: providers that preserve an
// opaque state parameter carry it there, providers that do not guarantee
// state passthrough embed it as a query parameter on the callback URL itself.
type Provider interface {
	// Name returns the provider name, e.g. "hosted", "oidc".
	Name() string

	// BuildAuthorizationURL returns the URL to redirect the user agent to.
	// callbackURL must exactly match the redirect URI registered upstream.
	BuildAuthorizationURL(ctx context.Context, callbackURL, tx string, scopes []string) (string, error)

	// ParseCallback inspects a callback URL. It returns (nil, nil) when the
	// URL is not a callback from this provider, a Callback on success, and a
	// Callback whose Err field is set when the provider reported an error.
	ParseCallback(u *url.URL) (*Callback, error)

	// Authenticate resolves the callback's credential into a user identity.
	Authenticate(ctx context.Context, req AuthRequest) (*Identity, error)
}

// Callback is the parsed result of a provider callback.
type Callback struct {
	// TX is the recovered correlation id.
	TX string

	// Token is a bearer token returned directly on the callback (hosted
	// variants). Empty when the provider returns a code instead.
	Token string

	// TokenType qualifies Token, e.g. "oauth".
	TokenType string

	// Code is an authorization code to be exchanged upstream (OIDC variants).
	Code string

	// Err is set when the provider reported an error instead of credentials.
	Err *UpstreamError
}

// UpstreamError is a typed identity-provider error, preserved so the gateway
// can relay the precise upstream failure to the original client.
type UpstreamError struct {
	Code        string
	Description string
}

func (e *UpstreamError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// AuthRequest carries the credential from a parsed callback.
type AuthRequest struct {
	// Token is the bearer token from the callback, if the provider returned
	// one directly.
	Token string

	// Code is the authorization code to exchange, if the provider returned
	// one.
	Code string

	// RedirectURI is the exact callback URL used in the authorization
	// request; code exchanges must repeat it.
	RedirectURI string
}

// Identity is the resolved user identity. The gateway stores nothing beyond
// these two fields.
type Identity struct {
	Subject string
	Email   string
}
