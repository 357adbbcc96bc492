// Package oidc implements the standard-OIDC identity provider variant. The
// correlation id travels in the state parameter, the callback carries an
// authorization code, and user identity is resolved through a priority chain:
// userinfo endpoint, then an ID token verified against the issuer's published
// keys, then (only when explicitly allowed) a bare sub claim from the token
// response. Endpoints are configured explicitly or discovered from
// {issuer}/.well-known/openid-configuration; explicit configuration wins.
package oidc
