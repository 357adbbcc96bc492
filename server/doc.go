// Package server implements the OAuth authorization state machine:
// client registration, the authorize redirect, the provider callback,
// authorization code exchange with PKCE, refresh token rotation, and
// revocation. It is transport-agnostic; the root package exposes it over
// HTTP.
//
// One authorization attempt moves through the states
//
//	REQUESTED -> REDIRECTED_TO_IDP -> CALLBACK_RECEIVED ->
//	{CODE_ISSUED | FAILED} -> EXCHANGED -> {ACTIVE | REVOKED | EXPIRED}
//
// with all durable state in the storage backend. Single-use records
// (authorization codes, refresh tokens) are consumed by atomic
// take-and-delete: the first redeemer wins and a concurrent duplicate
// fails with invalid_grant.
package server
