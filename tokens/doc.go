// Package tokens issues and validates the gateway's self-signed access
// tokens. Tokens are short-lived HS256 JWTs bound to a single resource URI
// through the audience claim (RFC 8707). A valid signature alone never
// authenticates a request: the token's digest must also resolve to a live
// record in the token store, which makes store deletion an immediate,
// pull-based revocation mechanism.
package tokens
