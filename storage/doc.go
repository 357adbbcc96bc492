// Package storage defines the persistence interfaces and record types for the
// gateway: registered clients, in-flight authorization sessions, single-use
// authorization codes, hashed access/refresh token records, and MCP proxy
// sessions. Backends include in-memory (storage/memory) and Valkey
// (storage/valkey).
//
// Token records are keyed by the base64url SHA-256 digest of the token, never
// the token itself. Single-use records (authorization codes, refresh tokens)
// are consumed through atomic Take operations: the first caller gets the
// record and deletes it in one step, a concurrent duplicate finds nothing.
// That take-on-read behavior is the race-safety mechanism for code replay and
// refresh rotation; stores must not weaken it.
package storage
