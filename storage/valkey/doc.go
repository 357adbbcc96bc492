// Package valkey provides a Valkey-backed implementation of the storage
// interfaces for multi-instance deployments. Records are stored as JSON with
// server-side TTLs; single-use records are consumed with GETDEL so the
// first-redeemer-wins guarantee holds across gateway instances.
package valkey
