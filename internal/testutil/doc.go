// Package testutil provides shared fixtures for gateway tests: a fully wired
// in-memory authorization server with a mock identity provider, plus helpers
// for driving the authorization code flow up to any point under test.
package testutil
