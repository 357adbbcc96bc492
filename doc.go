// Package gateway exposes the OAuth authorization server and the
// authenticated MCP proxy over HTTP. It is the transport layer: request
// parsing, CORS, rate limiting, discovery metadata, and the RFC 6749 error
// surface live here, while the flow state machine lives in the server
// package and token issuance in the tokens package.
package gateway
