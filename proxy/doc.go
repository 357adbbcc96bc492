// Package proxy forwards authenticated MCP traffic to the backend server.
// Every request except the HEAD liveness probe carries a bearer token that
// must validate against the request's own resource identity, and session
// ownership is enforced so one user's MCP session is unreachable under
// another user's token. Event-stream responses are relayed unbuffered.
package proxy
