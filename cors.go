package gateway

import (
	"net/http"
	"slices"
)

// corsDiscovery applies permissive CORS for discovery metadata. RFC 8414
// metadata is public, so any origin may read it.
func corsDiscovery(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, mcp-protocol-version")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

// applyCORS applies the allow-list CORS policy for the flow and proxy
// endpoints. Origins not on the list get no CORS headers at all; browsers
// then block the cross-origin read while same-origin and non-browser
// clients are unaffected. Returns true if the request was a preflight and
// has been fully handled.
func (h *Handler) applyCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin != "" && slices.Contains(h.config.AllowedOrigins, origin) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Expose-Headers", "mcp-session-id, WWW-Authenticate")
		w.Header().Add("Vary", "Origin")
	}
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, mcp-session-id, mcp-protocol-version, Last-Event-ID")
		w.WriteHeader(http.StatusNoContent)
		return true
	}
	return false
}
