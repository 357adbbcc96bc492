package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/biomcp/mcp-gateway/instrumentation"
	"github.com/biomcp/mcp-gateway/security"
	"github.com/biomcp/mcp-gateway/storage"
	"github.com/biomcp/mcp-gateway/tokens"
)

// SessionHeader carries the MCP session identifier on requests and
// responses.
const SessionHeader = "Mcp-Session-Id"

type ctxKey int

const ctxKeySubject ctxKey = iota

// Config holds the proxy configuration.
type Config struct {
	// BackendURL is the backend MCP server endpoint. Required.
	BackendURL string

	// BackendAuthHeader names the header carrying the backend credential,
	// defaulting to "Authorization" when BackendAuthToken is set.
	BackendAuthHeader string

	// BackendAuthToken is the static credential presented to the backend.
	// Empty means the backend needs no auth; the client's bearer token is
	// stripped either way.
	BackendAuthToken string

	// AllowedOrigins is the CORS allow-list for browser clients, matching the
	// policy on the OAuth endpoints. Origins not on the list receive no CORS
	// headers.
	AllowedOrigins []string
}

// Proxy is the authenticated reverse proxy in front of the MCP backend.
type Proxy struct {
	tokens   *tokens.Service
	sessions storage.SessionStore
	backend  *url.URL
	reverse  *httputil.ReverseProxy
	config   Config

	Auditor *security.Auditor
	Metrics *instrumentation.Metrics
	Logger  *slog.Logger
}

// New creates a proxy for the given backend.
func New(tokenService *tokens.Service, sessions storage.SessionStore, config Config, logger *slog.Logger) (*Proxy, error) {
	if tokenService == nil {
		return nil, fmt.Errorf("token service is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	backend, err := url.Parse(config.BackendURL)
	if err != nil || backend.Scheme == "" || backend.Host == "" {
		return nil, fmt.Errorf("invalid backend URL: %q", config.BackendURL)
	}
	if config.BackendAuthToken != "" && config.BackendAuthHeader == "" {
		config.BackendAuthHeader = "Authorization"
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Proxy{
		tokens:   tokenService,
		sessions: sessions,
		backend:  backend,
		config:   config,
		Logger:   logger,
	}
	p.reverse = &httputil.ReverseProxy{
		Rewrite:        p.rewrite,
		ModifyResponse: p.modifyResponse,
		ErrorHandler:   p.backendError,
		// Flush every write so event streams pass through unbuffered.
		FlushInterval: -1,
	}
	return p, nil
}

// ServeHTTP authenticates the request and forwards it to the backend.
// Preflight requests are answered before authentication: a browser preflight
// carries no Authorization header by design.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p.applyCORS(w, r) {
		return
	}

	// Liveness probe: no auth, no session lookup, no backend round trip.
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	ctx := r.Context()
	record, _, err := p.authenticate(r)
	if err != nil {
		p.unauthorized(w, r, err)
		return
	}

	if sessionID := r.Header.Get(SessionHeader); sessionID != "" {
		session, err := p.sessions.GetSession(ctx, sessionID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				p.writeError(w, http.StatusNotFound, "invalid_request", "unknown session")
				return
			}
			p.Logger.Error("Session lookup failed", "error", err)
			p.writeError(w, http.StatusInternalServerError, "server_error", "internal error")
			return
		}
		if session.Subject != record.Subject {
			if p.Auditor != nil {
				ip := r.RemoteAddr
				p.Auditor.LogSessionViolation(record.Subject, sessionID, ip)
			}
			p.Logger.Warn("Session ownership violation",
				"session_id", sessionID,
				"subject", security.Redact(record.Subject))
			p.writeError(w, http.StatusForbidden, "forbidden", "session does not belong to this user")
			return
		}
		if r.Method == http.MethodDelete {
			if err := p.sessions.DeleteSession(ctx, sessionID); err != nil && !errors.Is(err, storage.ErrNotFound) {
				p.Logger.Warn("Failed to delete session record", "error", err)
			}
			p.Metrics.RecordSessionTerminated(ctx)
		}
	}

	r = r.WithContext(context.WithValue(ctx, ctxKeySubject, record.Subject))
	p.reverse.ServeHTTP(w, r)
}

// authenticate validates the bearer token against the request's own resource
// identity.
func (p *Proxy) authenticate(r *http.Request) (*storage.TokenRecord, *tokens.Claims, error) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return nil, nil, fmt.Errorf("missing bearer token")
	}
	raw := auth[len(prefix):]
	return p.tokens.Validate(r.Context(), raw, tokens.ExpectedResource(r))
}

// rewrite points the request at the backend, strips the client's bearer
// token, and installs the backend credential when configured. Last-Event-ID
// and Mcp-Session-Id pass through unchanged for stream resumption.
func (p *Proxy) rewrite(pr *httputil.ProxyRequest) {
	pr.SetURL(p.backend)
	pr.Out.Host = p.backend.Host
	pr.Out.Header.Del("Authorization")
	if p.config.BackendAuthToken != "" {
		value := p.config.BackendAuthToken
		if p.config.BackendAuthHeader == "Authorization" {
			value = "Bearer " + value
		}
		pr.Out.Header.Set(p.config.BackendAuthHeader, value)
	}
}

// modifyResponse binds new sessions to the authenticated subject. On a POST
// that opened a session, the backend's session identifier is recorded under
// the caller's sub and relayed; a backend that assigns none gets one from
// the gateway.
func (p *Proxy) modifyResponse(resp *http.Response) error {
	r := resp.Request
	ctx := r.Context()
	subject, _ := ctx.Value(ctxKeySubject).(string)

	p.Metrics.RecordProxyRequest(ctx, r.Method, resp.StatusCode)

	if r.Method != http.MethodPost || r.Header.Get(SessionHeader) != "" {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil
	}

	sessionID := resp.Header.Get(SessionHeader)
	if sessionID == "" {
		sessionID = uuid.NewString()
		resp.Header.Set(SessionHeader, sessionID)
	}
	session := &storage.Session{
		ID:        sessionID,
		Subject:   subject,
		CreatedAt: time.Now(),
	}
	if err := p.sessions.SaveSession(ctx, session); err != nil {
		return fmt.Errorf("failed to save session record: %w", err)
	}
	p.Metrics.RecordSessionCreated(ctx)
	p.Logger.Info("MCP session created",
		"session_id", sessionID,
		"subject", security.Redact(subject))
	return nil
}

// backendError answers for an unreachable or failing backend. The detail
// stays in the log.
func (p *Proxy) backendError(w http.ResponseWriter, r *http.Request, err error) {
	p.Logger.Error("Backend proxy error", "method", r.Method, "error", err)
	p.Metrics.RecordProxyRequest(r.Context(), r.Method, http.StatusBadGateway)
	p.writeError(w, http.StatusBadGateway, "proxy_error", "backend unavailable")
}

// applyCORS echoes allow-listed origins with credentials enabled and the
// session header exposed, so browser clients can read Mcp-Session-Id from
// proxied responses. Returns true when the request was a preflight and has
// been fully answered.
func (p *Proxy) applyCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin != "" && slices.Contains(p.config.AllowedOrigins, origin) {
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

func (p *Proxy) unauthorized(w http.ResponseWriter, r *http.Request, err error) {
	reason := "token validation failed"
	switch {
	case errors.Is(err, tokens.ErrExpired):
		reason = "token expired"
	case errors.Is(err, tokens.ErrAudienceMismatch):
		reason = "token not valid for this resource"
	}
	p.Logger.Debug("Proxy authentication failed", "error", err)
	w.Header().Set("WWW-Authenticate",
		fmt.Sprintf("Bearer error=%q, error_description=%q", "invalid_token", reason))
	p.writeError(w, http.StatusUnauthorized, "invalid_token", reason)
}

func (p *Proxy) writeError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}
