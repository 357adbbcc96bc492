package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/oauth2"

	"github.com/biomcp/mcp-gateway/instrumentation"
	"github.com/biomcp/mcp-gateway/security"
	"github.com/biomcp/mcp-gateway/server"
)

// Handler serves the OAuth endpoints and discovery metadata.
type Handler struct {
	server  *server.Server
	config  *Config
	limiter *security.RateLimiter
	metrics *instrumentation.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
}

// NewHandler creates the HTTP handler for the authorization server. instr may
// be nil, in which case no telemetry is recorded.
func NewHandler(srv *server.Server, config *Config, instr *instrumentation.Instrumentation, logger *slog.Logger) (*Handler, error) {
	if srv == nil {
		return nil, fmt.Errorf("server is required")
	}
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	// Work on a copy; the caller's struct stays untouched.
	cfg := *config
	config = &cfg
	if config.Issuer == "" {
		config.Issuer = srv.Config.Issuer
	}
	config.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server:  srv,
		config:  config,
		limiter: security.NewRateLimiter(config.RateLimitBudget, config.RateLimitWindow, logger),
		tracer:  tracenoop.NewTracerProvider().Tracer(""),
		logger:  logger,
	}
	if instr != nil {
		h.metrics = instr.Metrics()
		h.tracer = instr.Tracer("http")
	}
	return h, nil
}

// Close stops background goroutines.
func (h *Handler) Close() {
	h.limiter.Stop()
}

// Routes registers all OAuth endpoints on the mux. The MCP proxy mounts
// separately; see the proxy package.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+MetadataPathAuthorizationServer, corsDiscovery(h.ServeAuthorizationServerMetadata))
	mux.HandleFunc("GET "+MetadataPathAuthorizationServer+"/", corsDiscovery(h.ServeAuthorizationServerMetadata))
	mux.HandleFunc("OPTIONS "+MetadataPathAuthorizationServer, corsDiscovery(h.ServeAuthorizationServerMetadata))
	mux.HandleFunc("GET "+MetadataPathProtectedResource, corsDiscovery(h.ServeProtectedResourceMetadata))
	mux.HandleFunc("GET "+MetadataPathProtectedResource+"/", corsDiscovery(h.ServeProtectedResourceMetadata))
	mux.HandleFunc("OPTIONS "+MetadataPathProtectedResource, corsDiscovery(h.ServeProtectedResourceMetadata))

	mux.HandleFunc("/authorize", h.ServeAuthorization)
	mux.HandleFunc("/callback", h.ServeCallback)
	mux.HandleFunc("/token", h.ServeToken)
	mux.HandleFunc("/register", h.ServeRegistration)
	mux.HandleFunc("/revoke", h.ServeRevocation)
}

// preflight runs the shared request gate: CORS, then the per-IP rate limit.
// Returns false when the request has already been answered.
func (h *Handler) preflight(w http.ResponseWriter, r *http.Request, endpoint string) bool {
	if h.applyCORS(w, r) {
		return false
	}
	ip := security.ClientIP(r, h.config.TrustProxy, h.config.TrustedProxyCount)
	if !h.limiter.Allow(ip) {
		h.metrics.RecordRateLimitExceeded(r.Context(), endpoint)
		w.Header().Set("Retry-After", strconv.Itoa(h.limiter.RetryAfter()))
		h.writeError(w, NewError(ErrorCodeRateLimitExceeded, "too many requests", http.StatusTooManyRequests))
		return false
	}
	return true
}

// ServeAuthorizationServerMetadata serves RFC 8414 metadata. Path suffixes
// under the well-known prefix resolve to the same single-issuer document.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	meta := AuthorizationServerMetadata{
		Issuer:                            h.config.Issuer,
		AuthorizationEndpoint:             h.config.AuthorizationEndpoint(),
		TokenEndpoint:                     h.config.TokenEndpoint(),
		RegistrationEndpoint:              h.config.RegistrationEndpoint(),
		RevocationEndpoint:                h.config.RevocationEndpoint(),
		ScopesSupported:                   h.config.SupportedScopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethodsSupported: []string{"none", "client_secret_basic", "client_secret_post"},
		CodeChallengeMethodsSupported:     []string{server.PKCEMethodS256},
	}
	h.writeJSON(w, http.StatusOK, meta)
	h.metrics.RecordHTTPRequest(r.Context(), "authorization_server_metadata", r.Method, http.StatusOK, start)
}

// ServeProtectedResourceMetadata serves RFC 9728 metadata for the MCP
// resource.
func (h *Handler) ServeProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	meta := ProtectedResourceMetadata{
		Resource:               h.config.Resource,
		AuthorizationServers:   []string{h.config.Issuer},
		BearerMethodsSupported: []string{"header"},
		ScopesSupported:        h.config.SupportedScopes,
	}
	h.writeJSON(w, http.StatusOK, meta)
	h.metrics.RecordHTTPRequest(r.Context(), "protected_resource_metadata", r.Method, http.StatusOK, start)
}

// ServeAuthorization handles GET /authorize: validates the request and
// redirects the user agent to the upstream identity provider.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "gateway.authorize")
	defer span.End()

	if !h.preflight(w, r, "authorize") {
		return
	}
	if r.Method != http.MethodGet {
		h.writeError(w, NewError(ErrorCodeInvalidRequest, "method not allowed", http.StatusMethodNotAllowed))
		return
	}

	q := r.URL.Query()
	req := server.AuthorizationRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		State:               q.Get("state"),
		Scope:               q.Get("scope"),
		Resource:            q.Get("resource"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, req.ClientID))

	// Errors before the client and redirect URI are verified must not be
	// relayed to an attacker-chosen URI.
	client, err := h.server.GetClient(ctx, req.ClientID)
	if err != nil {
		h.finishError(w, r, span, "authorize", start, ErrInvalidRequest("unknown client_id"))
		return
	}
	if !slices.Contains(client.RedirectURIs, req.RedirectURI) {
		h.finishError(w, r, span, "authorize", start, ErrInvalidRequest("redirect_uri is not registered"))
		return
	}

	if rt := q.Get("response_type"); rt != "code" {
		h.redirectError(w, r, req.RedirectURI, req.State, "unsupported_response_type",
			fmt.Sprintf("unsupported response_type: %q", rt))
		h.metrics.RecordHTTPRequest(ctx, "authorize", r.Method, http.StatusFound, start)
		return
	}

	authURL, err := h.server.StartAuthorizationFlow(ctx, req)
	if err != nil {
		var flowErr *server.FlowError
		if errors.As(err, &flowErr) {
			h.redirectError(w, r, req.RedirectURI, req.State, flowErr.Code, flowErr.Description)
		} else {
			instrumentation.RecordError(span, err)
			h.logger.Error("Authorization flow failed", "error", err)
			h.redirectError(w, r, req.RedirectURI, req.State, ErrorCodeServerError, "internal error")
		}
		h.metrics.RecordHTTPRequest(ctx, "authorize", r.Method, http.StatusFound, start)
		return
	}

	h.metrics.RecordAuthorizationStarted(ctx, req.ClientID)
	h.metrics.RecordHTTPRequest(ctx, "authorize", r.Method, http.StatusFound, start)
	instrumentation.SetSpanSuccess(span)
	http.Redirect(w, r, authURL, http.StatusFound)
}

// ServeCallback handles the provider redirect back to the gateway. It
// consumes the tx correlation session and forwards the user agent to the
// client's redirect URI with either a code or a relayed error.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "gateway.callback")
	defer span.End()

	if !h.preflight(w, r, "callback") {
		return
	}
	if r.Method != http.MethodGet {
		h.writeError(w, NewError(ErrorCodeInvalidRequest, "method not allowed", http.StatusMethodNotAllowed))
		return
	}

	cb, err := h.server.Provider().ParseCallback(r.URL)
	if err != nil || cb == nil {
		h.metrics.RecordCallbackProcessed(ctx, false)
		h.finishError(w, r, span, "callback", start, ErrInvalidRequest("malformed provider callback"))
		return
	}

	result, err := h.server.HandleProviderCallback(ctx, cb)
	if err != nil {
		h.metrics.RecordCallbackProcessed(ctx, false)
		h.finishError(w, r, span, "callback", start, h.mapFlowError(err))
		return
	}

	if result.Err != nil {
		h.metrics.RecordCallbackProcessed(ctx, false)
		h.redirectError(w, r, result.RedirectURI, result.State, result.Err.Code, result.Err.Description)
		h.metrics.RecordHTTPRequest(ctx, "callback", r.Method, http.StatusFound, start)
		return
	}

	redirect, err := url.Parse(result.RedirectURI)
	if err != nil {
		h.finishError(w, r, span, "callback", start, ErrServerError("invalid redirect URI"))
		return
	}
	params := redirect.Query()
	params.Set("code", result.Code)
	params.Set("state", result.State)
	redirect.RawQuery = params.Encode()

	h.metrics.RecordCallbackProcessed(ctx, true)
	h.metrics.RecordHTTPRequest(ctx, "callback", r.Method, http.StatusFound, start)
	instrumentation.SetSpanSuccess(span)
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

// ServeToken handles POST /token for the authorization_code and
// refresh_token grants.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "gateway.token")
	defer span.End()

	if !h.preflight(w, r, "token") {
		return
	}
	if r.Method != http.MethodPost {
		h.writeError(w, NewError(ErrorCodeInvalidRequest, "method not allowed", http.StatusMethodNotAllowed))
		return
	}
	if err := r.ParseForm(); err != nil {
		h.finishError(w, r, span, "token", start, ErrInvalidRequest("malformed form body"))
		return
	}

	clientID, clientSecret := h.clientCredentials(r)
	if clientID == "" {
		h.finishError(w, r, span, "token", start, ErrInvalidClient("client authentication required"))
		return
	}
	if _, err := h.server.ValidateClientCredentials(ctx, clientID, clientSecret); err != nil {
		h.finishError(w, r, span, "token", start, ErrInvalidClient("client authentication failed"))
		return
	}

	grantType := r.PostFormValue("grant_type")
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, clientID),
		attribute.String(instrumentation.AttrGrantType, grantType))

	var (
		token *oauth2.Token
		scope string
		err   error
	)
	switch grantType {
	case "authorization_code":
		code := r.PostFormValue("code")
		redirectURI := r.PostFormValue("redirect_uri")
		verifier := r.PostFormValue("code_verifier")
		if code == "" || verifier == "" {
			h.finishError(w, r, span, "token", start, ErrInvalidRequest("code and code_verifier are required"))
			return
		}
		tk, sc, exchErr := h.server.ExchangeAuthorizationCode(ctx, code, clientID, redirectURI, verifier)
		if exchErr == nil {
			h.metrics.RecordCodeExchanged(ctx, clientID)
		}
		token, scope, err = tk, sc, exchErr
	case "refresh_token":
		refresh := r.PostFormValue("refresh_token")
		if refresh == "" {
			h.finishError(w, r, span, "token", start, ErrInvalidRequest("refresh_token is required"))
			return
		}
		tk, sc, refErr := h.server.RefreshAccessToken(ctx, refresh, clientID)
		if refErr == nil {
			h.metrics.RecordTokenRefreshed(ctx, clientID)
		}
		token, scope, err = tk, sc, refErr
	default:
		h.finishError(w, r, span, "token", start,
			ErrUnsupportedGrantType(fmt.Sprintf("unsupported grant_type: %q", grantType)))
		return
	}
	if err != nil {
		h.finishError(w, r, span, "token", start, h.mapFlowError(err))
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	h.writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  token.AccessToken,
		TokenType:    token.TokenType,
		ExpiresIn:    int64(time.Until(token.Expiry).Seconds()),
		RefreshToken: token.RefreshToken,
		Scope:        scope,
	})
	h.metrics.RecordHTTPRequest(ctx, "token", r.Method, http.StatusOK, start)
	instrumentation.SetSpanSuccess(span)
}

// ServeRegistration handles RFC 7591 dynamic client registration.
func (h *Handler) ServeRegistration(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "gateway.register")
	defer span.End()

	if !h.preflight(w, r, "register") {
		return
	}
	if r.Method != http.MethodPost {
		h.writeError(w, NewError(ErrorCodeInvalidRequest, "method not allowed", http.StatusMethodNotAllowed))
		return
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
		h.finishError(w, r, span, "register", start, ErrInvalidRequest("malformed registration request"))
		return
	}

	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = server.TokenEndpointAuthMethodNone
	}

	ip := security.ClientIP(r, h.config.TrustProxy, h.config.TrustedProxyCount)
	client, secret, err := h.server.RegisterClient(ctx, req.ClientName, req.ClientURI, authMethod, req.RedirectURIs, ip)
	if err != nil {
		h.finishError(w, r, span, "register", start, h.mapFlowError(err))
		return
	}

	h.metrics.RecordClientRegistered(ctx, client.ClientType)
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrClientType, client.ClientType))

	h.writeJSON(w, http.StatusCreated, ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            secret,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		ClientName:              client.ClientName,
		ClientURI:               client.ClientURI,
	})
	h.metrics.RecordHTTPRequest(ctx, "register", r.Method, http.StatusCreated, start)
	instrumentation.SetSpanSuccess(span)
}

// ServeRevocation handles RFC 7009 token revocation. Unknown tokens still
// yield 200 so the endpoint reveals nothing about token validity.
func (h *Handler) ServeRevocation(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "gateway.revoke")
	defer span.End()

	if !h.preflight(w, r, "revoke") {
		return
	}
	if r.Method != http.MethodPost {
		h.writeError(w, NewError(ErrorCodeInvalidRequest, "method not allowed", http.StatusMethodNotAllowed))
		return
	}
	if err := r.ParseForm(); err != nil {
		h.finishError(w, r, span, "revoke", start, ErrInvalidRequest("malformed form body"))
		return
	}

	token := r.PostFormValue("token")
	if token == "" {
		h.finishError(w, r, span, "revoke", start, ErrInvalidRequest("token parameter is required"))
		return
	}

	clientID, clientSecret := h.clientCredentials(r)
	if clientID != "" {
		if _, err := h.server.ValidateClientCredentials(ctx, clientID, clientSecret); err != nil {
			h.finishError(w, r, span, "revoke", start, ErrInvalidClient("client authentication failed"))
			return
		}
	}

	ip := security.ClientIP(r, h.config.TrustProxy, h.config.TrustedProxyCount)
	if err := h.server.RevokeToken(ctx, token, clientID, ip); err != nil {
		h.finishError(w, r, span, "revoke", start, ErrServerError("revocation failed"))
		return
	}

	h.metrics.RecordTokenRevoked(ctx, clientID)
	h.metrics.RecordHTTPRequest(ctx, "revoke", r.Method, http.StatusOK, start)
	instrumentation.SetSpanSuccess(span)
	w.WriteHeader(http.StatusOK)
}

// clientCredentials extracts client authentication from the Basic header or
// the form body. The header wins when both are present.
func (h *Handler) clientCredentials(r *http.Request) (clientID, clientSecret string) {
	if id, secret, ok := r.BasicAuth(); ok {
		id, errID := url.QueryUnescape(id)
		secret, errSecret := url.QueryUnescape(secret)
		if errID != nil || errSecret != nil {
			return "", ""
		}
		return id, secret
	}
	return r.PostFormValue("client_id"), r.PostFormValue("client_secret")
}

// mapFlowError converts a server-layer flow error into its transport error.
// invalid_client maps to 401, everything else in the flow vocabulary to 400.
func (h *Handler) mapFlowError(err error) *Error {
	var flowErr *server.FlowError
	if !errors.As(err, &flowErr) {
		h.logger.Error("Internal error", "error", err)
		return ErrServerError("internal error")
	}
	switch flowErr.Code {
	case server.ErrorCodeInvalidClient:
		return ErrInvalidClient(flowErr.Description)
	case server.ErrorCodeServerError:
		return ErrServerError(flowErr.Description)
	default:
		return NewError(flowErr.Code, flowErr.Description, http.StatusBadRequest)
	}
}

// redirectError relays an OAuth error to a verified client redirect URI.
func (h *Handler) redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state, code, description string) {
	redirect, err := url.Parse(redirectURI)
	if err != nil {
		h.writeError(w, ErrServerError("invalid redirect URI"))
		return
	}
	params := redirect.Query()
	params.Set("error", code)
	if description != "" {
		params.Set("error_description", description)
	}
	if state != "" {
		params.Set("state", state)
	}
	redirect.RawQuery = params.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (h *Handler) finishError(w http.ResponseWriter, r *http.Request, span trace.Span, endpoint string, start time.Time, oauthErr *Error) {
	instrumentation.SetSpanError(span, oauthErr.Code)
	h.metrics.RecordHTTPRequest(r.Context(), endpoint, r.Method, oauthErr.Status, start)
	h.writeError(w, oauthErr)
}

func (h *Handler) writeError(w http.ResponseWriter, oauthErr *Error) {
	if oauthErr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf("Bearer error=%q", oauthErr.Code))
	}
	h.writeJSON(w, oauthErr.Status, ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}
