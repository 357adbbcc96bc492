package instrumentation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the gateway's metric instruments.
type Metrics struct {
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	AuthorizationStarted metric.Int64Counter
	CallbackProcessed    metric.Int64Counter
	CodeExchanged        metric.Int64Counter
	TokenRefreshed       metric.Int64Counter
	TokenRevoked         metric.Int64Counter
	ClientRegistered     metric.Int64Counter

	RateLimitExceeded metric.Int64Counter

	ProxyRequestsTotal metric.Int64Counter
	SessionsCreated    metric.Int64Counter
	SessionsTerminated metric.Int64Counter
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	proxyMeter := inst.Meter("proxy")

	m := &Metrics{}
	var err error

	if m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"gateway.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}
	if m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"gateway.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	if m.AuthorizationStarted, err = serverMeter.Int64Counter(
		"gateway.oauth.authorization.started",
		metric.WithDescription("Number of authorization flows started"),
		metric.WithUnit("{flow}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create authorization.started counter: %w", err)
	}
	if m.CallbackProcessed, err = serverMeter.Int64Counter(
		"gateway.oauth.callback.processed",
		metric.WithDescription("Number of provider callbacks processed"),
		metric.WithUnit("{callback}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create callback.processed counter: %w", err)
	}
	if m.CodeExchanged, err = serverMeter.Int64Counter(
		"gateway.oauth.code.exchanged",
		metric.WithDescription("Number of authorization codes exchanged for tokens"),
		metric.WithUnit("{exchange}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create code.exchanged counter: %w", err)
	}
	if m.TokenRefreshed, err = serverMeter.Int64Counter(
		"gateway.oauth.token.refreshed",
		metric.WithDescription("Number of refresh grants served"),
		metric.WithUnit("{refresh}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create token.refreshed counter: %w", err)
	}
	if m.TokenRevoked, err = serverMeter.Int64Counter(
		"gateway.oauth.token.revoked",
		metric.WithDescription("Number of revocation requests served"),
		metric.WithUnit("{revocation}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create token.revoked counter: %w", err)
	}
	if m.ClientRegistered, err = serverMeter.Int64Counter(
		"gateway.oauth.client.registered",
		metric.WithDescription("Number of clients registered"),
		metric.WithUnit("{client}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create client.registered counter: %w", err)
	}

	if m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"gateway.rate_limit.exceeded",
		metric.WithDescription("Number of rate limit rejections"),
		metric.WithUnit("{rejection}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	if m.ProxyRequestsTotal, err = proxyMeter.Int64Counter(
		"gateway.proxy.requests.total",
		metric.WithDescription("Number of authenticated proxy requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create proxy.requests.total counter: %w", err)
	}
	if m.SessionsCreated, err = proxyMeter.Int64Counter(
		"gateway.proxy.sessions.created",
		metric.WithDescription("Number of MCP sessions created"),
		metric.WithUnit("{session}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create proxy.sessions.created counter: %w", err)
	}
	if m.SessionsTerminated, err = proxyMeter.Int64Counter(
		"gateway.proxy.sessions.terminated",
		metric.WithDescription("Number of MCP sessions terminated"),
		metric.WithUnit("{session}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create proxy.sessions.terminated counter: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records one handled HTTP request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, endpoint, method string, status int, start time.Time) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.String(AttrHTTPMethod, method),
		attribute.Int(AttrHTTPStatusCode, status),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
}

// RecordAuthorizationStarted records a started authorization flow.
func (m *Metrics) RecordAuthorizationStarted(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.AuthorizationStarted.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrClientID, clientID)))
}

// RecordCallbackProcessed records a processed provider callback.
func (m *Metrics) RecordCallbackProcessed(ctx context.Context, success bool) {
	if m == nil {
		return
	}
	m.CallbackProcessed.Add(ctx, 1, metric.WithAttributes(attribute.Bool("oauth.callback.success", success)))
}

// RecordCodeExchanged records a redeemed authorization code.
func (m *Metrics) RecordCodeExchanged(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrClientID, clientID)))
}

// RecordTokenRefreshed records a refresh grant.
func (m *Metrics) RecordTokenRefreshed(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrClientID, clientID)))
}

// RecordTokenRevoked records a revocation request.
func (m *Metrics) RecordTokenRevoked(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.TokenRevoked.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrClientID, clientID)))
}

// RecordClientRegistered records a client registration.
func (m *Metrics) RecordClientRegistered(ctx context.Context, clientType string) {
	if m == nil {
		return
	}
	m.ClientRegistered.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrClientType, clientType)))
}

// RecordRateLimitExceeded records a rate limit rejection.
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrHTTPEndpoint, endpoint)))
}

// RecordProxyRequest records an authenticated proxy request.
func (m *Metrics) RecordProxyRequest(ctx context.Context, method string, status int) {
	if m == nil {
		return
	}
	m.ProxyRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrHTTPMethod, method),
		attribute.Int(AttrHTTPStatusCode, status),
	))
}

// RecordSessionCreated records a newly created MCP session.
func (m *Metrics) RecordSessionCreated(ctx context.Context) {
	if m == nil {
		return
	}
	m.SessionsCreated.Add(ctx, 1)
}

// RecordSessionTerminated records a terminated MCP session.
func (m *Metrics) RecordSessionTerminated(ctx context.Context) {
	if m == nil {
		return
	}
	m.SessionsTerminated.Add(ctx, 1)
}
