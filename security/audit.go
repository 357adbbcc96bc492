package security

import (
	"log/slog"
	"time"
)

// Auditor logs security-relevant events. User identifiers are hashed and
// token material is redacted before anything reaches the log stream.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates an auditor. A nil logger uses slog.Default().
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// Event is a single security audit event.
type Event struct {
	Type      string
	Subject   string
	ClientID  string
	IPAddress string
	Details   map[string]any
}

// LogEvent writes an audit event. Subject is logged as a fingerprint only.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}
	a.logger.Info("security_audit",
		"event_type", event.Type,
		"subject", Redact(event.Subject),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", time.Now(),
	)
}

// LogAuthFailure records a failed authentication or authorization attempt.
func (a *Auditor) LogAuthFailure(subject, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      "auth_failure",
		Subject:   subject,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
}

// LogTokenIssued records issuance of an access/refresh token pair.
func (a *Auditor) LogTokenIssued(subject, clientID, resource, scope string) {
	a.LogEvent(Event{
		Type:     "token_issued",
		Subject:  subject,
		ClientID: clientID,
		Details:  map[string]any{"resource": resource, "scope": scope},
	})
}

// LogTokenRefreshed records a refresh grant, noting that rotation occurred.
func (a *Auditor) LogTokenRefreshed(subject, clientID string) {
	a.LogEvent(Event{
		Type:     "token_refreshed",
		Subject:  subject,
		ClientID: clientID,
		Details:  map[string]any{"rotated": true},
	})
}

// LogTokenRevoked records an explicit revocation.
func (a *Auditor) LogTokenRevoked(clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      "token_revoked",
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogClientRegistered records dynamic client registration.
func (a *Auditor) LogClientRegistered(clientID, clientType, ipAddress string) {
	a.LogEvent(Event{
		Type:      "client_registered",
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"client_type": clientType},
	})
}

// LogSessionViolation records a proxied request whose bearer subject did not
// own the MCP session it referenced.
func (a *Auditor) LogSessionViolation(subject, sessionID, ipAddress string) {
	a.LogEvent(Event{
		Type:      "session_ownership_violation",
		Subject:   subject,
		IPAddress: ipAddress,
		Details:   map[string]any{"session_id": sessionID},
	})
}
