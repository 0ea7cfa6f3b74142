package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection. Emission is
// fire-and-forget: it never blocks a caller and never returns an error, so
// audit failures cannot affect the operation being audited.
type Auditor struct {
	logger  *slog.Logger
	enabled bool

	// record counts emitted events for metrics. Optional; set once during
	// wiring, before the auditor is shared across goroutines.
	record func(eventType string)
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	Subject   string
	ClientID  string
	SessionID string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// SetEventRecorder installs a hook called once per emitted event, used to
// feed the audit event counter.
func (a *Auditor) SetEventRecorder(fn func(eventType string)) {
	if a == nil {
		return
	}
	a.record = fn
}

// LogEvent logs a security event with hashed subject identifiers
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	if a.record != nil {
		a.record(event.Type)
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"subject_hash", hashForLogging(event.Subject),
		"client_id", event.ClientID,
		"session_id", event.SessionID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogCodeIssued logs issuance of an authorization code
func (a *Auditor) LogCodeIssued(subject, clientID, ipAddress, scope string) {
	a.LogEvent(Event{
		Type:      EventAuthorizationCodeIssued,
		Subject:   subject,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogCodeExchanged logs a successful code exchange
func (a *Auditor) LogCodeExchanged(subject, clientID, sessionID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventCodeExchanged,
		Subject:   subject,
		ClientID:  clientID,
		SessionID: sessionID,
		IPAddress: ipAddress,
	})
}

// LogCodeReuse logs a double-consume of an authorization code
func (a *Auditor) LogCodeReuse(subject, clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventCodeReuseDetected,
		Subject:   subject,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogTokenRotated logs a successful refresh rotation
func (a *Auditor) LogTokenRotated(subject, sessionID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventTokenRotated,
		Subject:   subject,
		SessionID: sessionID,
		IPAddress: ipAddress,
	})
}

// LogReplayDetected logs a refresh token replay and the resulting family
// revocation
func (a *Auditor) LogReplayDetected(subject, sessionID, ipAddress string, revoked int) {
	a.LogEvent(Event{
		Type:      EventReplayDetected,
		Subject:   subject,
		SessionID: sessionID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"sessions_revoked": revoked,
		},
	})
}

// LogSessionRevoked logs revocation of a single session
func (a *Auditor) LogSessionRevoked(subject, sessionID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventSessionRevoked,
		Subject:   subject,
		SessionID: sessionID,
		IPAddress: ipAddress,
	})
}

// LogAuthFailure logs a rejected grant or credential
func (a *Auditor) LogAuthFailure(subject, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		Subject:   subject,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogIntrospectionFailed logs a failed token verification with its internal
// outcome; externally the caller only ever sees active=false
func (a *Auditor) LogIntrospectionFailed(ipAddress, outcome string) {
	a.LogEvent(Event{
		Type:      EventIntrospectionFailed,
		IPAddress: ipAddress,
		Details: map[string]any{
			"outcome": outcome,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ipAddress, subject string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		Subject:   subject,
		IPAddress: ipAddress,
	})
}

// LogStoreDegraded logs a failed-closed operation caused by store unavailability
func (a *Auditor) LogStoreDegraded(operation string) {
	a.LogEvent(Event{
		Type: EventStoreDegraded,
		Details: map[string]any{
			"operation": operation,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
