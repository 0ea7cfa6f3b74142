package security

// Event type constants for audit logging. Using named constants keeps event
// names consistent across the codebase and greppable in log pipelines.
const (
	// Authorization flow events

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventConsentRequired is logged when authorization pauses for consent
	EventConsentRequired = "consent_required"

	// EventCodeExchanged is logged when a code is exchanged for tokens
	EventCodeExchanged = "code_exchanged"

	// EventCodeReuseDetected is logged when a consumed authorization code is
	// presented again
	EventCodeReuseDetected = "code_reuse_detected"

	// Token lifecycle events

	// EventTokenRotated is logged when a refresh rotation succeeds
	EventTokenRotated = "token_rotated"

	// EventReplayDetected is logged when a rotated-out refresh token is
	// presented again, triggering session family revocation
	EventReplayDetected = "refresh_replay_detected"

	// EventSessionRevoked is logged when a single session is revoked
	EventSessionRevoked = "session_revoked"

	// EventSubjectSessionsRevoked is logged when a subject's whole session
	// family is revoked
	EventSubjectSessionsRevoked = "subject_sessions_revoked"

	// Verification and degradation events

	// EventAuthFailure is logged when a grant or credential is rejected
	EventAuthFailure = "auth_failure"

	// EventPKCEValidationFailed is logged when code_verifier validation fails
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventIntrospectionFailed is logged when a presented token fails
	// verification; the internal outcome goes into the details
	EventIntrospectionFailed = "introspection_failed"

	// EventInvalidRedirect is logged when an unregistered or malformed
	// redirect URI is presented
	EventInvalidRedirect = "invalid_redirect"

	// EventScopeEscalationAttempt is logged when a client requests scopes
	// outside its registration
	EventScopeEscalationAttempt = "scope_escalation_attempt"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventStoreDegraded is logged when the backing store is unreachable and
	// an operation failed closed
	EventStoreDegraded = "store_degraded"
)
