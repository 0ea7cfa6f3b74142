package server

import (
	"errors"
	"fmt"
	"net/http"
)

// OAuth 2.0 error codes (RFC 6749) used on the wire.
const (
	ErrorCodeInvalidRequest         = "invalid_request"
	ErrorCodeInvalidClient          = "invalid_client"
	ErrorCodeInvalidGrant           = "invalid_grant"
	ErrorCodeInvalidScope           = "invalid_scope"
	ErrorCodeAccessDenied           = "access_denied"
	ErrorCodeServerError            = "server_error"
	ErrorCodeTemporarilyUnavailable = "temporarily_unavailable"
)

// Internal outcomes. Externally most of these collapse onto invalid_grant so
// the token endpoint gives an attacker no oracle; internally they stay
// distinct for audit and metrics.
const (
	OutcomeInvalidRequest   = "invalid_request"
	OutcomeInvalidGrant     = "invalid_grant"
	OutcomePKCEFailure      = "pkce_failure"
	OutcomeSignatureInvalid = "signature_invalid"
	OutcomeExpired          = "expired"
	OutcomeMalformed        = "malformed"
	OutcomeSessionRevoked   = "session_revoked"
	OutcomeReplayDetected   = "replay_detected"
	OutcomeStoreUnavailable = "store_unavailable"
)

// FlowError is the error type returned by flow operations. Code, Description
// and Status are safe for the wire; Outcome and Internal are not and only
// feed logs and audit events.
type FlowError struct {
	Code        string
	Description string
	Status      int
	Outcome     string
	Internal    string
}

// Error implements the error interface. It exposes only wire-safe fields;
// callers that need the internal reason read Outcome and Internal directly.
func (e *FlowError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// AsFlowError extracts a *FlowError from an error chain. Unclassified errors
// map to server_error so nothing internal leaks by default.
func AsFlowError(err error) *FlowError {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe
	}
	return &FlowError{
		Code:        ErrorCodeServerError,
		Description: "internal server error",
		Status:      http.StatusInternalServerError,
		Outcome:     "server_error",
		Internal:    err.Error(),
	}
}

func errInvalidRequest(description string) *FlowError {
	return &FlowError{
		Code:        ErrorCodeInvalidRequest,
		Description: description,
		Status:      http.StatusBadRequest,
		Outcome:     OutcomeInvalidRequest,
	}
}

func errInvalidScope(description string) *FlowError {
	return &FlowError{
		Code:        ErrorCodeInvalidScope,
		Description: description,
		Status:      http.StatusBadRequest,
		Outcome:     OutcomeInvalidRequest,
		Internal:    description,
	}
}

// errInvalidGrant builds the deliberately generic rejection the token
// endpoint answers with. The outcome and internal reason record what really
// happened without revealing it to the caller.
func errInvalidGrant(outcome, internal string) *FlowError {
	return &FlowError{
		Code:        ErrorCodeInvalidGrant,
		Description: "invalid or expired grant",
		Status:      http.StatusBadRequest,
		Outcome:     outcome,
		Internal:    internal,
	}
}

func errStoreUnavailable(internal string) *FlowError {
	return &FlowError{
		Code:        ErrorCodeTemporarilyUnavailable,
		Description: "service temporarily unavailable",
		Status:      http.StatusServiceUnavailable,
		Outcome:     OutcomeStoreUnavailable,
		Internal:    internal,
	}
}
