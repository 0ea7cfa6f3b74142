package authcore

import (
	"github.com/quillpress/authcore/server"
)

// OAuth 2.0 error codes used on the wire.
const (
	ErrorCodeInvalidRequest         = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidClient          = server.ErrorCodeInvalidClient
	ErrorCodeInvalidGrant           = server.ErrorCodeInvalidGrant
	ErrorCodeInvalidScope           = server.ErrorCodeInvalidScope
	ErrorCodeAccessDenied           = server.ErrorCodeAccessDenied
	ErrorCodeServerError            = server.ErrorCodeServerError
	ErrorCodeTemporarilyUnavailable = server.ErrorCodeTemporarilyUnavailable

	// HTTP-layer codes not produced by the flow controller
	ErrorCodeInvalidToken         = "invalid_token"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeRateLimitExceeded    = "rate_limit_exceeded"
)

// FlowError is the structured error returned by flow operations.
type FlowError = server.FlowError

// AsFlowError extracts a *FlowError from an error chain, mapping anything
// unclassified to a generic server_error.
func AsFlowError(err error) *FlowError {
	return server.AsFlowError(err)
}
