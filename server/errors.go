package server

import "fmt"

// OAuth 2.0 error codes from RFC 6749 used by the flow logic. The root
// package maps these to HTTP statuses.
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeInvalidScope         = "invalid_scope"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeServerError          = "server_error"
)

// FlowError is an OAuth protocol failure with its RFC 6749 error code.
type FlowError struct {
	Code        string
	Description string
}

// Error implements the error interface.
func (e *FlowError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func invalidRequest(desc string) *FlowError {
	return &FlowError{Code: ErrorCodeInvalidRequest, Description: desc}
}

func invalidClient(desc string) *FlowError {
	return &FlowError{Code: ErrorCodeInvalidClient, Description: desc}
}

func invalidGrant(desc string) *FlowError {
	return &FlowError{Code: ErrorCodeInvalidGrant, Description: desc}
}

func invalidScope(desc string) *FlowError {
	return &FlowError{Code: ErrorCodeInvalidScope, Description: desc}
}
