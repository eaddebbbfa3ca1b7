package smart

import (
	"fmt"
	"net/http"
)

// Flow error codes as constants
const (
	ErrorCodeInvalidRequest      = "invalid_request"
	ErrorCodeInvalidIssuer       = "invalid_issuer"
	ErrorCodeStateMismatch       = "state_mismatch"
	ErrorCodeStateExpired        = "state_expired"
	ErrorCodeAlreadyProcessing   = "already_processing"
	ErrorCodeInvalidGrant        = "invalid_grant"
	ErrorCodeProviderUnavailable = "provider_unavailable"
	ErrorCodeInvalidToken        = "invalid_token"
	ErrorCodeScopeEscalation     = "scope_escalation"
	ErrorCodeSessionNotFound     = "session_not_found"
	ErrorCodeRateLimitExceeded   = "rate_limit_exceeded"
)

// FlowError represents a typed authorization flow failure. The
// description is safe to render to the user; raw provider responses and
// token material never appear in it.
type FlowError struct {
	Code        string // Stable error code (e.g., "state_mismatch")
	Description string // Human-readable, non-sensitive description
	Status      int    // HTTP status code for the handler layer
}

// Error implements the error interface
func (e *FlowError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewFlowError creates a new flow error
func NewFlowError(code, description string, status int) *FlowError {
	return &FlowError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common flow errors as reusable constructors
var (
	// ErrInvalidIssuer indicates the launch named an issuer outside the allow-list
	ErrInvalidIssuer = func(desc string) *FlowError {
		return NewFlowError(ErrorCodeInvalidIssuer, desc, http.StatusBadRequest)
	}

	// ErrStateMismatch indicates the callback state does not match any pending flow
	ErrStateMismatch = func(desc string) *FlowError {
		return NewFlowError(ErrorCodeStateMismatch, desc, http.StatusBadRequest)
	}

	// ErrStateExpired indicates the pending flow's validity window elapsed before the callback
	ErrStateExpired = func(desc string) *FlowError {
		return NewFlowError(ErrorCodeStateExpired, desc, http.StatusBadRequest)
	}

	// ErrAlreadyProcessing indicates another operation for the session is in flight
	ErrAlreadyProcessing = func(desc string) *FlowError {
		return NewFlowError(ErrorCodeAlreadyProcessing, desc, http.StatusConflict)
	}

	// ErrInvalidGrant indicates the provider rejected the code or refresh token
	ErrInvalidGrant = func(desc string) *FlowError {
		return NewFlowError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrProviderUnavailable indicates the provider could not be reached after retries
	ErrProviderUnavailable = func(desc string) *FlowError {
		return NewFlowError(ErrorCodeProviderUnavailable, desc, http.StatusBadGateway)
	}

	// ErrInvalidToken indicates the id_token failed signature or claim validation
	ErrInvalidToken = func(desc string) *FlowError {
		return NewFlowError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrScopeEscalation indicates the provider granted more scope than was requested
	ErrScopeEscalation = func(desc string) *FlowError {
		return NewFlowError(ErrorCodeScopeEscalation, desc, http.StatusForbidden)
	}

	// ErrSessionNotFound indicates no authenticated session exists for the session ID
	ErrSessionNotFound = func(desc string) *FlowError {
		return NewFlowError(ErrorCodeSessionNotFound, desc, http.StatusNotFound)
	}
)
