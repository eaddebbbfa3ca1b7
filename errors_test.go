package smart

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestFlowError(t *testing.T) {
	err := NewFlowError(ErrorCodeStateMismatch, "The authorization state does not match.", http.StatusBadRequest)

	if got := err.Error(); got != "state_mismatch: The authorization state does not match." {
		t.Errorf("Error() = %q", got)
	}
	if err.Status != http.StatusBadRequest {
		t.Errorf("Status = %d", err.Status)
	}
}

func TestFlowError_ErrorsAs(t *testing.T) {
	wrapped := fmt.Errorf("handling callback: %w", ErrInvalidGrant("The code was rejected."))

	var flowErr *FlowError
	if !errors.As(wrapped, &flowErr) {
		t.Fatal("errors.As failed to unwrap FlowError")
	}
	if flowErr.Code != ErrorCodeInvalidGrant {
		t.Errorf("Code = %q", flowErr.Code)
	}
}

func TestFlowErrorConstructors(t *testing.T) {
	tests := []struct {
		name       string
		err        *FlowError
		wantCode   string
		wantStatus int
	}{
		{"invalid issuer", ErrInvalidIssuer("d"), ErrorCodeInvalidIssuer, http.StatusBadRequest},
		{"state mismatch", ErrStateMismatch("d"), ErrorCodeStateMismatch, http.StatusBadRequest},
		{"state expired", ErrStateExpired("d"), ErrorCodeStateExpired, http.StatusBadRequest},
		{"already processing", ErrAlreadyProcessing("d"), ErrorCodeAlreadyProcessing, http.StatusConflict},
		{"invalid grant", ErrInvalidGrant("d"), ErrorCodeInvalidGrant, http.StatusBadRequest},
		{"provider unavailable", ErrProviderUnavailable("d"), ErrorCodeProviderUnavailable, http.StatusBadGateway},
		{"invalid token", ErrInvalidToken("d"), ErrorCodeInvalidToken, http.StatusUnauthorized},
		{"scope escalation", ErrScopeEscalation("d"), ErrorCodeScopeEscalation, http.StatusForbidden},
		{"session not found", ErrSessionNotFound("d"), ErrorCodeSessionNotFound, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.wantCode)
			}
			if tt.err.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", tt.err.Status, tt.wantStatus)
			}
		})
	}
}
