package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor logs security-relevant events with PII protection. Session
// and patient identifiers are hashed before they reach the log stream;
// token values never reach it at all. Disabled by default.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a security auditor.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event is a single security audit event.
type Event struct {
	Type      string
	SessionID string
	Issuer    string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed identifiers.
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"session_hash", HashForLogging(event.SessionID),
		"issuer", event.Issuer,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogLaunchStarted logs the beginning of an authorization flow.
func (a *Auditor) LogLaunchStarted(sessionID, issuer, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventLaunchStarted,
		SessionID: sessionID,
		Issuer:    issuer,
		IPAddress: ipAddress,
	})
}

// LogLaunchCompleted logs a successful callback exchange. The patient
// identifier is hashed; scope strings are not sensitive.
func (a *Auditor) LogLaunchCompleted(sessionID, issuer, patientID string, scopes []string) {
	a.LogEvent(Event{
		Type:      EventLaunchCompleted,
		SessionID: sessionID,
		Issuer:    issuer,
		Details: map[string]any{
			"patient_hash": HashForLogging(patientID),
			"scopes":       scopes,
		},
	})
}

// LogTokenRefreshed logs a token refresh.
func (a *Auditor) LogTokenRefreshed(sessionID, issuer string, rotated bool) {
	a.LogEvent(Event{
		Type:      EventTokenRefreshed,
		SessionID: sessionID,
		Issuer:    issuer,
		Details: map[string]any{
			"rotated": rotated,
		},
	})
}

// LogTokenRevoked logs a token revocation.
func (a *Auditor) LogTokenRevoked(sessionID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventTokenRevoked,
		SessionID: sessionID,
		IPAddress: ipAddress,
	})
}

// LogStateReplay logs a state nonce mismatch or replay attempt.
func (a *Auditor) LogStateReplay(sessionID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventStateReplay,
		SessionID: sessionID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"severity": "critical",
		},
	})
}

// LogScopeEscalation logs a provider granting scopes never requested.
func (a *Auditor) LogScopeEscalation(sessionID, issuer string, granted []string) {
	a.LogEvent(Event{
		Type:      EventScopeEscalation,
		SessionID: sessionID,
		Issuer:    issuer,
		Details: map[string]any{
			"severity": "critical",
			"granted":  granted,
		},
	})
}

// LogAuthFailure logs a generic authorization failure.
func (a *Auditor) LogAuthFailure(sessionID, issuer, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		SessionID: sessionID,
		Issuer:    issuer,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation.
func (a *Auditor) LogRateLimitExceeded(ipAddress, sessionID string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		SessionID: sessionID,
		IPAddress: ipAddress,
	})
}

// HashForLogging hashes sensitive identifiers to a short stable prefix
// so log lines can be correlated without exposing the identifier.
func HashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
