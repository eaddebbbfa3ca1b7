package security

// Event type constants for security audit logging. Using constants keeps
// event names consistent across the flow, handler, and storage layers.
const (
	// Launch lifecycle events

	// EventLaunchStarted is logged when an EHR launch begins an
	// authorization flow for a session.
	EventLaunchStarted = "launch_started"

	// EventLaunchCompleted is logged when a callback exchange succeeds
	// and a launch context is bound to the session.
	EventLaunchCompleted = "launch_completed"

	// EventLaunchFailed is logged when a callback exchange or claim
	// validation fails.
	EventLaunchFailed = "launch_failed"

	// Token lifecycle events

	// EventTokenRefreshed is logged when a session's access token is
	// refreshed with the provider.
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a session's tokens are revoked.
	EventTokenRevoked = "token_revoked"

	// EventRefreshRejected is logged when the provider rejects a refresh
	// token and the session is forced to re-launch.
	EventRefreshRejected = "refresh_rejected"

	// Security violation events

	// EventStateReplay is logged when a callback presents a state nonce
	// that does not match the pending flow state. This includes replays
	// of an already-consumed nonce.
	EventStateReplay = "state_replay"

	// EventStateExpired is logged when a callback arrives after the
	// pending flow state's TTL elapsed.
	EventStateExpired = "state_expired"

	// EventScopeEscalation is logged when the provider grants a scope
	// that was never requested.
	EventScopeEscalation = "scope_escalation" //nolint:gosec // G101: event type name, not a credential

	// EventInvalidToken is logged when id_token signature or claim
	// validation fails.
	EventInvalidToken = "invalid_token" //nolint:gosec // G101: event type name, not a credential

	// EventAuthFailure is logged for general authorization failures.
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded.
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventIssuerRejected is logged when a launch names an issuer that
	// is not on the allow list.
	EventIssuerRejected = "issuer_rejected"
)
