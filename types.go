package smart

// LaunchRequest is an inbound launch: which EHR issued it, the opaque
// launch token (empty for standalone launches), and the interactive
// session it belongs to. Immutable once created.
type LaunchRequest struct {
	// Issuer is the FHIR server base URL from the iss parameter
	Issuer string

	// Launch is the opaque launch token from the launch parameter.
	// Empty for standalone launches.
	Launch string

	// SessionID identifies the interactive session requesting
	// authorization
	SessionID string
}

// Phase is the authorization state of one session.
type Phase int

const (
	// PhaseUnauthenticated is the initial phase; no flow is pending.
	PhaseUnauthenticated Phase = iota

	// PhaseAwaitingCallback means a redirect was issued and the flow is
	// waiting for the provider to call back.
	PhaseAwaitingCallback

	// PhaseExchanging means the callback arrived and the code exchange
	// is in progress.
	PhaseExchanging

	// PhaseAuthenticated means the session holds a valid token set and
	// launch context.
	PhaseAuthenticated

	// PhaseRefreshing means a token refresh is in progress.
	PhaseRefreshing

	// PhaseExpired means the access token expired and no refresh is
	// possible.
	PhaseExpired

	// PhaseRevoked is terminal: the provider invalidated the session's
	// grant. The session must restart with BeginLaunch. An explicit
	// Revoke drops the session's tracking entirely, so a revoked-then
	// -queried session reports Unauthenticated.
	PhaseRevoked
)

// String returns the phase name
func (p Phase) String() string {
	switch p {
	case PhaseUnauthenticated:
		return "unauthenticated"
	case PhaseAwaitingCallback:
		return "awaiting_callback"
	case PhaseExchanging:
		return "exchanging"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseRefreshing:
		return "refreshing"
	case PhaseExpired:
		return "expired"
	case PhaseRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}
