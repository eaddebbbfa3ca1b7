package storage

import (
	"context"
	"errors"
	"time"

	"github.com/fhirkit/smart-launch/claims"
)

// Sentinel errors returned by storage implementations.
var (
	// ErrTokenSetNotFound indicates no token set exists for a session.
	ErrTokenSetNotFound = errors.New("token set not found")

	// ErrFlowStateNotFound indicates no pending flow exists for a
	// state nonce. After a successful consume this is what a replayed
	// callback sees.
	ErrFlowStateNotFound = errors.New("flow state not found")

	// ErrContextNotFound indicates no launch context exists for a
	// session.
	ErrContextNotFound = errors.New("launch context not found")
)

// TokenSet is the credential material of one authenticated session.
type TokenSet struct {
	// AccessToken is the bearer token presented on FHIR requests.
	AccessToken string

	// RefreshToken renews the access token; empty when offline_access
	// was not granted.
	RefreshToken string

	// IDToken is the raw id_token, retained for logout flows.
	IDToken string

	// TokenType is the token type from the provider, normally Bearer.
	TokenType string

	// Expiry is when the access token expires. Zero means unknown.
	Expiry time.Time

	// Scopes is the granted scope set at issue time.
	Scopes []string

	// Issuer is the FHIR base URL the tokens belong to.
	Issuer string
}

// Clone returns a deep copy.
func (t *TokenSet) Clone() *TokenSet {
	if t == nil {
		return nil
	}
	out := *t
	if t.Scopes != nil {
		out.Scopes = make([]string, len(t.Scopes))
		copy(out.Scopes, t.Scopes)
	}
	return &out
}

// FlowState is one pending authorization flow, created at launch and
// consumed exactly once at the callback. It is keyed by the state
// nonce.
type FlowState struct {
	// SessionID identifies the session that initiated the flow.
	SessionID string

	// State is the CSRF nonce carried through the authorization
	// round trip.
	State string

	// PKCEVerifier is the code verifier for the exchange leg.
	PKCEVerifier string

	// CodeChallenge is the derived S256 challenge sent outbound.
	CodeChallenge string

	// Issuer is the FHIR base URL the flow targets.
	Issuer string

	// Launch is the opaque launch token for EHR-initiated launches,
	// empty for standalone.
	Launch string

	// RequestedScopes is what the authorization request asked for,
	// kept to detect scope escalation at the callback.
	RequestedScopes []string

	// RedirectURI is the callback URL the flow was started with.
	RedirectURI string

	CreatedAt time.Time
	ExpiresAt time.Time
}

// Clone returns a deep copy.
func (f *FlowState) Clone() *FlowState {
	if f == nil {
		return nil
	}
	out := *f
	if f.RequestedScopes != nil {
		out.RequestedScopes = make([]string, len(f.RequestedScopes))
		copy(out.RequestedScopes, f.RequestedScopes)
	}
	return &out
}

// Expired reports whether the flow's validity window has passed.
func (f *FlowState) Expired(now time.Time) bool {
	return !f.ExpiresAt.IsZero() && now.After(f.ExpiresAt)
}

// TokenStore defines the interface for storing and retrieving session
// token sets. All methods accept context.Context for tracing and
// cancellation.
type TokenStore interface {
	// SaveTokenSet saves the token set for a session
	SaveTokenSet(ctx context.Context, sessionID string, tokens *TokenSet) error

	// GetTokenSet retrieves the token set for a session
	GetTokenSet(ctx context.Context, sessionID string) (*TokenSet, error)

	// DeleteTokenSet removes the token set for a session
	DeleteTokenSet(ctx context.Context, sessionID string) error
}

// FlowStore defines the interface for managing pending authorization
// flows. All methods accept context.Context for tracing and
// cancellation.
type FlowStore interface {
	// SaveFlowState saves a pending flow, keyed by its state nonce
	SaveFlowState(ctx context.Context, state *FlowState) error

	// GetFlowState retrieves a pending flow without consuming it
	GetFlowState(ctx context.Context, stateNonce string) (*FlowState, error)

	// ConsumeFlowState atomically retrieves and deletes a pending
	// flow. The second caller for the same nonce gets
	// ErrFlowStateNotFound.
	// SECURITY: This operation MUST be atomic so concurrent callbacks
	// with the same state cannot both complete an exchange.
	ConsumeFlowState(ctx context.Context, stateNonce string) (*FlowState, error)

	// DeleteFlowState removes a pending flow
	DeleteFlowState(ctx context.Context, stateNonce string) error
}

// ContextStore defines the interface for persisting the launch context
// of authenticated sessions. All methods accept context.Context for
// tracing and cancellation.
type ContextStore interface {
	// SaveLaunchContext saves the launch context for a session
	SaveLaunchContext(ctx context.Context, sessionID string, launchContext *claims.LaunchContext) error

	// GetLaunchContext retrieves the launch context for a session
	GetLaunchContext(ctx context.Context, sessionID string) (*claims.LaunchContext, error)

	// DeleteLaunchContext removes the launch context for a session
	DeleteLaunchContext(ctx context.Context, sessionID string) error
}
