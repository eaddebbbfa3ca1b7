// Package mock provides a mock implementation of the provider Client
// interface for testing.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/fhirkit/smart-launch/provider"
)

// MockClient is a configurable mock of provider.Client. Each method
// delegates to its corresponding Func field and counts invocations.
type MockClient struct {
	// IssuerFunc is called when Issuer() is invoked
	IssuerFunc func() string

	// AuthorizationURLFunc is called when AuthorizationURL() is invoked
	AuthorizationURLFunc func(ctx context.Context, state, codeChallenge, launch string, scopes []string) (string, error)

	// ExchangeFunc is called when Exchange() is invoked
	ExchangeFunc func(ctx context.Context, code, codeVerifier string) (*provider.TokenResponse, error)

	// RefreshFunc is called when Refresh() is invoked
	RefreshFunc func(ctx context.Context, refreshToken string, scopes []string) (*provider.TokenResponse, error)

	// RevokeFunc is called when Revoke() is invoked
	RevokeFunc func(ctx context.Context, token string) error

	// JWKSURIFunc is called when JWKSURI() is invoked
	JWKSURIFunc func(ctx context.Context) (string, error)

	// HealthCheckFunc is called when HealthCheck() is invoked
	HealthCheckFunc func(ctx context.Context) error

	// CallCounts tracks how many times each method was called
	CallCounts map[string]int

	// mu protects CallCounts from concurrent access
	mu sync.RWMutex
}

var _ provider.Client = (*MockClient)(nil)

// NewMockClient creates a mock with working defaults: it behaves like a
// healthy EHR that grants every exchange and refresh.
func NewMockClient() *MockClient {
	return &MockClient{
		CallCounts: make(map[string]int),
		IssuerFunc: func() string {
			return "https://ehr.example.com/fhir"
		},
		AuthorizationURLFunc: func(ctx context.Context, state, codeChallenge, launch string, scopes []string) (string, error) {
			return fmt.Sprintf("https://ehr.example.com/authorize?state=%s&code_challenge=%s", state, codeChallenge), nil
		},
		ExchangeFunc: func(ctx context.Context, code, codeVerifier string) (*provider.TokenResponse, error) {
			return &provider.TokenResponse{
				AccessToken:  "mock-access-token",
				TokenType:    "Bearer",
				ExpiresIn:    3600,
				RefreshToken: "mock-refresh-token",
				Scope:        "openid fhirUser launch patient/*.read",
				Patient:      "Patient/mock-patient",
			}, nil
		},
		RefreshFunc: func(ctx context.Context, refreshToken string, scopes []string) (*provider.TokenResponse, error) {
			return &provider.TokenResponse{
				AccessToken:  "new-mock-access-token",
				TokenType:    "Bearer",
				ExpiresIn:    3600,
				RefreshToken: "new-mock-refresh-token",
			}, nil
		},
		RevokeFunc: func(ctx context.Context, token string) error {
			return nil
		},
		JWKSURIFunc: func(ctx context.Context) (string, error) {
			return "https://ehr.example.com/.well-known/jwks.json", nil
		},
		HealthCheckFunc: func(ctx context.Context) error {
			return nil
		},
	}
}

// Issuer returns the FHIR base URL this client is bound to
func (m *MockClient) Issuer() string {
	// LOCK PATTERN: Lock only to update counter and read function reference
	// Release lock BEFORE calling user function to prevent deadlocks
	m.mu.Lock()
	m.CallCounts["Issuer"]++
	fn := m.IssuerFunc
	m.mu.Unlock()

	if fn == nil {
		return "https://ehr.example.com/fhir" // Safe default
	}
	return fn()
}

// AuthorizationURL builds the redirect URL for the authorization leg
func (m *MockClient) AuthorizationURL(ctx context.Context, state, codeChallenge, launch string, scopes []string) (string, error) {
	m.mu.Lock()
	m.CallCounts["AuthorizationURL"]++
	fn := m.AuthorizationURLFunc
	m.mu.Unlock()
	if fn == nil {
		return "https://ehr.example.com/authorize?state=" + state, nil // Safe default
	}
	return fn(ctx, state, codeChallenge, launch, scopes)
}

// Exchange trades an authorization code for tokens
func (m *MockClient) Exchange(ctx context.Context, code, codeVerifier string) (*provider.TokenResponse, error) {
	m.mu.Lock()
	m.CallCounts["Exchange"]++
	fn := m.ExchangeFunc
	m.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("ExchangeFunc not configured")
	}
	return fn(ctx, code, codeVerifier)
}

// Refresh obtains a fresh access token
func (m *MockClient) Refresh(ctx context.Context, refreshToken string, scopes []string) (*provider.TokenResponse, error) {
	m.mu.Lock()
	m.CallCounts["Refresh"]++
	fn := m.RefreshFunc
	m.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("RefreshFunc not configured")
	}
	return fn(ctx, refreshToken, scopes)
}

// Revoke invalidates a token at the provider
func (m *MockClient) Revoke(ctx context.Context, token string) error {
	m.mu.Lock()
	m.CallCounts["Revoke"]++
	fn := m.RevokeFunc
	m.mu.Unlock()
	if fn == nil {
		return fmt.Errorf("RevokeFunc not configured")
	}
	return fn(ctx, token)
}

// JWKSURI returns the provider's key set URL
func (m *MockClient) JWKSURI(ctx context.Context) (string, error) {
	m.mu.Lock()
	m.CallCounts["JWKSURI"]++
	fn := m.JWKSURIFunc
	m.mu.Unlock()
	if fn == nil {
		return "", fmt.Errorf("JWKSURIFunc not configured")
	}
	return fn(ctx)
}

// HealthCheck verifies the provider is reachable
func (m *MockClient) HealthCheck(ctx context.Context) error {
	m.mu.Lock()
	m.CallCounts["HealthCheck"]++
	fn := m.HealthCheckFunc
	m.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx)
}

// ResetCallCounts resets all call counters
func (m *MockClient) ResetCallCounts() {
	m.mu.Lock()
	m.CallCounts = make(map[string]int)
	m.mu.Unlock()
}

// GetCallCount returns the number of times a method was called
func (m *MockClient) GetCallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CallCounts[method]
}
