package provider

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors returned by Client implementations. Callers map these
// to flow-level failures: an invalid grant terminates the session, an
// unavailable provider leaves it intact for retry.
var (
	// ErrInvalidGrant indicates the provider definitively rejected the
	// code, verifier, or refresh token. Retrying cannot succeed.
	ErrInvalidGrant = errors.New("provider rejected grant")

	// ErrUnavailable indicates a transport failure or provider-side
	// error after retries were exhausted. The operation may succeed
	// later.
	ErrUnavailable = errors.New("provider unavailable")
)

// Client is the interface the launch flow uses to talk to an EHR's
// authorization server. Implementations resolve endpoints through
// SMART configuration discovery.
type Client interface {
	// Issuer returns the FHIR base URL this client is bound to. It is
	// sent as the aud parameter on every authorization request.
	Issuer() string

	// AuthorizationURL builds the URL the user agent is redirected to.
	// launch carries the opaque launch token from an EHR-initiated
	// launch and is empty for standalone launches.
	AuthorizationURL(ctx context.Context, state, codeChallenge, launch string, scopes []string) (string, error)

	// Exchange trades an authorization code for tokens, presenting the
	// PKCE verifier.
	Exchange(ctx context.Context, code, codeVerifier string) (*TokenResponse, error)

	// Refresh obtains a fresh access token. Scopes, when non-empty,
	// request a possibly narrowed grant.
	Refresh(ctx context.Context, refreshToken string, scopes []string) (*TokenResponse, error)

	// Revoke invalidates a token at the provider. Providers without a
	// revocation endpoint degrade gracefully to a nil return.
	Revoke(ctx context.Context, token string) error

	// JWKSURI returns the provider's key set URL for id_token
	// signature verification.
	JWKSURI(ctx context.Context) (string, error)

	// HealthCheck verifies the provider's discovery endpoint is
	// reachable. Intended for readiness probes.
	HealthCheck(ctx context.Context) error
}

// TokenResponse is a SMART token endpoint response. Beyond the OAuth
// token fields it carries the launch context the EHR returns at the top
// level of the response body: the patient and encounter in context,
// style hints, and any nonstandard members the EHR vendor adds.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	Scope        string `json:"scope,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`

	// Launch context members.
	Patient           string          `json:"patient,omitempty"`
	Encounter         string          `json:"encounter,omitempty"`
	FHIRContext       json.RawMessage `json:"fhirContext,omitempty"`
	Intent            string          `json:"intent,omitempty"`
	Tenant            string          `json:"tenant,omitempty"`
	SmartStyleURL     string          `json:"smart_style_url,omitempty"`
	NeedPatientBanner bool            `json:"need_patient_banner,omitempty"`

	// Extra holds response members not covered above, keyed by their
	// JSON name. Vendor extensions land here unmodified.
	Extra map[string]json.RawMessage `json:"-"`
}

// knownTokenResponseKeys are the members decoded into named fields.
var knownTokenResponseKeys = map[string]struct{}{
	"access_token": {}, "token_type": {}, "expires_in": {}, "scope": {},
	"refresh_token": {}, "id_token": {}, "patient": {}, "encounter": {},
	"fhirContext": {}, "intent": {}, "tenant": {}, "smart_style_url": {},
	"need_patient_banner": {},
}

// UnmarshalJSON decodes the named fields and captures everything else
// into Extra.
func (t *TokenResponse) UnmarshalJSON(data []byte) error {
	type alias TokenResponse
	var known alias
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key := range knownTokenResponseKeys {
		delete(raw, key)
	}

	*t = TokenResponse(known)
	if len(raw) > 0 {
		t.Extra = raw
	}
	return nil
}

// Expiry converts expires_in to an absolute deadline relative to now.
// A zero expires_in yields the zero time, meaning no known expiry.
func (t *TokenResponse) Expiry(now time.Time) time.Time {
	if t.ExpiresIn <= 0 {
		return time.Time{}
	}
	return now.Add(time.Duration(t.ExpiresIn) * time.Second)
}
