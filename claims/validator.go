package claims

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/fhirkit/smart-launch/provider"
)

// Sentinel errors for validation failures.
var (
	// ErrInvalidToken indicates the id_token failed signature or claim
	// validation.
	ErrInvalidToken = errors.New("invalid id_token")

	// ErrMissingIDToken indicates the provider omitted the id_token
	// although identity was required.
	ErrMissingIDToken = errors.New("token response missing id_token")

	// ErrScopeEscalation indicates the provider granted scopes that
	// were never requested.
	ErrScopeEscalation = errors.New("granted scopes exceed requested scopes")
)

// defaultLeeway tolerates modest clock drift between this process and
// the EHR when checking exp and nbf.
const defaultLeeway = 60 * time.Second

// signingAlgorithms are the id_token algorithms accepted from EHRs.
// RS256 is the OIDC baseline; RS384 and ES384 are what backend-service
// capable EHRs sign with.
var signingAlgorithms = []string{"RS256", "RS384", "ES384"}

// LaunchContext is everything a completed launch binds a session to:
// who the user is, which patient and encounter are in context, and the
// authority the EHR actually granted.
type LaunchContext struct {
	// Subject is the id_token sub claim. Empty when the flow ran
	// without identity scopes.
	Subject string `json:"subject,omitempty"`

	// FHIRUser is the fhirUser claim, a reference to the FHIR resource
	// representing the authenticated user (e.g. "Practitioner/123").
	FHIRUser string `json:"fhir_user,omitempty"`

	// Patient is the patient in context, as a logical ID.
	Patient string `json:"patient,omitempty"`

	// Encounter is the encounter in context, as a logical ID.
	Encounter string `json:"encounter,omitempty"`

	// FHIRBaseURL is the issuer the session is bound to. All FHIR
	// requests for the session go here.
	FHIRBaseURL string `json:"fhir_base_url"`

	// GrantedScopes is the scope set the EHR actually granted.
	GrantedScopes []string `json:"granted_scopes,omitempty"`

	// FHIRContext carries the fhirContext member verbatim: additional
	// resources the launch references.
	FHIRContext json.RawMessage `json:"fhir_context,omitempty"`

	// Intent is the EHR's hint about why the app was launched.
	Intent string `json:"intent,omitempty"`

	// Tenant identifies the EHR tenant in multi-tenant deployments.
	Tenant string `json:"tenant,omitempty"`

	// SmartStyleURL points at the EHR's styling document.
	SmartStyleURL string `json:"smart_style_url,omitempty"`

	// NeedPatientBanner reports whether the app must render its own
	// patient banner.
	NeedPatientBanner bool `json:"need_patient_banner,omitempty"`

	// Extra holds vendor-specific token response members.
	Extra map[string]json.RawMessage `json:"extra,omitempty"`
}

// Clone returns a deep copy.
func (lc *LaunchContext) Clone() *LaunchContext {
	if lc == nil {
		return nil
	}
	out := *lc
	if lc.GrantedScopes != nil {
		out.GrantedScopes = make([]string, len(lc.GrantedScopes))
		copy(out.GrantedScopes, lc.GrantedScopes)
	}
	if lc.FHIRContext != nil {
		out.FHIRContext = make(json.RawMessage, len(lc.FHIRContext))
		copy(out.FHIRContext, lc.FHIRContext)
	}
	if lc.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(lc.Extra))
		for k, v := range lc.Extra {
			out.Extra[k] = v
		}
	}
	return &out
}

// ValidatorConfig configures id_token validation.
type ValidatorConfig struct {
	// ClientID is the expected id_token audience.
	ClientID string

	// Issuer is the expected id_token iss value. Empty skips the
	// check; SMART providers sometimes issue identity tokens from an
	// authorization server whose issuer differs from the FHIR base.
	Issuer string

	// RequireIDToken fails validation when the response has no
	// id_token. Set it when openid is among the requested scopes.
	RequireIDToken bool

	// Leeway for exp/nbf checks (default: 60s).
	Leeway time.Duration

	// Logger for debug messages (nil uses default logger).
	Logger *slog.Logger
}

// Validator checks token responses: scope escalation first, then
// id_token signature and claims against the provider's JWKS. Key sets
// are cached and refreshed in the background.
type Validator struct {
	clientID       string
	issuer         string
	requireIDToken bool
	leeway         time.Duration
	logger         *slog.Logger

	cache      *jwk.Cache
	mu         sync.Mutex
	registered map[string]bool
}

// NewValidator creates a validator. ctx governs the lifetime of the
// background JWKS refresher.
func NewValidator(ctx context.Context, cfg *ValidatorConfig) (*Validator, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	leeway := cfg.Leeway
	if leeway == 0 {
		leeway = defaultLeeway
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Validator{
		clientID:       cfg.ClientID,
		issuer:         cfg.Issuer,
		requireIDToken: cfg.RequireIDToken,
		leeway:         leeway,
		logger:         logger,
		cache:          jwk.NewCache(ctx),
		registered:     make(map[string]bool),
	}, nil
}

// idTokenClaims are the registered claims plus the SMART identity
// extension.
type idTokenClaims struct {
	jwt.RegisteredClaims
	FHIRUser string `json:"fhirUser,omitempty"`
	Profile  string `json:"profile,omitempty"`
}

// Validate checks a token response and assembles the launch context.
// requestedScopes is what the authorization request asked for; issuer
// is the FHIR base URL the session is bound to; jwksURL is where the
// provider publishes its signing keys (may be empty when no id_token
// is expected).
func (v *Validator) Validate(ctx context.Context, requestedScopes []string, issuer, jwksURL string, resp *provider.TokenResponse) (*LaunchContext, error) {
	granted := SplitScopes(resp.Scope)

	// SECURITY: A grant wider than the request means the session would
	// hold authority nobody asked for. Terminal.
	if escalated := Escalated(requestedScopes, granted); len(escalated) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrScopeEscalation, escalated)
	}

	lc := &LaunchContext{
		Patient:           resp.Patient,
		Encounter:         resp.Encounter,
		FHIRBaseURL:       issuer,
		GrantedScopes:     granted,
		FHIRContext:       resp.FHIRContext,
		Intent:            resp.Intent,
		Tenant:            resp.Tenant,
		SmartStyleURL:     resp.SmartStyleURL,
		NeedPatientBanner: resp.NeedPatientBanner,
		Extra:             resp.Extra,
	}

	if resp.IDToken == "" {
		if v.requireIDToken {
			return nil, ErrMissingIDToken
		}
		return lc, nil
	}

	claims, err := v.validateIDToken(ctx, resp.IDToken, jwksURL)
	if err != nil {
		return nil, err
	}

	lc.Subject = claims.Subject
	lc.FHIRUser = claims.FHIRUser
	if lc.FHIRUser == "" {
		// Some providers place the resource reference in profile.
		lc.FHIRUser = claims.Profile
	}

	return lc, nil
}

// validateIDToken verifies signature and claims of an id_token.
func (v *Validator) validateIDToken(ctx context.Context, idToken, jwksURL string) (*idTokenClaims, error) {
	if jwksURL == "" {
		return nil, fmt.Errorf("%w: no JWKS URL available for verification", ErrInvalidToken)
	}

	keySet, err := v.keySet(ctx, jwksURL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to fetch provider keys: %v", ErrInvalidToken, err)
	}

	keyfunc := func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("id_token header missing kid")
		}
		key, found := keySet.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("no key with kid %q in provider JWKS", kid)
		}
		var raw any
		if err := key.Raw(&raw); err != nil {
			return nil, fmt.Errorf("failed to materialize key %q: %w", kid, err)
		}
		return raw, nil
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(signingAlgorithms),
		jwt.WithLeeway(v.leeway),
		jwt.WithAudience(v.clientID),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	parsed := &idTokenClaims{}
	token, err := jwt.ParseWithClaims(idToken, parsed, keyfunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if parsed.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}

	return parsed, nil
}

// keySet returns the cached key set for a JWKS URL, registering it on
// first use.
func (v *Validator) keySet(ctx context.Context, jwksURL string) (jwk.Set, error) {
	v.mu.Lock()
	if !v.registered[jwksURL] {
		if err := v.cache.Register(jwksURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
			v.mu.Unlock()
			return nil, err
		}
		v.registered[jwksURL] = true
		v.logger.Debug("Registered provider JWKS", "url", jwksURL)
	}
	v.mu.Unlock()

	return v.cache.Get(ctx, jwksURL)
}
