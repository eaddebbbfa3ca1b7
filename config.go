package smart

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fhirkit/smart-launch/claims"
	"github.com/fhirkit/smart-launch/instrumentation"
	"github.com/fhirkit/smart-launch/provider"
)

const (
	// defaultStateTTL bounds how long a pending flow may wait for its
	// callback.
	defaultStateTTL = 10 * time.Minute

	// defaultRefreshMargin is how close to expiry BearerToken refreshes
	// proactively.
	defaultRefreshMargin = 2 * time.Minute
)

// Config holds the full flow configuration.
// Structured using composition for better organization and maintainability
type Config struct {
	// Client holds the OAuth client settings shared by all issuers
	// (client_id, redirect URL, auth style, signing key). The IssuerURL
	// field is ignored; the flow sets it per allow-listed issuer.
	Client provider.ClientConfig

	// Flow holds the state machine settings
	Flow FlowConfig

	// RateLimit holds rate limiting settings for the HTTP handler
	RateLimit RateLimitConfig

	// Security holds security settings (secure by default)
	Security SecurityConfig

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger

	// Instrumentation enables OpenTelemetry metrics and traces (optional)
	Instrumentation *instrumentation.Instrumentation

	// ClientFactory overrides provider client construction, mainly for
	// tests. Nil uses provider.NewHTTPClient with the Client settings.
	ClientFactory func(issuer string) (provider.Client, error)

	// Validator overrides the claim validator, mainly for tests.
	Validator *claims.Validator
}

// FlowConfig holds authorization state machine settings
type FlowConfig struct {
	// AllowedIssuers is the allow-list of FHIR base URLs launches may
	// name (required, non-empty). A launch for any other issuer fails
	// with InvalidIssuer.
	AllowedIssuers []string

	// Scopes is the scope set requested on every launch.
	// Default: openid profile fhirUser launch patient/*.read offline_access
	Scopes []string

	// StateTTL is how long a pending flow waits for its callback before
	// expiring. Default: 10 minutes.
	StateTTL time.Duration

	// RefreshMargin is how close to access-token expiry BearerToken
	// refreshes proactively. Default: 2 minutes.
	RefreshMargin time.Duration

	// RequireIDToken fails the callback when the provider omits the
	// id_token. Enable when user identity is mandatory.
	RequireIDToken bool

	// IDTokenIssuer is the expected id_token iss value. Empty skips the
	// issuer check; some EHRs issue identity tokens from an
	// authorization server distinct from the FHIR base URL.
	IDTokenIssuer string
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of trusted reverse proxies in
	// front of the service, used to pick the client IP out of
	// X-Forwarded-For.
	TrustedProxyCount int
}

// SecurityConfig holds security settings (secure by default)
type SecurityConfig struct {
	// EncryptionKey is the AES-256 key (32 bytes) for token encryption at rest.
	// Nil disables encryption. Generate with security.GenerateKey().
	EncryptionKey []byte

	// EnableAuditLogging enables security audit logging.
	// Logs launch events, token operations, and violations (sensitive data hashed).
	EnableAuditLogging bool

	// APIToken guards the handler's programmatic token endpoint. Empty
	// disables the endpoint entirely.
	APIToken string
}

// applySecureDefaults fills optional knobs with safe defaults and
// validates required ones. Missing required settings are construction
// errors; weakened optional settings get a warning log.
func (c *Config) applySecureDefaults() error {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	if c.Client.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}
	if c.Client.RedirectURL == "" {
		return fmt.Errorf("redirect URL is required")
	}
	if len(c.Flow.AllowedIssuers) == 0 {
		return fmt.Errorf("at least one allowed issuer is required")
	}

	if len(c.Flow.Scopes) == 0 {
		c.Flow.Scopes = claims.DefaultScopes
	}
	if c.Flow.StateTTL <= 0 {
		c.Flow.StateTTL = defaultStateTTL
	}
	if c.Flow.RefreshMargin <= 0 {
		c.Flow.RefreshMargin = defaultRefreshMargin
	}

	if c.Security.EncryptionKey == nil {
		c.Logger.Warn("Token encryption at rest disabled (no encryption key configured)")
	}
	if c.RateLimit.Rate <= 0 {
		c.Logger.Warn("Rate limiting disabled")
	}

	return nil
}
