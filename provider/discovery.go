package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fhirkit/smart-launch/internal/util"
)

// maxConfigurationSize caps the discovery response body. A healthy
// smart-configuration document is a few KB; anything near a megabyte
// is hostile.
const maxConfigurationSize = 1 << 20

// Configuration is a SMART configuration document served from the FHIR
// base URL at /.well-known/smart-configuration.
type Configuration struct {
	Issuer                            string   `json:"issuer,omitempty"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint,omitempty"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint,omitempty"`
	JWKSUri                           string   `json:"jwks_uri,omitempty"`
	Capabilities                      []string `json:"capabilities"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
}

// SupportsCapability reports whether the document advertises a SMART
// capability such as "launch-ehr" or "permission-patient".
func (c *Configuration) SupportsCapability(capability string) bool {
	for _, got := range c.Capabilities {
		if got == capability {
			return true
		}
	}
	return false
}

// cachedConfiguration holds a configuration with its fetch timestamp.
type cachedConfiguration struct {
	configuration *Configuration
	fetchedAt     time.Time
}

// Discoverer fetches and caches SMART configuration documents. Lookups
// for the same issuer are deduplicated so a burst of launches against a
// cold cache produces one upstream request.
//
// The discoverer is safe for concurrent use.
type Discoverer struct {
	httpClient     *http.Client
	cache          sync.Map // normalized issuer URL -> *cachedConfiguration
	group          singleflight.Group
	cacheTTL       time.Duration
	logger         *slog.Logger
	skipValidation bool // Internal: skip URL validation for testing only
}

// NewDiscoverer creates a SMART configuration discoverer.
//
// Parameters:
//   - httpClient: HTTP client to use for requests (nil uses default with 10s timeout)
//   - cacheTTL: Time-to-live for cached configurations (0 uses default 1 hour)
//   - logger: Logger for debug/info messages (nil uses default logger)
func NewDiscoverer(httpClient *http.Client, cacheTTL time.Duration, logger *slog.Logger) *Discoverer {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cacheTTL == 0 {
		cacheTTL = 1 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Discoverer{
		httpClient: httpClient,
		cacheTTL:   cacheTTL,
		logger:     logger,
	}
}

// NewTestDiscoverer creates a discoverer without issuer URL validation
// so tests can point it at loopback httptest servers. Production code
// must never use it.
func NewTestDiscoverer(httpClient *http.Client, cacheTTL time.Duration, logger *slog.Logger) *Discoverer {
	d := NewDiscoverer(httpClient, cacheTTL, logger)
	d.skipValidation = true
	return d
}

// Discover fetches the SMART configuration for a FHIR issuer,
// consulting the cache first. The issuer URL is validated for SSRF
// before any request leaves the process.
func (d *Discoverer) Discover(ctx context.Context, issuerURL string) (*Configuration, error) {
	// SECURITY: Validate issuer URL before making request
	if !d.skipValidation {
		if err := ValidateIssuerURL(issuerURL); err != nil {
			return nil, fmt.Errorf("invalid issuer URL: %w", err)
		}
	}

	issuer := util.NormalizeURL(issuerURL)

	if cached, ok := d.cache.Load(issuer); ok {
		entry := cached.(*cachedConfiguration)
		if time.Since(entry.fetchedAt) < d.cacheTTL {
			d.logger.Debug("SMART configuration cache hit", "issuer", issuer)
			return entry.configuration, nil
		}
		d.logger.Debug("SMART configuration cache expired", "issuer", issuer)
	}

	// Concurrent launches against a cold cache collapse into a single
	// upstream fetch.
	result, err, _ := d.group.Do(issuer, func() (any, error) {
		return d.fetch(ctx, issuer)
	})
	if err != nil {
		return nil, err
	}

	return result.(*Configuration), nil
}

// fetch retrieves and validates the configuration document, caching it
// on success.
func (d *Discoverer) fetch(ctx context.Context, issuer string) (*Configuration, error) {
	discoveryURL := issuer + "/.well-known/smart-configuration"

	d.logger.Debug("Fetching SMART configuration", "url", discoveryURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to fetch SMART configuration: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: SMART configuration request returned status %d", ErrUnavailable, resp.StatusCode)
	}

	var cfg Configuration
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxConfigurationSize)).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode SMART configuration: %w", err)
	}

	if err := d.validateConfiguration(&cfg); err != nil {
		return nil, fmt.Errorf("invalid SMART configuration: %w", err)
	}

	d.cache.Store(issuer, &cachedConfiguration{
		configuration: &cfg,
		fetchedAt:     time.Now(),
	})

	d.logger.Info("SMART configuration discovered",
		"issuer", issuer,
		"authorization_endpoint", cfg.AuthorizationEndpoint,
		"token_endpoint", cfg.TokenEndpoint)

	return &cfg, nil
}

// validateConfiguration validates security properties of the
// configuration document. Endpoints must use HTTPS or the document
// could downgrade the entire flow.
func (d *Discoverer) validateConfiguration(cfg *Configuration) error {
	required := []struct {
		name string
		url  string
	}{
		{"authorization_endpoint", cfg.AuthorizationEndpoint},
		{"token_endpoint", cfg.TokenEndpoint},
	}

	for _, endpoint := range required {
		if endpoint.url == "" {
			return fmt.Errorf("%s is required but missing", endpoint.name)
		}
		if err := d.checkEndpointScheme(endpoint.name, endpoint.url); err != nil {
			return err
		}
	}

	optional := []struct {
		name string
		url  string
	}{
		{"revocation_endpoint", cfg.RevocationEndpoint},
		{"introspection_endpoint", cfg.IntrospectionEndpoint},
		{"jwks_uri", cfg.JWKSUri},
	}

	for _, endpoint := range optional {
		if endpoint.url == "" {
			continue
		}
		if err := d.checkEndpointScheme(endpoint.name, endpoint.url); err != nil {
			return err
		}
	}

	return nil
}

func (d *Discoverer) checkEndpointScheme(name, endpointURL string) error {
	if d.skipValidation {
		return nil
	}
	if !strings.HasPrefix(endpointURL, "https://") {
		return fmt.Errorf("%s must use HTTPS: %s", name, endpointURL)
	}
	return nil
}

// ClearCache drops all cached configurations, forcing a refetch on the
// next Discover call.
func (d *Discoverer) ClearCache() {
	count := 0
	d.cache.Range(func(key, value any) bool {
		d.cache.Delete(key)
		count++
		return true
	})
	d.logger.Debug("SMART configuration cache cleared", "entries_removed", count)
}
