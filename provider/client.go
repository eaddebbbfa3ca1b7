package provider

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/fhirkit/smart-launch/internal/util"
)

// AuthStyle selects how the client authenticates at the token endpoint.
type AuthStyle string

const (
	// AuthStyleNone sends only client_id, for public clients relying
	// on PKCE.
	AuthStyleNone AuthStyle = "none"

	// AuthStyleBasic sends the client secret via HTTP Basic auth.
	AuthStyleBasic AuthStyle = "client_secret_basic"

	// AuthStylePrivateKeyJWT sends a signed client assertion.
	AuthStylePrivateKeyJWT AuthStyle = "private_key_jwt"
)

const (
	// clientAssertionType is the fixed assertion type for
	// private_key_jwt per RFC 7523.
	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

	// maxTokenResponseSize caps token endpoint response bodies.
	maxTokenResponseSize = 1 << 20

	defaultRequestTimeout = 10 * time.Second
	defaultMaxRetries     = 2
)

// ClientConfig holds the registration details for one EHR.
type ClientConfig struct {
	// IssuerURL is the FHIR base URL, which doubles as the aud value
	// on authorization requests.
	IssuerURL string

	// ClientID is the identifier issued at registration.
	ClientID string

	// ClientSecret authenticates client_secret_basic clients.
	ClientSecret string

	// RedirectURL is the registered callback URL.
	RedirectURL string

	// AuthStyle selects the token endpoint authentication method.
	// Empty infers private_key_jwt when a signing key is set, basic
	// when a secret is set, and none otherwise.
	AuthStyle AuthStyle

	// SigningKey and SigningKeyID configure private_key_jwt.
	SigningKey   *rsa.PrivateKey
	SigningKeyID string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// RequestTimeout bounds provider API calls (default: 10s).
	RequestTimeout time.Duration

	// MaxRetries is the number of retries after the first attempt for
	// transient token endpoint failures (default: 2).
	MaxRetries int

	// Discoverer resolves SMART configuration. Nil creates one with
	// defaults.
	Discoverer *Discoverer

	// Logger for debug messages (nil uses default logger).
	Logger *slog.Logger
}

// HTTPClient is the production Client implementation. Endpoints come
// from SMART configuration discovery on first use; tokens are obtained
// over a retrying HTTP transport.
type HTTPClient struct {
	issuer         string
	clientID       string
	clientSecret   string
	redirectURL    string
	authStyle      AuthStyle
	signer         *AssertionSigner
	discoverer     *Discoverer
	httpClient     *http.Client
	requestTimeout time.Duration
	maxRetries     int
	logger         *slog.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a provider client for one EHR registration.
func NewHTTPClient(cfg *ClientConfig) (*HTTPClient, error) {
	if cfg.IssuerURL == "" {
		return nil, fmt.Errorf("issuer URL is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.RedirectURL == "" {
		return nil, fmt.Errorf("redirect URL is required")
	}

	discoverer := cfg.Discoverer
	// SECURITY: Validate issuer URL with SSRF protection. An injected
	// test discoverer opts out for loopback servers.
	if discoverer == nil || !discoverer.skipValidation {
		if err := ValidateIssuerURL(cfg.IssuerURL); err != nil {
			return nil, fmt.Errorf("invalid issuer URL: %w", err)
		}
	}

	style, err := resolveAuthStyle(cfg)
	if err != nil {
		return nil, err
	}

	var signer *AssertionSigner
	if style == AuthStylePrivateKeyJWT {
		signer, err = NewAssertionSigner(cfg.SigningKey, cfg.SigningKeyID, cfg.ClientID)
		if err != nil {
			return nil, fmt.Errorf("invalid private_key_jwt configuration: %w", err)
		}
	}

	requestTimeout := cfg.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = defaultRequestTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}
	if discoverer == nil {
		discoverer = NewDiscoverer(httpClient, 0, cfg.Logger)
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPClient{
		issuer:         util.NormalizeURL(cfg.IssuerURL),
		clientID:       cfg.ClientID,
		clientSecret:   cfg.ClientSecret,
		redirectURL:    cfg.RedirectURL,
		authStyle:      style,
		signer:         signer,
		discoverer:     discoverer,
		httpClient:     httpClient,
		requestTimeout: requestTimeout,
		maxRetries:     maxRetries,
		logger:         logger,
	}, nil
}

// resolveAuthStyle validates the configured style against the supplied
// credentials, inferring one when unset.
func resolveAuthStyle(cfg *ClientConfig) (AuthStyle, error) {
	switch cfg.AuthStyle {
	case "":
		if cfg.SigningKey != nil {
			return AuthStylePrivateKeyJWT, nil
		}
		if cfg.ClientSecret != "" {
			return AuthStyleBasic, nil
		}
		return AuthStyleNone, nil
	case AuthStyleNone:
		return AuthStyleNone, nil
	case AuthStyleBasic:
		if cfg.ClientSecret == "" {
			return "", fmt.Errorf("client_secret_basic requires a client secret")
		}
		return AuthStyleBasic, nil
	case AuthStylePrivateKeyJWT:
		if cfg.SigningKey == nil {
			return "", fmt.Errorf("private_key_jwt requires a signing key")
		}
		return AuthStylePrivateKeyJWT, nil
	default:
		return "", fmt.Errorf("unknown auth style %q", cfg.AuthStyle)
	}
}

// Issuer returns the normalized FHIR base URL.
func (c *HTTPClient) Issuer() string {
	return c.issuer
}

// AuthorizationURL builds the redirect URL for the authorization leg.
// The aud parameter always carries the issuer so the EHR can verify the
// app is targeting the right FHIR server.
func (c *HTTPClient) AuthorizationURL(ctx context.Context, state, codeChallenge, launch string, scopes []string) (string, error) {
	if state == "" {
		return "", fmt.Errorf("state is required")
	}
	if codeChallenge == "" {
		return "", fmt.Errorf("code challenge is required")
	}
	if err := ValidateLaunchToken(launch); err != nil {
		return "", err
	}
	if err := ValidateScopes(scopes); err != nil {
		return "", err
	}

	cfg, err := c.discoverer.Discover(ctx, c.issuer)
	if err != nil {
		return "", err
	}

	endpoint, err := url.Parse(cfg.AuthorizationEndpoint)
	if err != nil {
		return "", fmt.Errorf("invalid authorization endpoint: %w", err)
	}

	params := endpoint.Query()
	params.Set("response_type", "code")
	params.Set("client_id", c.clientID)
	params.Set("redirect_uri", c.redirectURL)
	params.Set("scope", strings.Join(scopes, " "))
	params.Set("state", state)
	params.Set("aud", c.issuer)
	params.Set("code_challenge", codeChallenge)
	params.Set("code_challenge_method", "S256")
	if launch != "" {
		params.Set("launch", launch)
	}
	endpoint.RawQuery = params.Encode()

	return endpoint.String(), nil
}

// Exchange trades an authorization code for tokens.
func (c *HTTPClient) Exchange(ctx context.Context, code, codeVerifier string) (*TokenResponse, error) {
	if code == "" {
		return nil, fmt.Errorf("authorization code is required")
	}

	cfg, err := c.discoverer.Discover(ctx, c.issuer)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", c.redirectURL)
	if codeVerifier != "" {
		form.Set("code_verifier", codeVerifier)
	}

	return c.tokenRequest(ctx, cfg.TokenEndpoint, form)
}

// Refresh obtains a fresh access token. A non-empty scopes slice asks
// the provider for a narrowed grant.
func (c *HTTPClient) Refresh(ctx context.Context, refreshToken string, scopes []string) (*TokenResponse, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("refresh token is required")
	}
	if err := ValidateScopes(scopes); err != nil {
		return nil, err
	}

	cfg, err := c.discoverer.Discover(ctx, c.issuer)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	if len(scopes) > 0 {
		form.Set("scope", strings.Join(scopes, " "))
	}

	return c.tokenRequest(ctx, cfg.TokenEndpoint, form)
}

// Revoke invalidates a token. Providers without a revocation endpoint
// degrade gracefully to a nil return.
func (c *HTTPClient) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}

	ctx, cancel := c.ensureContextTimeout(ctx)
	defer cancel()

	cfg, err := c.discoverer.Discover(ctx, c.issuer)
	if err != nil {
		return err
	}
	if cfg.RevocationEndpoint == "" {
		// Not an error, revocation support is optional.
		return nil
	}

	form := url.Values{}
	form.Set("token", token)
	if err := c.applyClientAuthForm(form, cfg.RevocationEndpoint); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.RevocationEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.authStyle == AuthStyleBasic {
		req.SetBasicAuth(url.QueryEscape(c.clientID), url.QueryEscape(c.clientSecret))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: failed to revoke token: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// RFC 7009: 200 covers both revoked and already-invalid tokens.
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token revocation failed with status %d", resp.StatusCode)
	}

	return nil
}

// JWKSURI returns the provider's key set URL.
func (c *HTTPClient) JWKSURI(ctx context.Context) (string, error) {
	cfg, err := c.discoverer.Discover(ctx, c.issuer)
	if err != nil {
		return "", err
	}
	if cfg.JWKSUri == "" {
		return "", fmt.Errorf("provider does not publish a jwks_uri")
	}
	return cfg.JWKSUri, nil
}

// HealthCheck verifies the discovery endpoint is reachable.
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := c.ensureContextTimeout(ctx)
	defer cancel()

	if _, err := c.discoverer.Discover(ctx, c.issuer); err != nil {
		return fmt.Errorf("provider unreachable: %w", err)
	}
	return nil
}

// ensureContextTimeout adds the configured timeout when the caller's
// context has no deadline.
func (c *HTTPClient) ensureContextTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.requestTimeout)
}

// tokenRequest posts a form to the token endpoint with retries.
// Provider-side 4xx responses are terminal; network failures and 5xx
// responses are retried with exponential backoff.
func (c *HTTPClient) tokenRequest(ctx context.Context, tokenEndpoint string, form url.Values) (*TokenResponse, error) {
	ctx, cancel := c.ensureContextTimeout(ctx)
	defer cancel()

	operation := func() (*TokenResponse, error) {
		// Each attempt carries fresh client credentials: assertions are
		// single-use.
		attemptForm := url.Values{}
		for key, values := range form {
			attemptForm[key] = values
		}
		if err := c.applyClientAuthForm(attemptForm, tokenEndpoint); err != nil {
			return nil, backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(attemptForm.Encode()))
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to create token request: %w", err))
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		if c.authStyle == AuthStyleBasic {
			req.SetBasicAuth(url.QueryEscape(c.clientID), url.QueryEscape(c.clientSecret))
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: token request failed: %v", ErrUnavailable, err)
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseSize))
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read token response: %v", ErrUnavailable, err)
		}

		if resp.StatusCode == http.StatusOK {
			var tokenResp TokenResponse
			if err := json.Unmarshal(body, &tokenResp); err != nil {
				return nil, backoff.Permanent(fmt.Errorf("failed to decode token response: %w", err))
			}
			if tokenResp.AccessToken == "" {
				return nil, backoff.Permanent(fmt.Errorf("token response missing access_token"))
			}
			// SECURITY: token_type is a required response field and the
			// access token is only ever presented as a Bearer header.
			// Accepting any other type would misrepresent the token on
			// every FHIR request.
			if !strings.EqualFold(tokenResp.TokenType, "Bearer") {
				return nil, backoff.Permanent(fmt.Errorf("token response token_type %q is not Bearer", tokenResp.TokenType))
			}
			return &tokenResp, nil
		}

		errCode, errDescription := parseOAuthError(body)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, backoff.Permanent(fmt.Errorf("%w: %s (status %d): %s",
				ErrInvalidGrant, errCode, resp.StatusCode, util.SafeTruncate(errDescription, 200)))
		}
		return nil, fmt.Errorf("%w: token endpoint returned status %d", ErrUnavailable, resp.StatusCode)
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 250 * time.Millisecond
	expo.MaxInterval = 2 * time.Second

	tokenResp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(c.maxRetries+1)))
	if err != nil {
		return nil, err
	}
	return tokenResp, nil
}

// applyClientAuthForm adds form-level client credentials. Basic auth
// is applied at request construction instead.
func (c *HTTPClient) applyClientAuthForm(form url.Values, tokenEndpoint string) error {
	switch c.authStyle {
	case AuthStyleNone:
		form.Set("client_id", c.clientID)
	case AuthStylePrivateKeyJWT:
		assertion, err := c.signer.Sign(tokenEndpoint)
		if err != nil {
			return err
		}
		form.Set("client_assertion_type", clientAssertionType)
		form.Set("client_assertion", assertion)
	}
	return nil
}

// parseOAuthError extracts the error and error_description members of
// an RFC 6749 error response, tolerating non-JSON bodies.
func parseOAuthError(body []byte) (code, description string) {
	var oauthErr struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &oauthErr); err != nil || oauthErr.Error == "" {
		return "unknown_error", util.SafeTruncate(string(body), 200)
	}
	return oauthErr.Error, oauthErr.ErrorDescription
}
