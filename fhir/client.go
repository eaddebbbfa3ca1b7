// Package fhir is a minimal session-scoped FHIR HTTP adapter. It issues
// requests against the FHIR base URL the session's launch bound it to,
// fetching the bearer token from the authorization flow on every
// request so proactive refresh applies automatically. The refresh token
// never passes through this package.
package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/fhirkit/smart-launch/claims"
)

const (
	// fhirJSON is the FHIR REST content type.
	fhirJSON = "application/fhir+json"

	// maxResponseSize caps FHIR response bodies (10 MB). Servers
	// paginate search results, so anything larger is suspect.
	maxResponseSize = 10 * 1024 * 1024

	defaultTimeout = 30 * time.Second
)

// Flow is the slice of the authorization flow the adapter needs: the
// session's launch context and a current bearer token. *smart.Flow
// satisfies it.
type Flow interface {
	Context(ctx context.Context, sessionID string) (*claims.LaunchContext, error)
	BearerToken(ctx context.Context, sessionID string) (string, error)
}

// RequestError is a non-2xx FHIR response. Body carries the response
// payload, typically an OperationOutcome.
type RequestError struct {
	StatusCode int
	Resource   string
	Body       []byte
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("fhir request for %s failed with status %d", e.Resource, e.StatusCode)
}

// Client is a FHIR client scoped to one authenticated session.
type Client struct {
	flow      Flow
	sessionID string
	baseURL   string
	http      *http.Client
	logger    *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a FHIR client for a session. The session must be
// authenticated; the FHIR base URL is taken from its launch context.
func NewClient(ctx context.Context, flow Flow, sessionID string, opts ...Option) (*Client, error) {
	if flow == nil {
		return nil, fmt.Errorf("flow is required")
	}
	if sessionID == "" {
		return nil, fmt.Errorf("session ID is required")
	}

	launchCtx, err := flow.Context(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load launch context: %w", err)
	}
	if launchCtx.FHIRBaseURL == "" {
		return nil, fmt.Errorf("launch context has no FHIR base URL")
	}

	c := &Client{
		flow:      flow,
		sessionID: sessionID,
		baseURL:   strings.TrimRight(launchCtx.FHIRBaseURL, "/"),
		http:      &http.Client{Timeout: defaultTimeout},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Read fetches a single resource: GET {base}/{type}/{id}.
func (c *Client) Read(ctx context.Context, resourceType, id string) (json.RawMessage, error) {
	if resourceType == "" || id == "" {
		return nil, fmt.Errorf("resource type and id are required")
	}
	target := fmt.Sprintf("%s/%s/%s", c.baseURL, url.PathEscape(resourceType), url.PathEscape(id))
	return c.get(ctx, target, resourceType+"/"+id)
}

// Search queries a resource type: GET {base}/{type}?{query}.
func (c *Client) Search(ctx context.Context, resourceType string, query url.Values) (json.RawMessage, error) {
	if resourceType == "" {
		return nil, fmt.Errorf("resource type is required")
	}
	target := c.baseURL + "/" + url.PathEscape(resourceType)
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	return c.get(ctx, target, resourceType)
}

// Patient fetches the patient the launch put in context.
func (c *Client) Patient(ctx context.Context) (json.RawMessage, error) {
	launchCtx, err := c.flow.Context(ctx, c.sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load launch context: %w", err)
	}
	if launchCtx.Patient == "" {
		return nil, fmt.Errorf("no patient in launch context")
	}
	return c.Read(ctx, "Patient", launchCtx.Patient)
}

// get performs an authenticated FHIR GET. The bearer is fetched from
// the flow per request, so proactive refresh and graceful degradation
// happen there, not here.
func (c *Client) get(ctx context.Context, target, resource string) (json.RawMessage, error) {
	token, err := c.flow.BearerToken(ctx, c.sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain bearer token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", fhirJSON)
	(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}).SetAuthHeader(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fhir request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("FHIR request failed",
			"resource", resource,
			"status", resp.StatusCode)
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Resource:   resource,
			Body:       body,
		}
	}

	return json.RawMessage(body), nil
}
