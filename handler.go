package smart

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/fhirkit/smart-launch/claims"
	"github.com/fhirkit/smart-launch/provider"
	"github.com/fhirkit/smart-launch/security"
)

const (
	// SessionCookieName carries the session identifier across the
	// authorization round trip.
	SessionCookieName = "smart_session"

	sessionCookieMaxAge = 24 * 60 * 60 // 24 hours
)

// OnAuthenticatedFunc is invoked after a successful callback exchange,
// before the response is written. Returning a non-empty URL redirects
// the browser there instead of the default JSON response.
type OnAuthenticatedFunc func(r *http.Request, sessionID string, launchContext *claims.LaunchContext) (redirectURL string)

// Handler is a thin HTTP adapter for the Flow. It owns the session
// cookie, per-IP rate limiting, and the mapping of flow errors onto
// HTTP responses.
type Handler struct {
	flow   *Flow
	logger *slog.Logger
	tracer trace.Tracer

	rateLimiter *security.RateLimiter
	apiSecret   *security.SecretVerifier
	signer      *provider.AssertionSigner

	trustProxy        bool
	trustedProxyCount int

	// OnAuthenticated is an optional hook for the embedding server
	OnAuthenticated OnAuthenticatedFunc
}

// NewHandler creates a new HTTP handler for a flow.
func NewHandler(flow *Flow) (*Handler, error) {
	cfg := flow.config

	h := &Handler{
		flow:              flow,
		logger:            flow.logger,
		trustProxy:        cfg.RateLimit.TrustProxy,
		trustedProxyCount: cfg.RateLimit.TrustedProxyCount,
	}

	if flow.instrumentation != nil {
		h.tracer = flow.instrumentation.Tracer("http")
	}

	if cfg.RateLimit.Rate > 0 {
		h.rateLimiter = security.NewRateLimiter(cfg.RateLimit.Rate, cfg.RateLimit.Burst, flow.logger)
	}

	if cfg.Security.APIToken != "" {
		verifier, err := security.NewSecretVerifier(cfg.Security.APIToken)
		if err != nil {
			return nil, err
		}
		h.apiSecret = verifier
	}

	if cfg.Client.AuthStyle == provider.AuthStylePrivateKeyJWT && cfg.Client.SigningKey != nil {
		signer, err := provider.NewAssertionSigner(cfg.Client.SigningKey, cfg.Client.SigningKeyID, cfg.Client.ClientID)
		if err != nil {
			return nil, err
		}
		h.signer = signer
	}

	return h, nil
}

// RegisterRoutes registers the SMART endpoints on a mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/smart/launch", security.RequestIDMiddleware(http.HandlerFunc(h.ServeLaunch)))
	mux.Handle("/smart/callback", security.RequestIDMiddleware(http.HandlerFunc(h.ServeCallback)))
	mux.Handle("/smart/status", security.RequestIDMiddleware(http.HandlerFunc(h.ServeStatus)))
	mux.Handle("/smart/logout", security.RequestIDMiddleware(http.HandlerFunc(h.ServeLogout)))
	mux.Handle("/smart/token", security.RequestIDMiddleware(http.HandlerFunc(h.ServeToken)))
	mux.Handle("/smart/jwks.json", http.HandlerFunc(h.ServeJWKS))
}

// Stop releases handler resources (the rate limiter's cleanup goroutine).
func (h *Handler) Stop() {
	if h.rateLimiter != nil {
		h.rateLimiter.Stop()
	}
}

// ServeLaunch handles the inbound launch request: GET /smart/launch?iss=...&launch=...
func (h *Handler) ServeLaunch(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	if r.Method != http.MethodGet {
		h.writeError(w, ErrorCodeInvalidRequest, "Method not allowed.", http.StatusMethodNotAllowed)
		return
	}

	clientIP := security.GetClientIP(r, h.trustProxy, h.trustedProxyCount)
	if h.checkRateLimit(w, r, clientIP) {
		return
	}

	iss := r.URL.Query().Get("iss")
	if iss == "" {
		h.writeError(w, ErrorCodeInvalidRequest, "Missing required parameter: iss.", http.StatusBadRequest)
		h.recordHTTPMetrics(r.Context(), "launch", r.Method, http.StatusBadRequest, startTime)
		return
	}
	launch := r.URL.Query().Get("launch")

	sessionID := h.ensureSessionCookie(w, r)

	redirectURL, err := h.flow.BeginLaunch(r.Context(), LaunchRequest{
		Issuer:    iss,
		Launch:    launch,
		SessionID: sessionID,
	})
	if err != nil {
		status := h.writeFlowError(w, err)
		h.recordHTTPMetrics(r.Context(), "launch", r.Method, status, startTime)
		return
	}

	h.recordHTTPMetrics(r.Context(), "launch", r.Method, http.StatusFound, startTime)
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// ServeCallback handles the provider redirect: GET /smart/callback?code=...&state=...
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	if r.Method != http.MethodGet {
		h.writeError(w, ErrorCodeInvalidRequest, "Method not allowed.", http.StatusMethodNotAllowed)
		return
	}

	clientIP := security.GetClientIP(r, h.trustProxy, h.trustedProxyCount)
	if h.checkRateLimit(w, r, clientIP) {
		return
	}

	query := r.URL.Query()

	// The provider reports user denial and its own errors here.
	// SECURITY: The provider's error_description is not echoed back.
	if provErr := query.Get("error"); provErr != "" {
		h.logger.Warn("Provider returned authorization error", "error", provErr)
		// The attempt is over; drop the pending flow so the session can
		// relaunch immediately instead of waiting out the flow TTL.
		if sessionID := h.sessionID(r); sessionID != "" {
			h.flow.CancelPending(r.Context(), sessionID)
		}
		h.writeError(w, ErrorCodeInvalidGrant, "The identity provider denied the authorization request.", http.StatusBadRequest)
		h.recordHTTPMetrics(r.Context(), "callback", r.Method, http.StatusBadRequest, startTime)
		return
	}

	code := query.Get("code")
	state := query.Get("state")
	if code == "" || state == "" {
		h.writeError(w, ErrorCodeInvalidRequest, "Missing required parameters: code, state.", http.StatusBadRequest)
		h.recordHTTPMetrics(r.Context(), "callback", r.Method, http.StatusBadRequest, startTime)
		return
	}

	sessionID := h.sessionID(r)
	if sessionID == "" {
		h.writeError(w, ErrorCodeStateMismatch, "No session is associated with this callback.", http.StatusBadRequest)
		h.recordHTTPMetrics(r.Context(), "callback", r.Method, http.StatusBadRequest, startTime)
		return
	}

	launchContext, err := h.flow.HandleCallback(r.Context(), sessionID, state, code)
	if err != nil {
		status := h.writeFlowError(w, err)
		h.recordHTTPMetrics(r.Context(), "callback", r.Method, status, startTime)
		return
	}

	if h.OnAuthenticated != nil {
		if redirectURL := h.OnAuthenticated(r, sessionID, launchContext); redirectURL != "" {
			h.recordHTTPMetrics(r.Context(), "callback", r.Method, http.StatusFound, startTime)
			http.Redirect(w, r, redirectURL, http.StatusFound)
			return
		}
	}

	h.recordHTTPMetrics(r.Context(), "callback", r.Method, http.StatusOK, startTime)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "authenticated",
		"patient":        launchContext.Patient,
		"encounter":      launchContext.Encounter,
		"fhir_base_url":  launchContext.FHIRBaseURL,
		"granted_scopes": launchContext.GrantedScopes,
	})
}

// ServeStatus reports the session's authorization phase: GET /smart/status
func (h *Handler) ServeStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, ErrorCodeInvalidRequest, "Method not allowed.", http.StatusMethodNotAllowed)
		return
	}

	sessionID := h.sessionID(r)
	if sessionID == "" {
		h.writeJSON(w, http.StatusOK, map[string]any{"phase": PhaseUnauthenticated.String()})
		return
	}

	response := map[string]any{"phase": h.flow.Phase(sessionID).String()}
	if launchContext, err := h.flow.Context(r.Context(), sessionID); err == nil {
		response["patient"] = launchContext.Patient
		response["fhir_base_url"] = launchContext.FHIRBaseURL
		response["granted_scopes"] = launchContext.GrantedScopes
	}
	h.writeJSON(w, http.StatusOK, response)
}

// ServeLogout revokes the session: POST /smart/logout
func (h *Handler) ServeLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, ErrorCodeInvalidRequest, "Method not allowed.", http.StatusMethodNotAllowed)
		return
	}

	sessionID := h.sessionID(r)
	if sessionID != "" {
		if err := h.flow.Revoke(r.Context(), sessionID); err != nil {
			h.logger.Error("Revocation failed", "error", err)
			h.writeError(w, ErrorCodeProviderUnavailable, "Logout could not be completed.", http.StatusInternalServerError)
			return
		}
	}

	h.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// ServeToken hands the bearer token and launch context to code running
// inside the session: GET /smart/token with the configured API token.
// Disabled entirely when no API token is configured.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, ErrorCodeInvalidRequest, "Method not allowed.", http.StatusMethodNotAllowed)
		return
	}

	if h.apiSecret == nil {
		http.NotFound(w, r)
		return
	}
	if !h.apiSecret.Verify(bearerToken(r)) {
		h.writeError(w, ErrorCodeInvalidToken, "Invalid API token.", http.StatusUnauthorized)
		return
	}

	sessionID := h.sessionID(r)
	if sessionID == "" {
		h.writeError(w, ErrorCodeSessionNotFound, "No session is associated with this request.", http.StatusNotFound)
		return
	}

	accessToken, err := h.flow.BearerToken(r.Context(), sessionID)
	if err != nil {
		h.writeFlowError(w, err)
		return
	}
	launchContext, err := h.flow.Context(r.Context(), sessionID)
	if err != nil {
		h.writeFlowError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"context":      launchContext,
	})
}

// ServeJWKS publishes the public JWKS for private_key_jwt client
// registration: GET /smart/jwks.json
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	if h.signer == nil {
		http.NotFound(w, r)
		return
	}

	jwks, err := h.signer.PublicJWKS()
	if err != nil {
		h.logger.Error("Failed to build JWKS", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(jwks)
}

// ============================================================
// Helpers
// ============================================================

// sessionID returns the session identifier from the request cookie, or
// empty when absent.
func (h *Handler) sessionID(r *http.Request) string {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// ensureSessionCookie returns the existing session ID or mints a new
// one. SameSite=Lax so the cookie survives the provider's top-level
// redirect back to the callback.
func (h *Handler) ensureSessionCookie(w http.ResponseWriter, r *http.Request) string {
	if id := h.sessionID(r); id != "" {
		return id
	}

	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   sessionCookieMaxAge,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

// checkRateLimit returns true when the request was rejected.
func (h *Handler) checkRateLimit(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if h.rateLimiter == nil || h.rateLimiter.Allow(clientIP) {
		return false
	}

	h.flow.auditor.LogRateLimitExceeded(clientIP, h.sessionID(r))
	if h.flow.instrumentation != nil {
		h.flow.instrumentation.Metrics().RecordRateLimitExceeded(r.Context(), "ip")
	}
	h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return true
}

// writeFlowError maps a flow error onto an HTTP response and returns
// the status written. Unexpected errors become an opaque 500.
func (h *Handler) writeFlowError(w http.ResponseWriter, err error) int {
	var flowErr *FlowError
	if errors.As(err, &flowErr) {
		h.writeError(w, flowErr.Code, flowErr.Description, flowErr.Status)
		return flowErr.Status
	}

	h.logger.Error("Unexpected flow error", "error", err)
	h.writeError(w, "server_error", "An internal error occurred.", http.StatusInternalServerError)
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, "")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	security.SetSecurityHeaders(w, "")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, startTime time.Time) {
	if h.flow.instrumentation == nil {
		return
	}
	durationMs := float64(time.Since(startTime).Milliseconds())
	h.flow.instrumentation.Metrics().RecordHTTPRequest(ctx, method, endpoint, status, durationMs)
}

// bearerToken extracts the bearer credential from the Authorization
// header, or returns empty.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
