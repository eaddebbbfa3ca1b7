// Package smart implements the SMART App Launch authorization flow: it
// mediates the OAuth2 authorization-code exchange between an
// interactive session and a clinical data server, validates the
// returned tokens, and binds the resulting launch context to the
// session so code running inside it can call the FHIR API without ever
// seeing raw credentials.
package smart

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/fhirkit/smart-launch/claims"
	"github.com/fhirkit/smart-launch/instrumentation"
	"github.com/fhirkit/smart-launch/internal/util"
	"github.com/fhirkit/smart-launch/provider"
	"github.com/fhirkit/smart-launch/security"
	"github.com/fhirkit/smart-launch/storage"
)

// Stores groups the storage interfaces the flow needs. A single backend
// (memory or valkey) normally implements all three.
type Stores struct {
	Tokens   storage.TokenStore
	Flows    storage.FlowStore
	Contexts storage.ContextStore
}

// Flow is the per-session authorization state machine. All operations
// for one session are mutually exclusive; a second concurrent operation
// fails fast with AlreadyProcessing rather than blocking (Revoke being
// the exception, which waits).
type Flow struct {
	config          *Config
	logger          *slog.Logger
	auditor         *security.Auditor
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	validator       *claims.Validator

	tokens   storage.TokenStore
	flows    storage.FlowStore
	contexts storage.ContextStore

	// allowedIssuers maps normalized issuer URL to the configured form
	allowedIssuers map[string]string

	clientFactory func(issuer string) (provider.Client, error)
	clients       sync.Map // normalized issuer -> provider.Client

	sessionLocks  sync.Map // sessionID -> *sync.Mutex
	phases        sync.Map // sessionID -> Phase
	pendingStates sync.Map // sessionID -> state nonce
}

// NewFlow creates the authorization state machine. ctx governs the
// lifetime of the background JWKS refresher used for id_token
// validation.
func NewFlow(ctx context.Context, cfg *Config, stores Stores) (*Flow, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.applySecureDefaults(); err != nil {
		return nil, err
	}
	if stores.Tokens == nil || stores.Flows == nil || stores.Contexts == nil {
		return nil, fmt.Errorf("token, flow, and context stores are required")
	}

	validator := cfg.Validator
	if validator == nil {
		var err error
		validator, err = claims.NewValidator(ctx, &claims.ValidatorConfig{
			ClientID:       cfg.Client.ClientID,
			Issuer:         cfg.Flow.IDTokenIssuer,
			RequireIDToken: cfg.Flow.RequireIDToken,
			Logger:         cfg.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create claim validator: %w", err)
		}
	}

	allowed := make(map[string]string, len(cfg.Flow.AllowedIssuers))
	for _, issuer := range cfg.Flow.AllowedIssuers {
		allowed[util.NormalizeURL(issuer)] = issuer
	}

	f := &Flow{
		config:          cfg,
		logger:          cfg.Logger,
		auditor:         security.NewAuditor(cfg.Logger, cfg.Security.EnableAuditLogging),
		instrumentation: cfg.Instrumentation,
		validator:       validator,
		tokens:          stores.Tokens,
		flows:           stores.Flows,
		contexts:        stores.Contexts,
		allowedIssuers:  allowed,
	}

	if cfg.Instrumentation != nil {
		f.tracer = cfg.Instrumentation.Tracer("flow")
	}

	f.clientFactory = cfg.ClientFactory
	if f.clientFactory == nil {
		f.clientFactory = func(issuer string) (provider.Client, error) {
			cc := cfg.Client
			cc.IssuerURL = issuer
			cc.Logger = cfg.Logger
			return provider.NewHTTPClient(&cc)
		}
	}

	return f, nil
}

// BeginLaunch starts an authorization flow for a session: it generates
// the state nonce and PKCE pair, records the pending flow, and returns
// the provider redirect URL. Fails with InvalidIssuer for issuers
// outside the allow-list and AlreadyProcessing when an unexpired flow
// is already pending for the session.
func (f *Flow) BeginLaunch(ctx context.Context, req LaunchRequest) (string, error) {
	ctx, span := f.startSpan(ctx, "begin_launch")
	defer span.End()

	if req.SessionID == "" {
		return "", NewFlowError(ErrorCodeSessionNotFound, "Session identifier is required.", http.StatusBadRequest)
	}
	if err := provider.ValidateLaunchToken(req.Launch); err != nil {
		return "", NewFlowError(ErrorCodeInvalidRequest, "The launch token is malformed.", http.StatusBadRequest)
	}

	issuer, ok := f.allowedIssuers[util.NormalizeURL(req.Issuer)]
	if !ok {
		f.auditor.LogAuthFailure(req.SessionID, req.Issuer, "", "issuer not allow-listed")
		return "", ErrInvalidIssuer("The requested FHIR server is not allowed.")
	}

	mu := f.sessionLock(req.SessionID)
	if !mu.TryLock() {
		return "", ErrAlreadyProcessing("Another authorization operation is in progress for this session.")
	}
	defer mu.Unlock()

	// A prior unexpired pending flow blocks a new launch; an expired
	// leftover is replaced.
	if nonce, ok := f.pendingStates.Load(req.SessionID); ok {
		prior, err := f.flows.GetFlowState(ctx, nonce.(string))
		switch {
		case err == nil && !prior.Expired(time.Now()):
			return "", ErrAlreadyProcessing("An authorization flow is already pending for this session.")
		case err == nil:
			_ = f.flows.DeleteFlowState(ctx, nonce.(string))
			f.pendingStates.Delete(req.SessionID)
		case errors.Is(err, storage.ErrFlowStateNotFound):
			f.pendingStates.Delete(req.SessionID)
		default:
			return "", fmt.Errorf("failed to check pending flow: %w", err)
		}
	}

	client, err := f.client(issuer)
	if err != nil {
		return "", ErrProviderUnavailable("The identity provider could not be configured.")
	}

	state := oauth2.GenerateVerifier()
	verifier := oauth2.GenerateVerifier()
	challenge := oauth2.S256ChallengeFromVerifier(verifier)

	redirectURL, err := client.AuthorizationURL(ctx, state, challenge, req.Launch, f.config.Flow.Scopes)
	if err != nil {
		f.logger.Error("Failed to build authorization URL", "issuer", issuer, "error", err)
		instrumentation.RecordError(span, err)
		return "", ErrProviderUnavailable("The identity provider is not reachable.")
	}

	now := time.Now()
	flowState := &storage.FlowState{
		SessionID:       req.SessionID,
		State:           state,
		PKCEVerifier:    verifier,
		CodeChallenge:   challenge,
		Issuer:          issuer,
		Launch:          req.Launch,
		RequestedScopes: f.config.Flow.Scopes,
		RedirectURI:     f.config.Client.RedirectURL,
		CreatedAt:       now,
		ExpiresAt:       now.Add(f.config.Flow.StateTTL),
	}
	if err := f.flows.SaveFlowState(ctx, flowState); err != nil {
		return "", fmt.Errorf("failed to save flow state: %w", err)
	}

	f.pendingStates.Store(req.SessionID, state)
	f.setPhase(req.SessionID, PhaseAwaitingCallback)

	f.auditor.LogLaunchStarted(req.SessionID, issuer, "")
	if f.instrumentation != nil {
		f.instrumentation.Metrics().RecordLaunchStarted(ctx, issuer)
	}
	instrumentation.AddLaunchAttributes(span, issuer, security.HashForLogging(req.SessionID), "")
	instrumentation.SetSpanSuccess(span)

	f.logger.Info("Launch started",
		"session_hash", security.HashForLogging(req.SessionID),
		"issuer", issuer,
		"launch_type", launchType(req.Launch))

	return redirectURL, nil
}

// HandleCallback completes the flow: it consumes the pending state
// (single use, even on failure), exchanges the code, validates the
// token response, persists the token set, and returns the launch
// context.
func (f *Flow) HandleCallback(ctx context.Context, sessionID, returnedState, code string) (*claims.LaunchContext, error) {
	ctx, span := f.startSpan(ctx, "handle_callback")
	defer span.End()

	mu := f.sessionLock(sessionID)
	if !mu.TryLock() {
		return nil, ErrAlreadyProcessing("Another authorization operation is in progress for this session.")
	}
	defer mu.Unlock()

	nonce, ok := f.pendingStates.Load(sessionID)
	if !ok {
		f.auditor.LogStateReplay(sessionID, "")
		return nil, ErrStateMismatch("No authorization flow is pending for this session.")
	}
	f.pendingStates.Delete(sessionID)

	// SECURITY: Consume the stored flow before any comparison so the
	// state is single-use regardless of outcome.
	flowState, err := f.flows.ConsumeFlowState(ctx, nonce.(string))
	if err != nil {
		f.setPhase(sessionID, PhaseUnauthenticated)
		if errors.Is(err, storage.ErrFlowStateNotFound) {
			f.recordReplay(ctx, sessionID)
			return nil, ErrStateMismatch("The authorization state was already used or has expired.")
		}
		return nil, fmt.Errorf("failed to consume flow state: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(returnedState), []byte(flowState.State)) != 1 {
		f.setPhase(sessionID, PhaseUnauthenticated)
		f.recordReplay(ctx, sessionID)
		return nil, ErrStateMismatch("The authorization state does not match.")
	}

	if flowState.Expired(time.Now()) {
		f.setPhase(sessionID, PhaseUnauthenticated)
		f.auditor.LogAuthFailure(sessionID, flowState.Issuer, "", "state expired")
		return nil, ErrStateExpired("The authorization request expired. Start the launch again.")
	}

	f.setPhase(sessionID, PhaseExchanging)
	issuer := flowState.Issuer

	client, err := f.client(issuer)
	if err != nil {
		f.setPhase(sessionID, PhaseUnauthenticated)
		return nil, ErrProviderUnavailable("The identity provider could not be configured.")
	}

	resp, err := client.Exchange(ctx, code, flowState.PKCEVerifier)
	if err != nil {
		f.setPhase(sessionID, PhaseUnauthenticated)
		f.recordCallback(ctx, issuer, false)
		instrumentation.RecordError(span, err)
		switch {
		case errors.Is(err, provider.ErrInvalidGrant):
			f.auditor.LogAuthFailure(sessionID, issuer, "", "authorization code rejected")
			return nil, ErrInvalidGrant("The authorization code was rejected by the identity provider.")
		default:
			return nil, ErrProviderUnavailable("The identity provider is not reachable.")
		}
	}

	jwksURL, err := client.JWKSURI(ctx)
	if err != nil {
		f.logger.Debug("No JWKS URI available", "issuer", issuer, "error", err)
	}

	launchContext, err := f.validator.Validate(ctx, flowState.RequestedScopes, issuer, jwksURL, resp)
	if err != nil {
		f.setPhase(sessionID, PhaseUnauthenticated)
		f.recordCallback(ctx, issuer, false)
		instrumentation.RecordError(span, err)
		switch {
		case errors.Is(err, claims.ErrScopeEscalation):
			f.auditor.LogScopeEscalation(sessionID, issuer, claims.SplitScopes(resp.Scope))
			if f.instrumentation != nil {
				f.instrumentation.Metrics().RecordScopeEscalation(ctx, issuer)
			}
			return nil, ErrScopeEscalation("The identity provider granted more access than was requested.")
		default:
			f.auditor.LogAuthFailure(sessionID, issuer, "", "id_token validation failed")
			if f.instrumentation != nil {
				f.instrumentation.Metrics().RecordIDTokenValidationFailed(ctx, "callback")
			}
			return nil, ErrInvalidToken("The identity token could not be validated.")
		}
	}

	tokenSet := &storage.TokenSet{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		IDToken:      resp.IDToken,
		TokenType:    resp.TokenType,
		Expiry:       resp.Expiry(time.Now()),
		Scopes:       launchContext.GrantedScopes,
		Issuer:       issuer,
	}
	if err := f.tokens.SaveTokenSet(ctx, sessionID, tokenSet); err != nil {
		f.setPhase(sessionID, PhaseUnauthenticated)
		return nil, fmt.Errorf("failed to persist token set: %w", err)
	}
	if err := f.contexts.SaveLaunchContext(ctx, sessionID, launchContext); err != nil {
		f.setPhase(sessionID, PhaseUnauthenticated)
		return nil, fmt.Errorf("failed to persist launch context: %w", err)
	}

	f.setPhase(sessionID, PhaseAuthenticated)
	f.auditor.LogLaunchCompleted(sessionID, issuer, launchContext.Patient, launchContext.GrantedScopes)
	f.recordCallback(ctx, issuer, true)
	if f.instrumentation != nil {
		f.instrumentation.Metrics().RecordCodeExchange(ctx, issuer)
	}
	instrumentation.SetSpanSuccess(span)

	f.logger.Info("Launch completed",
		"session_hash", security.HashForLogging(sessionID),
		"issuer", issuer,
		"granted_scopes", launchContext.GrantedScopes)

	return launchContext, nil
}

// CancelPending abandons the session's pending authorization flow, if
// any. Called when the provider reports a terminal error on the
// callback instead of a code, so the user can start a new launch
// immediately rather than waiting out the flow TTL.
func (f *Flow) CancelPending(ctx context.Context, sessionID string) {
	mu := f.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	if nonce, ok := f.pendingStates.LoadAndDelete(sessionID); ok {
		_ = f.flows.DeleteFlowState(ctx, nonce.(string))
	}
	if p, ok := f.phases.Load(sessionID); ok && p.(Phase) == PhaseAwaitingCallback {
		f.phases.Store(sessionID, PhaseUnauthenticated)
	}
}

// Refresh renews the session's access token with its refresh token. On
// a provider invalid_grant the session transitions to Revoked and its
// tokens are deleted; on a transient failure the prior token set is
// kept.
func (f *Flow) Refresh(ctx context.Context, sessionID string) (*storage.TokenSet, error) {
	mu := f.sessionLock(sessionID)
	if !mu.TryLock() {
		return nil, ErrAlreadyProcessing("Another authorization operation is in progress for this session.")
	}
	defer mu.Unlock()

	return f.refreshLocked(ctx, sessionID)
}

// refreshLocked performs the refresh. Callers must hold the session lock.
func (f *Flow) refreshLocked(ctx context.Context, sessionID string) (*storage.TokenSet, error) {
	ctx, span := f.startSpan(ctx, "refresh")
	defer span.End()

	current, err := f.tokens.GetTokenSet(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrTokenSetNotFound) {
			return nil, ErrSessionNotFound("No authenticated session exists.")
		}
		return nil, fmt.Errorf("failed to load token set: %w", err)
	}
	if current.RefreshToken == "" {
		return nil, ErrInvalidGrant("The session has no refresh token.")
	}

	f.setPhase(sessionID, PhaseRefreshing)
	issuer := current.Issuer

	client, err := f.client(issuer)
	if err != nil {
		f.setPhase(sessionID, PhaseAuthenticated)
		return nil, ErrProviderUnavailable("The identity provider could not be configured.")
	}

	resp, err := client.Refresh(ctx, current.RefreshToken, current.Scopes)
	if err != nil {
		instrumentation.RecordError(span, err)
		if errors.Is(err, provider.ErrInvalidGrant) {
			// The grant is dead. Drop the session's credentials so a
			// stale token set cannot resurface.
			_ = f.tokens.DeleteTokenSet(ctx, sessionID)
			_ = f.contexts.DeleteLaunchContext(ctx, sessionID)
			f.setPhase(sessionID, PhaseRevoked)
			f.auditor.LogAuthFailure(sessionID, issuer, "", "refresh token rejected")
			return nil, ErrInvalidGrant("The refresh token was rejected. Start the launch again.")
		}
		f.setPhase(sessionID, PhaseAuthenticated)
		return nil, ErrProviderUnavailable("The identity provider is not reachable.")
	}

	granted := claims.SplitScopes(resp.Scope)
	if escalated := claims.Escalated(current.Scopes, granted); len(escalated) > 0 {
		f.setPhase(sessionID, PhaseAuthenticated)
		f.auditor.LogScopeEscalation(sessionID, issuer, granted)
		if f.instrumentation != nil {
			f.instrumentation.Metrics().RecordScopeEscalation(ctx, issuer)
		}
		return nil, ErrScopeEscalation("The identity provider granted more access than the session held.")
	}

	rotated := resp.RefreshToken != "" && resp.RefreshToken != current.RefreshToken

	updated := &storage.TokenSet{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		IDToken:      resp.IDToken,
		TokenType:    resp.TokenType,
		Expiry:       resp.Expiry(time.Now()),
		Scopes:       granted,
		Issuer:       issuer,
	}
	// Providers may omit fields that have not changed.
	if updated.RefreshToken == "" {
		updated.RefreshToken = current.RefreshToken
	}
	if updated.IDToken == "" {
		updated.IDToken = current.IDToken
	}
	if len(updated.Scopes) == 0 {
		updated.Scopes = current.Scopes
	}

	if err := f.tokens.SaveTokenSet(ctx, sessionID, updated); err != nil {
		f.setPhase(sessionID, PhaseAuthenticated)
		return nil, fmt.Errorf("failed to persist refreshed token set: %w", err)
	}

	f.setPhase(sessionID, PhaseAuthenticated)
	f.auditor.LogTokenRefreshed(sessionID, issuer, rotated)
	if f.instrumentation != nil {
		f.instrumentation.Metrics().RecordTokenRefresh(ctx, issuer, rotated)
	}
	instrumentation.SetSpanSuccess(span)

	return updated.Clone(), nil
}

// Revoke revokes the session's tokens at the provider (best effort)
// and deletes all session state, including the in-process phase and
// pending-flow tracking, so a long-lived flow does not accumulate an
// entry per finished session. A revoked session reports Unauthenticated
// and restarts with BeginLaunch. Idempotent and safe at any phase;
// unlike the other operations it waits for an in-flight operation
// instead of failing fast.
func (f *Flow) Revoke(ctx context.Context, sessionID string) error {
	ctx, span := f.startSpan(ctx, "revoke")
	defer span.End()

	mu := f.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	current, err := f.tokens.GetTokenSet(ctx, sessionID)
	if err != nil && !errors.Is(err, storage.ErrTokenSetNotFound) {
		return fmt.Errorf("failed to load token set: %w", err)
	}

	if current != nil {
		if client, cerr := f.client(current.Issuer); cerr == nil {
			if rerr := client.Revoke(ctx, current.AccessToken); rerr != nil {
				f.logger.Warn("Provider-side access token revocation failed", "issuer", current.Issuer, "error", rerr)
			}
			if current.RefreshToken != "" {
				if rerr := client.Revoke(ctx, current.RefreshToken); rerr != nil {
					f.logger.Warn("Provider-side refresh token revocation failed", "issuer", current.Issuer, "error", rerr)
				}
			}
		}
		if f.instrumentation != nil {
			f.instrumentation.Metrics().RecordTokenRevocation(ctx, current.Issuer)
		}
	}

	if nonce, ok := f.pendingStates.LoadAndDelete(sessionID); ok {
		_ = f.flows.DeleteFlowState(ctx, nonce.(string))
	}
	if err := f.tokens.DeleteTokenSet(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete token set: %w", err)
	}
	if err := f.contexts.DeleteLaunchContext(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete launch context: %w", err)
	}

	f.phases.Delete(sessionID)
	f.auditor.LogTokenRevoked(sessionID, "")
	instrumentation.SetSpanSuccess(span)

	f.logger.Info("Session revoked", "session_hash", security.HashForLogging(sessionID))
	return nil
}

// BearerToken returns the session's access token, refreshing
// proactively when it is within the configured margin of expiry and a
// refresh token is available. The refresh token itself is never
// returned.
func (f *Flow) BearerToken(ctx context.Context, sessionID string) (string, error) {
	mu := f.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	current, err := f.tokens.GetTokenSet(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrTokenSetNotFound) {
			return "", ErrSessionNotFound("No authenticated session exists.")
		}
		return "", fmt.Errorf("failed to load token set: %w", err)
	}

	if !security.IsTokenExpiringSoon(current.Expiry, f.config.Flow.RefreshMargin) {
		return current.AccessToken, nil
	}

	if current.RefreshToken == "" {
		if security.IsTokenExpired(current.Expiry) {
			f.setPhase(sessionID, PhaseExpired)
			return "", ErrInvalidGrant("The access token expired and the session has no refresh token.")
		}
		return current.AccessToken, nil
	}

	refreshed, err := f.refreshLocked(ctx, sessionID)
	if err != nil {
		var flowErr *FlowError
		// A transient provider outage should not interrupt FHIR calls
		// while the current token is still valid.
		if errors.As(err, &flowErr) && flowErr.Code == ErrorCodeProviderUnavailable && !security.IsTokenExpired(current.Expiry) {
			return current.AccessToken, nil
		}
		return "", err
	}
	return refreshed.AccessToken, nil
}

// Context returns the launch context bound to an authenticated session.
func (f *Flow) Context(ctx context.Context, sessionID string) (*claims.LaunchContext, error) {
	launchContext, err := f.contexts.GetLaunchContext(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrContextNotFound) {
			return nil, ErrSessionNotFound("No authenticated session exists.")
		}
		return nil, fmt.Errorf("failed to load launch context: %w", err)
	}
	return launchContext, nil
}

// Phase returns the current authorization phase of a session.
func (f *Flow) Phase(sessionID string) Phase {
	if p, ok := f.phases.Load(sessionID); ok {
		return p.(Phase)
	}
	return PhaseUnauthenticated
}

// Auditor exposes the flow's security auditor for the handler layer.
func (f *Flow) Auditor() *security.Auditor {
	return f.auditor
}

// client returns the cached provider client for an issuer, creating it
// on first use.
func (f *Flow) client(issuer string) (provider.Client, error) {
	key := util.NormalizeURL(issuer)
	if c, ok := f.clients.Load(key); ok {
		return c.(provider.Client), nil
	}
	c, err := f.clientFactory(issuer)
	if err != nil {
		return nil, err
	}
	actual, _ := f.clients.LoadOrStore(key, c)
	return actual.(provider.Client), nil
}

// sessionLock returns the mutex serializing operations for a session.
func (f *Flow) sessionLock(sessionID string) *sync.Mutex {
	mu, _ := f.sessionLocks.LoadOrStore(sessionID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (f *Flow) setPhase(sessionID string, p Phase) {
	f.phases.Store(sessionID, p)
}

func (f *Flow) recordReplay(ctx context.Context, sessionID string) {
	f.auditor.LogStateReplay(sessionID, "")
	if f.instrumentation != nil {
		f.instrumentation.Metrics().RecordStateReplay(ctx)
	}
}

func (f *Flow) recordCallback(ctx context.Context, issuer string, success bool) {
	if f.instrumentation != nil {
		f.instrumentation.Metrics().RecordCallbackProcessed(ctx, issuer, success)
	}
}

// startSpan starts a flow span when tracing is enabled.
func (f *Flow) startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if f.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return f.tracer.Start(ctx, "flow."+operation)
}

// launchType classifies a launch for logging.
func launchType(launch string) string {
	if launch == "" {
		return "standalone"
	}
	return "ehr"
}
