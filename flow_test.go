package smart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/fhirkit/smart-launch/provider"
	"github.com/fhirkit/smart-launch/provider/mock"
	"github.com/fhirkit/smart-launch/storage"
	"github.com/fhirkit/smart-launch/storage/memory"
	storagemock "github.com/fhirkit/smart-launch/storage/mock"
)

const testIssuer = "https://ehr.example.com/fhir"

// newTestFlow builds a flow backed by an in-memory store and a mock
// provider client. mutate runs before construction so tests can tweak
// the config or the mock.
func newTestFlow(t *testing.T, mutate func(cfg *Config, client *mock.MockClient)) (*Flow, *mock.MockClient) {
	t.Helper()

	client := mock.NewMockClient()
	cfg := &Config{
		Client: provider.ClientConfig{
			ClientID:    "test-client",
			RedirectURL: "https://app.example.com/smart/callback",
		},
		Flow: FlowConfig{
			AllowedIssuers: []string{testIssuer},
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		ClientFactory: func(issuer string) (provider.Client, error) {
			return client, nil
		},
	}
	if mutate != nil {
		mutate(cfg, client)
	}

	store := memory.New()
	t.Cleanup(store.Stop)

	f, err := NewFlow(context.Background(), cfg, Stores{
		Tokens:   store,
		Flows:    store,
		Contexts: store,
	})
	if err != nil {
		t.Fatalf("NewFlow: %v", err)
	}
	return f, client
}

// stateFromRedirect extracts the state parameter from the authorization
// redirect URL built by the mock client.
func stateFromRedirect(t *testing.T, redirectURL string) string {
	t.Helper()
	u, err := url.Parse(redirectURL)
	if err != nil {
		t.Fatalf("parse redirect URL: %v", err)
	}
	state := u.Query().Get("state")
	if state == "" {
		t.Fatalf("redirect URL has no state parameter: %s", redirectURL)
	}
	return state
}

// flowCode asserts err is a *FlowError with the given code.
func flowCode(t *testing.T, err error, want string) *FlowError {
	t.Helper()
	var flowErr *FlowError
	if !errors.As(err, &flowErr) {
		t.Fatalf("expected *FlowError, got %T: %v", err, err)
	}
	if flowErr.Code != want {
		t.Fatalf("error code = %q, want %q (%v)", flowErr.Code, want, err)
	}
	return flowErr
}

func TestBeginLaunch(t *testing.T) {
	f, _ := newTestFlow(t, nil)
	ctx := context.Background()

	redirectURL, err := f.BeginLaunch(ctx, LaunchRequest{
		Issuer:    testIssuer,
		Launch:    "opaque-launch-token",
		SessionID: "session-1",
	})
	if err != nil {
		t.Fatalf("BeginLaunch: %v", err)
	}

	if stateFromRedirect(t, redirectURL) == "" {
		t.Error("expected state in redirect URL")
	}
	if got := f.Phase("session-1"); got != PhaseAwaitingCallback {
		t.Errorf("phase = %v, want %v", got, PhaseAwaitingCallback)
	}
}

func TestBeginLaunch_IssuerNotAllowed(t *testing.T) {
	f, _ := newTestFlow(t, nil)

	_, err := f.BeginLaunch(context.Background(), LaunchRequest{
		Issuer:    "https://rogue.example.com/fhir",
		SessionID: "session-1",
	})
	flowErr := flowCode(t, err, ErrorCodeInvalidIssuer)
	if flowErr.Status != 400 {
		t.Errorf("status = %d, want 400", flowErr.Status)
	}
}

func TestBeginLaunch_IssuerNormalization(t *testing.T) {
	// A trailing slash must not defeat the allow-list.
	f, _ := newTestFlow(t, nil)

	_, err := f.BeginLaunch(context.Background(), LaunchRequest{
		Issuer:    testIssuer + "/",
		SessionID: "session-1",
	})
	if err != nil {
		t.Fatalf("BeginLaunch with equivalent issuer spelling: %v", err)
	}
}

func TestBeginLaunch_MalformedLaunchToken(t *testing.T) {
	f, _ := newTestFlow(t, nil)

	_, err := f.BeginLaunch(context.Background(), LaunchRequest{
		Issuer:    testIssuer,
		Launch:    "bad\ntoken",
		SessionID: "session-1",
	})
	flowCode(t, err, ErrorCodeInvalidRequest)
}

func TestBeginLaunch_MissingSessionID(t *testing.T) {
	f, _ := newTestFlow(t, nil)

	_, err := f.BeginLaunch(context.Background(), LaunchRequest{Issuer: testIssuer})
	flowCode(t, err, ErrorCodeSessionNotFound)
}

func TestBeginLaunch_PendingFlowBlocksRelaunch(t *testing.T) {
	f, _ := newTestFlow(t, nil)
	ctx := context.Background()
	req := LaunchRequest{Issuer: testIssuer, SessionID: "session-1"}

	if _, err := f.BeginLaunch(ctx, req); err != nil {
		t.Fatalf("first BeginLaunch: %v", err)
	}
	_, err := f.BeginLaunch(ctx, req)
	flowCode(t, err, ErrorCodeAlreadyProcessing)
}

func TestBeginLaunch_ExpiredPendingFlowReplaced(t *testing.T) {
	f, _ := newTestFlow(t, func(cfg *Config, _ *mock.MockClient) {
		cfg.Flow.StateTTL = time.Millisecond
	})
	ctx := context.Background()
	req := LaunchRequest{Issuer: testIssuer, SessionID: "session-1"}

	if _, err := f.BeginLaunch(ctx, req); err != nil {
		t.Fatalf("first BeginLaunch: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, err := f.BeginLaunch(ctx, req); err != nil {
		t.Fatalf("relaunch after pending flow expired: %v", err)
	}
}

func TestCancelPending(t *testing.T) {
	f, _ := newTestFlow(t, nil)
	ctx := context.Background()
	req := LaunchRequest{Issuer: testIssuer, SessionID: "session-1"}

	redirectURL, err := f.BeginLaunch(ctx, req)
	if err != nil {
		t.Fatalf("BeginLaunch: %v", err)
	}
	state := stateFromRedirect(t, redirectURL)

	f.CancelPending(ctx, "session-1")

	if got := f.Phase("session-1"); got != PhaseUnauthenticated {
		t.Errorf("phase = %v, want %v", got, PhaseUnauthenticated)
	}
	// The abandoned flow is gone; its state nonce no longer matches.
	_, err = f.HandleCallback(ctx, "session-1", state, "auth-code")
	flowCode(t, err, ErrorCodeStateMismatch)

	// A fresh launch works immediately, without waiting out the TTL of
	// the cancelled flow.
	if _, err := f.BeginLaunch(ctx, req); err != nil {
		t.Fatalf("BeginLaunch after CancelPending: %v", err)
	}
}

func TestCancelPending_NothingPending(t *testing.T) {
	f, _ := newTestFlow(t, nil)
	ctx := context.Background()

	// No-op on an unknown session.
	f.CancelPending(ctx, "session-1")

	// No-op on an authenticated session; the token set survives.
	authenticate(t, f, "session-2")
	f.CancelPending(ctx, "session-2")
	if got := f.Phase("session-2"); got != PhaseAuthenticated {
		t.Errorf("phase = %v, want %v", got, PhaseAuthenticated)
	}
	if _, err := f.BearerToken(ctx, "session-2"); err != nil {
		t.Errorf("BearerToken after no-op cancel: %v", err)
	}
}

func TestLaunchRoundTrip(t *testing.T) {
	var (
		mu            sync.Mutex
		seenChallenge string
		seenVerifier  string
	)
	f, client := newTestFlow(t, func(_ *Config, client *mock.MockClient) {
		inner := client.AuthorizationURLFunc
		client.AuthorizationURLFunc = func(ctx context.Context, state, codeChallenge, launch string, scopes []string) (string, error) {
			mu.Lock()
			seenChallenge = codeChallenge
			mu.Unlock()
			return inner(ctx, state, codeChallenge, launch, scopes)
		}
		innerExchange := client.ExchangeFunc
		client.ExchangeFunc = func(ctx context.Context, code, codeVerifier string) (*provider.TokenResponse, error) {
			mu.Lock()
			seenVerifier = codeVerifier
			mu.Unlock()
			return innerExchange(ctx, code, codeVerifier)
		}
	})
	ctx := context.Background()

	redirectURL, err := f.BeginLaunch(ctx, LaunchRequest{
		Issuer:    testIssuer,
		Launch:    "opaque-launch-token",
		SessionID: "session-1",
	})
	if err != nil {
		t.Fatalf("BeginLaunch: %v", err)
	}
	state := stateFromRedirect(t, redirectURL)

	launchContext, err := f.HandleCallback(ctx, "session-1", state, "auth-code")
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}

	// The verifier sent on the exchange must be the preimage of the
	// challenge sent on the authorization request.
	mu.Lock()
	challenge, verifier := seenChallenge, seenVerifier
	mu.Unlock()
	if verifier == "" {
		t.Fatal("exchange was called without a code verifier")
	}
	if got := oauth2.S256ChallengeFromVerifier(verifier); got != challenge {
		t.Errorf("S256(verifier) = %q, want challenge %q", got, challenge)
	}

	if launchContext.Patient != "Patient/mock-patient" {
		t.Errorf("patient = %q", launchContext.Patient)
	}
	if launchContext.FHIRBaseURL != testIssuer {
		t.Errorf("fhir base URL = %q, want %q", launchContext.FHIRBaseURL, testIssuer)
	}
	if len(launchContext.GrantedScopes) == 0 {
		t.Error("expected granted scopes")
	}
	if got := f.Phase("session-1"); got != PhaseAuthenticated {
		t.Errorf("phase = %v, want %v", got, PhaseAuthenticated)
	}

	token, err := f.BearerToken(ctx, "session-1")
	if err != nil {
		t.Fatalf("BearerToken: %v", err)
	}
	if token != "mock-access-token" {
		t.Errorf("access token = %q", token)
	}

	stored, err := f.Context(ctx, "session-1")
	if err != nil {
		t.Fatalf("Context: %v", err)
	}
	if stored.Patient != launchContext.Patient {
		t.Errorf("stored patient = %q, want %q", stored.Patient, launchContext.Patient)
	}

	if n := client.GetCallCount("Exchange"); n != 1 {
		t.Errorf("Exchange called %d times, want 1", n)
	}
}

func TestHandleCallback_StateMismatchConsumesFlow(t *testing.T) {
	f, client := newTestFlow(t, nil)
	ctx := context.Background()

	redirectURL, err := f.BeginLaunch(ctx, LaunchRequest{Issuer: testIssuer, SessionID: "session-1"})
	if err != nil {
		t.Fatalf("BeginLaunch: %v", err)
	}
	state := stateFromRedirect(t, redirectURL)

	_, err = f.HandleCallback(ctx, "session-1", "forged-state", "auth-code")
	flowCode(t, err, ErrorCodeStateMismatch)

	// The stored flow is consumed even on mismatch, so the genuine
	// state cannot be used afterwards.
	_, err = f.HandleCallback(ctx, "session-1", state, "auth-code")
	flowCode(t, err, ErrorCodeStateMismatch)

	if n := client.GetCallCount("Exchange"); n != 0 {
		t.Errorf("Exchange called %d times, want 0", n)
	}
}

func TestHandleCallback_Replay(t *testing.T) {
	f, _ := newTestFlow(t, nil)
	ctx := context.Background()

	redirectURL, err := f.BeginLaunch(ctx, LaunchRequest{Issuer: testIssuer, SessionID: "session-1"})
	if err != nil {
		t.Fatalf("BeginLaunch: %v", err)
	}
	state := stateFromRedirect(t, redirectURL)

	if _, err := f.HandleCallback(ctx, "session-1", state, "auth-code"); err != nil {
		t.Fatalf("first HandleCallback: %v", err)
	}

	_, err = f.HandleCallback(ctx, "session-1", state, "auth-code")
	flowCode(t, err, ErrorCodeStateMismatch)
}

func TestHandleCallback_ConcurrentSingleUse(t *testing.T) {
	f, client := newTestFlow(t, nil)
	ctx := context.Background()

	redirectURL, err := f.BeginLaunch(ctx, LaunchRequest{Issuer: testIssuer, SessionID: "session-1"})
	if err != nil {
		t.Fatalf("BeginLaunch: %v", err)
	}
	state := stateFromRedirect(t, redirectURL)

	const goroutines = 20
	results := make(chan error, goroutines)
	var start sync.WaitGroup
	start.Add(1)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start.Wait()
			_, err := f.HandleCallback(ctx, "session-1", state, "auth-code")
			results <- err
		}()
	}
	start.Done()
	wg.Wait()
	close(results)

	successes := 0
	for err := range results {
		if err == nil {
			successes++
			continue
		}
		var flowErr *FlowError
		if !errors.As(err, &flowErr) {
			t.Errorf("unexpected error type %T: %v", err, err)
			continue
		}
		if flowErr.Code != ErrorCodeStateMismatch && flowErr.Code != ErrorCodeAlreadyProcessing {
			t.Errorf("unexpected error code %q", flowErr.Code)
		}
	}
	if successes != 1 {
		t.Errorf("%d callbacks succeeded, want exactly 1", successes)
	}
	if n := client.GetCallCount("Exchange"); n != 1 {
		t.Errorf("Exchange called %d times, want 1", n)
	}
}

func TestHandleCallback_StateExpired(t *testing.T) {
	f, _ := newTestFlow(t, func(cfg *Config, _ *mock.MockClient) {
		cfg.Flow.StateTTL = time.Millisecond
	})
	ctx := context.Background()

	redirectURL, err := f.BeginLaunch(ctx, LaunchRequest{Issuer: testIssuer, SessionID: "session-1"})
	if err != nil {
		t.Fatalf("BeginLaunch: %v", err)
	}
	state := stateFromRedirect(t, redirectURL)
	time.Sleep(5 * time.Millisecond)

	_, err = f.HandleCallback(ctx, "session-1", state, "auth-code")
	flowCode(t, err, ErrorCodeStateExpired)
}

func TestHandleCallback_NoPendingFlow(t *testing.T) {
	f, _ := newTestFlow(t, nil)

	_, err := f.HandleCallback(context.Background(), "session-1", "some-state", "auth-code")
	flowCode(t, err, ErrorCodeStateMismatch)
}

func TestHandleCallback_CodeRejected(t *testing.T) {
	f, _ := newTestFlow(t, func(_ *Config, client *mock.MockClient) {
		client.ExchangeFunc = func(ctx context.Context, code, codeVerifier string) (*provider.TokenResponse, error) {
			return nil, fmt.Errorf("token endpoint: %w", provider.ErrInvalidGrant)
		}
	})
	ctx := context.Background()

	redirectURL, err := f.BeginLaunch(ctx, LaunchRequest{Issuer: testIssuer, SessionID: "session-1"})
	if err != nil {
		t.Fatalf("BeginLaunch: %v", err)
	}

	_, err = f.HandleCallback(ctx, "session-1", stateFromRedirect(t, redirectURL), "bad-code")
	flowCode(t, err, ErrorCodeInvalidGrant)

	if got := f.Phase("session-1"); got != PhaseUnauthenticated {
		t.Errorf("phase = %v, want %v", got, PhaseUnauthenticated)
	}
}

func TestHandleCallback_ProviderUnavailable(t *testing.T) {
	f, _ := newTestFlow(t, func(_ *Config, client *mock.MockClient) {
		client.ExchangeFunc = func(ctx context.Context, code, codeVerifier string) (*provider.TokenResponse, error) {
			return nil, fmt.Errorf("token endpoint: %w", provider.ErrUnavailable)
		}
	})
	ctx := context.Background()

	redirectURL, err := f.BeginLaunch(ctx, LaunchRequest{Issuer: testIssuer, SessionID: "session-1"})
	if err != nil {
		t.Fatalf("BeginLaunch: %v", err)
	}

	_, err = f.HandleCallback(ctx, "session-1", stateFromRedirect(t, redirectURL), "auth-code")
	flowErr := flowCode(t, err, ErrorCodeProviderUnavailable)
	if flowErr.Status != 502 {
		t.Errorf("status = %d, want 502", flowErr.Status)
	}
}

func TestHandleCallback_ScopeEscalation(t *testing.T) {
	f, _ := newTestFlow(t, func(_ *Config, client *mock.MockClient) {
		client.ExchangeFunc = func(ctx context.Context, code, codeVerifier string) (*provider.TokenResponse, error) {
			return &provider.TokenResponse{
				AccessToken: "escalated-token",
				TokenType:   "Bearer",
				ExpiresIn:   3600,
				Scope:       "openid launch patient/*.read system/*.write",
			}, nil
		}
	})
	ctx := context.Background()

	redirectURL, err := f.BeginLaunch(ctx, LaunchRequest{Issuer: testIssuer, SessionID: "session-1"})
	if err != nil {
		t.Fatalf("BeginLaunch: %v", err)
	}

	_, err = f.HandleCallback(ctx, "session-1", stateFromRedirect(t, redirectURL), "auth-code")
	flowCode(t, err, ErrorCodeScopeEscalation)

	// The escalated token set must not have been persisted.
	if _, err := f.BearerToken(ctx, "session-1"); err == nil {
		t.Error("expected no token set after scope escalation")
	}
}

// authenticate runs a full launch round trip for sessionID.
func authenticate(t *testing.T, f *Flow, sessionID string) {
	t.Helper()
	ctx := context.Background()

	redirectURL, err := f.BeginLaunch(ctx, LaunchRequest{Issuer: testIssuer, SessionID: sessionID})
	if err != nil {
		t.Fatalf("BeginLaunch: %v", err)
	}
	if _, err := f.HandleCallback(ctx, sessionID, stateFromRedirect(t, redirectURL), "auth-code"); err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
}

func TestRefresh(t *testing.T) {
	f, _ := newTestFlow(t, nil)
	authenticate(t, f, "session-1")

	updated, err := f.Refresh(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if updated.AccessToken != "new-mock-access-token" {
		t.Errorf("access token = %q", updated.AccessToken)
	}
	if updated.RefreshToken != "new-mock-refresh-token" {
		t.Errorf("refresh token = %q", updated.RefreshToken)
	}
	if got := f.Phase("session-1"); got != PhaseAuthenticated {
		t.Errorf("phase = %v, want %v", got, PhaseAuthenticated)
	}
}

func TestRefresh_NoSession(t *testing.T) {
	f, _ := newTestFlow(t, nil)

	_, err := f.Refresh(context.Background(), "nobody")
	flowCode(t, err, ErrorCodeSessionNotFound)
}

func TestRefresh_RejectedGrantRevokesSession(t *testing.T) {
	f, _ := newTestFlow(t, func(_ *Config, client *mock.MockClient) {
		client.RefreshFunc = func(ctx context.Context, refreshToken string, scopes []string) (*provider.TokenResponse, error) {
			return nil, fmt.Errorf("token endpoint: %w", provider.ErrInvalidGrant)
		}
	})
	authenticate(t, f, "session-1")
	ctx := context.Background()

	_, err := f.Refresh(ctx, "session-1")
	flowCode(t, err, ErrorCodeInvalidGrant)

	if got := f.Phase("session-1"); got != PhaseRevoked {
		t.Errorf("phase = %v, want %v", got, PhaseRevoked)
	}

	// The dead grant's credentials are gone.
	_, err = f.BearerToken(ctx, "session-1")
	flowCode(t, err, ErrorCodeSessionNotFound)
	_, err = f.Context(ctx, "session-1")
	flowCode(t, err, ErrorCodeSessionNotFound)
}

func TestRefresh_TransientFailureKeepsTokens(t *testing.T) {
	f, _ := newTestFlow(t, func(_ *Config, client *mock.MockClient) {
		client.RefreshFunc = func(ctx context.Context, refreshToken string, scopes []string) (*provider.TokenResponse, error) {
			return nil, fmt.Errorf("token endpoint: %w", provider.ErrUnavailable)
		}
	})
	authenticate(t, f, "session-1")
	ctx := context.Background()

	_, err := f.Refresh(ctx, "session-1")
	flowCode(t, err, ErrorCodeProviderUnavailable)

	if got := f.Phase("session-1"); got != PhaseAuthenticated {
		t.Errorf("phase = %v, want %v", got, PhaseAuthenticated)
	}
	token, err := f.BearerToken(ctx, "session-1")
	if err != nil {
		t.Fatalf("BearerToken after transient refresh failure: %v", err)
	}
	if token != "mock-access-token" {
		t.Errorf("access token = %q, want the prior one", token)
	}
}

func TestRefresh_ProviderOmitsOptionalFields(t *testing.T) {
	f, _ := newTestFlow(t, func(_ *Config, client *mock.MockClient) {
		client.RefreshFunc = func(ctx context.Context, refreshToken string, scopes []string) (*provider.TokenResponse, error) {
			// No rotated refresh token, no scope echo.
			return &provider.TokenResponse{
				AccessToken: "renewed-access-token",
				TokenType:   "Bearer",
				ExpiresIn:   3600,
			}, nil
		}
	})
	authenticate(t, f, "session-1")

	updated, err := f.Refresh(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if updated.AccessToken != "renewed-access-token" {
		t.Errorf("access token = %q", updated.AccessToken)
	}
	if updated.RefreshToken != "mock-refresh-token" {
		t.Errorf("refresh token = %q, want the prior one retained", updated.RefreshToken)
	}
	if len(updated.Scopes) == 0 {
		t.Error("expected prior scopes retained")
	}
}

func TestRefresh_ScopeEscalation(t *testing.T) {
	f, _ := newTestFlow(t, func(_ *Config, client *mock.MockClient) {
		client.RefreshFunc = func(ctx context.Context, refreshToken string, scopes []string) (*provider.TokenResponse, error) {
			return &provider.TokenResponse{
				AccessToken: "escalated-token",
				TokenType:   "Bearer",
				ExpiresIn:   3600,
				Scope:       "openid launch patient/*.read user/*.write",
			}, nil
		}
	})
	authenticate(t, f, "session-1")
	ctx := context.Background()

	_, err := f.Refresh(ctx, "session-1")
	flowCode(t, err, ErrorCodeScopeEscalation)

	// The session keeps its prior token set.
	token, err := f.BearerToken(ctx, "session-1")
	if err != nil {
		t.Fatalf("BearerToken: %v", err)
	}
	if token != "mock-access-token" {
		t.Errorf("access token = %q, want the prior one", token)
	}
}

func TestBearerToken_ProactiveRefresh(t *testing.T) {
	f, client := newTestFlow(t, func(_ *Config, client *mock.MockClient) {
		client.ExchangeFunc = func(ctx context.Context, code, codeVerifier string) (*provider.TokenResponse, error) {
			// Expires inside the default refresh margin.
			return &provider.TokenResponse{
				AccessToken:  "short-lived-token",
				TokenType:    "Bearer",
				ExpiresIn:    30,
				RefreshToken: "mock-refresh-token",
				Scope:        "openid launch patient/*.read",
			}, nil
		}
	})
	authenticate(t, f, "session-1")

	token, err := f.BearerToken(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("BearerToken: %v", err)
	}
	if token != "new-mock-access-token" {
		t.Errorf("access token = %q, want the refreshed one", token)
	}
	if n := client.GetCallCount("Refresh"); n != 1 {
		t.Errorf("Refresh called %d times, want 1", n)
	}
}

func TestBearerToken_DegradesOnProviderOutage(t *testing.T) {
	f, _ := newTestFlow(t, func(_ *Config, client *mock.MockClient) {
		client.ExchangeFunc = func(ctx context.Context, code, codeVerifier string) (*provider.TokenResponse, error) {
			return &provider.TokenResponse{
				AccessToken:  "short-lived-token",
				TokenType:    "Bearer",
				ExpiresIn:    30,
				RefreshToken: "mock-refresh-token",
				Scope:        "openid launch patient/*.read",
			}, nil
		}
		client.RefreshFunc = func(ctx context.Context, refreshToken string, scopes []string) (*provider.TokenResponse, error) {
			return nil, fmt.Errorf("token endpoint: %w", provider.ErrUnavailable)
		}
	})
	authenticate(t, f, "session-1")

	// The token is expiring soon but still valid, so the outage
	// degrades to serving the current token.
	token, err := f.BearerToken(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("BearerToken during provider outage: %v", err)
	}
	if token != "short-lived-token" {
		t.Errorf("access token = %q, want the current one", token)
	}
}

func TestBearerToken_NoSession(t *testing.T) {
	f, _ := newTestFlow(t, nil)

	_, err := f.BearerToken(context.Background(), "nobody")
	flowCode(t, err, ErrorCodeSessionNotFound)
}

func TestRevoke(t *testing.T) {
	f, client := newTestFlow(t, nil)
	authenticate(t, f, "session-1")
	ctx := context.Background()

	if err := f.Revoke(ctx, "session-1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	// All tracking is dropped; the session restarts from scratch.
	if got := f.Phase("session-1"); got != PhaseUnauthenticated {
		t.Errorf("phase = %v, want %v", got, PhaseUnauthenticated)
	}
	// Access and refresh tokens both revoked at the provider.
	if n := client.GetCallCount("Revoke"); n != 2 {
		t.Errorf("Revoke called %d times, want 2", n)
	}
	_, err := f.BearerToken(ctx, "session-1")
	flowCode(t, err, ErrorCodeSessionNotFound)
	_, err = f.Context(ctx, "session-1")
	flowCode(t, err, ErrorCodeSessionNotFound)
}

func TestRevoke_Idempotent(t *testing.T) {
	f, _ := newTestFlow(t, nil)
	ctx := context.Background()

	// Revoking a session that never authenticated is a no-op.
	if err := f.Revoke(ctx, "session-1"); err != nil {
		t.Fatalf("Revoke of unknown session: %v", err)
	}

	authenticate(t, f, "session-2")
	if err := f.Revoke(ctx, "session-2"); err != nil {
		t.Fatalf("first Revoke: %v", err)
	}
	if err := f.Revoke(ctx, "session-2"); err != nil {
		t.Fatalf("second Revoke: %v", err)
	}
}

func TestRevoke_DropsPendingFlow(t *testing.T) {
	f, _ := newTestFlow(t, nil)
	ctx := context.Background()

	redirectURL, err := f.BeginLaunch(ctx, LaunchRequest{Issuer: testIssuer, SessionID: "session-1"})
	if err != nil {
		t.Fatalf("BeginLaunch: %v", err)
	}
	state := stateFromRedirect(t, redirectURL)

	if err := f.Revoke(ctx, "session-1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	_, err = f.HandleCallback(ctx, "session-1", state, "auth-code")
	flowCode(t, err, ErrorCodeStateMismatch)
}

func TestRevoke_ReleasesSessionState(t *testing.T) {
	f, _ := newTestFlow(t, nil)
	authenticate(t, f, "session-1")
	ctx := context.Background()

	if err := f.Revoke(ctx, "session-1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	// Revoke drops the per-session tracking entries rather than leaving
	// a terminal marker behind, so a long-lived flow does not grow by
	// one entry per finished session.
	if _, ok := f.phases.Load("session-1"); ok {
		t.Error("phase entry survived Revoke")
	}
	if _, ok := f.pendingStates.Load("session-1"); ok {
		t.Error("pending-state entry survived Revoke")
	}
	if got := f.Phase("session-1"); got != PhaseUnauthenticated {
		t.Errorf("phase = %v, want %v", got, PhaseUnauthenticated)
	}
	// The session can launch again immediately.
	if _, err := f.BeginLaunch(ctx, LaunchRequest{Issuer: testIssuer, SessionID: "session-1"}); err != nil {
		t.Fatalf("BeginLaunch after Revoke: %v", err)
	}
}

func TestRevoke_SurvivesProviderFailure(t *testing.T) {
	f, _ := newTestFlow(t, func(_ *Config, client *mock.MockClient) {
		client.RevokeFunc = func(ctx context.Context, token string) error {
			return fmt.Errorf("revocation endpoint: %w", provider.ErrUnavailable)
		}
	})
	authenticate(t, f, "session-1")
	ctx := context.Background()

	// Provider-side revocation is best effort; local state is dropped
	// regardless.
	if err := f.Revoke(ctx, "session-1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	_, err := f.BearerToken(ctx, "session-1")
	flowCode(t, err, ErrorCodeSessionNotFound)
}

func TestSessionIsolation(t *testing.T) {
	f, _ := newTestFlow(t, nil)
	ctx := context.Background()

	authenticate(t, f, "session-a")
	authenticate(t, f, "session-b")

	if err := f.Revoke(ctx, "session-a"); err != nil {
		t.Fatalf("Revoke session-a: %v", err)
	}

	if _, err := f.BearerToken(ctx, "session-b"); err != nil {
		t.Errorf("session-b should be unaffected: %v", err)
	}
	if got := f.Phase("session-b"); got != PhaseAuthenticated {
		t.Errorf("session-b phase = %v, want %v", got, PhaseAuthenticated)
	}
}

// newMockStoreFlow builds a flow over the func-field mock store so
// tests can inject storage failures.
func newMockStoreFlow(t *testing.T) (*Flow, *storagemock.MockStore) {
	t.Helper()

	client := mock.NewMockClient()
	store := storagemock.NewMockStore()

	f, err := NewFlow(context.Background(), &Config{
		Client: provider.ClientConfig{
			ClientID:    "test-client",
			RedirectURL: "https://app.example.com/smart/callback",
		},
		Flow: FlowConfig{
			AllowedIssuers: []string{testIssuer},
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		ClientFactory: func(issuer string) (provider.Client, error) {
			return client, nil
		},
	}, Stores{Tokens: store, Flows: store, Contexts: store})
	if err != nil {
		t.Fatalf("NewFlow: %v", err)
	}
	return f, store
}

func TestBeginLaunch_FlowStateSaveFailure(t *testing.T) {
	f, store := newMockStoreFlow(t)
	store.SaveFlowStateFunc = func(state *storage.FlowState) error {
		return errors.New("backend down")
	}

	_, err := f.BeginLaunch(context.Background(), LaunchRequest{Issuer: testIssuer, SessionID: "session-1"})
	if err == nil {
		t.Fatal("expected error")
	}
	var flowErr *FlowError
	if errors.As(err, &flowErr) {
		t.Errorf("storage failures should not map to a flow error, got %v", flowErr)
	}
}

func TestHandleCallback_TokenPersistFailure(t *testing.T) {
	f, store := newMockStoreFlow(t)
	store.SaveTokenSetFunc = func(sessionID string, tokens *storage.TokenSet) error {
		return errors.New("backend down")
	}
	ctx := context.Background()

	redirectURL, err := f.BeginLaunch(ctx, LaunchRequest{Issuer: testIssuer, SessionID: "session-1"})
	if err != nil {
		t.Fatalf("BeginLaunch: %v", err)
	}

	_, err = f.HandleCallback(ctx, "session-1", stateFromRedirect(t, redirectURL), "auth-code")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := f.Phase("session-1"); got != PhaseUnauthenticated {
		t.Errorf("phase = %v, want %v", got, PhaseUnauthenticated)
	}
	if n := store.GetCallCount("SaveTokenSet"); n != 1 {
		t.Errorf("SaveTokenSet called %d times, want 1", n)
	}
}
