package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fhirkit/smart-launch/claims"
	"github.com/fhirkit/smart-launch/security"
	"github.com/fhirkit/smart-launch/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	t.Cleanup(s.Stop)
	return s
}

func testTokenSet() *storage.TokenSet {
	return &storage.TokenSet{
		AccessToken:  "access-token-1",
		RefreshToken: "refresh-token-1",
		IDToken:      "id-token-1",
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour),
		Scopes:       []string{"openid", "patient/*.read"},
		Issuer:       "https://ehr.example.com/fhir",
	}
}

func testFlowState(nonce string) *storage.FlowState {
	now := time.Now()
	return &storage.FlowState{
		SessionID:       "session-1",
		State:           nonce,
		PKCEVerifier:    "verifier-abc",
		CodeChallenge:   "challenge-abc",
		Issuer:          "https://ehr.example.com/fhir",
		Launch:          "launch-token",
		RequestedScopes: []string{"openid", "launch"},
		RedirectURI:     "https://app.example.com/smart/callback",
		CreatedAt:       now,
		ExpiresAt:       now.Add(5 * time.Minute),
	}
}

func TestTokenSetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	want := testTokenSet()
	if err := s.SaveTokenSet(ctx, "session-1", want); err != nil {
		t.Fatalf("SaveTokenSet failed: %v", err)
	}

	got, err := s.GetTokenSet(ctx, "session-1")
	if err != nil {
		t.Fatalf("GetTokenSet failed: %v", err)
	}
	if got.AccessToken != want.AccessToken {
		t.Errorf("AccessToken = %q, want %q", got.AccessToken, want.AccessToken)
	}
	if got.RefreshToken != want.RefreshToken {
		t.Errorf("RefreshToken = %q, want %q", got.RefreshToken, want.RefreshToken)
	}
	if len(got.Scopes) != 2 {
		t.Errorf("Scopes = %v, want 2 entries", got.Scopes)
	}

	// The returned copy must be isolated from the stored one.
	got.AccessToken = "mutated"
	again, err := s.GetTokenSet(ctx, "session-1")
	if err != nil {
		t.Fatalf("GetTokenSet failed: %v", err)
	}
	if again.AccessToken != want.AccessToken {
		t.Error("mutation of returned token set leaked into the store")
	}
}

func TestGetTokenSet_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetTokenSet(context.Background(), "missing")
	if !errors.Is(err, storage.ErrTokenSetNotFound) {
		t.Errorf("err = %v, want ErrTokenSetNotFound", err)
	}
}

func TestDeleteTokenSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveTokenSet(ctx, "session-1", testTokenSet()); err != nil {
		t.Fatalf("SaveTokenSet failed: %v", err)
	}
	if err := s.DeleteTokenSet(ctx, "session-1"); err != nil {
		t.Fatalf("DeleteTokenSet failed: %v", err)
	}
	if _, err := s.GetTokenSet(ctx, "session-1"); !errors.Is(err, storage.ErrTokenSetNotFound) {
		t.Errorf("err after delete = %v, want ErrTokenSetNotFound", err)
	}

	// Deleting again is not an error.
	if err := s.DeleteTokenSet(ctx, "session-1"); err != nil {
		t.Errorf("second DeleteTokenSet failed: %v", err)
	}
}

func TestSaveTokenSet_Validation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveTokenSet(ctx, "", testTokenSet()); err == nil {
		t.Error("expected error for empty session ID")
	}
	if err := s.SaveTokenSet(ctx, "session-1", nil); err == nil {
		t.Error("expected error for nil token set")
	}
}

func TestTokenSetEncryptionAtRest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}
	s.SetEncryptor(enc)

	want := testTokenSet()
	if err := s.SaveTokenSet(ctx, "session-1", want); err != nil {
		t.Fatalf("SaveTokenSet failed: %v", err)
	}

	// The stored copy must not hold the plaintext tokens.
	s.mu.RLock()
	stored := s.tokenSets["session-1"]
	s.mu.RUnlock()
	if stored.AccessToken == want.AccessToken {
		t.Error("access token stored in plaintext")
	}
	if stored.RefreshToken == want.RefreshToken {
		t.Error("refresh token stored in plaintext")
	}
	if stored.IDToken == want.IDToken {
		t.Error("id_token stored in plaintext")
	}

	// Reads transparently decrypt.
	got, err := s.GetTokenSet(ctx, "session-1")
	if err != nil {
		t.Fatalf("GetTokenSet failed: %v", err)
	}
	if got.AccessToken != want.AccessToken {
		t.Errorf("AccessToken = %q, want %q", got.AccessToken, want.AccessToken)
	}
	if got.RefreshToken != want.RefreshToken {
		t.Errorf("RefreshToken = %q, want %q", got.RefreshToken, want.RefreshToken)
	}
}

func TestFlowStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	want := testFlowState("nonce-1")
	if err := s.SaveFlowState(ctx, want); err != nil {
		t.Fatalf("SaveFlowState failed: %v", err)
	}

	got, err := s.GetFlowState(ctx, "nonce-1")
	if err != nil {
		t.Fatalf("GetFlowState failed: %v", err)
	}
	if got.PKCEVerifier != want.PKCEVerifier {
		t.Errorf("PKCEVerifier = %q, want %q", got.PKCEVerifier, want.PKCEVerifier)
	}
	if got.Launch != want.Launch {
		t.Errorf("Launch = %q, want %q", got.Launch, want.Launch)
	}

	// Get does not consume.
	if _, err := s.GetFlowState(ctx, "nonce-1"); err != nil {
		t.Errorf("second GetFlowState failed: %v", err)
	}
}

func TestConsumeFlowState_SingleUse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveFlowState(ctx, testFlowState("nonce-1")); err != nil {
		t.Fatalf("SaveFlowState failed: %v", err)
	}

	got, err := s.ConsumeFlowState(ctx, "nonce-1")
	if err != nil {
		t.Fatalf("ConsumeFlowState failed: %v", err)
	}
	if got.SessionID != "session-1" {
		t.Errorf("SessionID = %q, want session-1", got.SessionID)
	}

	// A replayed callback sees not-found.
	if _, err := s.ConsumeFlowState(ctx, "nonce-1"); !errors.Is(err, storage.ErrFlowStateNotFound) {
		t.Errorf("second consume err = %v, want ErrFlowStateNotFound", err)
	}
}

func TestConsumeFlowState_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveFlowState(ctx, testFlowState("nonce-1")); err != nil {
		t.Fatalf("SaveFlowState failed: %v", err)
	}

	const callers = 20
	var wg sync.WaitGroup
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ConsumeFlowState(ctx, "nonce-1")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	won := 0
	for err := range results {
		if err == nil {
			won++
		} else if !errors.Is(err, storage.ErrFlowStateNotFound) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if won != 1 {
		t.Errorf("consume succeeded %d times, want exactly 1", won)
	}
}

func TestFlowStateEncryptionAtRest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}
	s.SetEncryptor(enc)

	want := testFlowState("nonce-1")
	if err := s.SaveFlowState(ctx, want); err != nil {
		t.Fatalf("SaveFlowState failed: %v", err)
	}

	s.mu.RLock()
	stored := s.flowStates["nonce-1"]
	s.mu.RUnlock()
	if stored.PKCEVerifier == want.PKCEVerifier {
		t.Error("PKCE verifier stored in plaintext")
	}

	got, err := s.ConsumeFlowState(ctx, "nonce-1")
	if err != nil {
		t.Fatalf("ConsumeFlowState failed: %v", err)
	}
	if got.PKCEVerifier != want.PKCEVerifier {
		t.Errorf("PKCEVerifier = %q, want %q", got.PKCEVerifier, want.PKCEVerifier)
	}
}

func TestLaunchContextRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	want := &claims.LaunchContext{
		Subject:       "practitioner-1",
		FHIRUser:      "Practitioner/123",
		Patient:       "patient-42",
		FHIRBaseURL:   "https://ehr.example.com/fhir",
		GrantedScopes: []string{"openid", "patient/*.read"},
	}
	if err := s.SaveLaunchContext(ctx, "session-1", want); err != nil {
		t.Fatalf("SaveLaunchContext failed: %v", err)
	}

	got, err := s.GetLaunchContext(ctx, "session-1")
	if err != nil {
		t.Fatalf("GetLaunchContext failed: %v", err)
	}
	if got.Patient != "patient-42" {
		t.Errorf("Patient = %q, want patient-42", got.Patient)
	}
	if got.FHIRUser != "Practitioner/123" {
		t.Errorf("FHIRUser = %q, want Practitioner/123", got.FHIRUser)
	}

	// Returned copy is isolated.
	got.Patient = "mutated"
	again, _ := s.GetLaunchContext(ctx, "session-1")
	if again.Patient != "patient-42" {
		t.Error("mutation of returned context leaked into the store")
	}

	if err := s.DeleteLaunchContext(ctx, "session-1"); err != nil {
		t.Fatalf("DeleteLaunchContext failed: %v", err)
	}
	if _, err := s.GetLaunchContext(ctx, "session-1"); !errors.Is(err, storage.ErrContextNotFound) {
		t.Errorf("err after delete = %v, want ErrContextNotFound", err)
	}
}

func TestCleanupExpiredFlows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	expired := testFlowState("expired-nonce")
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	if err := s.SaveFlowState(ctx, expired); err != nil {
		t.Fatalf("SaveFlowState failed: %v", err)
	}
	if err := s.SaveFlowState(ctx, testFlowState("live-nonce")); err != nil {
		t.Fatalf("SaveFlowState failed: %v", err)
	}

	s.cleanupExpired()

	if _, err := s.GetFlowState(ctx, "expired-nonce"); !errors.Is(err, storage.ErrFlowStateNotFound) {
		t.Errorf("expired flow still present: %v", err)
	}
	if _, err := s.GetFlowState(ctx, "live-nonce"); err != nil {
		t.Errorf("live flow removed by cleanup: %v", err)
	}
	if got := s.flowsCountAtomic.Load(); got != 1 {
		t.Errorf("flowsCountAtomic = %d, want 1", got)
	}
}

func TestAtomicCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveTokenSet(ctx, "session-1", testTokenSet()); err != nil {
		t.Fatalf("SaveTokenSet failed: %v", err)
	}
	if err := s.SaveTokenSet(ctx, "session-1", testTokenSet()); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	if got := s.sessionsCountAtomic.Load(); got != 1 {
		t.Errorf("sessionsCountAtomic after overwrite = %d, want 1", got)
	}

	if err := s.SaveFlowState(ctx, testFlowState("nonce-1")); err != nil {
		t.Fatalf("SaveFlowState failed: %v", err)
	}
	if got := s.flowsCountAtomic.Load(); got != 1 {
		t.Errorf("flowsCountAtomic = %d, want 1", got)
	}

	if err := s.DeleteTokenSet(ctx, "session-1"); err != nil {
		t.Fatalf("DeleteTokenSet failed: %v", err)
	}
	if err := s.DeleteFlowState(ctx, "nonce-1"); err != nil {
		t.Fatalf("DeleteFlowState failed: %v", err)
	}
	if got := s.sessionsCountAtomic.Load(); got != 0 {
		t.Errorf("sessionsCountAtomic after delete = %d, want 0", got)
	}
	if got := s.flowsCountAtomic.Load(); got != 0 {
		t.Errorf("flowsCountAtomic after delete = %d, want 0", got)
	}
}
