package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fhirkit/smart-launch/storage"
)

// ============================================================
// FlowStore Implementation
// ============================================================

// flowStateJSON is the JSON representation of a pending flow.
// The PKCE verifier holds ciphertext when encryption at rest is enabled.
type flowStateJSON struct {
	SessionID       string   `json:"session_id"`
	State           string   `json:"state"`
	PKCEVerifier    string   `json:"pkce_verifier"`
	CodeChallenge   string   `json:"code_challenge"`
	Issuer          string   `json:"issuer"`
	Launch          string   `json:"launch,omitempty"`
	RequestedScopes []string `json:"requested_scopes,omitempty"`
	RedirectURI     string   `json:"redirect_uri"`
	CreatedAt       int64    `json:"created_at"`
	ExpiresAt       int64    `json:"expires_at"`
}

func toFlowStateJSON(f *storage.FlowState) *flowStateJSON {
	return &flowStateJSON{
		SessionID:       f.SessionID,
		State:           f.State,
		PKCEVerifier:    f.PKCEVerifier,
		CodeChallenge:   f.CodeChallenge,
		Issuer:          f.Issuer,
		Launch:          f.Launch,
		RequestedScopes: f.RequestedScopes,
		RedirectURI:     f.RedirectURI,
		CreatedAt:       f.CreatedAt.Unix(),
		ExpiresAt:       f.ExpiresAt.Unix(),
	}
}

func fromFlowStateJSON(j *flowStateJSON) *storage.FlowState {
	if j == nil {
		return nil
	}
	return &storage.FlowState{
		SessionID:       j.SessionID,
		State:           j.State,
		PKCEVerifier:    j.PKCEVerifier,
		CodeChallenge:   j.CodeChallenge,
		Issuer:          j.Issuer,
		Launch:          j.Launch,
		RequestedScopes: j.RequestedScopes,
		RedirectURI:     j.RedirectURI,
		CreatedAt:       time.Unix(j.CreatedAt, 0),
		ExpiresAt:       time.Unix(j.ExpiresAt, 0),
	}
}

// SaveFlowState saves a pending flow, keyed by its state nonce.
// The key expires with the flow's validity window so abandoned launches
// clean themselves up.
func (s *Store) SaveFlowState(ctx context.Context, state *storage.FlowState) error {
	if state == nil {
		return fmt.Errorf("state cannot be nil")
	}
	if state.State == "" {
		return fmt.Errorf("state nonce cannot be empty")
	}

	toStore, err := storage.EncryptFlowState(state, s.getEncryptor())
	if err != nil {
		return fmt.Errorf("failed to encrypt flow state: %w", err)
	}

	data, err := json.Marshal(toFlowStateJSON(toStore))
	if err != nil {
		return fmt.Errorf("failed to marshal flow state: %w", err)
	}
	if len(data) > MaxRecordSize {
		return errInputTooLarge
	}

	key := s.flowKey(state.State)

	ttl := calculateTTL(state.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("flow state already expired")
	}

	err = s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build()).Error()
	if err != nil {
		return fmt.Errorf("failed to save flow state: %w", err)
	}
	return nil
}

// GetFlowState retrieves a pending flow without consuming it
func (s *Store) GetFlowState(ctx context.Context, stateNonce string) (*storage.FlowState, error) {
	key := s.flowKey(stateNonce)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrFlowStateNotFound
		}
		return nil, fmt.Errorf("failed to get flow state: %w", err)
	}

	return s.unmarshalFlowState(data)
}

// ConsumeFlowState atomically retrieves and deletes a pending flow.
// SECURITY: GETDEL is a single atomic command, so only one concurrent
// callback with the same state nonce can succeed even across instances.
func (s *Store) ConsumeFlowState(ctx context.Context, stateNonce string) (*storage.FlowState, error) {
	key := s.flowKey(stateNonce)

	data, err := s.client.Do(ctx, s.client.B().Getdel().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrFlowStateNotFound
		}
		return nil, fmt.Errorf("failed to consume flow state: %w", err)
	}

	return s.unmarshalFlowState(data)
}

// DeleteFlowState removes a pending flow
func (s *Store) DeleteFlowState(ctx context.Context, stateNonce string) error {
	key := s.flowKey(stateNonce)

	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete flow state: %w", err)
	}
	return nil
}

// unmarshalFlowState decodes and decrypts a stored flow state
func (s *Store) unmarshalFlowState(data string) (*storage.FlowState, error) {
	var j flowStateJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flow state: %w", err)
	}

	state, err := storage.DecryptFlowState(fromFlowStateJSON(&j), s.getEncryptor())
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt flow state: %w", err)
	}
	return state, nil
}
