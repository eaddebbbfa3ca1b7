package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fhirkit/smart-launch/claims"
	"github.com/fhirkit/smart-launch/security"
	"github.com/fhirkit/smart-launch/storage"
)

// ============================================================
// TokenStore Implementation
// ============================================================

// tokenSetJSON is the JSON representation of a session token set.
// Token fields hold ciphertext when encryption at rest is enabled.
type tokenSetJSON struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	IDToken      string   `json:"id_token,omitempty"`
	TokenType    string   `json:"token_type,omitempty"`
	Expiry       int64    `json:"expiry,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	Issuer       string   `json:"issuer"`
}

func toTokenSetJSON(t *storage.TokenSet) *tokenSetJSON {
	j := &tokenSetJSON{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		IDToken:      t.IDToken,
		TokenType:    t.TokenType,
		Scopes:       t.Scopes,
		Issuer:       t.Issuer,
	}
	if !t.Expiry.IsZero() {
		j.Expiry = t.Expiry.Unix()
	}
	return j
}

func fromTokenSetJSON(j *tokenSetJSON) *storage.TokenSet {
	if j == nil {
		return nil
	}
	t := &storage.TokenSet{
		AccessToken:  j.AccessToken,
		RefreshToken: j.RefreshToken,
		IDToken:      j.IDToken,
		TokenType:    j.TokenType,
		Scopes:       j.Scopes,
		Issuer:       j.Issuer,
	}
	if j.Expiry > 0 {
		t.Expiry = time.Unix(j.Expiry, 0)
	}
	return t
}

// SaveTokenSet saves the token set for a session with optional encryption at rest
func (s *Store) SaveTokenSet(ctx context.Context, sessionID string, tokens *storage.TokenSet) error {
	if sessionID == "" {
		return fmt.Errorf("sessionID cannot be empty")
	}
	if tokens == nil {
		return fmt.Errorf("tokens cannot be nil")
	}

	enc := s.getEncryptor()
	toStore, err := storage.EncryptTokenSet(tokens, enc)
	if err != nil {
		return fmt.Errorf("failed to encrypt token set: %w", err)
	}

	data, err := json.Marshal(toTokenSetJSON(toStore))
	if err != nil {
		return fmt.Errorf("failed to marshal token set: %w", err)
	}
	if len(data) > MaxRecordSize {
		return errInputTooLarge
	}

	key := s.sessionKey(sessionID)

	// Session material lives for the session TTL, not the access token
	// lifetime: the refresh token outlives the access token.
	err = s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Ex(s.sessionTTL).Build()).Error()
	if err != nil {
		return fmt.Errorf("failed to save token set: %w", err)
	}

	s.logger.Debug("Saved token set", "session_hash", security.HashForLogging(sessionID))
	return nil
}

// GetTokenSet retrieves the token set for a session and decrypts if necessary
func (s *Store) GetTokenSet(ctx context.Context, sessionID string) (*storage.TokenSet, error) {
	key := s.sessionKey(sessionID)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenSetNotFound
		}
		return nil, fmt.Errorf("failed to get token set: %w", err)
	}

	var j tokenSetJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token set: %w", err)
	}

	tokens, err := storage.DecryptTokenSet(fromTokenSetJSON(&j), s.getEncryptor())
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt token set: %w", err)
	}
	return tokens, nil
}

// DeleteTokenSet removes the token set for a session
func (s *Store) DeleteTokenSet(ctx context.Context, sessionID string) error {
	key := s.sessionKey(sessionID)

	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete token set: %w", err)
	}

	s.logger.Debug("Deleted token set", "session_hash", security.HashForLogging(sessionID))
	return nil
}

// ============================================================
// ContextStore Implementation
// ============================================================

// SaveLaunchContext saves the launch context for a session
func (s *Store) SaveLaunchContext(ctx context.Context, sessionID string, launchContext *claims.LaunchContext) error {
	if sessionID == "" {
		return fmt.Errorf("sessionID cannot be empty")
	}
	if launchContext == nil {
		return fmt.Errorf("launchContext cannot be nil")
	}

	data, err := json.Marshal(launchContext)
	if err != nil {
		return fmt.Errorf("failed to marshal launch context: %w", err)
	}
	if len(data) > MaxRecordSize {
		return errInputTooLarge
	}

	key := s.contextKey(sessionID)

	err = s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Ex(s.sessionTTL).Build()).Error()
	if err != nil {
		return fmt.Errorf("failed to save launch context: %w", err)
	}
	return nil
}

// GetLaunchContext retrieves the launch context for a session
func (s *Store) GetLaunchContext(ctx context.Context, sessionID string) (*claims.LaunchContext, error) {
	key := s.contextKey(sessionID)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrContextNotFound
		}
		return nil, fmt.Errorf("failed to get launch context: %w", err)
	}

	var launchContext claims.LaunchContext
	if err := json.Unmarshal([]byte(data), &launchContext); err != nil {
		return nil, fmt.Errorf("failed to unmarshal launch context: %w", err)
	}
	return &launchContext, nil
}

// DeleteLaunchContext removes the launch context for a session
func (s *Store) DeleteLaunchContext(ctx context.Context, sessionID string) error {
	key := s.contextKey(sessionID)

	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete launch context: %w", err)
	}
	return nil
}
