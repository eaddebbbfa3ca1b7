package storage

import (
	"fmt"

	"github.com/fhirkit/smart-launch/security"
)

// EncryptTokenSet returns a copy with the token strings encrypted at
// rest: the access token, the refresh token, and the id_token. The
// id_token is included because it carries identity claims (name,
// fhirUser) even though it cannot be replayed for access.
//
// If the encryptor is nil or disabled, the original set is returned
// unchanged.
func EncryptTokenSet(tokens *TokenSet, encryptor *security.Encryptor) (*TokenSet, error) {
	if tokens == nil {
		return nil, nil
	}
	if encryptor == nil || !encryptor.IsEnabled() {
		return tokens, nil
	}

	out := tokens.Clone()
	var err error
	if out.AccessToken, err = encryptor.Encrypt(tokens.AccessToken); err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}
	if tokens.RefreshToken != "" {
		if out.RefreshToken, err = encryptor.Encrypt(tokens.RefreshToken); err != nil {
			return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
	}
	if tokens.IDToken != "" {
		if out.IDToken, err = encryptor.Encrypt(tokens.IDToken); err != nil {
			return nil, fmt.Errorf("failed to encrypt id_token: %w", err)
		}
	}
	return out, nil
}

// DecryptTokenSet reverses EncryptTokenSet.
func DecryptTokenSet(tokens *TokenSet, encryptor *security.Encryptor) (*TokenSet, error) {
	if tokens == nil {
		return nil, nil
	}
	if encryptor == nil || !encryptor.IsEnabled() {
		return tokens, nil
	}

	out := tokens.Clone()
	var err error
	if out.AccessToken, err = encryptor.Decrypt(tokens.AccessToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	if tokens.RefreshToken != "" {
		if out.RefreshToken, err = encryptor.Decrypt(tokens.RefreshToken); err != nil {
			return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
		}
	}
	if tokens.IDToken != "" {
		if out.IDToken, err = encryptor.Decrypt(tokens.IDToken); err != nil {
			return nil, fmt.Errorf("failed to decrypt id_token: %w", err)
		}
	}
	return out, nil
}

// EncryptFlowState returns a copy with the PKCE verifier encrypted at
// rest. The verifier is the secret half of the PKCE pair; the
// challenge is already public.
func EncryptFlowState(state *FlowState, encryptor *security.Encryptor) (*FlowState, error) {
	if state == nil {
		return nil, nil
	}
	if encryptor == nil || !encryptor.IsEnabled() {
		return state, nil
	}

	out := state.Clone()
	encrypted, err := encryptor.Encrypt(state.PKCEVerifier)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt PKCE verifier: %w", err)
	}
	out.PKCEVerifier = encrypted
	return out, nil
}

// DecryptFlowState reverses EncryptFlowState.
func DecryptFlowState(state *FlowState, encryptor *security.Encryptor) (*FlowState, error) {
	if state == nil {
		return nil, nil
	}
	if encryptor == nil || !encryptor.IsEnabled() {
		return state, nil
	}

	out := state.Clone()
	decrypted, err := encryptor.Decrypt(state.PKCEVerifier)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt PKCE verifier: %w", err)
	}
	out.PKCEVerifier = decrypted
	return out, nil
}
