package security

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// dummyHash is a bcrypt hash compared against when no real hash exists,
// so verification cost is the same whether or not a token is configured.
// The timing protection comes from always running the comparison, not
// from the hash value itself.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// SecretVerifier verifies the session binder's programmatic API token
// against a bcrypt hash. The plaintext token is handed to the
// collaborator at startup and never stored.
type SecretVerifier struct {
	hash []byte
}

// NewSecretVerifier creates a verifier from a plaintext secret,
// hashing it immediately. An empty secret is a configuration error:
// the binder API must never run unauthenticated.
func NewSecretVerifier(secret string) (*SecretVerifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("api secret must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash api secret: %w", err)
	}
	return &SecretVerifier{hash: hash}, nil
}

// NewSecretVerifierFromHash creates a verifier from an existing bcrypt
// hash, for deployments that provision the hash rather than the secret.
func NewSecretVerifierFromHash(hash string) (*SecretVerifier, error) {
	if hash == "" {
		return nil, fmt.Errorf("api secret hash must not be empty")
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("invalid bcrypt hash: %w", err)
	}
	return &SecretVerifier{hash: []byte(hash)}, nil
}

// Verify reports whether the presented secret matches. A nil verifier
// always compares against the dummy hash and rejects, keeping timing
// flat for unconfigured deployments.
func (v *SecretVerifier) Verify(secret string) bool {
	hash := []byte(dummyHash)
	configured := v != nil && len(v.hash) > 0
	if configured {
		hash = v.hash
	}

	err := bcrypt.CompareHashAndPassword(hash, []byte(secret))
	return configured && err == nil
}
