package provider

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// assertionLifetime bounds how long a client assertion stays valid.
// Short-lived assertions limit the replay window; each token request
// gets a fresh one.
const assertionLifetime = 5 * time.Minute

// AssertionSigner produces signed JWT client assertions for the
// private_key_jwt authentication style required by backend services
// and supported by most EHR vendors for confidential asymmetric
// clients.
type AssertionSigner struct {
	key      *rsa.PrivateKey
	keyID    string
	clientID string
}

// NewAssertionSigner creates a signer bound to a registered client.
// keyID must match the kid the EHR holds for the client's public key.
func NewAssertionSigner(key *rsa.PrivateKey, keyID, clientID string) (*AssertionSigner, error) {
	if key == nil {
		return nil, fmt.Errorf("signing key is required")
	}
	if keyID == "" {
		return nil, fmt.Errorf("key ID is required")
	}
	if clientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	return &AssertionSigner{key: key, keyID: keyID, clientID: clientID}, nil
}

// Sign produces a client assertion for one token request. The audience
// is the token endpoint and the jti is unique per assertion so the
// provider can reject replays.
func (s *AssertionSigner) Sign(tokenEndpoint string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS384, jwt.MapClaims{
		"iss": s.clientID,
		"sub": s.clientID,
		"aud": tokenEndpoint,
		"jti": uuid.NewString(),
		"iat": now.Unix(),
		"exp": now.Add(assertionLifetime).Unix(),
	})
	token.Header["kid"] = s.keyID

	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign client assertion: %w", err)
	}
	return signed, nil
}

// PublicJWKS returns the public half of the signing key as a JWK Set
// document, suitable for serving at the registered jwks URL.
func (s *AssertionSigner) PublicJWKS() (json.RawMessage, error) {
	key, err := jwk.FromRaw(s.key.Public())
	if err != nil {
		return nil, fmt.Errorf("failed to build JWK from signing key: %w", err)
	}
	if err := key.Set(jwk.KeyIDKey, s.keyID); err != nil {
		return nil, fmt.Errorf("failed to set kid: %w", err)
	}
	if err := key.Set(jwk.AlgorithmKey, jwa.RS384); err != nil {
		return nil, fmt.Errorf("failed to set alg: %w", err)
	}
	if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return nil, fmt.Errorf("failed to set use: %w", err)
	}

	set := jwk.NewSet()
	if err := set.AddKey(key); err != nil {
		return nil, fmt.Errorf("failed to assemble JWK set: %w", err)
	}

	return json.Marshal(set)
}

// ParseSigningKey parses a PEM-encoded RSA private key in PKCS#1 or
// PKCS#8 form.
func ParseSigningKey(pemData []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in signing key")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key must be RSA, got %T", parsed)
	}
	return rsaKey, nil
}
