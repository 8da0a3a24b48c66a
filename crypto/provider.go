// Package crypto abstracts the signing operations the grant engine needs.
// Key management and the JOSE math itself live behind the Provider
// interface; the engine only ever asks "sign this payload" or "does this
// signature verify against these keys".
package crypto

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v4"
)

// Provider signs and verifies compact JWS payloads.
type Provider interface {
	// Sign produces a compact JWS over payload using the named key.
	// keyID may be empty, in which case the provider picks its current
	// key for the algorithm.
	Sign(ctx context.Context, payload []byte, keyID string, alg string) (string, error)

	// VerifySignature checks a compact JWS against the given JWKS (JSON).
	// When jwksJSON is empty the provider's own key set is used.
	VerifySignature(ctx context.Context, compact string, keyID string, jwksJSON string, alg string) (bool, error)

	// CurrentKeyID returns the active signing key for an algorithm.
	CurrentKeyID(alg string) (string, error)

	// CurrentKeyExpiration returns when the active signing key expires,
	// or ok=false when keys do not rotate. Token minting clamps JWT
	// lifetimes so a token never outlives the key that signed it.
	CurrentKeyExpiration() (time.Time, bool)
}

// JoseProvider is a Provider over an in-memory jose.JSONWebKeySet holding
// private keys.
type JoseProvider struct {
	keys jose.JSONWebKeySet

	// keyExpiresAt is set when key regeneration is enabled upstream.
	keyExpiresAt time.Time
	rotates      bool
}

var _ Provider = (*JoseProvider)(nil)

// NewJoseProvider creates a provider over a private key set.
func NewJoseProvider(keys jose.JSONWebKeySet) *JoseProvider {
	return &JoseProvider{keys: keys}
}

// SetKeyExpiration declares when the current signing keys expire. Zero time
// disables rotation awareness.
func (p *JoseProvider) SetKeyExpiration(expiresAt time.Time) {
	p.keyExpiresAt = expiresAt
	p.rotates = !expiresAt.IsZero()
}

// Sign produces a compact JWS over payload.
func (p *JoseProvider) Sign(_ context.Context, payload []byte, keyID string, alg string) (string, error) {
	key, err := p.signingKey(keyID, alg)
	if err != nil {
		return "", err
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.SignatureAlgorithm(alg), Key: key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", key.KeyID),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}

	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("failed to sign payload: %w", err)
	}
	compact, err := jws.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("failed to serialize JWS: %w", err)
	}
	return compact, nil
}

// VerifySignature checks a compact JWS against the given JWKS, falling back
// to the provider's own (public) keys when none is supplied.
func (p *JoseProvider) VerifySignature(_ context.Context, compact string, keyID string, jwksJSON string, alg string) (bool, error) {
	jws, err := jose.ParseSigned(compact, []jose.SignatureAlgorithm{jose.SignatureAlgorithm(alg)})
	if err != nil {
		return false, fmt.Errorf("failed to parse JWS: %w", err)
	}

	keySet := p.keys
	if jwksJSON != "" {
		var external jose.JSONWebKeySet
		if err := json.Unmarshal([]byte(jwksJSON), &external); err != nil {
			return false, fmt.Errorf("failed to parse JWKS: %w", err)
		}
		keySet = external
	}

	candidates := keySet.Keys
	if keyID != "" {
		candidates = keySet.Key(keyID)
	}
	for _, k := range candidates {
		if _, err := jws.Verify(k.Public()); err == nil {
			return true, nil
		}
	}
	return false, nil
}

// CurrentKeyID returns the first key usable for the given algorithm.
func (p *JoseProvider) CurrentKeyID(alg string) (string, error) {
	for _, k := range p.keys.Keys {
		if k.Algorithm == alg || k.Algorithm == "" {
			return k.KeyID, nil
		}
	}
	return "", fmt.Errorf("no signing key for algorithm %s", alg)
}

// CurrentKeyExpiration reports the rotation deadline, if any.
func (p *JoseProvider) CurrentKeyExpiration() (time.Time, bool) {
	return p.keyExpiresAt, p.rotates
}

func (p *JoseProvider) signingKey(keyID string, alg string) (jose.JSONWebKey, error) {
	if keyID != "" {
		keys := p.keys.Key(keyID)
		if len(keys) == 0 {
			return jose.JSONWebKey{}, fmt.Errorf("no key with id %s", keyID)
		}
		return keys[0], nil
	}
	for _, k := range p.keys.Keys {
		if k.Algorithm == alg || k.Algorithm == "" {
			return k, nil
		}
	}
	return jose.JSONWebKey{}, fmt.Errorf("no signing key for algorithm %s", alg)
}
