// Package token defines the bearer credential value objects issued by the
// authorization server: access tokens, refresh tokens, authorization codes,
// ID tokens and transaction tokens. A token is identified by an opaque random
// code; only the SHA-256 hash of the code is ever persisted or logged.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"
)

// Kind identifies the token type. The string values are the type tags stored
// with persisted token records, so lookups can reject a code found under the
// wrong type.
type Kind string

const (
	KindAccessToken       Kind = "access_token"
	KindRefreshToken      Kind = "refresh_token"
	KindAuthorizationCode Kind = "authorization_code"
	KindIDToken           Kind = "id_token"
	KindTxToken           Kind = "tx_token"
)

// DefaultLifetime is used when a token is constructed without an explicit
// expiration (1 day).
const DefaultLifetime = 24 * time.Hour

// codeBytes is the entropy of generated token codes (256 bits).
const codeBytes = 32

// Token is a bearer credential with a validity window. Revoked and Expired
// are independent flags; validity requires both to be false. Tokens are
// immutable after construction except for the two flags.
type Token struct {
	// Code is the opaque random value presented by clients. Never log it;
	// use HashedCode for storage keys and log redaction.
	Code string

	Kind           Kind
	CreationDate   time.Time
	ExpirationDate time.Time

	Revoked bool
	Expired bool

	// SessionDN is a weak back-reference to the authenticating session.
	// The session's lifecycle is owned elsewhere; this is lookup-only.
	SessionDN string

	// X5tS256 binds the token to a client TLS certificate (RFC 8705
	// confirmation method). Empty when the token is not certificate-bound.
	X5tS256 string

	// DPoPJkt is the JWK thumbprint of the DPoP proof key the token is
	// bound to (RFC 9449 cnf.jkt). Empty for unbound tokens.
	DPoPJkt string
}

// New creates a token of the given kind valid for lifetime from now.
// A non-positive lifetime is rejected.
func New(kind Kind, lifetime time.Duration) (*Token, error) {
	return NewAt(kind, lifetime, time.Now())
}

// NewAt is New with an explicit clock, for deterministic tests.
func NewAt(kind Kind, lifetime time.Duration, now time.Time) (*Token, error) {
	if lifetime <= 0 {
		return nil, fmt.Errorf("token lifetime must be positive, got %s", lifetime)
	}
	code, err := GenerateCode()
	if err != nil {
		return nil, fmt.Errorf("failed to generate token code: %w", err)
	}
	return &Token{
		Code:           code,
		Kind:           kind,
		CreationDate:   now,
		ExpirationDate: now.Add(lifetime),
	}, nil
}

// GenerateCode returns a fresh opaque token code with 256 bits of entropy,
// base64url-encoded without padding.
func GenerateCode() (string, error) {
	b := make([]byte, codeBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashCode returns the SHA-256 hash of a token code, base64url-encoded.
// Persisted records and log lines use the hash, never the clear code.
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// HashedCode returns the storage key for this token.
func (t *Token) HashedCode() string {
	return HashCode(t.Code)
}

// IsValid reports whether the token is usable. It is a pure function of the
// revoked and expired flags; callers that may observe an advanced clock must
// call CheckExpired first, since background cleanup is best-effort.
func (t *Token) IsValid() bool {
	return !t.Revoked && !t.Expired
}

// CheckExpired flips the expired flag once the validity window has passed.
// Idempotent; an already-expired token stays expired.
func (t *Token) CheckExpired(now time.Time) {
	if t.Expired {
		return
	}
	if now.After(t.ExpirationDate) {
		t.Expired = true
	}
}

// Revoke marks the token revoked. The flag never flips back.
func (t *Token) Revoke() {
	t.Revoked = true
}

// ExpiresIn returns the remaining lifetime in whole seconds, clamped to zero
// for invalid or already-expired tokens.
func (t *Token) ExpiresIn(now time.Time) int64 {
	t.CheckExpired(now)
	if !t.IsValid() {
		return 0
	}
	remaining := int64(t.ExpirationDate.Sub(now).Seconds())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Lifetime returns the configured validity window of the token.
func (t *Token) Lifetime() time.Duration {
	return t.ExpirationDate.Sub(t.CreationDate)
}
