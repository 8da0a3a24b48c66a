// Package storage defines the persistence interfaces the grant and token
// lifecycle engine depends on: a durable grant store keyed by hashed token
// code, a TTL key-value cache for short-lived grants and replay records, and
// the external user/client stores.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all backends.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrKeyExists indicates an insert-if-absent found the key already set.
	ErrKeyExists = errors.New("storage: key already exists")
)

// TokenRecord is the flattened persisted row for one issued token. One grant
// produces one record per token, all sharing GrantID. The record carries
// enough transient grant state (nonce, ACR, PKCE, claims) to reconstruct the
// owning grant on lookup.
type TokenRecord struct {
	// TokenCodeHash is the primary key: SHA-256 of the token code.
	TokenCodeHash string `json:"token_code_hash"`

	// TokenType is the token.Kind tag; lookups must reject records whose
	// type does not match the lookup path.
	TokenType string `json:"token_type"`

	// GrantID correlates all tokens issued under one grant.
	GrantID   string `json:"grant_id"`
	GrantType string `json:"grant_type"`

	UserID   string `json:"user_id,omitempty"`
	ClientID string `json:"client_id"`

	Scopes []string `json:"scopes,omitempty"`

	AuthenticationTime  time.Time `json:"authentication_time,omitempty"`
	ACRValues           string    `json:"acr_values,omitempty"`
	SessionDN           string    `json:"session_dn,omitempty"`
	Nonce               string    `json:"nonce,omitempty"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	RedirectURI         string    `json:"redirect_uri,omitempty"`
	Claims              string    `json:"claims,omitempty"`
	JWTRequest          string    `json:"jwt_request,omitempty"`

	CreationDate   time.Time `json:"creation_date"`
	ExpirationDate time.Time `json:"expiration_date"`
	Revoked        bool      `json:"revoked"`

	// X5tS256 and DPoPJkt record certificate and DPoP key bindings.
	X5tS256 string `json:"x5t_s256,omitempty"`
	DPoPJkt string `json:"dpop_jkt,omitempty"`

	// Attributes carries backend-opaque extras (e.g. hook-injected values).
	Attributes map[string]string `json:"attributes,omitempty"`
}

// GrantStore is the durable persistence backend for token records.
// All methods accept context.Context for tracing and cancellation.
type GrantStore interface {
	// Persist stores a token record. Persisting the same hash twice
	// overwrites the previous record.
	Persist(ctx context.Context, record *TokenRecord) error

	// GetByCode retrieves a record by hashed token code.
	// Returns ErrNotFound when absent.
	GetByCode(ctx context.Context, tokenCodeHash string) (*TokenRecord, error)

	// GetByGrantID retrieves all live records sharing a grant ID. A grant
	// with no records yields an empty slice, not an error: callers cannot
	// distinguish a never-seen grant from a fully swept one, and neither
	// is a failure.
	GetByGrantID(ctx context.Context, grantID string) ([]*TokenRecord, error)

	// RemoveAllByGrantID bulk-deletes every record under a grant ID.
	// Returns the number of records removed.
	RemoveAllByGrantID(ctx context.Context, grantID string) (int, error)

	// MarkRevokedByGrantID flips the revoked flag on every record under a
	// grant ID without deleting, so in-flight lookups observe revocation.
	MarkRevokedByGrantID(ctx context.Context, grantID string) error
}

// Cache is a TTL key-value store used for not-yet-persisted grants
// (authorization codes, CIBA auth_req_id, device codes), DPoP jti replay
// records and DPoP nonces. Values are opaque byte payloads (JSON).
type Cache interface {
	// Get retrieves a value. Returns ErrNotFound when absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores a value with the given TTL, overwriting any previous value.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// PutIfAbsent atomically stores a value only when the key is not
	// already present, returning ErrKeyExists otherwise.
	// SECURITY: this MUST be atomic with respect to concurrent callers;
	// the DPoP jti replay check depends on it.
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// Client is the registered OAuth client view the engine needs. Registration
// and management of clients is an external concern.
type Client struct {
	ClientID string

	// TokenEndpointAuthMethod is the registered client authentication
	// method (client_secret_basic, client_secret_post, private_key_jwt,
	// tls_client_auth, self_signed_tls_client_auth, none).
	TokenEndpointAuthMethod string

	// RedirectURIs are the registered redirect endpoints. The authorize
	// endpoint only redirects to an exact match from this list.
	RedirectURIs []string

	// Scopes the client may be granted. Empty means the server-wide
	// supported scopes apply.
	Scopes []string

	// AccessTokenLifetime overrides the global access token TTL when
	// positive.
	AccessTokenLifetime time.Duration

	// AccessTokenAsJWT requests self-contained JWT access tokens.
	AccessTokenAsJWT bool

	// JWKS holds the client's registered public keys (JSON), used for
	// private_key_jwt assertions.
	JWKS string

	// SubjectDN is the expected certificate subject CN for tls_client_auth.
	SubjectDN string

	// CertificateHash is the SHA-256 of the registered certificate for
	// self_signed_tls_client_auth.
	CertificateHash string

	// Public reports whether the client has no credentials.
	Public bool
}

// ClientStore resolves and authenticates registered clients.
type ClientStore interface {
	// GetClient retrieves a client by ID. Returns ErrNotFound when absent.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret validates a client's secret against the stored
	// (hashed) secret.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error
}

// User is the resource-owner view the engine needs.
type User struct {
	ID       string
	Username string
}

// UserStore resolves and authenticates resource owners.
type UserStore interface {
	// GetUser retrieves a user by ID. Returns ErrNotFound when absent.
	GetUser(ctx context.Context, userID string) (*User, error)

	// Authenticate validates resource-owner password credentials,
	// returning the user on success.
	Authenticate(ctx context.Context, username, password string) (*User, error)
}
