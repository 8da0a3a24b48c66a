package jansauth

import (
	"log/slog"
	"time"
)

// Config holds the authorization server configuration.
// Structured using composition for better organization and maintainability
type Config struct {
	// Issuer is the server's issuer identifier URL (required). It appears
	// as the iss claim of every signed token and anchors audience checks.
	Issuer string

	// Realm appears in WWW-Authenticate challenges.
	// Default: "jans-auth"
	Realm string

	// SupportedScopes is the server-wide scope policy applied to clients
	// that register no scopes of their own. Empty allows all.
	SupportedScopes []string

	// SigningAlgorithm for JWT access tokens and ID tokens.
	// Default: ES256
	SigningAlgorithm string

	// VerificationURI is the page where device-flow users enter their
	// user code. Default: Issuer + "/device"
	VerificationURI string

	// Tokens holds the token lifetime policy
	Tokens TokenConfig

	// DPoP holds proof-of-possession validation settings
	DPoP DPoPConfig

	// RateLimit holds rate limiting configuration
	RateLimit RateLimitConfig

	// Security holds security settings (secure by default)
	Security SecurityConfig

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// TokenConfig holds the token and grant lifetime policy
type TokenConfig struct {
	// AccessTokenLifetime is the default access token TTL.
	// Default: 1 hour
	AccessTokenLifetime time.Duration

	// RefreshTokenLifetime is the refresh token TTL.
	// Default: 30 days
	RefreshTokenLifetime time.Duration

	// IDTokenLifetime is the OIDC ID token TTL.
	// Default: 1 hour
	IDTokenLifetime time.Duration

	// AuthorizationCodeLifetime bounds code redemption.
	// Default: 60 seconds
	AuthorizationCodeLifetime time.Duration

	// CIBARequestLifetime bounds how long an auth_req_id stays redeemable.
	// Default: 2 minutes
	CIBARequestLifetime time.Duration

	// DeviceCodeLifetime bounds the device flow.
	// Default: 10 minutes
	DeviceCodeLifetime time.Duration

	// PollInterval is the minimum interval between CIBA/device polling
	// attempts; faster polling gets slow_down. Default: 5 seconds
	PollInterval time.Duration
}

// DPoPConfig holds DPoP proof validation settings (RFC 9449)
type DPoPConfig struct {
	// Timeframe bounds how old a proof's iat may be.
	// Default: 5 minutes
	Timeframe time.Duration

	// JtiCacheTTL is how long consumed proof identifiers stay in the
	// replay cache. Default: 10 minutes, never below Timeframe.
	JtiCacheTTL time.Duration

	// RequireNonce enables the server-nonce challenge: proofs without a
	// previously issued nonce are rejected with use_dpop_nonce and a
	// fresh nonce in the DPoP-Nonce header.
	RequireNonce bool

	// NonceTTL is the validity window for issued nonces.
	// Default: 10 minutes
	NonceTTL time.Duration
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is how many trailing proxies in X-Forwarded-For
	// are trusted when TrustProxy is enabled.
	TrustedProxyCount int
}

// SecurityConfig holds security settings (secure by default)
type SecurityConfig struct {
	// EnableAuditLogging enables security audit logging.
	// Logs auth events, token operations, and violations (sensitive data hashed).
	EnableAuditLogging bool

	// AllowImplicitFlow re-enables the deprecated implicit grant.
	// WARNING: OAuth 2.1 removes it; only for legacy clients.
	AllowImplicitFlow bool

	// AllowROPCFlow re-enables the deprecated resource-owner password grant.
	// WARNING: OAuth 2.1 removes it; only for legacy clients.
	AllowROPCFlow bool
}
