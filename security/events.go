package security

// Event type constants for security audit logging.
// These constants ensure consistency across the codebase and prevent typos
// when logging security-relevant events.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when tokens are minted under a grant
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is exchanged and
	// rotated
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a grant and its tokens are revoked
	EventTokenRevoked = "token_revoked"

	// Grant and authorization events

	// EventCodeReuse is logged when an authorization code is presented a
	// second time; the grant behind it is revoked in response
	EventCodeReuse = "authorization_code_reuse"

	// EventInvalidPKCE is logged when a code_verifier fails verification
	EventInvalidPKCE = "invalid_pkce"

	// Failure events

	// EventAuthFailure is logged when client or resource-owner
	// authentication fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a caller exceeds the per-IP
	// request budget
	EventRateLimitExceeded = "rate_limit_exceeded"
)
