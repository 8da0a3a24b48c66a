package jansauth

// ErrorResponse represents an OAuth error response body. The shape is a
// stable wire contract: real third-party OAuth clients parse it.
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`

	// ErrorURI points to error documentation
	ErrorURI string `json:"error_uri,omitempty"`
}

// TokenResponse represents an OAuth 2.0 token response (RFC 6749 §5.1)
type TokenResponse struct {
	// AccessToken is the access token
	AccessToken string `json:"access_token"`

	// TokenType is "Bearer", or "DPoP" for key-bound tokens (RFC 9449)
	TokenType string `json:"token_type"`

	// ExpiresIn is the lifetime in seconds of the access token
	ExpiresIn int64 `json:"expires_in,omitempty"`

	// RefreshToken is the refresh token (optional)
	RefreshToken string `json:"refresh_token,omitempty"`

	// Scope is the scope of the access token
	Scope string `json:"scope,omitempty"`

	// IDToken is the OIDC ID token, present when "openid" was granted
	IDToken string `json:"id_token,omitempty"`

	// IssuedTokenType identifies the issued token for RFC 8693 token
	// exchange responses
	IssuedTokenType string `json:"issued_token_type,omitempty"`
}

// DeviceAuthorizationResponse represents an RFC 8628 device authorization
// response
type DeviceAuthorizationResponse struct {
	// DeviceCode is the long opaque code the device polls with
	DeviceCode string `json:"device_code"`

	// UserCode is the short code the user types on the verification page
	UserCode string `json:"user_code"`

	// VerificationURI is where the user enters the user code
	VerificationURI string `json:"verification_uri"`

	// VerificationURIComplete embeds the user code for QR-style handoff
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`

	// ExpiresIn is the lifetime in seconds of the device code
	ExpiresIn int64 `json:"expires_in"`

	// Interval is the minimum polling interval in seconds
	Interval int64 `json:"interval,omitempty"`
}

// CIBAAuthenticationResponse represents a CIBA backchannel authentication
// response
type CIBAAuthenticationResponse struct {
	// AuthReqID identifies the pending authentication request
	AuthReqID string `json:"auth_req_id"`

	// ExpiresIn is the lifetime in seconds of the auth_req_id
	ExpiresIn int64 `json:"expires_in"`

	// Interval is the minimum polling interval in seconds
	Interval int64 `json:"interval,omitempty"`
}

// AuthorizationServerMetadata represents OAuth 2.0 Authorization Server
// Metadata (RFC 8414)
type AuthorizationServerMetadata struct {
	// Issuer is the authorization server's issuer identifier URL
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL of the authorization endpoint
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the URL of the token endpoint
	TokenEndpoint string `json:"token_endpoint"`

	// RevocationEndpoint is the URL of the RFC 7009 revocation endpoint
	RevocationEndpoint string `json:"revocation_endpoint,omitempty"`

	// DeviceAuthorizationEndpoint is the URL of the RFC 8628 endpoint
	DeviceAuthorizationEndpoint string `json:"device_authorization_endpoint,omitempty"`

	// BackchannelAuthenticationEndpoint is the URL of the CIBA endpoint
	BackchannelAuthenticationEndpoint string `json:"backchannel_authentication_endpoint,omitempty"`

	// ScopesSupported lists the OAuth scopes supported
	ScopesSupported []string `json:"scopes_supported,omitempty"`

	// ResponseTypesSupported lists the OAuth response types supported
	ResponseTypesSupported []string `json:"response_types_supported"`

	// GrantTypesSupported lists the OAuth grant types supported
	GrantTypesSupported []string `json:"grant_types_supported,omitempty"`

	// TokenEndpointAuthMethodsSupported lists the client authentication
	// methods supported at the token endpoint
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`

	// CodeChallengeMethodsSupported lists the PKCE code challenge methods
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`

	// DPoPSigningAlgValuesSupported lists the accepted DPoP proof algorithms
	DPoPSigningAlgValuesSupported []string `json:"dpop_signing_alg_values_supported,omitempty"`

	// TLSClientCertificateBoundAccessTokens indicates RFC 8705 support
	TLSClientCertificateBoundAccessTokens bool `json:"tls_client_certificate_bound_access_tokens,omitempty"`
}
