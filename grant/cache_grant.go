package grant

import (
	"time"

	"github.com/janssen-go/jans-auth/token"
)

// CacheGrant is the flattened, serializable snapshot of a grant used as the
// TTL-cache payload for grants that are not (yet) durably persisted:
// authorization codes awaiting redemption, CIBA grants awaiting user
// approval, and device grants awaiting user_code entry. It is reconstituted
// into a live Grant on cache hit; the snapshot itself is ephemeral.
type CacheGrant struct {
	GrantID  string `json:"grant_id"`
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

	// CodeHash and DeviceCodeHash are the hashed authorization and device
	// codes; clear codes never enter the cache payload.
	CodeHash       string    `json:"code_hash,omitempty"`
	CodeCreation   time.Time `json:"code_creation,omitempty"`
	CodeExpiration time.Time `json:"code_expiration,omitempty"`
	DeviceCodeHash string    `json:"device_code_hash,omitempty"`

	AuthReqID string `json:"auth_req_id,omitempty"`
	UserCode  string `json:"user_code,omitempty"`

	TokensDelivered bool `json:"tokens_delivered"`

	// ExpiresAt bounds the snapshot; the cache TTL is derived from it.
	ExpiresAt time.Time `json:"expires_at"`
}

// newCacheGrant flattens a live grant. expiresAt caps the snapshot's
// remaining validity.
func newCacheGrant(g *Grant, expiresAt time.Time) *CacheGrant {
	cg := &CacheGrant{
		GrantID:             g.GrantID,
		UserID:              g.UserID,
		ClientID:            g.ClientID,
		Scopes:              g.Scopes(),
		AuthenticationTime:  g.AuthenticationTime,
		ACRValues:           g.ACRValues,
		SessionDN:           g.SessionDN,
		Nonce:               g.Nonce,
		CodeChallenge:       g.CodeChallenge,
		CodeChallengeMethod: g.CodeChallengeMethod,
		RedirectURI:         g.RedirectURI,
		Claims:              g.Claims,
		JWTRequest:          g.JWTRequest,
		AuthReqID:           g.AuthReqID,
		DeviceCodeHash:      g.deviceCodeHash,
		UserCode:            g.UserCode,
		TokensDelivered:     g.TokensDelivered,
		ExpiresAt:           expiresAt,
	}
	if code := g.AuthorizationCodeToken(); code != nil {
		cg.CodeHash = code.HashedCode()
		cg.CodeCreation = code.CreationDate
		cg.CodeExpiration = code.ExpirationDate
	}
	return cg
}

// TTL returns the snapshot's remaining validity, zero when already expired.
func (cg *CacheGrant) TTL(now time.Time) time.Duration {
	remaining := cg.ExpiresAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// AsCodeGrant reconstitutes an authorization-code grant.
func (cg *CacheGrant) AsCodeGrant(reg *Registry) *Grant {
	g := cg.hydrate(reg, TypeAuthorizationCode)
	if cg.CodeHash != "" {
		// The code token is rebuilt in hashed form: redemption compares
		// hashes, so the clear code is never needed again.
		g.authorizationCode = &token.Token{
			Code:           cg.CodeHash,
			Kind:           token.KindAuthorizationCode,
			CreationDate:   cg.CodeCreation,
			ExpirationDate: cg.CodeExpiration,
		}
	}
	return g
}

// AsCibaGrant reconstitutes a CIBA grant keyed by auth_req_id.
func (cg *CacheGrant) AsCibaGrant(reg *Registry) *Grant {
	return cg.hydrate(reg, TypeCIBA)
}

// AsDeviceCodeGrant reconstitutes a device-code grant.
func (cg *CacheGrant) AsDeviceCodeGrant(reg *Registry) *Grant {
	return cg.hydrate(reg, TypeDeviceCode)
}

func (cg *CacheGrant) hydrate(reg *Registry, typ Type) *Grant {
	g := reg.newGrant(typ)
	g.GrantID = cg.GrantID
	g.UserID = cg.UserID
	g.ClientID = cg.ClientID
	g.scopes = append([]string(nil), cg.Scopes...)
	g.AuthenticationTime = cg.AuthenticationTime
	g.ACRValues = cg.ACRValues
	g.SessionDN = cg.SessionDN
	g.Nonce = cg.Nonce
	g.CodeChallenge = cg.CodeChallenge
	g.CodeChallengeMethod = cg.CodeChallengeMethod
	g.RedirectURI = cg.RedirectURI
	g.Claims = cg.Claims
	g.JWTRequest = cg.JWTRequest
	g.AuthReqID = cg.AuthReqID
	g.deviceCodeHash = cg.DeviceCodeHash
	g.UserCode = cg.UserCode
	g.TokensDelivered = cg.TokensDelivered
	return g
}
