// Package grant implements the authorization-grant and token lifecycle
// engine: grant kinds as a closed tagged variant, one mint algorithm with
// per-kind policy, the TTL-cached snapshot for short-lived grants, and the
// registry mapping raw token codes back to live grants.
package grant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/janssen-go/jans-auth/hooks"
	"github.com/janssen-go/jans-auth/storage"
	"github.com/janssen-go/jans-auth/token"
)

// Type identifies the OAuth grant kind. Exactly one type per grant,
// fixed at construction. The values are the wire grant_type identifiers
// where one exists.
type Type string

const (
	TypeAuthorizationCode     Type = "authorization_code"
	TypeImplicit              Type = "implicit"
	TypeClientCredentials     Type = "client_credentials"
	TypeResourceOwnerPassword Type = "password"
	TypeCIBA                  Type = "urn:openid:params:grant-type:ciba"
	TypeDeviceCode            Type = "urn:ietf:params:oauth:grant-type:device_code"
	TypeTokenExchange         Type = "urn:ietf:params:oauth:grant-type:token-exchange"
	TypeTxToken               Type = "tx_token"
)

// capability is the per-kind policy table consulted by the shared mint and
// save logic.
type capability struct {
	// mintRefresh permits refresh-token issuance. Absent for implicit
	// (RFC 6749 §4.2) and transaction tokens.
	mintRefresh bool

	// cacheOnly routes Save through the TTL cache instead of the durable
	// store. CIBA and device grants are poll-heavy and short-lived; keeping
	// them out of the durable store avoids write amplification.
	cacheOnly bool
}

var capabilities = map[Type]capability{
	TypeAuthorizationCode:     {mintRefresh: true},
	TypeImplicit:              {},
	TypeClientCredentials:     {mintRefresh: true},
	TypeResourceOwnerPassword: {mintRefresh: true},
	TypeCIBA:                  {mintRefresh: true, cacheOnly: true},
	TypeDeviceCode:            {mintRefresh: true, cacheOnly: true},
	TypeTokenExchange:         {mintRefresh: true},
	TypeTxToken:               {},
}

// Errors the mint and redemption paths distinguish for callers.
var (
	// ErrRefreshTokenUnsupported signals the grant kind never issues
	// refresh tokens. Distinct from a transient mint failure.
	ErrRefreshTokenUnsupported = errors.New("grant: refresh tokens unsupported for this grant type")

	// ErrGrantRevoked signals a mint lost the race against revocation.
	ErrGrantRevoked = errors.New("grant: grant has been revoked")

	// ErrAlreadyRedeemed signals a second redemption of a CIBA or device
	// grant whose tokens were already delivered.
	ErrAlreadyRedeemed = errors.New("grant: tokens already delivered for this grant")

	// ErrMintVetoed signals the update-token hook refused issuance.
	ErrMintVetoed = errors.New("grant: token issuance vetoed by update-token hook")
)

// Grant is one authorization grant. All tokens it issues share GrantID.
// Token collections only grow through mint operations; entries leave only
// via explicit revocation.
type Grant struct {
	typ Type
	reg *Registry

	GrantID  string
	UserID   string
	ClientID string

	AuthenticationTime  time.Time
	ACRValues           string
	SessionDN           string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	Claims              string
	JWTRequest          string

	// RedirectURI is the exact redirect_uri of the authorization request,
	// re-checked when the code is redeemed (RFC 6749 section 4.1.3).
	RedirectURI string

	// AuthReqID keys CIBA grants; DeviceCode/UserCode key device grants.
	AuthReqID  string
	DeviceCode string
	UserCode   string

	// deviceCodeHash keys the device grant's cache entry. Hydrated grants
	// carry only the hash; the clear DeviceCode exists only on the grant
	// that minted it.
	deviceCodeHash string

	// TokensDelivered guards against double redemption of CIBA and device
	// grants. The authoritative check is the atomic redemption marker in
	// the cache; this field mirrors it for serialization.
	TokensDelivered bool

	mu                   sync.Mutex
	scopes               []string
	accessTokens         map[string]*token.Token // hashed code -> token
	refreshTokens        map[string]*token.Token
	idToken              *token.Token
	authorizationCode    *token.Token
	longLivedAccessToken *token.Token
}

// Type returns the grant kind.
func (g *Grant) Type() Type { return g.typ }

// IsCacheOnly reports whether the grant lives in the TTL cache rather than
// the durable store.
func (g *Grant) IsCacheOnly() bool { return capabilities[g.typ].cacheOnly }

// Scopes returns a snapshot of the granted scopes.
func (g *Grant) Scopes() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.scopes))
	copy(out, g.scopes)
	return out
}

// AccessTokens returns a snapshot of the live access tokens.
func (g *Grant) AccessTokens() []*token.Token {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*token.Token, 0, len(g.accessTokens))
	for _, t := range g.accessTokens {
		out = append(out, t)
	}
	return out
}

// RefreshTokens returns a snapshot of the live refresh tokens.
func (g *Grant) RefreshTokens() []*token.Token {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*token.Token, 0, len(g.refreshTokens))
	for _, t := range g.refreshTokens {
		out = append(out, t)
	}
	return out
}

// AuthorizationCodeToken returns the grant's authorization code, if any.
func (g *Grant) AuthorizationCodeToken() *token.Token {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.authorizationCode
}

// IDToken returns the grant's ID token, if any.
func (g *Grant) IDToken() *token.Token {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.idToken
}

// CheckScopesPolicy recomputes the granted scopes as the intersection of the
// requested scopes with the client's allowed scopes (or the server-wide
// supported scopes when the client registers none). This is the only
// sanctioned scope mutation; the result must be saved before tokens
// reflecting it are minted. Idempotent under a stable policy.
func (g *Grant) CheckScopesPolicy(requested []string) []string {
	allowed := g.reg.cfg.SupportedScopes
	if client := g.client(); client != nil && len(client.Scopes) > 0 {
		allowed = client.Scopes
	}

	var narrowed []string
	if len(allowed) == 0 {
		narrowed = append(narrowed, requested...)
	} else {
		allowedSet := make(map[string]struct{}, len(allowed))
		for _, s := range allowed {
			allowedSet[s] = struct{}{}
		}
		for _, s := range requested {
			if _, ok := allowedSet[s]; ok {
				narrowed = append(narrowed, s)
			}
		}
	}
	sort.Strings(narrowed)

	g.mu.Lock()
	g.scopes = narrowed
	g.mu.Unlock()
	return g.Scopes()
}

func (g *Grant) client() *storage.Client {
	c, err := g.reg.clients.GetClient(context.Background(), g.ClientID)
	if err != nil {
		return nil
	}
	return c
}

// CreateAccessToken mints an access token under this grant.
//
// Lifetime resolution order: client-specific override, then hook override,
// then (for JWT-format tokens under key rotation) a clamp so the token does
// not outlive the signing key, then the global default. Any failure is
// logged and surfaced as an error the caller maps to server_error; raw
// internal errors never cross the grant boundary to clients.
func (g *Grant) CreateAccessToken(ctx context.Context, ec *ExecutionContext) (*token.Token, error) {
	client := ec.clientOrLookup(g)

	lifetime := g.reg.cfg.AccessTokenLifetime
	if client != nil && client.AccessTokenLifetime > 0 {
		lifetime = client.AccessTokenLifetime
	}

	tc := g.tokenContext(token.KindAccessToken)
	updateHook := ec.updateHook(g.reg.updateHook)
	if updateHook != nil {
		if override, ok := updateHook.OverrideLifetime(ctx, tc); ok {
			lifetime = override
		}
	}

	asJWT := client != nil && client.AccessTokenAsJWT
	if asJWT {
		if keyExpiry, rotates := g.reg.signerKeyExpiration(); rotates {
			if remaining := time.Until(keyExpiry); remaining < lifetime {
				lifetime = remaining
			}
		}
	}

	if lifetime <= 0 {
		g.reg.logger.Warn("Refusing to mint access token with non-positive lifetime",
			"grant_id", g.GrantID, "client_id", g.ClientID, "lifetime", lifetime)
		return nil, fmt.Errorf("resolved access token lifetime is not positive")
	}

	tok, err := token.New(token.KindAccessToken, lifetime)
	if err != nil {
		return nil, err
	}
	tok.SessionDN = g.SessionDN
	tok.DPoPJkt = ec.DPoPJkt
	tok.X5tS256 = ec.X5tS256

	if asJWT {
		signed, err := g.signAccessTokenJWT(ctx, ec, tok, tc)
		if err != nil {
			g.reg.logger.Error("Failed to serialize JWT access token",
				"grant_id", g.GrantID, "client_id", g.ClientID, "error", err)
			return nil, fmt.Errorf("failed to serialize access token: %w", err)
		}
		tok.Code = signed
	}

	// Fail-closed gate: the hook must explicitly allow issuance.
	if !hooks.Allowed(ctx, updateHook, tc) {
		g.reg.logger.Info("Access token issuance vetoed by update-token hook",
			"grant_id", g.GrantID, "client_id", g.ClientID)
		return nil, ErrMintVetoed
	}

	g.mu.Lock()
	g.accessTokens[tok.HashedCode()] = tok
	g.mu.Unlock()

	if err := g.saveToken(ctx, tok); err != nil {
		return nil, err
	}

	// Revoke-wins: a revocation racing this mint must not be evaded. The
	// revocation marker is written before records are touched, so checking
	// it after persisting closes the window.
	if g.reg.isRevoked(ctx, g.GrantID) {
		_, _ = g.reg.store.RemoveAllByGrantID(ctx, g.GrantID)
		return nil, ErrGrantRevoked
	}

	g.reg.recordTokenIssued(ctx, string(token.KindAccessToken), string(g.typ))
	return tok, nil
}

// CreateRefreshToken mints a refresh token, failing with
// ErrRefreshTokenUnsupported for grant kinds that must not issue them.
func (g *Grant) CreateRefreshToken(ctx context.Context, ec *ExecutionContext) (*token.Token, error) {
	if !capabilities[g.typ].mintRefresh {
		return nil, fmt.Errorf("%w: %s", ErrRefreshTokenUnsupported, g.typ)
	}

	tc := g.tokenContext(token.KindRefreshToken)
	updateHook := ec.updateHook(g.reg.updateHook)

	lifetime := g.reg.cfg.RefreshTokenLifetime
	if updateHook != nil {
		if override, ok := updateHook.OverrideLifetime(ctx, tc); ok {
			lifetime = override
		}
	}
	if lifetime <= 0 {
		return nil, fmt.Errorf("resolved refresh token lifetime is not positive")
	}

	tok, err := token.New(token.KindRefreshToken, lifetime)
	if err != nil {
		return nil, err
	}
	tok.SessionDN = g.SessionDN
	tok.DPoPJkt = ec.DPoPJkt
	tok.X5tS256 = ec.X5tS256

	if !hooks.Allowed(ctx, updateHook, tc) {
		return nil, ErrMintVetoed
	}

	g.mu.Lock()
	g.refreshTokens[tok.HashedCode()] = tok
	g.mu.Unlock()

	if err := g.saveToken(ctx, tok); err != nil {
		return nil, err
	}
	if g.reg.isRevoked(ctx, g.GrantID) {
		_, _ = g.reg.store.RemoveAllByGrantID(ctx, g.GrantID)
		return nil, ErrGrantRevoked
	}

	g.reg.recordTokenIssued(ctx, string(token.KindRefreshToken), string(g.typ))
	return tok, nil
}

// CreateIDToken mints a signed OIDC ID token for the grant's user.
func (g *Grant) CreateIDToken(ctx context.Context, ec *ExecutionContext) (*token.Token, error) {
	lifetime := g.reg.cfg.IDTokenLifetime
	if lifetime <= 0 {
		return nil, fmt.Errorf("resolved ID token lifetime is not positive")
	}

	tok, err := token.New(token.KindIDToken, lifetime)
	if err != nil {
		return nil, err
	}
	tok.SessionDN = g.SessionDN

	claims := map[string]any{
		"iss":       g.reg.cfg.Issuer,
		"sub":       g.UserID,
		"aud":       g.ClientID,
		"iat":       tok.CreationDate.Unix(),
		"exp":       tok.ExpirationDate.Unix(),
		"jti":       tok.HashedCode(),
		"auth_time": g.AuthenticationTime.Unix(),
	}
	if g.Nonce != "" {
		claims["nonce"] = g.Nonce
	}
	if g.ACRValues != "" {
		claims["acr"] = g.ACRValues
	}

	signed, err := g.signClaims(ctx, ec, claims, g.tokenContext(token.KindIDToken))
	if err != nil {
		g.reg.logger.Error("Failed to sign ID token",
			"grant_id", g.GrantID, "client_id", g.ClientID, "error", err)
		return nil, fmt.Errorf("failed to sign ID token: %w", err)
	}
	tok.Code = signed

	g.mu.Lock()
	g.idToken = tok
	g.mu.Unlock()

	if err := g.saveToken(ctx, tok); err != nil {
		return nil, err
	}

	g.reg.recordTokenIssued(ctx, string(token.KindIDToken), string(g.typ))
	return tok, nil
}

// CreateAuthorizationCode mints the grant's authorization code. Codes are
// cache-backed until redeemed, so this does not touch the durable store.
func (g *Grant) CreateAuthorizationCode(now time.Time) (*token.Token, error) {
	tok, err := token.NewAt(token.KindAuthorizationCode, g.reg.cfg.AuthorizationCodeLifetime, now)
	if err != nil {
		return nil, err
	}
	tok.SessionDN = g.SessionDN

	g.mu.Lock()
	g.authorizationCode = tok
	g.mu.Unlock()
	return tok, nil
}

// Save writes the grant out. Durable grants rewrite the backing-store record
// of every live token under the grant ID; cache-only grants re-serialize the
// whole grant as a CacheGrant under the same key with a freshly computed TTL.
func (g *Grant) Save(ctx context.Context) error {
	if g.IsCacheOnly() {
		return g.reg.putCacheGrant(ctx, g)
	}

	var firstErr error
	for _, tok := range g.allTokens() {
		if err := g.saveToken(ctx, tok); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RevokeAllTokens revokes every token under the grant: the revocation marker
// is written first (so racing mints observe it), live records are flagged,
// then bulk-deleted. Cache-only grants additionally drop their cache entry.
func (g *Grant) RevokeAllTokens(ctx context.Context) error {
	if err := g.reg.markRevoked(ctx, g.GrantID); err != nil {
		return fmt.Errorf("failed to mark grant revoked: %w", err)
	}

	g.mu.Lock()
	for _, t := range g.accessTokens {
		t.Revoke()
	}
	for _, t := range g.refreshTokens {
		t.Revoke()
	}
	if g.idToken != nil {
		g.idToken.Revoke()
	}
	if g.authorizationCode != nil {
		g.authorizationCode.Revoke()
	}
	g.mu.Unlock()

	if err := g.reg.store.MarkRevokedByGrantID(ctx, g.GrantID); err != nil {
		g.reg.logger.Warn("Failed to flag grant records revoked",
			"grant_id", g.GrantID, "error", err)
	}
	if _, err := g.reg.store.RemoveAllByGrantID(ctx, g.GrantID); err != nil {
		return fmt.Errorf("failed to remove grant records: %w", err)
	}

	if g.IsCacheOnly() {
		_ = g.reg.cache.Delete(ctx, g.reg.cacheKeyFor(g))
	}

	g.reg.recordGrantRevoked(ctx, string(g.typ))
	return nil
}

func (g *Grant) allTokens() []*token.Token {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*token.Token, 0, len(g.accessTokens)+len(g.refreshTokens)+2)
	for _, t := range g.accessTokens {
		out = append(out, t)
	}
	for _, t := range g.refreshTokens {
		out = append(out, t)
	}
	if g.idToken != nil {
		out = append(out, g.idToken)
	}
	if g.longLivedAccessToken != nil {
		out = append(out, g.longLivedAccessToken)
	}
	return out
}

// saveToken routes one token to the durable store, or re-snapshots the whole
// grant for cache-only kinds.
func (g *Grant) saveToken(ctx context.Context, tok *token.Token) error {
	if g.IsCacheOnly() {
		return g.reg.putCacheGrant(ctx, g)
	}
	if err := g.reg.store.Persist(ctx, g.recordFor(tok)); err != nil {
		g.reg.logger.Error("Failed to persist token record",
			"grant_id", g.GrantID, "token_type", tok.Kind, "error", err)
		return fmt.Errorf("failed to persist token: %w", err)
	}
	return nil
}

// recordFor flattens one token plus the grant's transient state into the
// persisted row used for later reconstruction.
func (g *Grant) recordFor(tok *token.Token) *storage.TokenRecord {
	return &storage.TokenRecord{
		TokenCodeHash:       tok.HashedCode(),
		TokenType:           string(tok.Kind),
		GrantID:             g.GrantID,
		GrantType:           string(g.typ),
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
		CreationDate:        tok.CreationDate,
		ExpirationDate:      tok.ExpirationDate,
		Revoked:             tok.Revoked,
		X5tS256:             tok.X5tS256,
		DPoPJkt:             tok.DPoPJkt,
	}
}

func (g *Grant) tokenContext(kind token.Kind) *hooks.TokenContext {
	return &hooks.TokenContext{
		GrantID:   g.GrantID,
		GrantType: string(g.typ),
		ClientID:  g.ClientID,
		UserID:    g.UserID,
		Scopes:    g.Scopes(),
		TokenType: string(kind),
	}
}

// signAccessTokenJWT serializes the access token claims and signs them. The
// token's opaque code doubles as the uniqueness claim so two JWTs minted in
// the same second never collide.
func (g *Grant) signAccessTokenJWT(ctx context.Context, ec *ExecutionContext, tok *token.Token, tc *hooks.TokenContext) (string, error) {
	username := ""
	if user, err := g.reg.users.GetUser(ctx, g.UserID); err == nil {
		username = user.Username
	}

	claims := map[string]any{
		"iss":        g.reg.cfg.Issuer,
		"sub":        g.UserID,
		"aud":        g.ClientID,
		"client_id":  g.ClientID,
		"scope":      joinScopes(g.Scopes()),
		"token_type": "Bearer",
		"code":       tok.Code,
		"iat":        tok.CreationDate.Unix(),
		"exp":        tok.ExpirationDate.Unix(),
	}
	if username != "" {
		claims["username"] = username
	}

	cnf := map[string]any{}
	if ec.X5tS256 != "" {
		cnf["x5t#S256"] = ec.X5tS256
	}
	if ec.DPoPJkt != "" {
		cnf["jkt"] = ec.DPoPJkt
	}
	if len(cnf) > 0 {
		claims["cnf"] = cnf
	}

	return g.signClaims(ctx, ec, claims, tc)
}

func (g *Grant) signClaims(ctx context.Context, ec *ExecutionContext, claims map[string]any, tc *hooks.TokenContext) (string, error) {
	if modify := ec.modifyHook(g.reg.modifyHook); modify != nil {
		modified, err := modify.ModifyClaims(ctx, tc, claims)
		if err != nil {
			// Fail-closed: a broken claim hook must not produce a
			// token with unvetted claims.
			return "", fmt.Errorf("modify-token hook failed: %w", err)
		}
		if modified != nil {
			claims = modified
		}
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	return g.reg.signer.Sign(ctx, payload, "", g.reg.cfg.SigningAlgorithm)
}

func (ec *ExecutionContext) clientOrLookup(g *Grant) *storage.Client {
	if ec != nil && ec.Client != nil {
		return ec.Client
	}
	return g.client()
}

func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}
