package grant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/janssen-go/jans-auth/crypto"
	"github.com/janssen-go/jans-auth/hooks"
	"github.com/janssen-go/jans-auth/instrumentation"
	"github.com/janssen-go/jans-auth/internal/util"
	"github.com/janssen-go/jans-auth/storage"
	"github.com/janssen-go/jans-auth/token"
)

// Cache key prefixes. Grant payloads are keyed by hashed code so a cache
// dump never exposes redeemable credentials.
const (
	codeGrantKeyPrefix   = "grant_code_"
	cibaGrantKeyPrefix   = "ciba_grant_"
	deviceGrantKeyPrefix = "device_grant_"
	userCodeKeyPrefix    = "device_user_code_"
	redeemedKeyPrefix    = "grant_redeemed_"
	revokedKeyPrefix     = "grant_revoked_"
)

// cacheReadRetryDelay is the pause before the single retry on a cache miss.
// It tolerates a cache client that has not yet observed a just-written key
// under load; it is an eventual-consistency concession, not a guarantee.
const cacheReadRetryDelay = 50 * time.Millisecond

// revokedMarkerTTL bounds how long the revocation marker outlives the grant.
// It only needs to cover the window in which a racing mint could persist.
const revokedMarkerTTL = 10 * time.Minute

// Config carries the grant-layer policy knobs.
type Config struct {
	Issuer string

	AccessTokenLifetime       time.Duration
	RefreshTokenLifetime      time.Duration
	IDTokenLifetime           time.Duration
	AuthorizationCodeLifetime time.Duration
	CIBARequestLifetime       time.Duration
	DeviceCodeLifetime        time.Duration

	// SupportedScopes is the server-wide scope policy applied when a
	// client registers no scopes of its own. Empty allows all.
	SupportedScopes []string

	SigningAlgorithm string
}

// Registry is the single authoritative mapping between raw token codes,
// auth_req_ids and device codes on one side and live grants on the other,
// and the factory for new grants. Grants are reconstructed fresh on every
// lookup; nothing is shared between requests.
type Registry struct {
	store   storage.GrantStore
	cache   storage.Cache
	clients storage.ClientStore
	users   storage.UserStore
	signer  crypto.Provider

	updateHook hooks.UpdateTokenHook
	modifyHook hooks.ModifyTokenHook

	cfg     Config
	logger  *slog.Logger
	metrics *instrumentation.Instrumentation
}

// NewRegistry wires a registry. Logger defaults to slog.Default().
func NewRegistry(store storage.GrantStore, cache storage.Cache, clients storage.ClientStore, users storage.UserStore, signer crypto.Provider, cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:   store,
		cache:   cache,
		clients: clients,
		users:   users,
		signer:  signer,
		cfg:     cfg,
		logger:  logger,
	}
}

// SetHooks installs the default external script hooks.
func (r *Registry) SetHooks(update hooks.UpdateTokenHook, modify hooks.ModifyTokenHook) {
	r.updateHook = update
	r.modifyHook = modify
}

// SetInstrumentation enables otel metrics for grant operations.
func (r *Registry) SetInstrumentation(inst *instrumentation.Instrumentation) {
	r.metrics = inst
}

func (r *Registry) newGrant(typ Type) *Grant {
	return &Grant{
		typ:           typ,
		reg:           r,
		GrantID:       uuid.NewString(),
		accessTokens:  make(map[string]*token.Token),
		refreshTokens: make(map[string]*token.Token),
	}
}

// ============================================================
// Factories
// ============================================================

// AuthorizationRequest carries the authorize-endpoint state a new code grant
// must capture before its snapshot is cached: everything here survives the
// round trip through the cache and must reappear on the reconstructed grant.
type AuthorizationRequest struct {
	UserID   string
	ClientID string
	Scopes   []string

	AuthenticationTime  time.Time
	ACRValues           string
	SessionDN           string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	RedirectURI         string
	Claims              string
	JWTRequest          string
}

// CreateAuthorizationCodeGrant mints a new code grant plus its authorization
// code and inserts the snapshot into the TTL cache keyed by the hashed code.
// Requested scopes are narrowed through the scope policy before the snapshot
// is written.
func (r *Registry) CreateAuthorizationCodeGrant(ctx context.Context, req AuthorizationRequest) (*Grant, error) {
	g := r.newGrant(TypeAuthorizationCode)
	g.UserID = req.UserID
	g.ClientID = req.ClientID
	g.AuthenticationTime = req.AuthenticationTime
	g.ACRValues = req.ACRValues
	g.SessionDN = req.SessionDN
	g.Nonce = req.Nonce
	g.CodeChallenge = req.CodeChallenge
	g.CodeChallengeMethod = req.CodeChallengeMethod
	g.RedirectURI = req.RedirectURI
	g.Claims = req.Claims
	g.JWTRequest = req.JWTRequest
	g.CheckScopesPolicy(req.Scopes)

	code, err := g.CreateAuthorizationCode(time.Now())
	if err != nil {
		return nil, err
	}

	if err := r.putCacheGrantAt(ctx, g, codeGrantKeyPrefix+code.HashedCode(), code.ExpirationDate); err != nil {
		return nil, err
	}
	r.recordGrantCreated(ctx, string(TypeAuthorizationCode))
	return g, nil
}

// CreateImplicitGrant mints a grant for the implicit flow. No authorization
// code and never a refresh token.
func (r *Registry) CreateImplicitGrant(userID, clientID string, authnTime time.Time) *Grant {
	g := r.newGrant(TypeImplicit)
	g.UserID = userID
	g.ClientID = clientID
	g.AuthenticationTime = authnTime
	return g
}

// CreateClientCredentialsGrant mints a grant with no end-user session.
func (r *Registry) CreateClientCredentialsGrant(clientID string) *Grant {
	g := r.newGrant(TypeClientCredentials)
	g.ClientID = clientID
	return g
}

// CreateROPCGrant mints a resource-owner-password grant for an already
// validated user.
func (r *Registry) CreateROPCGrant(userID, clientID string) *Grant {
	g := r.newGrant(TypeResourceOwnerPassword)
	g.UserID = userID
	g.ClientID = clientID
	return g
}

// CreateCIBAGrant mints a cache-backed CIBA grant keyed by a fresh
// auth_req_id. It is never durably persisted until tokens are delivered.
func (r *Registry) CreateCIBAGrant(ctx context.Context, userID, clientID string, scopes []string) (*Grant, error) {
	g := r.newGrant(TypeCIBA)
	g.UserID = userID
	g.ClientID = clientID
	g.AuthReqID = uuid.NewString()
	g.CheckScopesPolicy(scopes)

	expiresAt := time.Now().Add(r.cfg.CIBARequestLifetime)
	if err := r.putCacheGrantAt(ctx, g, cibaGrantKeyPrefix+g.AuthReqID, expiresAt); err != nil {
		return nil, err
	}
	r.recordGrantCreated(ctx, string(TypeCIBA))
	return g, nil
}

// CreateDeviceCodeGrant mints a cache-backed device grant with a fresh
// device_code and user_code (RFC 8628). The grant is cached under the hashed
// device code and the user_code indexes back to it.
func (r *Registry) CreateDeviceCodeGrant(ctx context.Context, clientID string, scopes []string) (*Grant, error) {
	deviceCode, err := token.GenerateCode()
	if err != nil {
		return nil, err
	}

	g := r.newGrant(TypeDeviceCode)
	g.ClientID = clientID
	g.DeviceCode = deviceCode
	g.deviceCodeHash = token.HashCode(deviceCode)
	g.UserCode = util.GenerateUserCode()
	g.CheckScopesPolicy(scopes)

	expiresAt := time.Now().Add(r.cfg.DeviceCodeLifetime)
	if err := r.putCacheGrantAt(ctx, g, deviceGrantKeyPrefix+g.deviceCodeHash, expiresAt); err != nil {
		return nil, err
	}
	// user_code -> hashed device code index, for the verification UI.
	if err := r.cache.Put(ctx, userCodeKeyPrefix+g.UserCode, []byte(g.deviceCodeHash), r.cfg.DeviceCodeLifetime); err != nil {
		return nil, err
	}
	r.recordGrantCreated(ctx, string(TypeDeviceCode))
	return g, nil
}

// CreateTokenExchangeGrant mints a grant for RFC 8693 token exchange.
func (r *Registry) CreateTokenExchangeGrant(userID, clientID string) *Grant {
	g := r.newGrant(TypeTokenExchange)
	g.UserID = userID
	g.ClientID = clientID
	return g
}

// CreateTxTokenGrant mints a transaction-token grant. Like implicit grants
// it can never issue refresh tokens.
func (r *Registry) CreateTxTokenGrant(clientID string) *Grant {
	g := r.newGrant(TypeTxToken)
	g.ClientID = clientID
	return g
}

// ============================================================
// Lookups
// ============================================================

// GetAuthorizationCodeGrant resolves a raw authorization code to its cached
// grant. The lookup retries once after a short delay: under high load a
// cache replica may not have observed a just-written key yet. A code that
// genuinely does not exist still fails after the retry.
func (r *Registry) GetAuthorizationCodeGrant(ctx context.Context, code string) (*Grant, error) {
	cg, err := r.getCacheGrantWithRetry(ctx, codeGrantKeyPrefix+token.HashCode(code))
	if err != nil {
		return nil, err
	}
	return cg.AsCodeGrant(r), nil
}

// RedeemAuthorizationCodeGrant resolves a raw authorization code and
// atomically marks it used. A second redemption of the same code fails with
// ErrAlreadyRedeemed even when concurrent with the first, because the
// used-marker insert is atomic.
func (r *Registry) RedeemAuthorizationCodeGrant(ctx context.Context, code string) (*Grant, error) {
	g, err := r.GetAuthorizationCodeGrant(ctx, code)
	if err != nil {
		return nil, err
	}

	hash := token.HashCode(code)
	err = r.cache.PutIfAbsent(ctx, redeemedKeyPrefix+hash, []byte("1"), r.cfg.AuthorizationCodeLifetime)
	if errors.Is(err, storage.ErrKeyExists) {
		r.logger.Warn("Authorization code reuse detected",
			"code", util.SafeTruncate(hash, 8), "grant_id", g.GrantID)
		// OAuth 2.1: code reuse revokes everything issued off the grant.
		if revokeErr := g.RevokeAllTokens(ctx); revokeErr != nil {
			r.logger.Error("Failed to revoke grant after code reuse",
				"grant_id", g.GrantID, "error", revokeErr)
		}
		return nil, ErrAlreadyRedeemed
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark code used: %w", err)
	}

	_ = r.cache.Delete(ctx, codeGrantKeyPrefix+hash)
	return g, nil
}

// GetCIBAGrant resolves an auth_req_id to its cached CIBA grant.
func (r *Registry) GetCIBAGrant(ctx context.Context, authReqID string) (*Grant, error) {
	cg, err := r.getCacheGrantWithRetry(ctx, cibaGrantKeyPrefix+authReqID)
	if err != nil {
		return nil, err
	}
	return cg.AsCibaGrant(r), nil
}

// GetDeviceCodeGrant resolves a device_code to its cached grant.
func (r *Registry) GetDeviceCodeGrant(ctx context.Context, deviceCode string) (*Grant, error) {
	cg, err := r.getCacheGrantWithRetry(ctx, deviceGrantKeyPrefix+token.HashCode(deviceCode))
	if err != nil {
		return nil, err
	}
	return cg.AsDeviceCodeGrant(r), nil
}

// GetDeviceCodeGrantByUserCode resolves a user_code (verification UI path).
func (r *Registry) GetDeviceCodeGrantByUserCode(ctx context.Context, userCode string) (*Grant, error) {
	hash, err := r.cache.Get(ctx, userCodeKeyPrefix+userCode)
	if err != nil {
		return nil, err
	}
	cg, err := r.getCacheGrantWithRetry(ctx, deviceGrantKeyPrefix+string(hash))
	if err != nil {
		return nil, err
	}
	return cg.AsDeviceCodeGrant(r), nil
}

// GetGrantByAccessToken resolves an access token code to its grant.
func (r *Registry) GetGrantByAccessToken(ctx context.Context, code string) (*Grant, error) {
	return r.getGrantByToken(ctx, code, token.KindAccessToken)
}

// GetGrantByRefreshToken resolves a refresh token code to its grant.
func (r *Registry) GetGrantByRefreshToken(ctx context.Context, code string) (*Grant, error) {
	return r.getGrantByToken(ctx, code, token.KindRefreshToken)
}

// GetGrantByIDToken resolves an ID token to its grant.
func (r *Registry) GetGrantByIDToken(ctx context.Context, code string) (*Grant, error) {
	return r.getGrantByToken(ctx, code, token.KindIDToken)
}

// getGrantByToken is the durable-store lookup path. The record's type tag
// must match the lookup kind: an access-token code found under the ID-token
// path is not valid, even though the hash matched.
func (r *Registry) getGrantByToken(ctx context.Context, code string, kind token.Kind) (*Grant, error) {
	rec, err := r.store.GetByCode(ctx, token.HashCode(code))
	if err != nil {
		return nil, err
	}
	if rec.TokenType != string(kind) {
		r.logger.Warn("Token type tag mismatch on lookup",
			"expected", kind, "actual", rec.TokenType,
			"token", util.SafeTruncate(rec.TokenCodeHash, 8))
		return nil, storage.ErrNotFound
	}
	return r.asGrant(rec)
}

// asGrant reconstructs a live grant from a persisted record: the concrete
// grant kind from the grant-type tag, all transient fields, and the one
// token matching the record. Unrecognized combinations are not-found, never
// a panic.
func (r *Registry) asGrant(rec *storage.TokenRecord) (*Grant, error) {
	var typ Type
	switch Type(rec.GrantType) {
	case TypeAuthorizationCode, TypeImplicit, TypeClientCredentials,
		TypeResourceOwnerPassword, TypeCIBA, TypeDeviceCode,
		TypeTokenExchange, TypeTxToken:
		typ = Type(rec.GrantType)
	default:
		r.logger.Warn("Unrecognized grant type in persisted record",
			"grant_type", rec.GrantType, "grant_id", rec.GrantID)
		return nil, storage.ErrNotFound
	}

	g := r.newGrant(typ)
	g.GrantID = rec.GrantID
	g.UserID = rec.UserID
	g.ClientID = rec.ClientID
	g.scopes = append([]string(nil), rec.Scopes...)
	g.AuthenticationTime = rec.AuthenticationTime
	g.ACRValues = rec.ACRValues
	g.SessionDN = rec.SessionDN
	g.Nonce = rec.Nonce
	g.CodeChallenge = rec.CodeChallenge
	g.CodeChallengeMethod = rec.CodeChallengeMethod
	g.RedirectURI = rec.RedirectURI
	g.Claims = rec.Claims
	g.JWTRequest = rec.JWTRequest

	tok := &token.Token{
		Code:           rec.TokenCodeHash, // hashed form; compare by hash
		CreationDate:   rec.CreationDate,
		ExpirationDate: rec.ExpirationDate,
		Revoked:        rec.Revoked,
		SessionDN:      rec.SessionDN,
		X5tS256:        rec.X5tS256,
		DPoPJkt:        rec.DPoPJkt,
	}
	tok.CheckExpired(time.Now())

	switch token.Kind(rec.TokenType) {
	case token.KindAccessToken:
		tok.Kind = token.KindAccessToken
		g.accessTokens[rec.TokenCodeHash] = tok
	case token.KindRefreshToken:
		tok.Kind = token.KindRefreshToken
		g.refreshTokens[rec.TokenCodeHash] = tok
	case token.KindIDToken:
		tok.Kind = token.KindIDToken
		g.idToken = tok
	case token.KindAuthorizationCode:
		tok.Kind = token.KindAuthorizationCode
		g.authorizationCode = tok
	case token.KindTxToken:
		tok.Kind = token.KindTxToken
		g.accessTokens[rec.TokenCodeHash] = tok
	default:
		r.logger.Warn("Unrecognized token type in persisted record",
			"token_type", rec.TokenType, "grant_id", rec.GrantID)
		return nil, storage.ErrNotFound
	}

	return g, nil
}

// TokenByHash returns the reconstructed token carried by a freshly hydrated
// grant, matching by hashed code.
func (g *Grant) TokenByHash(hash string) *token.Token {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.accessTokens[hash]; ok {
		return t
	}
	if t, ok := g.refreshTokens[hash]; ok {
		return t
	}
	if g.idToken != nil && g.idToken.Code == hash {
		return g.idToken
	}
	if g.authorizationCode != nil && g.authorizationCode.Code == hash {
		return g.authorizationCode
	}
	return nil
}

// ============================================================
// Redemption guard
// ============================================================

// MarkTokensDelivered atomically transitions a CIBA or device grant to its
// terminal redeemed state. The second caller loses: the marker insert is
// atomic, so two concurrent redemptions of one auth_req_id cannot both
// succeed.
func (r *Registry) MarkTokensDelivered(ctx context.Context, g *Grant) error {
	if !g.IsCacheOnly() {
		return nil
	}
	err := r.cache.PutIfAbsent(ctx, redeemedKeyPrefix+g.GrantID, []byte("1"), revokedMarkerTTL)
	if errors.Is(err, storage.ErrKeyExists) {
		return ErrAlreadyRedeemed
	}
	if err != nil {
		return fmt.Errorf("failed to mark grant redeemed: %w", err)
	}
	if g.TokensDelivered {
		// Snapshot already says delivered; the marker insert above only
		// succeeded because the marker expired. Still terminal.
		return ErrAlreadyRedeemed
	}
	g.TokensDelivered = true
	return g.Save(ctx)
}

// ============================================================
// Cache plumbing
// ============================================================

func (r *Registry) cacheKeyFor(g *Grant) string {
	switch g.typ {
	case TypeCIBA:
		return cibaGrantKeyPrefix + g.AuthReqID
	case TypeDeviceCode:
		return deviceGrantKeyPrefix + g.deviceCodeHash
	default:
		if code := g.AuthorizationCodeToken(); code != nil {
			return codeGrantKeyPrefix + code.HashedCode()
		}
		return codeGrantKeyPrefix + g.GrantID
	}
}

func (r *Registry) putCacheGrant(ctx context.Context, g *Grant) error {
	expiresAt := time.Now().Add(r.lifetimeFor(g.typ))
	return r.putCacheGrantAt(ctx, g, r.cacheKeyFor(g), expiresAt)
}

func (r *Registry) lifetimeFor(typ Type) time.Duration {
	switch typ {
	case TypeCIBA:
		return r.cfg.CIBARequestLifetime
	case TypeDeviceCode:
		return r.cfg.DeviceCodeLifetime
	default:
		return r.cfg.AuthorizationCodeLifetime
	}
}

func (r *Registry) putCacheGrantAt(ctx context.Context, g *Grant, key string, expiresAt time.Time) error {
	cg := newCacheGrant(g, expiresAt)
	ttl := cg.TTL(time.Now())
	if ttl <= 0 {
		return fmt.Errorf("grant snapshot already expired")
	}
	payload, err := json.Marshal(cg)
	if err != nil {
		return fmt.Errorf("failed to serialize grant snapshot: %w", err)
	}
	if err := r.cache.Put(ctx, key, payload, ttl); err != nil {
		return fmt.Errorf("failed to cache grant: %w", err)
	}
	return nil
}

func (r *Registry) getCacheGrantWithRetry(ctx context.Context, key string) (*CacheGrant, error) {
	payload, err := r.cache.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		// One retry only. See cacheReadRetryDelay.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cacheReadRetryDelay):
		}
		payload, err = r.cache.Get(ctx, key)
	}
	if err != nil {
		return nil, err
	}

	var cg CacheGrant
	if err := json.Unmarshal(payload, &cg); err != nil {
		return nil, fmt.Errorf("failed to decode grant snapshot: %w", err)
	}
	if cg.TTL(time.Now()) <= 0 {
		return nil, storage.ErrNotFound
	}
	return &cg, nil
}

// markRevoked writes the revocation marker racing mints check.
func (r *Registry) markRevoked(ctx context.Context, grantID string) error {
	return r.cache.Put(ctx, revokedKeyPrefix+grantID, []byte("1"), revokedMarkerTTL)
}

func (r *Registry) isRevoked(ctx context.Context, grantID string) bool {
	_, err := r.cache.Get(ctx, revokedKeyPrefix+grantID)
	return err == nil
}

func (r *Registry) signerKeyExpiration() (time.Time, bool) {
	if r.signer == nil {
		return time.Time{}, false
	}
	return r.signer.CurrentKeyExpiration()
}

// ============================================================
// Metrics
// ============================================================

func (r *Registry) recordGrantCreated(ctx context.Context, grantType string) {
	if r.metrics != nil {
		r.metrics.Metrics().RecordGrantCreated(ctx, grantType)
	}
}

func (r *Registry) recordGrantRevoked(ctx context.Context, grantType string) {
	if r.metrics != nil {
		r.metrics.Metrics().RecordGrantRevoked(ctx, grantType)
	}
}

func (r *Registry) recordTokenIssued(ctx context.Context, tokenType, grantType string) {
	if r.metrics != nil {
		r.metrics.Metrics().RecordTokenIssued(ctx, tokenType, grantType)
	}
}
