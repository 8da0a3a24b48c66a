package jansauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/janssen-go/jans-auth/authn"
	"github.com/janssen-go/jans-auth/dpop"
	"github.com/janssen-go/jans-auth/grant"
	"github.com/janssen-go/jans-auth/security"
	"github.com/janssen-go/jans-auth/storage"
	"github.com/janssen-go/jans-auth/token"
)

// accessTokenURN is the RFC 8693 token type identifier for access tokens.
const accessTokenURN = "urn:ietf:params:oauth:token-type:access_token"

// Handler exposes the authorization server over HTTP.
type Handler struct {
	server *Server
	logger *slog.Logger
}

// NewHandler creates an HTTP handler around the server core.
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{server: server, logger: logger.With("component", "handler")}
}

// RegisterRoutes mounts all endpoints on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("POST /token", h.instrument("/token", h.ServeToken))
	mux.Handle("POST /revoke", h.instrument("/revoke", h.ServeTokenRevocation))
	mux.Handle("POST /device_authorization", h.instrument("/device_authorization", h.ServeDeviceAuthorization))
	mux.Handle("POST /bc-authorize", h.instrument("/bc-authorize", h.ServeBackchannelAuthentication))
	mux.Handle("GET /authorize", h.instrument("/authorize", h.ServeAuthorization))
	mux.Handle("GET /.well-known/oauth-authorization-server", h.instrument("/.well-known/oauth-authorization-server", h.ServeMetadata))
}

// instrument wraps an endpoint with request-ID propagation, security headers
// and HTTP metrics.
func (h *Handler) instrument(endpoint string, next http.HandlerFunc) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		security.SetSecurityHeaders(w, h.server.cfg.Issuer)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		if h.server.inst != nil {
			h.server.inst.Metrics().RecordHTTPRequest(r.Context(), r.Method, endpoint,
				rec.status, float64(time.Since(start).Milliseconds()))
		}
	}
	return security.RequestIDMiddleware(http.HandlerFunc(fn))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// ============================================================
// Token endpoint
// ============================================================

// ServeToken handles POST /token for every supported grant type.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if !h.checkRateLimit(w, r) {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("malformed request body"))
		return
	}

	result, err := h.server.gatekeeper.Authenticate(r.Context(), r, authn.EndpointToken)
	if err != nil {
		h.writeAuthenticationError(w, r, err)
		return
	}

	ec := grant.NewExecutionContext(result.Client)
	ec.User = result.User
	ec.X5tS256 = result.X5tS256
	if result.DPoP != nil {
		ec.DPoPJkt = result.DPoP.JKT
	}

	grantType := r.PostFormValue("grant_type")
	switch grant.Type(grantType) {
	case grant.TypeAuthorizationCode:
		h.handleAuthorizationCodeGrant(w, r, ec)
	case "refresh_token":
		h.handleRefreshTokenGrant(w, r, ec)
	case grant.TypeClientCredentials:
		h.handleClientCredentialsGrant(w, r, ec)
	case grant.TypeResourceOwnerPassword:
		h.handlePasswordGrant(w, r, ec)
	case grant.TypeCIBA:
		h.handleCIBAGrant(w, r, ec)
	case grant.TypeDeviceCode:
		h.handleDeviceCodeGrant(w, r, ec)
	case grant.TypeTokenExchange:
		h.handleTokenExchangeGrant(w, r, ec)
	default:
		h.writeError(w, ErrUnsupportedGrantType(fmt.Sprintf("grant type %q is not supported", grantType)))
	}
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request, ec *grant.ExecutionContext) {
	ctx := r.Context()
	code := r.PostFormValue("code")
	if code == "" {
		h.writeError(w, ErrInvalidRequest("code is required"))
		return
	}

	g, err := h.server.registry.RedeemAuthorizationCodeGrant(ctx, code)
	if err != nil {
		if errors.Is(err, grant.ErrAlreadyRedeemed) {
			h.server.auditor.LogCodeReuse(ec.Client.ClientID, h.clientIP(r))
		}
		h.logger.Info("Authorization code redemption failed",
			"client_id", ec.Client.ClientID, "error", err)
		h.writeError(w, ErrInvalidGrant("authorization code is invalid, expired or already used"))
		return
	}
	if g.ClientID != ec.Client.ClientID {
		h.auditAuthFailure(r, ec.Client.ClientID, "code issued to another client")
		h.writeError(w, ErrInvalidGrant("authorization code was issued to another client"))
		return
	}
	if codeTok := g.AuthorizationCodeToken(); codeTok != nil {
		codeTok.CheckExpired(time.Now())
		if !codeTok.IsValid() {
			h.writeError(w, ErrInvalidGrant("authorization code expired"))
			return
		}
	}
	if err := verifyPKCE(g.CodeChallenge, g.CodeChallengeMethod, r.PostFormValue("code_verifier")); err != nil {
		h.server.auditor.LogInvalidPKCE(ec.Client.ClientID, h.clientIP(r), err.Error())
		h.writeOAuthOrServerError(w, err)
		return
	}
	// RFC 6749 section 4.1.3: the redemption must repeat the redirect_uri
	// the code was issued for.
	if g.RedirectURI != "" && r.PostFormValue("redirect_uri") != g.RedirectURI {
		h.auditAuthFailure(r, ec.Client.ClientID, "redirect_uri mismatch at code redemption")
		h.writeError(w, ErrInvalidGrant("redirect_uri does not match the authorization request"))
		return
	}

	ec.Grant = g
	h.mintTokenResponse(w, r, g, ec, true)
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request, ec *grant.ExecutionContext) {
	ctx := r.Context()
	refreshToken := r.PostFormValue("refresh_token")
	if refreshToken == "" {
		h.writeError(w, ErrInvalidRequest("refresh_token is required"))
		return
	}

	g, err := h.server.registry.GetGrantByRefreshToken(ctx, refreshToken)
	if err != nil {
		h.writeError(w, ErrInvalidGrant("refresh token is invalid or expired"))
		return
	}
	if g.ClientID != ec.Client.ClientID {
		h.auditAuthFailure(r, ec.Client.ClientID, "refresh token issued to another client")
		h.writeError(w, ErrInvalidGrant("refresh token was issued to another client"))
		return
	}

	oldToken := g.TokenByHash(token.HashCode(refreshToken))
	if oldToken == nil || !oldToken.IsValid() {
		h.writeError(w, ErrInvalidGrant("refresh token is invalid or expired"))
		return
	}
	if !h.checkTokenBinding(w, r, oldToken, ec) {
		return
	}

	// An explicitly requested scope may only narrow the grant.
	if requested := splitScopes(r.PostFormValue("scope")); len(requested) > 0 {
		granted := toSet(g.Scopes())
		for _, s := range requested {
			if _, ok := granted[s]; !ok {
				h.writeError(w, ErrInvalidScope(fmt.Sprintf("scope %q exceeds the original grant", s)))
				return
			}
		}
		g.CheckScopesPolicy(requested)
	}

	ec.Grant = g
	access, err := g.CreateAccessToken(ctx, ec)
	if err != nil {
		h.writeMintError(w, err)
		return
	}

	// Rotation: the presented refresh token is burned and replaced.
	newRefresh, err := g.CreateRefreshToken(ctx, ec)
	if err != nil {
		h.writeMintError(w, err)
		return
	}
	oldToken.Revoke()
	if err := g.Save(ctx); err != nil {
		h.logger.Error("Failed to persist refresh token rotation",
			"grant_id", g.GrantID, "error", err)
		h.writeError(w, ErrServerError("failed to rotate refresh token"))
		return
	}

	h.auditTokenRefreshed(r, g)
	h.writeTokenResponse(w, r, g, access, newRefresh, "", ec)
}

func (h *Handler) handleClientCredentialsGrant(w http.ResponseWriter, r *http.Request, ec *grant.ExecutionContext) {
	if ec.Client.Public {
		h.writeError(w, ErrUnauthorizedClient("public clients cannot use client_credentials"))
		return
	}

	g := h.server.registry.CreateClientCredentialsGrant(ec.Client.ClientID)
	g.CheckScopesPolicy(splitScopes(r.PostFormValue("scope")))

	ec.Grant = g
	access, err := g.CreateAccessToken(r.Context(), ec)
	if err != nil {
		h.writeMintError(w, err)
		return
	}
	h.auditTokenIssued(r, g)
	// No refresh token: the client can always re-authenticate directly.
	h.writeTokenResponse(w, r, g, access, nil, "", ec)
}

func (h *Handler) handlePasswordGrant(w http.ResponseWriter, r *http.Request, ec *grant.ExecutionContext) {
	if !h.server.cfg.Security.AllowROPCFlow {
		h.writeError(w, ErrUnsupportedGrantType("resource owner password grant is disabled"))
		return
	}
	ctx := r.Context()

	user, err := h.server.stores.Users.Authenticate(ctx, r.PostFormValue("username"), r.PostFormValue("password"))
	if err != nil {
		h.auditAuthFailure(r, ec.Client.ClientID, "resource owner credentials rejected")
		h.writeError(w, ErrInvalidGrant("invalid resource owner credentials"))
		return
	}

	g := h.server.registry.CreateROPCGrant(user.ID, ec.Client.ClientID)
	g.CheckScopesPolicy(splitScopes(r.PostFormValue("scope")))
	ec.Grant = g
	ec.User = user
	h.mintTokenResponse(w, r, g, ec, true)
}

func (h *Handler) handleCIBAGrant(w http.ResponseWriter, r *http.Request, ec *grant.ExecutionContext) {
	ctx := r.Context()
	authReqID := r.PostFormValue("auth_req_id")
	if authReqID == "" {
		h.writeError(w, ErrInvalidRequest("auth_req_id is required"))
		return
	}

	g, err := h.server.registry.GetCIBAGrant(ctx, authReqID)
	if err != nil {
		h.writeError(w, ErrExpiredToken("auth_req_id is unknown or expired"))
		return
	}
	if g.ClientID != ec.Client.ClientID {
		h.writeError(w, ErrInvalidGrant("auth_req_id was issued to another client"))
		return
	}
	if err := h.server.allowPoll(ctx, g.GrantID); err != nil {
		h.writeOAuthOrServerError(w, err)
		return
	}
	if g.AuthenticationTime.IsZero() {
		h.writeError(w, ErrAuthorizationPending("end-user authorization is pending"))
		return
	}

	if err := h.server.registry.MarkTokensDelivered(ctx, g); err != nil {
		if errors.Is(err, grant.ErrAlreadyRedeemed) {
			h.writeError(w, ErrInvalidGrant("tokens were already delivered for this auth_req_id"))
			return
		}
		h.writeError(w, ErrServerError("failed to redeem grant"))
		return
	}

	ec.Grant = g
	h.mintTokenResponse(w, r, g, ec, true)
}

func (h *Handler) handleDeviceCodeGrant(w http.ResponseWriter, r *http.Request, ec *grant.ExecutionContext) {
	ctx := r.Context()
	deviceCode := r.PostFormValue("device_code")
	if deviceCode == "" {
		h.writeError(w, ErrInvalidRequest("device_code is required"))
		return
	}

	g, err := h.server.registry.GetDeviceCodeGrant(ctx, deviceCode)
	if err != nil {
		h.writeError(w, ErrExpiredToken("device_code is unknown or expired"))
		return
	}
	if g.ClientID != ec.Client.ClientID {
		h.writeError(w, ErrInvalidGrant("device_code was issued to another client"))
		return
	}
	if err := h.server.allowPoll(ctx, g.GrantID); err != nil {
		h.writeOAuthOrServerError(w, err)
		return
	}
	if g.UserID == "" {
		h.writeError(w, ErrAuthorizationPending("end-user authorization is pending"))
		return
	}

	if err := h.server.registry.MarkTokensDelivered(ctx, g); err != nil {
		if errors.Is(err, grant.ErrAlreadyRedeemed) {
			h.writeError(w, ErrInvalidGrant("tokens were already delivered for this device_code"))
			return
		}
		h.writeError(w, ErrServerError("failed to redeem grant"))
		return
	}

	ec.Grant = g
	h.mintTokenResponse(w, r, g, ec, true)
}

func (h *Handler) handleTokenExchangeGrant(w http.ResponseWriter, r *http.Request, ec *grant.ExecutionContext) {
	ctx := r.Context()
	subjectToken := r.PostFormValue("subject_token")
	if subjectToken == "" {
		h.writeError(w, ErrInvalidRequest("subject_token is required"))
		return
	}
	if typ := r.PostFormValue("subject_token_type"); typ != "" && typ != accessTokenURN {
		h.writeError(w, ErrInvalidRequest("unsupported subject_token_type"))
		return
	}

	subject, err := h.server.registry.GetGrantByAccessToken(ctx, subjectToken)
	if err != nil {
		h.writeError(w, ErrInvalidGrant("subject_token is invalid or expired"))
		return
	}
	subjectTok := subject.TokenByHash(token.HashCode(subjectToken))
	if subjectTok == nil || !subjectTok.IsValid() {
		h.writeError(w, ErrInvalidGrant("subject_token is invalid or expired"))
		return
	}
	if !h.checkTokenBinding(w, r, subjectTok, ec) {
		return
	}

	g := h.server.registry.CreateTokenExchangeGrant(subject.UserID, ec.Client.ClientID)
	requested := splitScopes(r.PostFormValue("scope"))
	if len(requested) == 0 {
		requested = subject.Scopes()
	} else {
		// The exchanged token may only narrow the subject's scopes.
		granted := toSet(subject.Scopes())
		for _, s := range requested {
			if _, ok := granted[s]; !ok {
				h.writeError(w, ErrInvalidScope(fmt.Sprintf("scope %q exceeds the subject token", s)))
				return
			}
		}
	}
	g.CheckScopesPolicy(requested)

	ec.Grant = g
	access, err := g.CreateAccessToken(ctx, ec)
	if err != nil {
		h.writeMintError(w, err)
		return
	}
	h.auditTokenIssued(r, g)
	h.writeTokenResponse(w, r, g, access, nil, accessTokenURN, ec)
}

// mintTokenResponse runs the standard mint sequence: access token always, a
// refresh token when the grant kind supports it, and an ID token when the
// grant carries a user who granted "openid".
func (h *Handler) mintTokenResponse(w http.ResponseWriter, r *http.Request, g *grant.Grant, ec *grant.ExecutionContext, withRefresh bool) {
	ctx := r.Context()

	access, err := g.CreateAccessToken(ctx, ec)
	if err != nil {
		h.writeMintError(w, err)
		return
	}

	var refresh *token.Token
	if withRefresh {
		refresh, err = g.CreateRefreshToken(ctx, ec)
		if err != nil && !errors.Is(err, grant.ErrRefreshTokenUnsupported) {
			h.writeMintError(w, err)
			return
		}
	}

	h.auditTokenIssued(r, g)
	h.writeTokenResponse(w, r, g, access, refresh, "", ec)
}

// checkTokenBinding enforces sender-constrained tokens: a token minted under
// a DPoP key or client certificate binding is only redeemable by a caller
// presenting the same key or certificate. The confirmed key thumbprint is
// carried forward on the execution context so replacement tokens stay bound.
func (h *Handler) checkTokenBinding(w http.ResponseWriter, r *http.Request, tok *token.Token, ec *grant.ExecutionContext) bool {
	if tok.DPoPJkt != "" {
		if ec.DPoPJkt == "" && h.server.dpop != nil {
			// The client may have authenticated by secret and still sent
			// a proof; validate it now.
			if proof := r.Header.Get("DPoP"); proof != "" {
				validated, err := h.server.dpop.ValidateProof(r.Context(), proof, r.Method, requestURL(r))
				if err != nil {
					h.writeAuthenticationError(w, r, err)
					return false
				}
				ec.DPoPJkt = validated.JKT
			}
		}
		if err := dpop.MatchThumbprint(tok.DPoPJkt, ec.DPoPJkt); err != nil {
			if errors.Is(err, dpop.ErrThumbprintRequired) {
				h.writeError(w, ErrInvalidDPoPProof("token is bound to a DPoP key; a proof for that key is required"))
			} else {
				h.auditAuthFailure(r, ec.Client.ClientID, "DPoP key thumbprint mismatch")
				h.writeError(w, ErrInvalidClient("token is bound to another key"))
			}
			return false
		}
	}
	if tok.X5tS256 != "" && ec.X5tS256 != tok.X5tS256 {
		h.auditAuthFailure(r, ec.Client.ClientID, "certificate thumbprint mismatch")
		h.writeError(w, ErrInvalidClient("token is bound to another client certificate"))
		return false
	}
	return true
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, r *http.Request, g *grant.Grant, access, refresh *token.Token, issuedTokenType string, ec *grant.ExecutionContext) {
	resp := TokenResponse{
		AccessToken:     access.Code,
		TokenType:       "Bearer",
		ExpiresIn:       access.ExpiresIn(time.Now()),
		Scope:           strings.Join(g.Scopes(), " "),
		IssuedTokenType: issuedTokenType,
	}
	if access.DPoPJkt != "" {
		resp.TokenType = "DPoP"
	}
	if refresh != nil {
		resp.RefreshToken = refresh.Code
	}

	if g.UserID != "" && containsScope(g.Scopes(), "openid") {
		idToken, err := g.CreateIDToken(r.Context(), ec)
		if err != nil {
			h.logger.Error("Failed to mint ID token", "grant_id", g.GrantID, "error", err)
			h.writeError(w, ErrServerError("failed to issue ID token"))
			return
		}
		resp.IDToken = idToken.Code
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// ============================================================
// Revocation endpoint (RFC 7009)
// ============================================================

// ServeTokenRevocation handles POST /revoke. Per RFC 7009 the endpoint
// answers 200 whether or not the token existed: revocation is idempotent and
// the response must not leak token validity to third parties.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	if !h.checkRateLimit(w, r) {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("malformed request body"))
		return
	}

	result, err := h.server.gatekeeper.Authenticate(r.Context(), r, authn.EndpointRevoke)
	if err != nil {
		h.writeAuthenticationError(w, r, err)
		return
	}

	tokenCode := r.PostFormValue("token")
	if tokenCode == "" {
		h.writeError(w, ErrInvalidRequest("token is required"))
		return
	}

	g, lookupErr := h.server.registry.GetGrantByAccessToken(r.Context(), tokenCode)
	if lookupErr != nil {
		g, lookupErr = h.server.registry.GetGrantByRefreshToken(r.Context(), tokenCode)
	}
	if lookupErr == nil && g.ClientID == result.Client.ClientID {
		if err := g.RevokeAllTokens(r.Context()); err != nil {
			h.logger.Error("Failed to revoke grant", "grant_id", g.GrantID, "error", err)
			h.writeError(w, ErrServerError("revocation failed"))
			return
		}
		h.auditTokenRevoked(r, g)
	}

	w.WriteHeader(http.StatusOK)
}

// ============================================================
// Device authorization endpoint (RFC 8628)
// ============================================================

// ServeDeviceAuthorization handles POST /device_authorization.
func (h *Handler) ServeDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	if !h.checkRateLimit(w, r) {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("malformed request body"))
		return
	}

	result, err := h.server.gatekeeper.Authenticate(r.Context(), r, authn.EndpointDeviceAuthorization)
	if err != nil {
		h.writeAuthenticationError(w, r, err)
		return
	}

	g, err := h.server.registry.CreateDeviceCodeGrant(r.Context(), result.Client.ClientID, splitScopes(r.PostFormValue("scope")))
	if err != nil {
		h.logger.Error("Failed to create device grant", "client_id", result.Client.ClientID, "error", err)
		h.writeError(w, ErrServerError("failed to start device authorization"))
		return
	}

	h.writeJSON(w, http.StatusOK, DeviceAuthorizationResponse{
		DeviceCode:              g.DeviceCode,
		UserCode:                g.UserCode,
		VerificationURI:         h.server.cfg.VerificationURI,
		VerificationURIComplete: h.server.cfg.VerificationURI + "?user_code=" + url.QueryEscape(g.UserCode),
		ExpiresIn:               int64(h.server.cfg.Tokens.DeviceCodeLifetime.Seconds()),
		Interval:                int64(h.server.cfg.Tokens.PollInterval.Seconds()),
	})
}

// ============================================================
// Backchannel authentication endpoint (CIBA)
// ============================================================

// ServeBackchannelAuthentication handles POST /bc-authorize.
func (h *Handler) ServeBackchannelAuthentication(w http.ResponseWriter, r *http.Request) {
	if !h.checkRateLimit(w, r) {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("malformed request body"))
		return
	}

	result, err := h.server.gatekeeper.Authenticate(r.Context(), r, authn.EndpointBackchannelAuth)
	if err != nil {
		h.writeAuthenticationError(w, r, err)
		return
	}
	if result.Client.Public {
		h.writeError(w, ErrUnauthorizedClient("CIBA requires a confidential client"))
		return
	}

	loginHint := r.PostFormValue("login_hint")
	if loginHint == "" {
		h.writeError(w, ErrInvalidRequest("login_hint is required"))
		return
	}
	user, err := h.server.stores.Users.GetUser(r.Context(), loginHint)
	if err != nil {
		// CIBA error registry: the hint did not identify a user.
		h.writeErrorCode(w, "unknown_user_id", "login_hint did not match a user", http.StatusBadRequest)
		return
	}

	g, err := h.server.registry.CreateCIBAGrant(r.Context(), user.ID, result.Client.ClientID, splitScopes(r.PostFormValue("scope")))
	if err != nil {
		h.logger.Error("Failed to create CIBA grant", "client_id", result.Client.ClientID, "error", err)
		h.writeError(w, ErrServerError("failed to start backchannel authentication"))
		return
	}

	h.writeJSON(w, http.StatusOK, CIBAAuthenticationResponse{
		AuthReqID: g.AuthReqID,
		ExpiresIn: int64(h.server.cfg.Tokens.CIBARequestLifetime.Seconds()),
		Interval:  int64(h.server.cfg.Tokens.PollInterval.Seconds()),
	})
}

// ============================================================
// Authorization endpoint
// ============================================================

// ServeAuthorization handles GET /authorize for the code flow (and the
// implicit flow when explicitly enabled). The end user must already be
// authenticated, via session cookie or Basic credentials.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	if !h.checkRateLimit(w, r) {
		return
	}
	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	if clientID == "" || redirectURI == "" {
		h.writeError(w, ErrInvalidRequest("client_id and redirect_uri are required"))
		return
	}
	client, err := h.server.stores.Clients.GetClient(r.Context(), clientID)
	if err != nil {
		h.writeError(w, ErrInvalidRequest("unknown client"))
		return
	}
	// An unregistered redirect_uri is answered directly with 400; the user
	// agent is never redirected to an address the client did not register.
	if err := validateRedirectURI(client, redirectURI); err != nil {
		h.auditAuthFailure(r, clientID, err.Error())
		h.writeError(w, ErrInvalidRequest("redirect_uri is not registered for this client"))
		return
	}

	result, err := h.server.gatekeeper.Authenticate(r.Context(), r, authn.EndpointAuthorize)
	if err != nil {
		h.writeAuthenticationError(w, r, err)
		return
	}
	if result.User == nil {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", h.server.cfg.Realm))
		h.writeError(w, ErrInvalidClient("end-user authentication required"))
		return
	}

	switch q.Get("response_type") {
	case "code":
		h.authorizeCodeFlow(w, r, result, clientID, redirectURI)
	case "token":
		if !h.server.cfg.Security.AllowImplicitFlow {
			h.redirectError(w, r, redirectURI, q.Get("state"), ErrUnsupportedGrantType("implicit flow is disabled"))
			return
		}
		h.authorizeImplicitFlow(w, r, result, clientID, redirectURI)
	default:
		h.redirectError(w, r, redirectURI, q.Get("state"), ErrInvalidRequest("unsupported response_type"))
	}
}

func (h *Handler) authorizeCodeFlow(w http.ResponseWriter, r *http.Request, result *authn.Result, clientID, redirectURI string) {
	q := r.URL.Query()
	sessionDN := ""
	if result.Session != nil {
		sessionDN = result.Session.DN
	}

	g, err := h.server.registry.CreateAuthorizationCodeGrant(r.Context(), grant.AuthorizationRequest{
		UserID:              result.User.ID,
		ClientID:            clientID,
		Scopes:              splitScopes(q.Get("scope")),
		AuthenticationTime:  time.Now(),
		ACRValues:           q.Get("acr_values"),
		SessionDN:           sessionDN,
		Nonce:               q.Get("nonce"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		RedirectURI:         redirectURI,
	})
	if err != nil {
		h.logger.Error("Failed to create authorization code grant", "client_id", clientID, "error", err)
		h.redirectError(w, r, redirectURI, q.Get("state"), ErrServerError("failed to create grant"))
		return
	}

	loc, err := url.Parse(redirectURI)
	if err != nil {
		h.writeError(w, ErrInvalidRequest("malformed redirect_uri"))
		return
	}
	params := loc.Query()
	params.Set("code", g.AuthorizationCodeToken().Code)
	if state := q.Get("state"); state != "" {
		params.Set("state", state)
	}
	loc.RawQuery = params.Encode()
	http.Redirect(w, r, loc.String(), http.StatusFound)
}

func (h *Handler) authorizeImplicitFlow(w http.ResponseWriter, r *http.Request, result *authn.Result, clientID, redirectURI string) {
	q := r.URL.Query()
	g := h.server.registry.CreateImplicitGrant(result.User.ID, clientID, time.Now())
	g.Nonce = q.Get("nonce")
	g.CheckScopesPolicy(splitScopes(q.Get("scope")))

	ec := grant.NewExecutionContext(nil)
	ec.User = result.User
	access, err := g.CreateAccessToken(r.Context(), ec)
	if err != nil {
		h.redirectError(w, r, redirectURI, q.Get("state"), ErrServerError("failed to issue token"))
		return
	}

	// Implicit flow returns tokens in the fragment, never the query.
	frag := url.Values{}
	frag.Set("access_token", access.Code)
	frag.Set("token_type", "Bearer")
	frag.Set("expires_in", fmt.Sprintf("%d", access.ExpiresIn(time.Now())))
	if state := q.Get("state"); state != "" {
		frag.Set("state", state)
	}
	http.Redirect(w, r, redirectURI+"#"+frag.Encode(), http.StatusFound)
}

// redirectError sends a browser-facing error back to the client via the
// redirect URI, per RFC 6749 §4.1.2.1.
func (h *Handler) redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state string, oauthErr *OAuthError) {
	loc, err := url.Parse(redirectURI)
	if err != nil {
		h.writeError(w, oauthErr)
		return
	}
	params := loc.Query()
	params.Set("error", oauthErr.Code)
	params.Set("error_description", oauthErr.Description)
	if state != "" {
		params.Set("state", state)
	}
	loc.RawQuery = params.Encode()
	http.Redirect(w, r, loc.String(), http.StatusFound)
}

// ============================================================
// Metadata endpoint (RFC 8414)
// ============================================================

// ServeMetadata handles GET /.well-known/oauth-authorization-server.
func (h *Handler) ServeMetadata(w http.ResponseWriter, r *http.Request) {
	issuer := h.server.cfg.Issuer
	grantTypes := []string{
		string(grant.TypeAuthorizationCode),
		"refresh_token",
		string(grant.TypeClientCredentials),
		string(grant.TypeCIBA),
		string(grant.TypeDeviceCode),
		string(grant.TypeTokenExchange),
	}
	if h.server.cfg.Security.AllowROPCFlow {
		grantTypes = append(grantTypes, string(grant.TypeResourceOwnerPassword))
	}
	responseTypes := []string{"code"}
	if h.server.cfg.Security.AllowImplicitFlow {
		responseTypes = append(responseTypes, "token")
	}

	h.writeJSON(w, http.StatusOK, AuthorizationServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + "/authorize",
		TokenEndpoint:                     issuer + "/token",
		RevocationEndpoint:                issuer + "/revoke",
		DeviceAuthorizationEndpoint:       issuer + "/device_authorization",
		BackchannelAuthenticationEndpoint: issuer + "/bc-authorize",
		ScopesSupported:                   h.server.cfg.SupportedScopes,
		ResponseTypesSupported:            responseTypes,
		GrantTypesSupported:               grantTypes,
		TokenEndpointAuthMethodsSupported: []string{
			"client_secret_basic", "client_secret_post", "private_key_jwt",
			"tls_client_auth", "self_signed_tls_client_auth", "none",
		},
		CodeChallengeMethodsSupported:         []string{"S256", "plain"},
		DPoPSigningAlgValuesSupported:         []string{"ES256", "ES384", "ES512", "RS256", "PS256", "EdDSA"},
		TLSClientCertificateBoundAccessTokens: true,
	})
}

// ============================================================
// Shared response plumbing
// ============================================================

// checkRateLimit applies the per-IP limiter. Allowed when no limiter is
// configured.
func (h *Handler) checkRateLimit(w http.ResponseWriter, r *http.Request) bool {
	if h.server.rateLimiter == nil {
		return true
	}
	clientIP := security.GetClientIP(r, h.server.cfg.RateLimit.TrustProxy, h.server.cfg.RateLimit.TrustedProxyCount)
	if h.server.rateLimiter.Allow(clientIP) {
		return true
	}
	h.server.auditor.LogRateLimitExceeded(clientIP, "")
	if h.server.inst != nil {
		h.server.inst.Metrics().RecordRateLimitExceeded(r.Context(), "ip")
	}
	h.writeErrorCode(w, ErrorCodeRateLimitExceeded, "too many requests", http.StatusTooManyRequests)
	return false
}

// writeAuthenticationError maps gatekeeper failures to wire errors: DPoP
// proof problems are 400 invalid_dpop_proof (the client needs a new proof,
// not new credentials), the nonce challenge carries a DPoP-Nonce header, and
// everything else is 401 invalid_client with a Basic challenge.
func (h *Handler) writeAuthenticationError(w http.ResponseWriter, r *http.Request, err error) {
	var nonceErr *dpop.NonceRequiredError
	switch {
	case errors.As(err, &nonceErr):
		w.Header().Set("DPoP-Nonce", nonceErr.Nonce)
		h.writeError(w, ErrUseDPoPNonce("authorization server requires nonce in DPoP proof"))

	case errors.Is(err, dpop.ErrProofExpired),
		errors.Is(err, dpop.ErrReplayedProof),
		errors.Is(err, dpop.ErrMalformedProof),
		errors.Is(err, dpop.ErrBadSignature),
		errors.Is(err, dpop.ErrThumbprintRequired):
		h.writeError(w, ErrInvalidDPoPProof(err.Error()))

	default:
		h.auditAuthFailure(r, "", err.Error())
		w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", h.server.cfg.Realm))
		h.writeError(w, ErrInvalidClient("client authentication failed"))
	}
}

// writeMintError maps grant-layer mint failures to wire errors.
func (h *Handler) writeMintError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, grant.ErrGrantRevoked):
		h.writeError(w, ErrInvalidGrant("grant has been revoked"))
	case errors.Is(err, grant.ErrMintVetoed):
		h.writeError(w, ErrAccessDenied("token issuance denied by policy"))
	case errors.Is(err, grant.ErrRefreshTokenUnsupported):
		h.writeError(w, ErrUnauthorizedClient("refresh tokens are not available for this grant type"))
	default:
		h.logger.Error("Token mint failed", "error", err)
		h.writeError(w, ErrServerError("failed to issue token"))
	}
}

// writeOAuthOrServerError writes an *OAuthError as-is and wraps anything else
// as server_error without leaking internals.
func (h *Handler) writeOAuthOrServerError(w http.ResponseWriter, err error) {
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		h.writeError(w, oauthErr)
		return
	}
	h.logger.Error("Internal error", "error", err)
	h.writeError(w, ErrServerError("internal error"))
}

func (h *Handler) writeError(w http.ResponseWriter, oauthErr *OAuthError) {
	h.writeErrorCode(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
}

func (h *Handler) writeErrorCode(w http.ResponseWriter, code, description string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(ErrorResponse{Error: code, ErrorDescription: description}); err != nil {
		h.logger.Error("Failed to write error response", "error", err)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to write response", "error", err)
	}
}

// ============================================================
// Audit helpers
// ============================================================

func (h *Handler) auditTokenIssued(r *http.Request, g *grant.Grant) {
	h.server.auditor.LogTokenIssued(g.UserID, g.ClientID, h.clientIP(r), strings.Join(g.Scopes(), " "))
}

func (h *Handler) auditTokenRefreshed(r *http.Request, g *grant.Grant) {
	h.server.auditor.LogTokenRefreshed(g.UserID, g.ClientID, h.clientIP(r), true)
}

func (h *Handler) auditTokenRevoked(r *http.Request, g *grant.Grant) {
	h.server.auditor.LogTokenRevoked(g.UserID, g.ClientID, h.clientIP(r), string(g.Type()))
}

func (h *Handler) auditAuthFailure(r *http.Request, clientID, reason string) {
	h.server.auditor.LogAuthFailure("", clientID, h.clientIP(r), reason)
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.cfg.RateLimit.TrustProxy, h.server.cfg.RateLimit.TrustedProxyCount)
}

// ============================================================
// Small helpers
// ============================================================

// validateRedirectURI enforces exact-match redirect URI registration per
// RFC 6749 section 3.1.2. Clients with nothing registered cannot use the
// authorize endpoint at all.
func validateRedirectURI(client *storage.Client, redirectURI string) error {
	if len(client.RedirectURIs) == 0 {
		return fmt.Errorf("client %q has no registered redirect URIs", client.ClientID)
	}
	for _, uri := range client.RedirectURIs {
		if uri == redirectURI {
			return nil
		}
	}
	return fmt.Errorf("redirect URI not registered for client %q", client.ClientID)
}

func requestURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.Path
}

func splitScopes(scope string) []string {
	if scope == "" {
		return nil
	}
	return strings.Fields(scope)
}

func containsScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
