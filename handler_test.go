package jansauth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/janssen-go/jans-auth/crypto"
	"github.com/janssen-go/jans-auth/grant"
	"github.com/janssen-go/jans-auth/hooks"
	"github.com/janssen-go/jans-auth/storage"
	"github.com/janssen-go/jans-auth/storage/memory"
)

type handlerFixture struct {
	mux    *http.ServeMux
	server *Server
	store  *memory.Store
}

func newHandlerFixture(t *testing.T, mutate func(*Config)) *handlerFixture {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	signer := crypto.NewJoseProvider(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       key,
		KeyID:     "test-key",
		Algorithm: string(jose.ES256),
		Use:       "sig",
	}}})

	cfg := Config{Issuer: "https://auth.example.com"}
	cfg.Tokens.PollInterval = 20 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := NewServer(Stores{Grants: store, Cache: store, Clients: store, Users: store}, signer, cfg)
	require.NoError(t, err)
	t.Cleanup(srv.Stop)

	mux := http.NewServeMux()
	NewHandler(srv, nil).RegisterRoutes(mux)
	return &handlerFixture{mux: mux, server: srv, store: store}
}

func (f *handlerFixture) seedClient(t *testing.T, client *storage.Client, secret string) {
	t.Helper()
	require.NoError(t, f.store.SaveClient(context.Background(), client, secret))
}

func (f *handlerFixture) seedUser(t *testing.T, user *storage.User, password string) {
	t.Helper()
	require.NoError(t, f.store.SaveUser(context.Background(), user, password))
}

func (f *handlerFixture) postForm(path string, form url.Values, auth func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if auth != nil {
		auth(req)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func basicAuth(id, secret string) func(*http.Request) {
	return func(r *http.Request) { r.SetBasicAuth(id, secret) }
}

func decodeTokenResponse(t *testing.T, rec *httptest.ResponseRecorder) TokenResponse {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	var resp TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func decodeErrorResponse(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

// createCodeGrant shortcuts the authorize endpoint: it plants a code grant
// directly in the registry, the way the authorize handler would.
func (f *handlerFixture) createCodeGrant(t *testing.T, req grant.AuthorizationRequest) string {
	t.Helper()
	g, err := f.server.Registry().CreateAuthorizationCodeGrant(context.Background(), req)
	require.NoError(t, err)
	code := g.AuthorizationCodeToken()
	require.NotNil(t, code)
	return code.Code
}

// Wrong client secret on the token endpoint: the response must be 401
// invalid_client carrying a Basic challenge so generic HTTP clients know how
// to retry.
func TestTokenEndpointWrongSecretGetsBasicChallenge(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.seedClient(t, &storage.Client{ClientID: "client-1"}, "correct-secret")

	rec := f.postForm("/token", url.Values{
		"grant_type": {"client_credentials"},
	}, basicAuth("client-1", "wrong-secret"))

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, `Basic realm="jans-auth"`, rec.Header().Get("WWW-Authenticate"))
	errResp := decodeErrorResponse(t, rec)
	assert.Equal(t, ErrorCodeInvalidClient, errResp.Error)
}

func TestClientCredentialsFlow(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.seedClient(t, &storage.Client{ClientID: "client-1", Scopes: []string{"api", "read"}}, "s3cret")

	rec := f.postForm("/token", url.Values{
		"grant_type": {"client_credentials"},
		"scope":      {"api admin"},
	}, basicAuth("client-1", "s3cret"))

	resp := decodeTokenResponse(t, rec)
	assert.NotEmpty(t, resp.AccessToken)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Greater(t, resp.ExpiresIn, int64(0))
	assert.Equal(t, "api", resp.Scope, "unregistered scope must be narrowed away")
	assert.Empty(t, resp.RefreshToken, "client_credentials needs no refresh token")
	assert.Empty(t, resp.IDToken)
}

func TestClientCredentialsRejectedForPublicClient(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.seedClient(t, &storage.Client{ClientID: "spa", Public: true}, "")

	rec := f.postForm("/token", url.Values{
		"grant_type": {"client_credentials"},
		"client_id":  {"spa"},
	}, nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrorCodeUnauthorizedClient, decodeErrorResponse(t, rec).Error)
}

func TestAuthorizationCodeFlowIssuesAllThreeTokens(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.seedClient(t, &storage.Client{ClientID: "client-1"}, "s3cret")
	f.seedUser(t, &storage.User{ID: "user-1", Username: "alice"}, "pw")

	code := f.createCodeGrant(t, grant.AuthorizationRequest{
		UserID:             "user-1",
		ClientID:           "client-1",
		Scopes:             []string{"openid", "profile"},
		AuthenticationTime: time.Now(),
		Nonce:              "n-abc",
	})

	rec := f.postForm("/token", url.Values{
		"grant_type": {"authorization_code"},
		"code":       {code},
	}, basicAuth("client-1", "s3cret"))

	resp := decodeTokenResponse(t, rec)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.NotEmpty(t, resp.IDToken, "openid scope with a user must yield an ID token")
	assert.Contains(t, resp.Scope, "openid")
}

func TestAuthorizationCodeRejectedForOtherClient(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.seedClient(t, &storage.Client{ClientID: "client-1"}, "s3cret")
	f.seedClient(t, &storage.Client{ClientID: "client-2"}, "s3cret")

	code := f.createCodeGrant(t, grant.AuthorizationRequest{
		UserID:             "user-1",
		ClientID:           "client-1",
		Scopes:             []string{"profile"},
		AuthenticationTime: time.Now(),
	})

	rec := f.postForm("/token", url.Values{
		"grant_type": {"authorization_code"},
		"code":       {code},
	}, basicAuth("client-2", "s3cret"))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrorCodeInvalidGrant, decodeErrorResponse(t, rec).Error)
}

func TestAuthorizationCodeSingleUse(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.seedClient(t, &storage.Client{ClientID: "client-1"}, "s3cret")

	code := f.createCodeGrant(t, grant.AuthorizationRequest{
		UserID:             "user-1",
		ClientID:           "client-1",
		Scopes:             []string{"profile"},
		AuthenticationTime: time.Now(),
	})

	form := url.Values{"grant_type": {"authorization_code"}, "code": {code}}
	first := f.postForm("/token", form, basicAuth("client-1", "s3cret"))
	require.Equal(t, http.StatusOK, first.Code, "body: %s", first.Body.String())

	second := f.postForm("/token", form, basicAuth("client-1", "s3cret"))
	require.Equal(t, http.StatusBadRequest, second.Code)
	assert.Equal(t, ErrorCodeInvalidGrant, decodeErrorResponse(t, second).Error)
}

func TestPKCEVerifierChecked(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.seedClient(t, &storage.Client{ClientID: "client-1"}, "s3cret")

	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	newCode := func() string {
		return f.createCodeGrant(t, grant.AuthorizationRequest{
			UserID:              "user-1",
			ClientID:            "client-1",
			Scopes:              []string{"profile"},
			AuthenticationTime:  time.Now(),
			CodeChallenge:       challenge,
			CodeChallengeMethod: "S256",
		})
	}

	wrong := f.postForm("/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {newCode()},
		"code_verifier": {"not-the-right-verifier-at-all-but-long"},
	}, basicAuth("client-1", "s3cret"))
	require.Equal(t, http.StatusBadRequest, wrong.Code)
	assert.Equal(t, ErrorCodeInvalidGrant, decodeErrorResponse(t, wrong).Error)

	right := f.postForm("/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {newCode()},
		"code_verifier": {verifier},
	}, basicAuth("client-1", "s3cret"))
	require.Equal(t, http.StatusOK, right.Code, "body: %s", right.Body.String())
}

func TestRefreshTokenRotation(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.seedClient(t, &storage.Client{ClientID: "client-1"}, "s3cret")

	code := f.createCodeGrant(t, grant.AuthorizationRequest{
		UserID:             "user-1",
		ClientID:           "client-1",
		Scopes:             []string{"profile"},
		AuthenticationTime: time.Now(),
	})
	initial := decodeTokenResponse(t, f.postForm("/token", url.Values{
		"grant_type": {"authorization_code"},
		"code":       {code},
	}, basicAuth("client-1", "s3cret")))
	require.NotEmpty(t, initial.RefreshToken)

	refreshed := decodeTokenResponse(t, f.postForm("/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {initial.RefreshToken},
	}, basicAuth("client-1", "s3cret")))
	assert.NotEmpty(t, refreshed.AccessToken)
	assert.NotEmpty(t, refreshed.RefreshToken)
	assert.NotEqual(t, initial.RefreshToken, refreshed.RefreshToken)

	// The rotated-out refresh token is burned.
	replay := f.postForm("/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {initial.RefreshToken},
	}, basicAuth("client-1", "s3cret"))
	require.Equal(t, http.StatusBadRequest, replay.Code)
	assert.Equal(t, ErrorCodeInvalidGrant, decodeErrorResponse(t, replay).Error)
}

func TestRefreshTokenScopeCannotWiden(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.seedClient(t, &storage.Client{ClientID: "client-1"}, "s3cret")

	code := f.createCodeGrant(t, grant.AuthorizationRequest{
		UserID:             "user-1",
		ClientID:           "client-1",
		Scopes:             []string{"profile"},
		AuthenticationTime: time.Now(),
	})
	initial := decodeTokenResponse(t, f.postForm("/token", url.Values{
		"grant_type": {"authorization_code"},
		"code":       {code},
	}, basicAuth("client-1", "s3cret")))

	rec := f.postForm("/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {initial.RefreshToken},
		"scope":         {"profile admin"},
	}, basicAuth("client-1", "s3cret"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrorCodeInvalidScope, decodeErrorResponse(t, rec).Error)
}

func TestDeviceFlow(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.seedClient(t, &storage.Client{ClientID: "tv-app"}, "s3cret")
	f.seedUser(t, &storage.User{ID: "user-1", Username: "alice"}, "pw")

	start := f.postForm("/device_authorization", url.Values{
		"scope": {"profile"},
	}, basicAuth("tv-app", "s3cret"))
	require.Equal(t, http.StatusOK, start.Code, "body: %s", start.Body.String())
	var dev DeviceAuthorizationResponse
	require.NoError(t, json.Unmarshal(start.Body.Bytes(), &dev))
	assert.NotEmpty(t, dev.DeviceCode)
	assert.Len(t, dev.UserCode, 9)
	assert.Equal(t, "https://auth.example.com/device", dev.VerificationURI)
	assert.Contains(t, dev.VerificationURIComplete, dev.UserCode)

	pollForm := url.Values{
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
		"device_code": {dev.DeviceCode},
	}

	pending := f.postForm("/token", pollForm, basicAuth("tv-app", "s3cret"))
	require.Equal(t, http.StatusBadRequest, pending.Code)
	assert.Equal(t, ErrorCodeAuthorizationPending, decodeErrorResponse(t, pending).Error)

	// Polling again inside the interval must back off.
	tooFast := f.postForm("/token", pollForm, basicAuth("tv-app", "s3cret"))
	require.Equal(t, http.StatusBadRequest, tooFast.Code)
	assert.Equal(t, ErrorCodeSlowDown, decodeErrorResponse(t, tooFast).Error)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, f.server.ApproveDeviceGrant(context.Background(), dev.UserCode, "user-1"))

	resp := decodeTokenResponse(t, f.postForm("/token", pollForm, basicAuth("tv-app", "s3cret")))
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)

	// Redemption is terminal.
	time.Sleep(30 * time.Millisecond)
	again := f.postForm("/token", pollForm, basicAuth("tv-app", "s3cret"))
	require.Equal(t, http.StatusBadRequest, again.Code)
	assert.Equal(t, ErrorCodeInvalidGrant, decodeErrorResponse(t, again).Error)
}

func TestCIBAFlow(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.seedClient(t, &storage.Client{ClientID: "bank-app"}, "s3cret")
	f.seedUser(t, &storage.User{ID: "user-1", Username: "alice"}, "pw")

	start := f.postForm("/bc-authorize", url.Values{
		"login_hint": {"user-1"},
		"scope":      {"openid payments"},
	}, basicAuth("bank-app", "s3cret"))
	require.Equal(t, http.StatusOK, start.Code, "body: %s", start.Body.String())
	var ciba CIBAAuthenticationResponse
	require.NoError(t, json.Unmarshal(start.Body.Bytes(), &ciba))
	require.NotEmpty(t, ciba.AuthReqID)
	assert.Greater(t, ciba.ExpiresIn, int64(0))

	pollForm := url.Values{
		"grant_type":  {"urn:openid:params:grant-type:ciba"},
		"auth_req_id": {ciba.AuthReqID},
	}

	pending := f.postForm("/token", pollForm, basicAuth("bank-app", "s3cret"))
	require.Equal(t, http.StatusBadRequest, pending.Code)
	assert.Equal(t, ErrorCodeAuthorizationPending, decodeErrorResponse(t, pending).Error)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, f.server.ApproveCIBAGrant(context.Background(), ciba.AuthReqID))

	resp := decodeTokenResponse(t, f.postForm("/token", pollForm, basicAuth("bank-app", "s3cret")))
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.IDToken, "openid scope must yield an ID token")
}

func TestCIBAUnknownUserHint(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.seedClient(t, &storage.Client{ClientID: "bank-app"}, "s3cret")

	rec := f.postForm("/bc-authorize", url.Values{
		"login_hint": {"nobody"},
	}, basicAuth("bank-app", "s3cret"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unknown_user_id", decodeErrorResponse(t, rec).Error)
}

func TestPasswordGrantDisabledByDefault(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.seedClient(t, &storage.Client{ClientID: "client-1"}, "s3cret")

	rec := f.postForm("/token", url.Values{
		"grant_type": {"password"},
		"username":   {"alice"},
		"password":   {"pw"},
	}, basicAuth("client-1", "s3cret"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrorCodeUnsupportedGrantType, decodeErrorResponse(t, rec).Error)
}

func TestPasswordGrantWhenEnabled(t *testing.T) {
	f := newHandlerFixture(t, func(cfg *Config) {
		cfg.Security.AllowROPCFlow = true
	})
	f.seedClient(t, &storage.Client{ClientID: "client-1"}, "s3cret")
	f.seedUser(t, &storage.User{ID: "user-1", Username: "alice"}, "pw")

	rec := f.postForm("/token", url.Values{
		"grant_type": {"password"},
		"username":   {"alice"},
		"password":   {"pw"},
		"scope":      {"profile"},
	}, basicAuth("client-1", "s3cret"))

	resp := decodeTokenResponse(t, rec)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)

	bad := f.postForm("/token", url.Values{
		"grant_type": {"password"},
		"username":   {"alice"},
		"password":   {"wrong"},
	}, basicAuth("client-1", "s3cret"))
	require.Equal(t, http.StatusBadRequest, bad.Code)
	assert.Equal(t, ErrorCodeInvalidGrant, decodeErrorResponse(t, bad).Error)
}

func TestTokenExchange(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.seedClient(t, &storage.Client{ClientID: "gateway"}, "s3cret")

	subject := f.server.Registry().CreateROPCGrant("user-1", "gateway")
	subject.CheckScopesPolicy([]string{"api", "read"})
	subjectTok, err := subject.CreateAccessToken(context.Background(), grant.NewExecutionContext(nil))
	require.NoError(t, err)

	rec := f.postForm("/token", url.Values{
		"grant_type":         {"urn:ietf:params:oauth:grant-type:token-exchange"},
		"subject_token":      {subjectTok.Code},
		"subject_token_type": {"urn:ietf:params:oauth:token-type:access_token"},
		"scope":              {"read"},
	}, basicAuth("gateway", "s3cret"))

	resp := decodeTokenResponse(t, rec)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEqual(t, subjectTok.Code, resp.AccessToken)
	assert.Equal(t, "urn:ietf:params:oauth:token-type:access_token", resp.IssuedTokenType)
	assert.Equal(t, "read", resp.Scope)

	widen := f.postForm("/token", url.Values{
		"grant_type":    {"urn:ietf:params:oauth:grant-type:token-exchange"},
		"subject_token": {subjectTok.Code},
		"scope":         {"admin"},
	}, basicAuth("gateway", "s3cret"))
	require.Equal(t, http.StatusBadRequest, widen.Code)
	assert.Equal(t, ErrorCodeInvalidScope, decodeErrorResponse(t, widen).Error)
}

func TestRevocationIsIdempotentAndQuiet(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.seedClient(t, &storage.Client{ClientID: "client-1"}, "s3cret")

	// Unknown token still answers 200; existence must not leak.
	unknown := f.postForm("/revoke", url.Values{
		"token": {"no-such-token"},
	}, basicAuth("client-1", "s3cret"))
	assert.Equal(t, http.StatusOK, unknown.Code)

	code := f.createCodeGrant(t, grant.AuthorizationRequest{
		UserID:             "user-1",
		ClientID:           "client-1",
		Scopes:             []string{"profile"},
		AuthenticationTime: time.Now(),
	})
	issued := decodeTokenResponse(t, f.postForm("/token", url.Values{
		"grant_type": {"authorization_code"},
		"code":       {code},
	}, basicAuth("client-1", "s3cret")))

	revoke := f.postForm("/revoke", url.Values{
		"token": {issued.RefreshToken},
	}, basicAuth("client-1", "s3cret"))
	require.Equal(t, http.StatusOK, revoke.Code)

	// The whole grant is dead, not just the presented token.
	refresh := f.postForm("/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {issued.RefreshToken},
	}, basicAuth("client-1", "s3cret"))
	require.Equal(t, http.StatusBadRequest, refresh.Code)
	assert.Equal(t, ErrorCodeInvalidGrant, decodeErrorResponse(t, refresh).Error)
}

func TestRevocationRequiresClientAuthentication(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.seedClient(t, &storage.Client{ClientID: "client-1"}, "s3cret")

	rec := f.postForm("/revoke", url.Values{
		"token": {"whatever"},
	}, basicAuth("client-1", "wrong"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, ErrorCodeInvalidClient, decodeErrorResponse(t, rec).Error)
}

func TestPublicClientDeviceAuthorization(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.seedClient(t, &storage.Client{ClientID: "spa", Public: true}, "")

	rec := f.postForm("/device_authorization", url.Values{
		"client_id": {"spa"},
		"scope":     {"profile"},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	var dev DeviceAuthorizationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dev))
	assert.NotEmpty(t, dev.DeviceCode)
}

func TestAuthorizeEndpointIssuesRedeemableCode(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.seedClient(t, &storage.Client{
		ClientID:     "client-1",
		RedirectURIs: []string{"https://app.example.com/cb"},
	}, "s3cret")
	f.seedUser(t, &storage.User{ID: "user-1", Username: "alice"}, "pw")

	target := "/authorize?" + url.Values{
		"client_id":     {"client-1"},
		"redirect_uri":  {"https://app.example.com/cb"},
		"response_type": {"code"},
		"scope":         {"openid"},
		"state":         {"xyz-123"},
	}.Encode()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.SetBasicAuth("alice", "pw")
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code, "body: %s", rec.Body.String())
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "app.example.com", loc.Host)
	assert.Equal(t, "xyz-123", loc.Query().Get("state"))
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)

	resp := decodeTokenResponse(t, f.postForm("/token", url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {"https://app.example.com/cb"},
	}, basicAuth("client-1", "s3cret")))
	assert.NotEmpty(t, resp.IDToken)
}

func TestAuthorizeEndpointRequiresUserAuthentication(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.seedClient(t, &storage.Client{
		ClientID:     "client-1",
		RedirectURIs: []string{"https://app.example.com/cb"},
	}, "s3cret")

	target := "/authorize?client_id=client-1&redirect_uri=https%3A%2F%2Fapp.example.com%2Fcb&response_type=code"
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, ErrorCodeInvalidClient, decodeErrorResponse(t, rec).Error)
}

func TestImplicitFlowBehindFlag(t *testing.T) {
	f := newHandlerFixture(t, func(cfg *Config) {
		cfg.Security.AllowImplicitFlow = true
	})
	f.seedClient(t, &storage.Client{
		ClientID:     "legacy",
		RedirectURIs: []string{"https://legacy.example.com/cb"},
	}, "s3cret")
	f.seedUser(t, &storage.User{ID: "user-1", Username: "alice"}, "pw")

	target := "/authorize?" + url.Values{
		"client_id":     {"legacy"},
		"redirect_uri":  {"https://legacy.example.com/cb"},
		"response_type": {"token"},
		"scope":         {"profile"},
		"state":         {"s1"},
	}.Encode()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.SetBasicAuth("alice", "pw")
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	location := rec.Header().Get("Location")
	before, frag, found := strings.Cut(location, "#")
	require.True(t, found, "implicit tokens travel in the fragment, got %s", location)
	params, err := url.ParseQuery(frag)
	require.NoError(t, err)
	assert.NotEmpty(t, params.Get("access_token"))
	assert.Equal(t, "s1", params.Get("state"))
	assert.NotContains(t, before, "access_token=", "token must not appear in the query part")
}

// A redirect_uri outside the client's registered list is answered with a
// direct 400; the user agent must never be redirected to it.
func TestAuthorizeRejectsUnregisteredRedirectURI(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.seedClient(t, &storage.Client{
		ClientID:     "client-1",
		RedirectURIs: []string{"https://app.example.com/cb"},
	}, "s3cret")
	f.seedUser(t, &storage.User{ID: "user-1", Username: "alice"}, "pw")

	target := "/authorize?" + url.Values{
		"client_id":     {"client-1"},
		"redirect_uri":  {"https://evil.example.net/steal"},
		"response_type": {"code"},
		"state":         {"xyz"},
	}.Encode()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.SetBasicAuth("alice", "pw")
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, rec.Header().Get("Location"), "no redirect to an unregistered URI")
	assert.Equal(t, ErrorCodeInvalidRequest, decodeErrorResponse(t, rec).Error)
	assert.NotContains(t, rec.Body.String(), "code=")
}

// A client with nothing registered cannot use the authorize endpoint at all.
func TestAuthorizeRejectsClientWithoutRegisteredURIs(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.seedClient(t, &storage.Client{ClientID: "client-1"}, "s3cret")
	f.seedUser(t, &storage.User{ID: "user-1", Username: "alice"}, "pw")

	target := "/authorize?client_id=client-1&redirect_uri=https%3A%2F%2Fapp.example.com%2Fcb&response_type=code"
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.SetBasicAuth("alice", "pw")
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrorCodeInvalidRequest, decodeErrorResponse(t, rec).Error)
}

// Redemption must repeat the redirect_uri the code was issued for.
func TestCodeRedemptionChecksRedirectURI(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.seedClient(t, &storage.Client{ClientID: "client-1"}, "s3cret")

	mint := func() string {
		return f.createCodeGrant(t, grant.AuthorizationRequest{
			UserID:             "user-1",
			ClientID:           "client-1",
			Scopes:             []string{"profile"},
			AuthenticationTime: time.Now(),
			RedirectURI:        "https://app.example.com/cb",
		})
	}

	wrong := f.postForm("/token", url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {mint()},
		"redirect_uri": {"https://evil.example.net/steal"},
	}, basicAuth("client-1", "s3cret"))
	require.Equal(t, http.StatusBadRequest, wrong.Code)
	assert.Equal(t, ErrorCodeInvalidGrant, decodeErrorResponse(t, wrong).Error)

	missing := f.postForm("/token", url.Values{
		"grant_type": {"authorization_code"},
		"code":       {mint()},
	}, basicAuth("client-1", "s3cret"))
	require.Equal(t, http.StatusBadRequest, missing.Code)
	assert.Equal(t, ErrorCodeInvalidGrant, decodeErrorResponse(t, missing).Error)

	resp := decodeTokenResponse(t, f.postForm("/token", url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {mint()},
		"redirect_uri": {"https://app.example.com/cb"},
	}, basicAuth("client-1", "s3cret")))
	assert.NotEmpty(t, resp.AccessToken)
}

// A refresh token minted under a DPoP key binding stays bound: presenting it
// with only the client secret must not redeem it.
func TestRefreshTokenDPoPBindingEnforced(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.seedClient(t, &storage.Client{ClientID: "client-1"}, "s3cret")

	g := f.server.Registry().CreateROPCGrant("user-1", "client-1")
	g.CheckScopesPolicy([]string{"profile"})
	ec := grant.NewExecutionContext(nil)
	ec.DPoPJkt = "bound-key-thumbprint"
	refresh, err := g.CreateRefreshToken(context.Background(), ec)
	require.NoError(t, err)

	rec := f.postForm("/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refresh.Code},
	}, basicAuth("client-1", "s3cret"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrorCodeInvalidDPoPProof, decodeErrorResponse(t, rec).Error)
}

// A certificate-bound refresh token requires the same client certificate at
// redemption.
func TestRefreshTokenCertificateBindingEnforced(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.seedClient(t, &storage.Client{ClientID: "client-1"}, "s3cret")

	g := f.server.Registry().CreateROPCGrant("user-1", "client-1")
	g.CheckScopesPolicy([]string{"profile"})
	ec := grant.NewExecutionContext(nil)
	ec.X5tS256 = "cert-thumbprint"
	refresh, err := g.CreateRefreshToken(context.Background(), ec)
	require.NoError(t, err)

	rec := f.postForm("/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refresh.Code},
	}, basicAuth("client-1", "s3cret"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, ErrorCodeInvalidClient, decodeErrorResponse(t, rec).Error)
}

// Token exchange may not launder a sender-constrained subject token into an
// unbound one.
func TestTokenExchangeRejectsBoundSubjectToken(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.seedClient(t, &storage.Client{ClientID: "gateway"}, "s3cret")

	subject := f.server.Registry().CreateROPCGrant("user-1", "gateway")
	subject.CheckScopesPolicy([]string{"api"})
	ec := grant.NewExecutionContext(nil)
	ec.DPoPJkt = "bound-key-thumbprint"
	subjectTok, err := subject.CreateAccessToken(context.Background(), ec)
	require.NoError(t, err)

	rec := f.postForm("/token", url.Values{
		"grant_type":         {"urn:ietf:params:oauth:grant-type:token-exchange"},
		"subject_token":      {subjectTok.Code},
		"subject_token_type": {"urn:ietf:params:oauth:token-type:access_token"},
	}, basicAuth("gateway", "s3cret"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrorCodeInvalidDPoPProof, decodeErrorResponse(t, rec).Error)
}

type claimInjectorHook struct {
	claim string
	value any
}

func (h *claimInjectorHook) ModifyClaims(_ context.Context, _ *hooks.TokenContext, claims map[string]any) (map[string]any, error) {
	claims[h.claim] = h.value
	return claims, nil
}

// The ID token minted alongside a token response must go through the same
// execution context as the rest of the response, so per-request hook
// overrides reach its claims.
func TestIDTokenMintUsesRequestContext(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.seedClient(t, &storage.Client{ClientID: "client-1"}, "s3cret")

	g := f.server.Registry().CreateROPCGrant("user-1", "client-1")
	g.CheckScopesPolicy([]string{"openid"})
	ec := grant.NewExecutionContext(&storage.Client{ClientID: "client-1"})
	ec.ModifyTokenHook = &claimInjectorHook{claim: "department", value: "treasury"}
	access, err := g.CreateAccessToken(context.Background(), ec)
	require.NoError(t, err)

	h := NewHandler(f.server, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/token", nil)
	h.writeTokenResponse(rec, req, g, access, nil, "", ec)

	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	var resp TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.IDToken)

	parts := strings.Split(resp.IDToken, ".")
	require.Len(t, parts, 3)
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	var claims map[string]any
	require.NoError(t, json.Unmarshal(payload, &claims))
	assert.Equal(t, "treasury", claims["department"])
}

func TestMetadataEndpoint(t *testing.T) {
	f := newHandlerFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var meta AuthorizationServerMetadata
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meta))
	assert.Equal(t, "https://auth.example.com", meta.Issuer)
	assert.Equal(t, "https://auth.example.com/token", meta.TokenEndpoint)
	assert.Contains(t, meta.GrantTypesSupported, "urn:ietf:params:oauth:grant-type:device_code")
	assert.NotContains(t, meta.GrantTypesSupported, "password", "disabled flows stay out of metadata")
	assert.NotContains(t, meta.ResponseTypesSupported, "token")
	assert.True(t, meta.TLSClientCertificateBoundAccessTokens)
}

func TestUnsupportedGrantType(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.seedClient(t, &storage.Client{ClientID: "client-1"}, "s3cret")

	rec := f.postForm("/token", url.Values{
		"grant_type": {"urn:example:made-up"},
	}, basicAuth("client-1", "s3cret"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrorCodeUnsupportedGrantType, decodeErrorResponse(t, rec).Error)
}
