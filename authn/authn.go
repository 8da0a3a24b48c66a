// Package authn implements the per-request authentication gatekeeper that
// fronts the grant layer. For each incoming request it decides which client
// or resource-owner authentication method applies, evaluated in a fixed
// priority order, and authenticates accordingly. A failure on a protected
// endpoint terminates the chain; the handler layer turns it into HTTP 401
// with a WWW-Authenticate challenge.
package authn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/janssen-go/jans-auth/crypto"
	"github.com/janssen-go/jans-auth/dpop"
	"github.com/janssen-go/jans-auth/grant"
	"github.com/janssen-go/jans-auth/instrumentation"
	"github.com/janssen-go/jans-auth/internal/util"
	"github.com/janssen-go/jans-auth/storage"
	"github.com/janssen-go/jans-auth/token"
)

// Method identifies how a request was authenticated.
type Method string

const (
	MethodMTLS          Method = "tls_client_auth"
	MethodBearer        Method = "bearer"
	MethodPrivateKeyJWT Method = "private_key_jwt"
	MethodBasic         Method = "client_secret_basic"
	MethodDPoP          Method = "dpop"
	MethodPost          Method = "client_secret_post"
	MethodNone          Method = "none"
	MethodSession       Method = "session"
)

// JWTBearerAssertionType is the client_assertion_type for private_key_jwt.
const JWTBearerAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// Endpoint classifies the request target for the decision table.
type Endpoint string

const (
	EndpointToken               Endpoint = "token"
	EndpointRevoke              Endpoint = "revoke"
	EndpointAuthorize           Endpoint = "authorize"
	EndpointUserInfo            Endpoint = "userinfo"
	EndpointDeviceAuthorization Endpoint = "device_authorization"
	EndpointBackchannelAuth     Endpoint = "bc-authorize"
)

// protectedEndpoints accept bearer access tokens as client authentication.
var protectedEndpoints = map[Endpoint]bool{
	EndpointToken:               true,
	EndpointRevoke:              true,
	EndpointUserInfo:            true,
	EndpointDeviceAuthorization: true,
	EndpointBackchannelAuth:     true,
}

// Authentication errors. All of them surface to OAuth clients as
// invalid_client (401); the distinctions exist for logging and tests.
var (
	// ErrInvalidClient is the umbrella failure for client authentication.
	ErrInvalidClient = errors.New("client authentication failed")

	// ErrUnknownClient indicates the presented client_id is not registered.
	ErrUnknownClient = fmt.Errorf("%w: unknown client", ErrInvalidClient)

	// ErrInvalidCredentials indicates a bad secret or password.
	ErrInvalidCredentials = fmt.Errorf("%w: invalid credentials", ErrInvalidClient)

	// ErrInvalidAssertion indicates a client_assertion that failed
	// structural or signature validation.
	ErrInvalidAssertion = fmt.Errorf("%w: invalid client assertion", ErrInvalidClient)

	// ErrInvalidSession indicates a session cookie that does not resolve
	// to a live session.
	ErrInvalidSession = fmt.Errorf("%w: invalid session", ErrInvalidClient)
)

// Session is the minimal authenticated-session view the gatekeeper needs.
type Session struct {
	ID     string
	UserID string
	DN     string
}

// SessionStore resolves session cookies. Optional: a nil store disables
// session re-authentication.
type SessionStore interface {
	// GetSession resolves a session cookie value. Returns
	// storage.ErrNotFound for unknown or expired sessions.
	GetSession(ctx context.Context, sessionID string) (*Session, error)
}

// Result is the outcome of a successful authentication.
type Result struct {
	Client *storage.Client
	User   *storage.User

	// Grant is set when authentication resolved a bearer access token.
	Grant *grant.Grant

	// Session is set for session-cookie re-authentication.
	Session *Session

	Method Method

	// DPoP carries the validated proof for DPoP-bound requests.
	DPoP *dpop.Proof

	// X5tS256 is the client certificate thumbprint for mTLS requests,
	// recorded on minted tokens as the cnf confirmation.
	X5tS256 string
}

// Gatekeeper evaluates the authentication decision table.
type Gatekeeper struct {
	clients  storage.ClientStore
	users    storage.UserStore
	registry *grant.Registry
	verifier crypto.Provider
	dpop     *dpop.Validator
	sessions SessionStore
	mtls     *MTLSValidator

	issuer  string
	logger  *slog.Logger
	metrics *instrumentation.Metrics
}

// NewGatekeeper wires the gatekeeper. dpopValidator and sessions may be nil,
// which disables the corresponding table rows.
func NewGatekeeper(clients storage.ClientStore, users storage.UserStore, registry *grant.Registry, verifier crypto.Provider, dpopValidator *dpop.Validator, issuer string, logger *slog.Logger) *Gatekeeper {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "authn")
	return &Gatekeeper{
		clients:  clients,
		users:    users,
		registry: registry,
		verifier: verifier,
		dpop:     dpopValidator,
		mtls:     NewMTLSValidator(logger),
		issuer:   issuer,
		logger:   logger,
	}
}

// SetSessionStore enables session-cookie re-authentication.
func (gk *Gatekeeper) SetSessionStore(sessions SessionStore) {
	gk.sessions = sessions
}

// SetInstrumentation attaches metrics recording. Nil-safe.
func (gk *Gatekeeper) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		gk.metrics = inst.Metrics()
	}
}

// Authenticate runs the decision table against the request, first match wins.
// The request's form must already be parsed. Failure on a protected endpoint
// is terminal; there is no fallthrough past a matched-but-failed method.
func (gk *Gatekeeper) Authenticate(ctx context.Context, r *http.Request, endpoint Endpoint) (*Result, error) {
	result, err := gk.authenticate(ctx, r, endpoint)
	if err != nil && gk.metrics != nil {
		gk.metrics.RecordAuthenticationFailed(ctx, string(methodForError(result)))
	}
	return result, err
}

func methodForError(r *Result) Method {
	if r != nil {
		return r.Method
	}
	return MethodNone
}

func (gk *Gatekeeper) authenticate(ctx context.Context, r *http.Request, endpoint Endpoint) (*Result, error) {
	clientID := r.PostFormValue("client_id")

	// 1. mTLS-eligible client. A failed certificate match falls through to
	// the next method rather than failing the request.
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 && clientID != "" {
		client, err := gk.clients.GetClient(ctx, clientID)
		if err == nil && isMTLSMethod(client.TokenEndpointAuthMethod) {
			cert := r.TLS.PeerCertificates[0]
			if gk.mtls.ValidateCertificate(client, cert) {
				return &Result{
					Client:  client,
					Method:  MethodMTLS,
					X5tS256: CertificateThumbprint(cert),
				}, nil
			}
			gk.logger.Debug("mTLS certificate did not match client registration, trying next method",
				"client_id", clientID)
		}
	}

	// 2. Bearer access token on a protected endpoint.
	if auth := r.Header.Get("Authorization"); protectedEndpoints[endpoint] {
		if tokenCode, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return gk.authenticateBearer(ctx, r, tokenCode)
		}
	}

	// 3. private_key_jwt client assertion.
	if assertion := r.PostFormValue("client_assertion"); assertion != "" {
		if r.PostFormValue("client_assertion_type") != JWTBearerAssertionType {
			return nil, fmt.Errorf("%w: unsupported client_assertion_type", ErrInvalidAssertion)
		}
		return gk.authenticateAssertion(ctx, assertion)
	}

	// 4. HTTP Basic.
	if username, password, ok := r.BasicAuth(); ok {
		return gk.authenticateBasic(ctx, endpoint, username, password)
	}

	// 5. DPoP-bound on the token endpoint.
	if proof := r.Header.Get("DPoP"); proof != "" && endpoint == EndpointToken && gk.dpop != nil {
		return gk.authenticateDPoP(ctx, r, proof, clientID)
	}

	// 6. POST-body credentials, or public client passthrough.
	if clientID != "" {
		return gk.authenticatePost(ctx, clientID, r.PostFormValue("client_secret"))
	}

	// 7. Session cookie on non-privileged endpoints, unless the request
	// explicitly demands fresh login.
	if gk.sessions != nil && !protectedEndpoints[endpoint] && r.FormValue("prompt") != "login" {
		if cookie, err := r.Cookie("session_id"); err == nil {
			return gk.authenticateSession(ctx, cookie.Value)
		}
	}

	return nil, ErrInvalidClient
}

func (gk *Gatekeeper) authenticateBearer(ctx context.Context, r *http.Request, tokenCode string) (*Result, error) {
	g, err := gk.registry.GetGrantByAccessToken(ctx, tokenCode)
	if err != nil {
		gk.logger.Debug("bearer token did not resolve to a grant", "error", err)
		return &Result{Method: MethodBearer}, ErrInvalidCredentials
	}

	// The record may still be in the store after a revocation or past its
	// expiry; resolving it is not enough, the token itself must be live.
	tok := g.TokenByHash(token.HashCode(tokenCode))
	if tok == nil {
		return &Result{Method: MethodBearer}, ErrInvalidCredentials
	}
	tok.CheckExpired(time.Now())
	if !tok.IsValid() {
		gk.logger.Debug("bearer token is revoked or expired", "grant_id", g.GrantID)
		return &Result{Method: MethodBearer}, ErrInvalidCredentials
	}

	result := &Result{Grant: g, Method: MethodBearer}

	// Sender-constrained tokens: a binding recorded at issuance must be
	// matched by the presenting request.
	if tok.DPoPJkt != "" {
		if gk.dpop == nil {
			return &Result{Method: MethodBearer}, dpop.ErrThumbprintRequired
		}
		proof := r.Header.Get("DPoP")
		if proof == "" {
			return &Result{Method: MethodBearer}, dpop.ErrThumbprintRequired
		}
		validated, err := gk.dpop.ValidateProof(ctx, proof, r.Method, requestURL(r))
		if err != nil {
			return &Result{Method: MethodBearer}, err
		}
		if err := dpop.MatchThumbprint(tok.DPoPJkt, validated.JKT); err != nil {
			return &Result{Method: MethodBearer}, err
		}
		result.DPoP = validated
	}
	if tok.X5tS256 != "" {
		presented := ""
		if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
			presented = CertificateThumbprint(r.TLS.PeerCertificates[0])
		}
		if presented != tok.X5tS256 {
			gk.logger.Debug("bearer token certificate binding did not match", "grant_id", g.GrantID)
			return &Result{Method: MethodBearer}, ErrInvalidCredentials
		}
		result.X5tS256 = presented
	}

	client, err := gk.clients.GetClient(ctx, g.ClientID)
	if err != nil {
		return &Result{Method: MethodBearer}, ErrUnknownClient
	}
	result.Client = client
	if g.UserID != "" {
		if user, err := gk.users.GetUser(ctx, g.UserID); err == nil {
			result.User = user
		}
	}
	return result, nil
}

// authenticateAssertion validates a private_key_jwt assertion: issuer and
// subject must both equal the client_id, the audience must include this
// server, the assertion must be unexpired, and the signature must verify
// against the client's registered JWKS.
func (gk *Gatekeeper) authenticateAssertion(ctx context.Context, assertion string) (*Result, error) {
	jws, err := jose.ParseSigned(assertion, assertionAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAssertion, err)
	}
	if len(jws.Signatures) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one signature", ErrInvalidAssertion)
	}
	header := jws.Signatures[0].Protected

	var claims struct {
		Issuer   string   `json:"iss"`
		Subject  string   `json:"sub"`
		Audience audience `json:"aud"`
		Expiry   int64    `json:"exp"`
	}
	if err := json.Unmarshal(jws.UnsafePayloadWithoutVerification(), &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAssertion, err)
	}
	if claims.Issuer == "" || claims.Issuer != claims.Subject {
		return nil, fmt.Errorf("%w: iss and sub must both be the client_id", ErrInvalidAssertion)
	}
	if !claims.Audience.contains(gk.issuer) {
		return nil, fmt.Errorf("%w: audience does not include this server", ErrInvalidAssertion)
	}
	if claims.Expiry == 0 || time.Now().After(time.Unix(claims.Expiry, 0)) {
		return nil, fmt.Errorf("%w: assertion expired", ErrInvalidAssertion)
	}

	client, err := gk.clients.GetClient(ctx, claims.Issuer)
	if err != nil {
		return nil, ErrUnknownClient
	}
	if client.JWKS == "" {
		return nil, fmt.Errorf("%w: client has no registered keys", ErrInvalidAssertion)
	}

	ok, err := gk.verifier.VerifySignature(ctx, assertion, header.KeyID, client.JWKS, header.Algorithm)
	if err != nil || !ok {
		gk.logger.Warn("client assertion signature verification failed",
			"client_id", claims.Issuer, "error", err)
		return nil, fmt.Errorf("%w: signature verification failed", ErrInvalidAssertion)
	}

	return &Result{Client: client, Method: MethodPrivateKeyJWT}, nil
}

// authenticateBasic authenticates client credentials on client-facing
// endpoints, and resource-owner credentials on the authorize endpoint.
func (gk *Gatekeeper) authenticateBasic(ctx context.Context, endpoint Endpoint, username, password string) (*Result, error) {
	if endpoint == EndpointAuthorize {
		user, err := gk.users.Authenticate(ctx, username, password)
		if err != nil {
			return &Result{Method: MethodBasic}, ErrInvalidCredentials
		}
		return &Result{User: user, Method: MethodBasic}, nil
	}

	client, err := gk.clients.GetClient(ctx, username)
	if err != nil {
		return &Result{Method: MethodBasic}, ErrUnknownClient
	}
	if err := gk.clients.ValidateClientSecret(ctx, username, password); err != nil {
		gk.logger.Debug("basic auth secret validation failed", "client_id", username)
		return &Result{Method: MethodBasic}, ErrInvalidCredentials
	}
	return &Result{Client: client, Method: MethodBasic}, nil
}

func (gk *Gatekeeper) authenticateDPoP(ctx context.Context, r *http.Request, proof, clientID string) (*Result, error) {
	if clientID == "" {
		return &Result{Method: MethodDPoP}, fmt.Errorf("%w: client_id required for DPoP-bound authentication", ErrInvalidClient)
	}
	client, err := gk.clients.GetClient(ctx, clientID)
	if err != nil {
		return &Result{Method: MethodDPoP}, ErrUnknownClient
	}
	validated, err := gk.dpop.ValidateProof(ctx, proof, r.Method, requestURL(r))
	if err != nil {
		// Proof failures keep their own error identity so the handler
		// can answer 400 invalid_dpop_proof instead of 401.
		return &Result{Method: MethodDPoP}, err
	}
	return &Result{Client: client, Method: MethodDPoP, DPoP: validated}, nil
}

func (gk *Gatekeeper) authenticatePost(ctx context.Context, clientID, clientSecret string) (*Result, error) {
	client, err := gk.clients.GetClient(ctx, clientID)
	if err != nil {
		return &Result{Method: MethodPost}, ErrUnknownClient
	}
	if client.Public {
		return &Result{Client: client, Method: MethodNone}, nil
	}
	if clientSecret == "" {
		return &Result{Method: MethodPost}, fmt.Errorf("%w: confidential client sent no credentials", ErrInvalidClient)
	}
	if err := gk.clients.ValidateClientSecret(ctx, clientID, clientSecret); err != nil {
		return &Result{Method: MethodPost}, ErrInvalidCredentials
	}
	return &Result{Client: client, Method: MethodPost}, nil
}

func (gk *Gatekeeper) authenticateSession(ctx context.Context, sessionID string) (*Result, error) {
	session, err := gk.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return &Result{Method: MethodSession}, ErrInvalidSession
	}
	user, err := gk.users.GetUser(ctx, session.UserID)
	if err != nil {
		return &Result{Method: MethodSession}, ErrInvalidSession
	}
	return &Result{User: user, Session: session, Method: MethodSession}, nil
}

// assertionAlgorithms are the signature algorithms accepted on client
// assertions. HMAC algorithms are excluded: private_key_jwt is asymmetric.
var assertionAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.EdDSA,
}

func isMTLSMethod(method string) bool {
	return method == "tls_client_auth" || method == "self_signed_tls_client_auth"
}

// audience unmarshals the aud claim, which may be a string or an array.
type audience []string

func (a *audience) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*a = audience{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*a = audience(many)
	return nil
}

func (a audience) contains(issuer string) bool {
	for _, aud := range a {
		if util.NormalizeURL(aud) == util.NormalizeURL(issuer) {
			return true
		}
	}
	return false
}

func requestURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.Path
}
