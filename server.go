// Package jansauth implements the grant and token lifecycle core of an
// OAuth 2.0 / OpenID Connect authorization server: opaque and JWT access
// tokens, the grant registry over a durable store plus TTL cache, the
// per-request authentication gatekeeper, and DPoP/mTLS token binding.
package jansauth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/janssen-go/jans-auth/authn"
	"github.com/janssen-go/jans-auth/crypto"
	"github.com/janssen-go/jans-auth/dpop"
	"github.com/janssen-go/jans-auth/grant"
	"github.com/janssen-go/jans-auth/hooks"
	"github.com/janssen-go/jans-auth/instrumentation"
	"github.com/janssen-go/jans-auth/security"
	"github.com/janssen-go/jans-auth/storage"
)

// pollMarkerPrefix paces CIBA and device polling; a live marker under this
// prefix means the client polled inside the minimum interval.
const pollMarkerPrefix = "grant_poll_"

// Stores bundles the storage backends the server needs. Grants and Cache may
// be served by one implementation (the in-memory store) or split (SQL store
// plus Redis cache).
type Stores struct {
	Grants  storage.GrantStore
	Cache   storage.Cache
	Clients storage.ClientStore
	Users   storage.UserStore
}

// Server coordinates the grant registry, the authentication gatekeeper and
// the DPoP validator behind the HTTP handler.
type Server struct {
	cfg    Config
	stores Stores

	registry   *grant.Registry
	gatekeeper *authn.Gatekeeper
	dpop       *dpop.Validator
	signer     crypto.Provider

	auditor     *security.Auditor
	rateLimiter *security.RateLimiter
	inst        *instrumentation.Instrumentation

	logger *slog.Logger
}

// NewServer creates an authorization server core. The signer provides JWT
// signing for ID tokens, JWT access tokens and assertion verification.
func NewServer(stores Stores, signer crypto.Provider, cfg Config) (*Server, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("config: Issuer is required")
	}
	if stores.Grants == nil || stores.Cache == nil || stores.Clients == nil || stores.Users == nil {
		return nil, fmt.Errorf("config: all four stores are required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	applySecureDefaults(&cfg, logger)

	registry := grant.NewRegistry(stores.Grants, stores.Cache, stores.Clients, stores.Users, signer, grant.Config{
		Issuer:                    cfg.Issuer,
		AccessTokenLifetime:       cfg.Tokens.AccessTokenLifetime,
		RefreshTokenLifetime:      cfg.Tokens.RefreshTokenLifetime,
		IDTokenLifetime:           cfg.Tokens.IDTokenLifetime,
		AuthorizationCodeLifetime: cfg.Tokens.AuthorizationCodeLifetime,
		CIBARequestLifetime:       cfg.Tokens.CIBARequestLifetime,
		DeviceCodeLifetime:        cfg.Tokens.DeviceCodeLifetime,
		SupportedScopes:           cfg.SupportedScopes,
		SigningAlgorithm:          cfg.SigningAlgorithm,
	}, logger)

	dpopValidator := dpop.NewValidator(stores.Cache, dpop.Config{
		Timeframe:    cfg.DPoP.Timeframe,
		JtiCacheTTL:  cfg.DPoP.JtiCacheTTL,
		RequireNonce: cfg.DPoP.RequireNonce,
		NonceTTL:     cfg.DPoP.NonceTTL,
	}, logger)

	gatekeeper := authn.NewGatekeeper(stores.Clients, stores.Users, registry, signer, dpopValidator, cfg.Issuer, logger)

	s := &Server{
		cfg:        cfg,
		stores:     stores,
		registry:   registry,
		gatekeeper: gatekeeper,
		dpop:       dpopValidator,
		signer:     signer,
		auditor:    security.NewAuditor(logger, cfg.Security.EnableAuditLogging),
		logger:     logger,
	}
	if cfg.RateLimit.Rate > 0 {
		s.rateLimiter = security.NewRateLimiter(cfg.RateLimit.Rate, cfg.RateLimit.Burst, logger)
	}
	return s, nil
}

// applySecureDefaults fills unset configuration with conservative values.
func applySecureDefaults(cfg *Config, logger *slog.Logger) {
	if cfg.Realm == "" {
		cfg.Realm = "jans-auth"
	}
	if cfg.SigningAlgorithm == "" {
		cfg.SigningAlgorithm = "ES256"
	}
	if cfg.VerificationURI == "" {
		cfg.VerificationURI = cfg.Issuer + "/device"
	}
	if cfg.Tokens.AccessTokenLifetime <= 0 {
		cfg.Tokens.AccessTokenLifetime = time.Hour
	}
	if cfg.Tokens.RefreshTokenLifetime <= 0 {
		cfg.Tokens.RefreshTokenLifetime = 30 * 24 * time.Hour
	}
	if cfg.Tokens.IDTokenLifetime <= 0 {
		cfg.Tokens.IDTokenLifetime = time.Hour
	}
	if cfg.Tokens.AuthorizationCodeLifetime <= 0 {
		cfg.Tokens.AuthorizationCodeLifetime = time.Minute
	}
	if cfg.Tokens.CIBARequestLifetime <= 0 {
		cfg.Tokens.CIBARequestLifetime = 2 * time.Minute
	}
	if cfg.Tokens.DeviceCodeLifetime <= 0 {
		cfg.Tokens.DeviceCodeLifetime = 10 * time.Minute
	}
	if cfg.Tokens.PollInterval <= 0 {
		cfg.Tokens.PollInterval = 5 * time.Second
	}
	if cfg.Security.AllowImplicitFlow {
		logger.Warn("SECURITY: implicit flow enabled; OAuth 2.1 removes it, use the code flow with PKCE instead")
	}
	if cfg.Security.AllowROPCFlow {
		logger.Warn("SECURITY: resource-owner password flow enabled; OAuth 2.1 removes it")
	}
}

// Registry exposes the grant registry for callers embedding the core.
func (s *Server) Registry() *grant.Registry { return s.registry }

// Gatekeeper exposes the authentication gatekeeper.
func (s *Server) Gatekeeper() *authn.Gatekeeper { return s.gatekeeper }

// DPoP exposes the proof validator.
func (s *Server) DPoP() *dpop.Validator { return s.dpop }

// SetInstrumentation attaches OpenTelemetry instrumentation to the server and
// all its components.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.inst = inst
	s.registry.SetInstrumentation(inst)
	s.gatekeeper.SetInstrumentation(inst)
	s.dpop.SetInstrumentation(inst)
}

// SetAuditor replaces the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.auditor = aud
}

// SetRateLimiter replaces the per-IP rate limiter
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.rateLimiter = rl
}

// SetHooks installs the external update-token and modify-token script hooks.
func (s *Server) SetHooks(update hooks.UpdateTokenHook, modify hooks.ModifyTokenHook) {
	s.registry.SetHooks(update, modify)
}

// SetSessionStore enables session-cookie re-authentication on the authorize
// endpoint.
func (s *Server) SetSessionStore(sessions authn.SessionStore) {
	s.gatekeeper.SetSessionStore(sessions)
}

// Stop releases background resources (rate limiter cleanup loop).
func (s *Server) Stop() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
}

// ApproveCIBAGrant records out-of-band user approval of a pending CIBA
// request. The next poll for the auth_req_id redeems tokens.
func (s *Server) ApproveCIBAGrant(ctx context.Context, authReqID string) error {
	g, err := s.registry.GetCIBAGrant(ctx, authReqID)
	if err != nil {
		return err
	}
	g.AuthenticationTime = time.Now()
	return g.Save(ctx)
}

// DenyCIBAGrant terminates a pending CIBA request; subsequent polls get
// access_denied.
func (s *Server) DenyCIBAGrant(ctx context.Context, authReqID string) error {
	g, err := s.registry.GetCIBAGrant(ctx, authReqID)
	if err != nil {
		return err
	}
	return g.RevokeAllTokens(ctx)
}

// ApproveDeviceGrant attaches the approving user to a pending device grant,
// looked up by the user_code they typed on the verification page.
func (s *Server) ApproveDeviceGrant(ctx context.Context, userCode, userID string) error {
	g, err := s.registry.GetDeviceCodeGrantByUserCode(ctx, userCode)
	if err != nil {
		return err
	}
	if _, err := s.stores.Users.GetUser(ctx, userID); err != nil {
		return err
	}
	g.UserID = userID
	g.AuthenticationTime = time.Now()
	return g.Save(ctx)
}

// allowPoll enforces the minimum polling interval for a CIBA or device
// grant. The marker insert is atomic, so concurrent polls cannot both pass.
func (s *Server) allowPoll(ctx context.Context, grantID string) error {
	err := s.stores.Cache.PutIfAbsent(ctx, pollMarkerPrefix+grantID, []byte("1"), s.cfg.Tokens.PollInterval)
	if errors.Is(err, storage.ErrKeyExists) {
		return ErrSlowDown("polling faster than the agreed interval")
	}
	if err != nil {
		return fmt.Errorf("failed to record poll: %w", err)
	}
	return nil
}

// verifyPKCE checks a code_verifier against the challenge recorded at
// authorization time (RFC 7636). A grant without a recorded challenge
// accepts any (including absent) verifier: PKCE is required per-client at
// the authorize endpoint, not re-litigated here.
func verifyPKCE(challenge, method, verifier string) error {
	if challenge == "" {
		return nil
	}
	if verifier == "" {
		return ErrInvalidGrant("code_verifier required")
	}
	switch method {
	case "S256", "":
		sum := sha256.Sum256([]byte(verifier))
		computed := base64.RawURLEncoding.EncodeToString(sum[:])
		if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
			return ErrInvalidGrant("PKCE verification failed")
		}
	case "plain":
		if subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) != 1 {
			return ErrInvalidGrant("PKCE verification failed")
		}
	default:
		return ErrInvalidGrant("unsupported code_challenge_method")
	}
	return nil
}
