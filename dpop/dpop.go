// Package dpop validates DPoP proof JWTs (RFC 9449): self-signed proofs of
// possession that bind an access token to a client-held private key. The
// validator enforces header shape, claim presence, freshness, single-use jti
// semantics via an atomic cache insert, optional server-issued nonces, and
// signature verification against the embedded public key.
package dpop

import (
	"context"
	"crypto"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"

	"github.com/janssen-go/jans-auth/instrumentation"
	"github.com/janssen-go/jans-auth/storage"
)

// TypeDPoP is the required typ header value for DPoP proofs.
const TypeDPoP = "dpop+jwt"

// Cache key prefixes. The jti and nonce records share one TTL cache with the
// grant snapshots; the prefixes keep the keyspaces disjoint.
const (
	jtiKeyPrefix   = "dpop_jti_"
	nonceKeyPrefix = "dpop_nonce_"
)

// allowedAlgorithms are the signature algorithms accepted on proofs.
// Symmetric algorithms are excluded: a proof signed with a shared secret
// proves nothing about key possession.
var allowedAlgorithms = []jose.SignatureAlgorithm{
	jose.ES256, jose.ES384, jose.ES512,
	jose.RS256, jose.PS256,
	jose.EdDSA,
}

// Validation errors. ErrMalformedProof and its refinements map to the
// invalid_dpop_proof OAuth error (HTTP 400), never to invalid_client (401).
var (
	// ErrMalformedProof indicates the proof failed structural validation:
	// wrong typ, missing embedded key, or missing required claims.
	ErrMalformedProof = errors.New("invalid DPoP proof")

	// ErrProofExpired indicates the proof's iat is outside the accepted
	// timeframe.
	ErrProofExpired = errors.New("DPoP token has expired")

	// ErrReplayedProof indicates the proof's jti has been used before.
	ErrReplayedProof = errors.New("jti has been used before")

	// ErrBadSignature indicates the proof's signature does not verify
	// against the embedded public key.
	ErrBadSignature = errors.New("DPoP proof signature verification failed")

	// ErrThumbprintRequired indicates a DPoP binding was recorded at token
	// issuance but the current request carries no proof.
	ErrThumbprintRequired = errors.New("DPoP proof required but absent")

	// ErrThumbprintMismatch indicates the presented proof's key thumbprint
	// does not match the one recorded at token issuance.
	ErrThumbprintMismatch = errors.New("DPoP key thumbprint mismatch")
)

// NonceRequiredError is returned when server nonce enforcement is enabled and
// the proof carries no valid nonce. It carries a freshly issued nonce the
// caller must surface in the DPoP-Nonce response header (use_dpop_nonce).
type NonceRequiredError struct {
	// Nonce is the fresh server-issued nonce for the client's retry.
	Nonce string
}

func (e *NonceRequiredError) Error() string {
	return "authorization server requires nonce in DPoP proof"
}

// Proof is the validated result handed back to the authentication layer.
type Proof struct {
	// JKT is the base64url SHA-256 thumbprint of the proof's public key,
	// recorded on minted tokens as the cnf.jkt confirmation.
	JKT string

	// JTI is the proof's single-use identifier.
	JTI string

	// HTM and HTU are the bound HTTP method and URI.
	HTM string
	HTU string

	// IssuedAt is the proof's iat claim.
	IssuedAt time.Time

	// AccessTokenHash is the ath claim when present (resource requests).
	AccessTokenHash string
}

// proofClaims is the proof JWT payload.
type proofClaims struct {
	JTI   string `json:"jti"`
	HTM   string `json:"htm"`
	HTU   string `json:"htu"`
	IAT   int64  `json:"iat"`
	ATH   string `json:"ath,omitempty"`
	Nonce string `json:"nonce,omitempty"`
}

// jtiRecord is the replay-prevention payload stored under the jti cache key.
type jtiRecord struct {
	JTI string `json:"jti"`
	IAT int64  `json:"iat"`
	HTU string `json:"htu"`
}

// Config controls proof validation.
type Config struct {
	// Timeframe bounds how old a proof's iat may be. Defaults to 5 minutes.
	Timeframe time.Duration

	// JtiCacheTTL is how long a consumed jti stays in the replay cache.
	// Must cover at least Timeframe. Defaults to 10 minutes.
	JtiCacheTTL time.Duration

	// RequireNonce enables server-issued nonce enforcement.
	RequireNonce bool

	// NonceTTL is the validity window for issued nonces.
	// Defaults to 10 minutes.
	NonceTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.Timeframe <= 0 {
		c.Timeframe = 5 * time.Minute
	}
	if c.JtiCacheTTL <= 0 {
		c.JtiCacheTTL = 10 * time.Minute
	}
	if c.JtiCacheTTL < c.Timeframe {
		c.JtiCacheTTL = c.Timeframe
	}
	if c.NonceTTL <= 0 {
		c.NonceTTL = 10 * time.Minute
	}
}

// Validator validates DPoP proofs against a shared replay cache.
type Validator struct {
	cache   storage.Cache
	cfg     Config
	logger  *slog.Logger
	metrics *instrumentation.Metrics

	// now is swappable for tests.
	now func() time.Time
}

// NewValidator creates a proof validator backed by the given TTL cache.
func NewValidator(cache storage.Cache, cfg Config, logger *slog.Logger) *Validator {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		cache:  cache,
		cfg:    cfg,
		logger: logger.With("component", "dpop"),
		now:    time.Now,
	}
}

// SetInstrumentation attaches metrics recording. Nil-safe.
func (v *Validator) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		v.metrics = inst.Metrics()
	}
}

// ValidateProof validates a compact-serialized DPoP proof bound to the given
// HTTP method and URL. On success the proof's jti is consumed: a second call
// with the same jti fails with ErrReplayedProof, including under concurrency.
func (v *Validator) ValidateProof(ctx context.Context, proof, httpMethod, httpURL string) (*Proof, error) {
	result, err := v.validate(ctx, proof, httpMethod, httpURL)
	if v.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "failure"
			if errors.Is(err, ErrReplayedProof) {
				v.metrics.RecordReplayRejected(ctx, "dpop_jti")
			}
		}
		v.metrics.RecordDPoPValidation(ctx, outcome)
	}
	return result, err
}

func (v *Validator) validate(ctx context.Context, proof, httpMethod, httpURL string) (*Proof, error) {
	jws, err := jose.ParseSigned(proof, allowedAlgorithms)
	if err != nil {
		v.logger.Debug("failed to parse DPoP proof", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}
	if len(jws.Signatures) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one signature", ErrMalformedProof)
	}
	header := jws.Signatures[0].Protected

	if typ, _ := header.ExtraHeaders[jose.HeaderType].(string); typ != TypeDPoP {
		v.logger.Debug("DPoP proof has wrong typ header", "typ", typ)
		return nil, fmt.Errorf("%w: typ header must be %q", ErrMalformedProof, TypeDPoP)
	}
	key := header.JSONWebKey
	if key == nil {
		return nil, fmt.Errorf("%w: missing embedded jwk header", ErrMalformedProof)
	}
	if !key.IsPublic() {
		// A proof carrying private key material is a client bug; never
		// accept or log the key itself.
		return nil, fmt.Errorf("%w: embedded jwk must be a public key", ErrMalformedProof)
	}

	payload, err := jws.Verify(key)
	if err != nil {
		v.logger.Debug("DPoP proof signature verification failed", "error", err)
		return nil, ErrBadSignature
	}

	var claims proofClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}
	if claims.HTM == "" || claims.HTU == "" || claims.JTI == "" || claims.IAT == 0 {
		return nil, fmt.Errorf("%w: htm, htu, iat and jti are all required", ErrMalformedProof)
	}
	if claims.HTM != httpMethod {
		return nil, fmt.Errorf("%w: htm does not match request method", ErrMalformedProof)
	}
	if normalizeHTU(claims.HTU) != normalizeHTU(httpURL) {
		return nil, fmt.Errorf("%w: htu does not match request URI", ErrMalformedProof)
	}

	now := v.now()
	issuedAt := time.Unix(claims.IAT, 0)
	if now.Sub(issuedAt) > v.cfg.Timeframe {
		v.logger.Debug("DPoP proof outside freshness window",
			"iat", issuedAt, "timeframe", v.cfg.Timeframe)
		return nil, ErrProofExpired
	}
	// Tolerate small clock skew on proofs from the near future; anything
	// further ahead than the timeframe is rejected outright.
	if issuedAt.Sub(now) > v.cfg.Timeframe {
		return nil, ErrProofExpired
	}

	if v.cfg.RequireNonce {
		if err := v.checkNonce(ctx, claims.Nonce); err != nil {
			return nil, err
		}
	}

	if err := v.consumeJti(ctx, claims); err != nil {
		return nil, err
	}

	thumbprint, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}

	return &Proof{
		JKT:             base64.RawURLEncoding.EncodeToString(thumbprint),
		JTI:             claims.JTI,
		HTM:             claims.HTM,
		HTU:             claims.HTU,
		IssuedAt:        issuedAt,
		AccessTokenHash: claims.ATH,
	}, nil
}

// consumeJti atomically claims the proof's jti. The insert-if-absent is the
// replay gate: two concurrent requests bearing the same jti race on a single
// cache operation and exactly one wins.
func (v *Validator) consumeJti(ctx context.Context, claims proofClaims) error {
	record, err := json.Marshal(jtiRecord{JTI: claims.JTI, IAT: claims.IAT, HTU: claims.HTU})
	if err != nil {
		return fmt.Errorf("failed to encode jti record: %w", err)
	}
	err = v.cache.PutIfAbsent(ctx, jtiKeyPrefix+claims.JTI, record, v.cfg.JtiCacheTTL)
	if errors.Is(err, storage.ErrKeyExists) {
		v.logger.Warn("DPoP proof replay rejected", "jti", claims.JTI)
		return ErrReplayedProof
	}
	if err != nil {
		return fmt.Errorf("failed to record jti: %w", err)
	}
	return nil
}

// checkNonce verifies a presented nonce was issued by this server and is
// still live. Absent or unknown nonces produce a NonceRequiredError with a
// fresh nonce for the retry.
func (v *Validator) checkNonce(ctx context.Context, nonce string) error {
	if nonce != "" {
		_, err := v.cache.Get(ctx, nonceKeyPrefix+nonce)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("failed to look up nonce: %w", err)
		}
	}
	fresh, err := v.NewNonce(ctx)
	if err != nil {
		return err
	}
	return &NonceRequiredError{Nonce: fresh}
}

// NewNonce issues a fresh server nonce and registers it in the cache.
func (v *Validator) NewNonce(ctx context.Context) (string, error) {
	nonce := uuid.NewString()
	if err := v.cache.Put(ctx, nonceKeyPrefix+nonce, []byte("1"), v.cfg.NonceTTL); err != nil {
		return "", fmt.Errorf("failed to store nonce: %w", err)
	}
	return nonce, nil
}

// MatchThumbprint compares the thumbprint recorded at token issuance against
// the one presented now. An empty presented thumbprint on a bound token is
// ErrThumbprintRequired; a non-empty mismatch is ErrThumbprintMismatch. The
// two are distinct so callers can tell "send a proof" from "wrong key".
func MatchThumbprint(recorded, presented string) error {
	if recorded == "" {
		return nil
	}
	if presented == "" {
		return ErrThumbprintRequired
	}
	if recorded != presented {
		return ErrThumbprintMismatch
	}
	return nil
}

// normalizeHTU normalizes the htu claim per RFC 9449: the comparison ignores
// query and fragment, which clients are told not to include.
func normalizeHTU(u string) string {
	for i := 0; i < len(u); i++ {
		if u[i] == '?' || u[i] == '#' {
			return u[:i]
		}
	}
	return u
}
