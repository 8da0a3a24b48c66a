package authn

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"log/slog"

	"github.com/janssen-go/jans-auth/storage"
)

// MTLSValidator matches presented client certificates against client
// registrations (RFC 8705). Validation is a boolean decision: a non-matching
// certificate means "this method does not apply", never an error, so the
// gatekeeper can fall through to the next authentication method.
type MTLSValidator struct {
	logger *slog.Logger
}

// NewMTLSValidator creates a certificate matcher.
func NewMTLSValidator(logger *slog.Logger) *MTLSValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &MTLSValidator{logger: logger.With("component", "mtls")}
}

// ValidateCertificate reports whether the certificate authenticates the
// client. For tls_client_auth the certificate subject CN must equal the
// registered SubjectDN, or the client_id when no SubjectDN is registered.
// For self_signed_tls_client_auth the certificate hash must equal the
// registered one.
func (v *MTLSValidator) ValidateCertificate(client *storage.Client, cert *x509.Certificate) bool {
	if client == nil || cert == nil {
		return false
	}

	switch client.TokenEndpointAuthMethod {
	case "tls_client_auth":
		expected := client.SubjectDN
		if expected == "" {
			expected = client.ClientID
		}
		if cert.Subject.CommonName != expected {
			v.logger.Debug("certificate CN does not match client registration",
				"client_id", client.ClientID, "cn", cert.Subject.CommonName)
			return false
		}
		return true

	case "self_signed_tls_client_auth":
		if client.CertificateHash == "" {
			return false
		}
		if CertificateThumbprint(cert) != client.CertificateHash {
			v.logger.Debug("certificate hash does not match client registration",
				"client_id", client.ClientID)
			return false
		}
		return true

	default:
		return false
	}
}

// CertificateThumbprint computes the base64url SHA-256 hash of the DER
// certificate, the x5t#S256 confirmation value bound onto minted tokens.
func CertificateThumbprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
