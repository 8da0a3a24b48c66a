// Package util provides common utility functions used across the jans-auth
// library. These utilities handle string manipulation and shared helpers
// that don't fit into domain-specific packages.
package util

import (
	"crypto/rand"
	"math/big"
	"strings"
)

// SafeTruncate safely truncates a string to maxLen characters without
// panicking. Returns the original string if it's shorter than maxLen,
// otherwise returns the first maxLen characters. This prevents index out of
// bounds errors when logging sensitive data like token hashes, where only a
// prefix should be shown.
//
// If maxLen is negative, it's treated as 0 and returns an empty string.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL normalizes a URL for comparison by removing trailing slashes.
// Used for issuer and audience comparison, where URLs with and without
// trailing slashes should be considered equivalent.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}

// userCodeCharset is the RFC 8628 §6.1 recommended alphabet: uppercase
// letters with easily-confused characters removed.
const userCodeCharset = "BCDFGHJKLMNPQRSTVWXZ"

// GenerateUserCode produces a device-flow user code of the form "WDJB-MJHT"
// using the RFC 8628 charset. The code is displayed to and typed by a human,
// so it favors readability over entropy; the paired device_code carries the
// real secret.
func GenerateUserCode() string {
	var b strings.Builder
	for i := 0; i < 8; i++ {
		if i == 4 {
			b.WriteByte('-')
		}
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(userCodeCharset))))
		if err != nil {
			// crypto/rand failing means the process has no entropy
			// source at all; there is no reasonable fallback.
			panic(err)
		}
		b.WriteByte(userCodeCharset[n.Int64()])
	}
	return b.String()
}
