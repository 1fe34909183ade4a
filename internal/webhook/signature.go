// Package webhook authenticates and accepts events pushed by payment
// providers, then hands them to settlement without holding the sender.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against the HMAC of the raw body. An empty
// secret or an empty header disables the check. A "sha256=" prefix on the
// header is accepted.
func VerifySignature(body []byte, secret, header string) bool {
	header = strings.TrimSpace(header)
	if secret == "" || header == "" {
		return true
	}
	header = strings.TrimPrefix(header, "sha256=")
	got, err := hex.DecodeString(header)
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(Sign(body, secret))
	return hmac.Equal(got, want)
}
