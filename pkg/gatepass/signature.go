package gatepass

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignaturePrefix is the optional version prefix of a signature header value
const SignaturePrefix = "v1="

// VerifySignature reports whether signatureHeader carries the hex HMAC-SHA256
// of rawBody keyed by sharedSecret. It must run on the exact bytes received,
// before any parsing. A missing header or secret never verifies.
func VerifySignature(rawBody []byte, signatureHeader, sharedSecret string) bool {
	if sharedSecret == "" {
		return false
	}

	sig := strings.TrimSpace(signatureHeader)
	sig = strings.TrimPrefix(sig, SignaturePrefix)
	if sig == "" {
		return false
	}

	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(sharedSecret))
	mac.Write(rawBody)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the hex HMAC-SHA256 of body keyed by secret, without prefix
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
