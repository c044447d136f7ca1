package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// VerifySignature authenticates a raw callback body against its signature
// header using HMAC-SHA256 over the unparsed bytes. An empty secret skips
// verification entirely (deployments without signing opt out explicitly).
// The comparison is constant time and any malformed input fails closed.
func VerifySignature(body []byte, signature, secret string) bool {
	if secret == "" {
		return true
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	supplied := strings.ToLower(strings.TrimSpace(signature))
	if len(supplied) != len(expected) {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(supplied))
}
