package webhook

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

// SignatureHeader carries the hex HMAC of the raw request body.
const SignatureHeader = "x-body-signature"

// Sign computes the hex HMAC-SHA-256 both sides of the webhook agree on.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a presented signature without leaking timing. Both
// sides are HMAC'd once more under a fresh random key so even length
// differences compare in constant time.
func VerifySignature(secret, body []byte, presented string) bool {
	expected := Sign(secret, body)

	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return hmac.Equal([]byte(expected), []byte(presented))
	}

	h1 := hmac.New(sha256.New, salt)
	h1.Write([]byte(expected))

	h2 := hmac.New(sha256.New, salt)
	h2.Write([]byte(presented))

	return hmac.Equal(h1.Sum(nil), h2.Sum(nil))
}
