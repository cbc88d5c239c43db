package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// Headers carried on every webhook delivery.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTopic     = "X-Webhook-Topic"
	HeaderEventID   = "X-Webhook-Event-Id"
)

// ComputeSignature returns the base64 HMAC-SHA256 of body under secret.
func ComputeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the signature header against the raw request body.
// Verification happens before any JSON decoding so a forged payload is
// rejected without being parsed. The comparison is constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	expected := ComputeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
