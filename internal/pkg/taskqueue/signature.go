package taskqueue

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// VerifyCallbackSignature checks the queue's delivery signature: HMAC-SHA256
// over the raw payload, hex encoded in the X-Queue-Signature header.
// Comparison is constant time; callers must reject before parsing the body.
func VerifyCallbackSignature(payload []byte, signatureHeader, signingKey string) bool {
	sig := strings.TrimSpace(signatureHeader)
	secret := strings.TrimSpace(signingKey)
	if sig == "" || secret == "" {
		return false
	}

	decodedSig, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), decodedSig)
}

// SignCallbackPayload produces the signature a queue delivery carries. Used
// by tests and the local development queue shim.
func SignCallbackPayload(payload []byte, signingKey string) string {
	mac := hmac.New(sha256.New, []byte(signingKey))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
