package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

// validHMACHex reports whether sig is the hex-encoded HMAC-SHA256 of msg
// under secret. Comparison is constant-time.
func validHMACHex(secret string, sig string, msg []byte) bool {
	if secret == "" || sig == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(msg)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig))
}

// validHMACBase64 is validHMACHex with base64 encoding, used by providers
// that sign timestamp-prefixed payloads.
func validHMACBase64(secret string, sig string, msg []byte) bool {
	if secret == "" || sig == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(msg)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig))
}
