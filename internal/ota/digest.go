package ota

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"hash"
)

// newMAC returns a fresh HMAC-SHA256 keyed with the pre-shared secret.
func newMAC(key []byte) hash.Hash {
	return hmac.New(sha256.New, key)
}

// ComputeDigest returns the lowercase hex HMAC-SHA256 of image under key,
// the value the server publishes as "hmac".
func ComputeDigest(key, image []byte) string {
	mac := newMAC(key)
	mac.Write(image)
	return hex.EncodeToString(mac.Sum(nil))
}

// digestMatches compares the rendered hex digest with the declared one as
// strings, in time that depends only on their lengths.
func digestMatches(computedHex, expectedHex string) bool {
	return subtle.ConstantTimeCompare([]byte(computedHex), []byte(expectedHex)) == 1
}
