package wecom

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"sort"
	"strings"
)

// Signature computes the callback signature: SHA-1 over the lexicographically
// sorted concatenation of token, timestamp, nonce and payload.
func Signature(token, timestamp, nonce, payload string) string {
	parts := []string{token, timestamp, nonce, payload}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}

// VerifySignature reports whether signature matches the computed one.
func VerifySignature(token, timestamp, nonce, payload, signature string) bool {
	expected := Signature(token, timestamp, nonce, payload)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}
