// Package domain – idempotency and integrity derivation.
//
// IdempotencyKey gives the backend a stable handle to detect and collapse
// duplicate deliveries of the same logical write across retries. Checksum
// binds a queued request to its pre-encryption payload so corruption or a
// bad decrypt is caught before delivery.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// IdempotencyKey derives a deterministic key from the request classification
// and its pre-encryption payload. The payload is canonicalized by decoding
// and re-encoding, so two JSON documents that differ only in key order or
// whitespace produce the same key.
func IdempotencyKey(entity EntityType, action Action, payload json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(entity))
	h.Write([]byte{'|'})
	h.Write([]byte(action))
	h.Write([]byte{'|'})
	h.Write(canonicalJSON(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// Checksum returns the hex SHA-256 of the canonicalized pre-encryption
// payload.
func Checksum(payload json.RawMessage) string {
	sum := sha256.Sum256(canonicalJSON(payload))
	return hex.EncodeToString(sum[:])
}

// VerifyChecksum reports whether payload still hashes to want.
func VerifyChecksum(payload json.RawMessage, want string) bool {
	return want != "" && Checksum(payload) == want
}

// canonicalJSON decodes and re-encodes the payload. encoding/json sorts
// map keys on marshal, which makes the output order-independent. Payloads
// that fail to decode hash as raw bytes.
func canonicalJSON(payload json.RawMessage) []byte {
	if len(payload) == 0 {
		return []byte("null")
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return payload
	}
	out, err := json.Marshal(v)
	if err != nil {
		return payload
	}
	return out
}
