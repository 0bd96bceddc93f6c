// Package crypto holds the hashing helpers the relay uses to refer to
// client public keys without printing them.
package crypto

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// FingerprintSize is the number of hash bytes kept in a fingerprint
const FingerprintSize = 8

// Hash generates a BLAKE2b-256 hash
func Hash(data []byte) []byte {
	sum := blake2b.Sum256(data)
	return sum[:]
}

// HashString generates a BLAKE2b-256 hash and returns hex string
func HashString(data []byte) string {
	return hex.EncodeToString(Hash(data))
}

// Fingerprint returns a short hex identifier for a public key, suitable
// for logs and status output.
func Fingerprint(publicKey []byte) string {
	return hex.EncodeToString(Hash(publicKey)[:FingerprintSize])
}
