package store

import (
	"crypto/sha256"
	"encoding/hex"
)

// ContentHash computes the hash of a raw card memory dump. It covers every
// byte the device sent, padding included, so a restore can be verified
// against it.
func ContentHash(data []byte) string {
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// ShortHash returns a shortened version of the hash for display purposes.
func ShortHash(fullHash string) string {
	// Remove "sha256:" prefix and take first 12 chars
	if len(fullHash) > 19 {
		return fullHash[7:19]
	}
	return fullHash
}
