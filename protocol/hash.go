package protocol

import (
	"crypto/sha256"
	"encoding/hex"
)

// Checksum returns the hex-encoded SHA-256 digest of data. The digest is
// always computed over the original plaintext bytes, never the ciphertext,
// and is independent of any file metadata.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
