package common

import (
	"crypto/sha256"
	"encoding/hex"
)

// Sha256Hex is the lowercase hex SHA-256 of a string or raw body.
func Sha256Hex[T ~string | ~[]byte](input T) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
