package testutil

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

// SHA256Hex returns the SHA-256 checksum of data as a lowercase hex string,
// the format glr.HashFile produces.
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// FileSHA256 returns the SHA-256 of the file at path.
func FileSHA256(t *testing.T, path string) string {
	t.Helper()
	return SHA256Hex(ReadFile(t, path))
}
