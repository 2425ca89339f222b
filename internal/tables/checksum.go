package tables

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// Checksums are written as "sha256:<hex>" over the exact bytes of a file.
const checksumPrefix = "sha256:"

// ComputeChecksum computes the checksum of an output file's contents.
func ComputeChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return checksumPrefix + hex.EncodeToString(hash[:])
}

// VerifyReader reports whether the content of r matches expected.
func VerifyReader(r io.Reader, expected string) (bool, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return false, fmt.Errorf("read for checksum: %w", err)
	}
	return checksumPrefix+hex.EncodeToString(h.Sum(nil)) == expected, nil
}
