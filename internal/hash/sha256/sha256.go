// Package sha256 provides the content hasher used for change detection.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements iiif.Hasher using SHA-256 over raw response bytes.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash digests the raw bytes and returns a hex string. Byte-identical
// input always yields an identical digest regardless of fetch order.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
