// Package sha256 digests archived book text and backup snapshots.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Prefix tags every digest with its algorithm so stored checksums stay
// self-describing.
const Prefix = "sha256:"

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns "sha256:" followed by the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return Prefix + hex.EncodeToString(sum[:]), nil
}
