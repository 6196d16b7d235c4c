// Package sha256 names snapshot archives by content digest.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements harvest.Hasher using SHA-256.
type Hasher struct {
	// Prefix truncates the digest to this many hex characters when > 0.
	Prefix int
}

// New returns a SHA-256 hasher producing full digests.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if h != nil && h.Prefix > 0 && h.Prefix < len(digest) {
		digest = digest[:h.Prefix]
	}
	return digest, nil
}
