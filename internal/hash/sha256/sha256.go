// Package sha256 derives the content-addressed names used for stored media.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements fleet.Hasher. With a prefix set, digests are cut to
// that many hex characters so object names stay short.
type Hasher struct {
	prefix int
}

// New returns a hasher producing full 64-character digests.
func New() *Hasher {
	return &Hasher{}
}

// NewPrefix returns a hasher producing the first n hex characters of each
// digest. n outside 1..64 means the full digest.
func NewPrefix(n int) *Hasher {
	if n <= 0 || n >= sha256.Size*2 {
		n = 0
	}
	return &Hasher{prefix: n}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if h.prefix > 0 {
		digest = digest[:h.prefix]
	}
	return digest, nil
}
