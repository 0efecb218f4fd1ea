package engine

import (
	"encoding/hex"
	"hash"

	"github.com/zeebo/blake3"
)

// digest hashes read data in session block order. Callers serialize Write
// through the order gate.
type digest struct {
	h hash.Hash
}

func newDigest() *digest {
	return &digest{h: blake3.New()}
}

func (d *digest) Write(p []byte) {
	if d == nil {
		return
	}
	d.h.Write(p)
}

// Sum returns the hex-encoded BLAKE3 digest, or "" for a nil digest.
func (d *digest) Sum() string {
	if d == nil {
		return ""
	}
	return hex.EncodeToString(d.h.Sum(nil))
}
