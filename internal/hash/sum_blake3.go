//go:build hash_blake3
// +build hash_blake3

package hash

import "github.com/zeebo/blake3"

// No Skein-256 implementation exists anywhere in the retrieved dependency
// pack; BLAKE3 is the nearest real, fast, tree-hash-friendly substitute and
// is selected here instead (see DESIGN.md).

func sum(payload []byte) ObjectHash {
	digest := blake3.Sum256(payload)
	return ObjectHash(digest)
}

type blake3Writer struct {
	h *blake3.Hasher
}

func newWriter() Writer {
	return &blake3Writer{h: blake3.New()}
}

func (w *blake3Writer) Write(p []byte) (int, error) {
	return w.h.Write(p)
}

func (w *blake3Writer) Sum() ObjectHash {
	var out ObjectHash
	digest := w.h.Sum(nil)
	copy(out[:], digest)
	return out
}
