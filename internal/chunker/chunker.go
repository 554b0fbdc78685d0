// Package chunker splits byte streams into chunks, either fixed-size or
// content-defined via a rolling hash with (min, target, max) bounds. Large
// files are split this way before each chunk is stored as a Blob and their
// hashes recorded in a LargeBlob manifest.
package chunker

import (
	"io"

	"github.com/cespare/xxhash/v2"
)

// Chunk is one emitted piece of the input stream.
type Chunk struct {
	Offset int64
	Data   []byte
}

// Sink receives each emitted chunk in stream order.
type Sink func(Chunk) error

// Chunker splits r into chunks, invoking sink once per chunk in order.
type Chunker interface {
	Chunk(r io.Reader, sink Sink) error
}

// DefaultWindowSize and DefaultBase are the rolling hash parameters: a
// 32-byte window and base-31 polynomial, matching the reference chunker.
const (
	DefaultWindowSize = 32
	DefaultBase       = 31
)

// Recommended (target, min, max) bounds in bytes, per spec: 4/2/8 KiB.
const (
	RecommendedTarget = 4096
	RecommendedMin    = 2048
	RecommendedMax    = 8192
)

// RecommendedFixedSize is the fixed chunk size used for the fixed chunker
// alternative. Kept under 65536 so every chunk length still fits the
// LargeBlob manifest's 16-bit chunk-length field (internal/model).
const RecommendedFixedSize = 32 * 1024

// FingerprintBoundaries combines each chunk's offset and length into a
// single xxhash64 fingerprint, cheap enough to compare full boundary
// sequences across runs without hashing every chunk's content (used by the
// determinism property tests and by callers that want to log "did this
// file rechunk identically" without a byte-for-byte diff).
func FingerprintBoundaries(chunks []Chunk) uint64 {
	d := xxhash.New()
	var buf [16]byte
	for _, c := range chunks {
		putUint64(buf[0:8], uint64(c.Offset))
		putUint64(buf[8:16], uint64(len(c.Data)))
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
