package model

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/orivault/corevault/internal/hash"
)

// MaxChunkLength is the largest length a single chunk may have: the
// manifest's Length field is a 16-bit count, and internal/chunker's
// RecommendedFixedSize is kept under this bound for exactly this reason.
const MaxChunkLength = 1<<16 - 1

// ChunkRef is one entry of a LargeBlob manifest: the hash of a stored Blob
// chunk and that chunk's uncompressed length.
type ChunkRef struct {
	Hash   hash.ObjectHash `msgpack:"hash"`
	Length uint16          `msgpack:"length"`
}

// LargeBlob is the manifest for a file too big to store as a single Blob:
// an ordered list of chunk references whose concatenation reconstructs the
// original file, plus the hash of that reconstructed file.
type LargeBlob struct {
	TotalFileHash hash.ObjectHash `msgpack:"total_file_hash"`
	Entries       []ChunkRef      `msgpack:"entries"`
}

// TotalLength returns the sum of every chunk's length, i.e. the
// reconstructed file's size.
func (lb LargeBlob) TotalLength() uint64 {
	var total uint64
	for _, e := range lb.Entries {
		total += uint64(e.Length)
	}
	return total
}

// VerifyReconstruction hashes the concatenation of chunkPayloads (which must
// be supplied in manifest order) and reports whether it matches
// TotalFileHash, per the invariant that a LargeBlob's reconstruction must
// hash to its recorded total-file-hash.
func (lb LargeBlob) VerifyReconstruction(chunkPayloads [][]byte) error {
	if len(chunkPayloads) != len(lb.Entries) {
		return fmt.Errorf("model: largeblob has %d entries but %d payloads supplied", len(lb.Entries), len(chunkPayloads))
	}
	w := hash.NewWriter()
	for i, payload := range chunkPayloads {
		if uint16(len(payload)) != lb.Entries[i].Length {
			return fmt.Errorf("model: largeblob entry %d length mismatch: payload %d, recorded %d", i, len(payload), lb.Entries[i].Length)
		}
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("model: hashing largeblob reconstruction: %w", err)
		}
	}
	if got := w.Sum(); got != lb.TotalFileHash {
		return fmt.Errorf("model: largeblob reconstruction hash %s does not match recorded total-file-hash %s", got, lb.TotalFileHash)
	}
	return nil
}

// Marshal serializes lb to its wire form.
func (lb LargeBlob) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(lb); err != nil {
		return nil, fmt.Errorf("model: marshal largeblob: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalLargeBlob parses a LargeBlob from its serialized form.
func UnmarshalLargeBlob(data []byte) (LargeBlob, error) {
	var lb LargeBlob
	if err := msgpack.Unmarshal(data, &lb); err != nil {
		return LargeBlob{}, fmt.Errorf("model: unmarshal largeblob: %w", err)
	}
	return lb, nil
}
