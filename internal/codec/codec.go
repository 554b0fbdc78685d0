// Package codec implements the object payload header and compressibility
// probe: a fixed 24-byte header prefixed to every stored payload, and
// optional whole-payload compression selected per-object by probing the
// first kilobyte.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/s2"

	"github.com/orivault/corevault/internal/objtype"
)

// HeaderSize is the fixed size of the in-payload object codec header:
// type(4) + flags(4) + uncompressed_size(4) + compressed_size(4) +
// checksum(8).
const HeaderSize = 24

// Header is prefixed to every object's (possibly compressed) payload
// inside a packfile entry. Checksum is an xxhash64 fingerprint of the
// uncompressed payload, a cheap corruption check distinct from the full
// ObjectHash already verified against the index (see DESIGN.md).
type Header struct {
	Type             objtype.Type
	Flags            uint32
	UncompressedSize uint32
	CompressedSize   uint32
	Checksum         uint64
}

// Marshal serializes h to its fixed HeaderSize-byte wire form.
func (h Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Type))
	binary.LittleEndian.PutUint32(buf[4:8], h.Flags)
	binary.LittleEndian.PutUint32(buf[8:12], h.UncompressedSize)
	binary.LittleEndian.PutUint32(buf[12:16], h.CompressedSize)
	binary.LittleEndian.PutUint64(buf[16:24], h.Checksum)
	return buf
}

// UnmarshalHeader parses a fixed HeaderSize-byte Header from buf.
func UnmarshalHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < HeaderSize {
		return h, fmt.Errorf("codec: buffer too short for Header: %d < %d", len(buf), HeaderSize)
	}
	h.Type = objtype.Type(binary.LittleEndian.Uint32(buf[0:4]))
	h.Flags = binary.LittleEndian.Uint32(buf[4:8])
	h.UncompressedSize = binary.LittleEndian.Uint32(buf[8:12])
	h.CompressedSize = binary.LittleEndian.Uint32(buf[12:16])
	h.Checksum = binary.LittleEndian.Uint64(buf[16:24])
	return h, nil
}

// Compression() returns the algorithm selector packed in the low nibble of
// Flags, mirroring objtype.ObjectInfo's own flags nibble.
func (h Header) Compression() uint32 {
	return h.Flags & 0xF
}

// probeSize is the number of leading bytes sampled to estimate
// compressibility before committing to compress the whole payload.
const probeSize = 1024

// compressRatioLimit: compress the whole payload only if the probe sample
// compresses to no more than this fraction of its original size.
const compressRatioLimit = 0.95

// Encode probes payload's compressibility, optionally compresses it with
// the requested algorithm, and returns the framed bytes: Header followed
// by the (possibly compressed) payload.
func Encode(typ objtype.Type, payload []byte, algo uint32) ([]byte, error) {
	checksum := xxhash.Sum64(payload)

	compress := shouldCompress(payload)
	var body []byte
	var compressedSize uint32
	flags := algo & 0xF

	if compress {
		compressed, err := compressWith(algo, payload)
		if err != nil {
			return nil, err
		}
		body = compressed
		compressedSize = uint32(len(compressed))
	} else {
		body = payload
		flags = objtype.CompressionNone
		compressedSize = uint32(len(payload))
	}

	h := Header{
		Type:             typ,
		Flags:            flags,
		UncompressedSize: uint32(len(payload)),
		CompressedSize:   compressedSize,
		Checksum:         checksum,
	}

	out := make([]byte, 0, HeaderSize+len(body))
	out = append(out, h.Marshal()...)
	out = append(out, body...)
	return out, nil
}

// Decode splits framed bytes into its Header and the decompressed
// original payload, verifying the xxhash64 checksum.
func Decode(framed []byte) (Header, []byte, error) {
	h, err := UnmarshalHeader(framed)
	if err != nil {
		return h, nil, err
	}
	body := framed[HeaderSize:]
	if uint32(len(body)) != h.CompressedSize {
		return h, nil, fmt.Errorf("codec: body length %d does not match header compressed_size %d", len(body), h.CompressedSize)
	}

	var payload []byte
	switch h.Compression() {
	case objtype.CompressionNone:
		payload = body
	case objtype.CompressionFastLZ, objtype.CompressionLZMA:
		payload, err = decompressWith(h.Compression(), body, int(h.UncompressedSize))
		if err != nil {
			return h, nil, err
		}
	default:
		return h, nil, fmt.Errorf("codec: unknown compression selector %d", h.Compression())
	}

	if uint32(len(payload)) != h.UncompressedSize {
		return h, nil, fmt.Errorf("codec: decompressed length %d does not match header uncompressed_size %d", len(payload), h.UncompressedSize)
	}
	if xxhash.Sum64(payload) != h.Checksum {
		return h, nil, fmt.Errorf("codec: checksum mismatch")
	}
	return h, payload, nil
}

// shouldCompress probes the first probeSize bytes of payload and reports
// whether compressing the whole payload is worthwhile.
func shouldCompress(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	n := len(payload)
	if n > probeSize {
		n = probeSize
	}
	sample := payload[:n]

	compressed, err := compressWith(objtype.CompressionFastLZ, sample)
	if err != nil {
		return false
	}
	ratio := float64(len(compressed)) / float64(len(sample))
	return ratio <= compressRatioLimit
}

func compressWith(algo uint32, payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	switch algo {
	case objtype.CompressionFastLZ:
		w := s2.NewWriter(&buf)
		if _, err := w.Write(payload); err != nil {
			return nil, fmt.Errorf("codec: fastlz compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("codec: fastlz compress: %w", err)
		}
	case objtype.CompressionLZMA:
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(payload); err != nil {
			return nil, fmt.Errorf("codec: lzma compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("codec: lzma compress: %w", err)
		}
	default:
		return nil, fmt.Errorf("codec: unknown compression selector %d", algo)
	}
	return buf.Bytes(), nil
}

func decompressWith(algo uint32, data []byte, uncompressedSize int) ([]byte, error) {
	var r io.Reader
	switch algo {
	case objtype.CompressionFastLZ:
		r = s2.NewReader(bytes.NewReader(data))
	case objtype.CompressionLZMA:
		r = brotli.NewReader(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("codec: unknown compression selector %d", algo)
	}

	out := make([]byte, 0, uncompressedSize)
	buf := bytes.NewBuffer(out)
	if _, err := io.Copy(buf, r); err != nil {
		return nil, fmt.Errorf("codec: decompress: %w", err)
	}
	return buf.Bytes(), nil
}
