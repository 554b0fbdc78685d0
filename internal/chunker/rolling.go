package chunker

import (
	"fmt"
	"io"
)

// RollingChunker is the content-defined chunker: it maintains a polynomial
// rolling hash over the last Window bytes (base b, precomputed
// byte-removal table) and cuts when hash%Target == 1 and the current
// chunk's length is at least Min, or unconditionally once it reaches Max.
//
// The reference implementation lets the caller hand it successive raw
// buffers and requires it to preserve the final Window bytes across
// refills so the rolling hash stays valid at buffer boundaries. This
// version reads the whole stream first, which removes that caller
// contract entirely (no partial window to carry across a refill) while
// computing the identical hash and cut sequence — see DESIGN.md.
type RollingChunker struct {
	Target int64
	Min    int64
	Max    int64
	Window int
	Base   uint64
}

// NewRollingChunker returns a RollingChunker with the given bounds and the
// reference implementation's window size (32) and base (31).
func NewRollingChunker(target, min, max int64) *RollingChunker {
	return &RollingChunker{
		Target: target,
		Min:    min,
		Max:    max,
		Window: DefaultWindowSize,
		Base:   DefaultBase,
	}
}

// Chunk implements Chunker.
func (c *RollingChunker) Chunk(r io.Reader, sink Sink) error {
	if c.Target <= 0 || c.Min <= 0 || c.Max <= c.Min {
		return fmt.Errorf("chunker: invalid bounds target=%d min=%d max=%d", c.Target, c.Min, c.Max)
	}
	w := c.Window
	if w <= 0 {
		w = DefaultWindowSize
	}
	base := c.Base
	if base == 0 {
		base = DefaultBase
	}

	buf, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("chunker: read input: %w", err)
	}
	n := int64(len(buf))
	if n == 0 {
		return nil
	}
	if n < int64(w) {
		return sink(Chunk{Offset: 0, Data: buf})
	}

	bTok := uint64(1)
	for i := 0; i < w; i++ {
		bTok *= base
	}
	var lut [256]uint64
	for i := 0; i < 256; i++ {
		lut[i] = uint64(i) * bTok
	}

	var hash uint64
	for i := 0; i < w; i++ {
		hash = hash*base + uint64(buf[i])
	}

	start := int64(0)
	off := int64(w)
	for ; off < n; off++ {
		hash = (hash-lut[buf[off-int64(w)]])*base + uint64(buf[off])
		length := off - start
		if (length >= c.Min && hash%uint64(c.Target) == 1) || length >= c.Max {
			if err := sink(Chunk{Offset: start, Data: buf[start:off]}); err != nil {
				return err
			}
			start = off
		}
	}
	if start < off {
		if err := sink(Chunk{Offset: start, Data: buf[start:off]}); err != nil {
			return err
		}
	}
	return nil
}
