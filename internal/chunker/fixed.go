package chunker

import (
	"errors"
	"fmt"
	"io"
)

// FixedChunker splits the input into fixed-size windows, the simpler
// alternative to RollingChunker used when content-defined boundaries
// aren't required.
type FixedChunker struct {
	Size int64
}

// NewFixedChunker returns a FixedChunker with the given chunk size.
func NewFixedChunker(size int64) *FixedChunker {
	return &FixedChunker{Size: size}
}

// Chunk implements Chunker.
func (c *FixedChunker) Chunk(r io.Reader, sink Sink) error {
	if c.Size <= 0 {
		return fmt.Errorf("chunker: fixed chunk size must be positive, got %d", c.Size)
	}

	buf := make([]byte, c.Size)
	var offset int64
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if serr := sink(Chunk{Offset: offset, Data: data}); serr != nil {
				return serr
			}
			offset += int64(n)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("chunker: read input: %w", err)
		}
	}
}
