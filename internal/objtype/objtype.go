// Package objtype defines ObjectType and ObjectInfo, the packfile-group and
// index descriptor for a stored object.
package objtype

import (
	"encoding/binary"
	"fmt"

	"github.com/orivault/corevault/internal/hash"
)

// Type identifies the kind of a stored object.
type Type uint32

const (
	Null Type = iota
	Commit
	Tree
	Blob
	LargeBlob
	Purged
)

func (t Type) String() string {
	switch t {
	case Null:
		return "Null"
	case Commit:
		return "Commit"
	case Tree:
		return "Tree"
	case Blob:
		return "Blob"
	case LargeBlob:
		return "LargeBlob"
	case Purged:
		return "Purged"
	default:
		return fmt.Sprintf("Type(%d)", uint32(t))
	}
}

// TypeForString parses the CLI/log textual form of a type back to Type.
func TypeForString(s string) (Type, error) {
	switch s {
	case "Null":
		return Null, nil
	case "Commit":
		return Commit, nil
	case "Tree":
		return Tree, nil
	case "Blob":
		return Blob, nil
	case "LargeBlob":
		return LargeBlob, nil
	case "Purged":
		return Purged, nil
	default:
		return Null, fmt.Errorf("objtype: unknown type string %q", s)
	}
}

// Compression algorithm selectors, packed into the low nibble of
// ObjectInfo.Flags.
const (
	CompressionNone   = 0
	CompressionFastLZ = 1
	CompressionLZMA   = 2
)

// Size is the fixed on-disk size of a serialized ObjectInfo: 4 (type) + 32
// (hash) + 4 (flags) + 4 (payload_size).
const Size = 4 + hash.Size + 4 + 4

// ObjectInfo is the packfile-group and index descriptor for one object.
// PayloadSize is always the uncompressed logical size; Flags' low nibble
// selects the payload compression algorithm used by internal/codec.
type ObjectInfo struct {
	Type        Type
	Hash        hash.ObjectHash
	Flags       uint32
	PayloadSize uint32
}

// Compression returns the compression algorithm selector packed in Flags.
func (oi ObjectInfo) Compression() uint32 {
	return oi.Flags & 0xF
}

// WithCompression returns a copy of oi with the low nibble of Flags set to
// the given compression selector.
func (oi ObjectInfo) WithCompression(algo uint32) ObjectInfo {
	oi.Flags = (oi.Flags &^ 0xF) | (algo & 0xF)
	return oi
}

// Marshal serializes oi to its fixed Size-byte wire form.
func (oi ObjectInfo) Marshal() []byte {
	buf := make([]byte, Size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(oi.Type))
	copy(buf[4:4+hash.Size], oi.Hash[:])
	off := 4 + hash.Size
	binary.LittleEndian.PutUint32(buf[off:off+4], oi.Flags)
	binary.LittleEndian.PutUint32(buf[off+4:off+8], oi.PayloadSize)
	return buf
}

// Unmarshal parses a fixed Size-byte ObjectInfo from buf.
func Unmarshal(buf []byte) (ObjectInfo, error) {
	var oi ObjectInfo
	if len(buf) < Size {
		return oi, fmt.Errorf("objtype: buffer too short for ObjectInfo: %d < %d", len(buf), Size)
	}
	oi.Type = Type(binary.LittleEndian.Uint32(buf[0:4]))
	copy(oi.Hash[:], buf[4:4+hash.Size])
	off := 4 + hash.Size
	oi.Flags = binary.LittleEndian.Uint32(buf[off : off+4])
	oi.PayloadSize = binary.LittleEndian.Uint32(buf[off+4 : off+8])
	return oi, nil
}

// Less orders ObjectInfo first by type, then by hash — used when building
// stable, diffable listings (`listobj`).
func (oi ObjectInfo) Less(other ObjectInfo) bool {
	if oi.Type != other.Type {
		return oi.Type < other.Type
	}
	return oi.Hash.Less(other.Hash)
}

// HasAllFields reports whether oi looks fully populated (non-Null type, a
// non-empty hash). Used by verifyObject as a cheap structural sanity check.
func (oi ObjectInfo) HasAllFields() bool {
	return oi.Type != Null && !oi.Hash.IsEmpty()
}
