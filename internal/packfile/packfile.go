// Package packfile implements the append-only packfile format: objects are
// grouped into size/count-bounded batches, each batch prefixed by a header
// listing every member's ObjectInfo, packed size, and byte offset, followed
// by the members' payload bytes written contiguously. Packfiles are
// write-once per group; the only in-place mutation is purge, which rewrites
// surviving groups to a replacement file and renames it over the original.
package packfile

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/orivault/corevault/internal/objtype"
)

// EntrySize is the fixed on-disk size of one group-header entry: an
// ObjectInfo (44 bytes) followed by packed_size (u32) and offset (u32).
const EntrySize = objtype.Size + 4 + 4

// groupCountSize is the width of a group's leading object-count field.
const groupCountSize = 4

// IndexEntry is what a commit/receive/purge produces for each object so the
// caller (internal/index) can update its hash -> location map. packfile
// itself has no dependency on the index package; it only reports where it
// put things.
type IndexEntry struct {
	Info       objtype.ObjectInfo
	Offset     uint32
	PackedSize uint32
	PackfileID uint32
}

// entryRecord is the in-memory form of one group-header entry.
type entryRecord struct {
	Info       objtype.ObjectInfo
	PackedSize uint32
	Offset     uint32
}

func marshalEntry(e entryRecord) []byte {
	buf := make([]byte, EntrySize)
	copy(buf[0:objtype.Size], e.Info.Marshal())
	binary.LittleEndian.PutUint32(buf[objtype.Size:objtype.Size+4], e.PackedSize)
	binary.LittleEndian.PutUint32(buf[objtype.Size+4:objtype.Size+8], e.Offset)
	return buf
}

func unmarshalEntry(buf []byte) (entryRecord, error) {
	var e entryRecord
	if len(buf) < EntrySize {
		return e, fmt.Errorf("packfile: buffer too short for entry: %d < %d", len(buf), EntrySize)
	}
	info, err := objtype.Unmarshal(buf[0:objtype.Size])
	if err != nil {
		return e, err
	}
	e.Info = info
	e.PackedSize = binary.LittleEndian.Uint32(buf[objtype.Size : objtype.Size+4])
	e.Offset = binary.LittleEndian.Uint32(buf[objtype.Size+4 : objtype.Size+8])
	return e, nil
}

// Packfile is one open pack<id>.pak file.
type Packfile struct {
	mu   sync.Mutex
	path string
	id   uint32
	f    *os.File
	size int64
}

// Create makes a new, empty packfile at path with the given id.
func Create(path string, id uint32) (*Packfile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("packfile: create %s: %w", path, err)
	}
	return &Packfile{path: path, id: id, f: f, size: 0}, nil
}

// Open opens an existing packfile, truncating any incomplete trailing group
// left behind by a crash mid-commit.
func Open(path string, id uint32) (*Packfile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("packfile: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("packfile: stat %s: %w", path, err)
	}
	pf := &Packfile{path: path, id: id, f: f, size: info.Size()}
	if err := pf.recoverTruncate(); err != nil {
		f.Close()
		return nil, err
	}
	return pf, nil
}

// ID returns the packfile's numeric identifier, used in its filename and in
// IndexEntry.PackfileID.
func (p *Packfile) ID() uint32 { return p.id }

// Path returns the packfile's filesystem path.
func (p *Packfile) Path() string { return p.path }

// Size returns the current file size in bytes.
func (p *Packfile) Size() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Close closes the underlying file handle.
func (p *Packfile) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.f.Close()
}

// recoverTruncate scans every group from offset 0, stopping and truncating
// the file at the last known-good group boundary if a short read or
// malformed header is found partway through a group — the signature of a
// commit that was interrupted mid-write.
func (p *Packfile) recoverTruncate() error {
	var groupOffset int64
	for groupOffset < p.size {
		countBuf := make([]byte, groupCountSize)
		if _, err := p.f.ReadAt(countBuf, groupOffset); err != nil {
			break
		}
		count := binary.LittleEndian.Uint32(countBuf)
		if count == 0 {
			// A count==0 group terminates iteration; the valid region ends
			// just past this (empty) header.
			groupOffset += groupCountSize
			break
		}
		headerSize := int64(groupCountSize) + int64(count)*int64(EntrySize)
		if groupOffset+headerSize > p.size {
			break
		}
		headerBuf := make([]byte, headerSize-groupCountSize)
		if _, err := p.f.ReadAt(headerBuf, groupOffset+groupCountSize); err != nil {
			break
		}
		var lastEnd int64
		ok := true
		for i := uint32(0); i < count; i++ {
			start := int(i) * EntrySize
			e, err := unmarshalEntry(headerBuf[start : start+EntrySize])
			if err != nil {
				ok = false
				break
			}
			end := int64(e.Offset) + int64(e.PackedSize)
			if end > lastEnd {
				lastEnd = end
			}
		}
		if !ok || lastEnd > p.size {
			break
		}
		groupOffset = lastEnd
	}
	if groupOffset != p.size {
		if err := p.f.Truncate(groupOffset); err != nil {
			return fmt.Errorf("packfile: recover truncate %s: %w", p.path, err)
		}
		p.size = groupOffset
	}
	return nil
}

// Commit appends one group containing every (info, payload) pair, in order,
// and returns the IndexEntry each object now resolves to. payloads are
// assumed already framed by internal/codec; packfile stores them as opaque
// bytes and never inspects their content.
func (p *Packfile) Commit(infos []objtype.ObjectInfo, payloads [][]byte) ([]IndexEntry, error) {
	if len(infos) != len(payloads) {
		return nil, fmt.Errorf("packfile: %d infos but %d payloads", len(infos), len(payloads))
	}
	if len(infos) == 0 {
		return nil, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	count := uint32(len(infos))
	headerSize := int64(groupCountSize) + int64(count)*int64(EntrySize)
	payloadStart := p.size + headerSize

	entries := make([]entryRecord, count)
	offset := payloadStart
	for i, info := range infos {
		entries[i] = entryRecord{
			Info:       info,
			PackedSize: uint32(len(payloads[i])),
			Offset:     uint32(offset),
		}
		offset += int64(len(payloads[i]))
	}

	group := make([]byte, 0, headerSize)
	countBuf := make([]byte, groupCountSize)
	binary.LittleEndian.PutUint32(countBuf, count)
	group = append(group, countBuf...)
	for _, e := range entries {
		group = append(group, marshalEntry(e)...)
	}
	for _, payload := range payloads {
		group = append(group, payload...)
	}

	if _, err := p.f.WriteAt(group, p.size); err != nil {
		return nil, fmt.Errorf("packfile: commit write: %w", err)
	}
	if err := p.f.Sync(); err != nil {
		return nil, fmt.Errorf("packfile: commit sync: %w", err)
	}
	p.size += int64(len(group))

	out := make([]IndexEntry, count)
	for i, e := range entries {
		out[i] = IndexEntry{Info: e.Info, Offset: e.Offset, PackedSize: e.PackedSize, PackfileID: p.id}
	}
	return out, nil
}

// GetPayload reads the raw (codec-framed) bytes for one object at the given
// offset/packed size. Callers run the result through codec.Decode.
func (p *Packfile) GetPayload(offset, packedSize uint32) ([]byte, error) {
	buf := make([]byte, packedSize)
	if _, err := p.f.ReadAt(buf, int64(offset)); err != nil {
		return nil, fmt.Errorf("packfile: read payload at %d: %w", offset, err)
	}
	return buf, nil
}

// EntryCallback receives one group-header entry during ReadEntries.
type EntryCallback func(info objtype.ObjectInfo, offset, packedSize uint32) error

// ReadEntries walks every group from the start of the file, invoking cb once
// per member entry in on-disk order. Used for index rebuild when the index
// is missing or fails its own integrity check.
func (p *Packfile) ReadEntries(cb EntryCallback) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var groupOffset int64
	for groupOffset < p.size {
		countBuf := make([]byte, groupCountSize)
		if _, err := p.f.ReadAt(countBuf, groupOffset); err != nil {
			return fmt.Errorf("packfile: read group count at %d: %w", groupOffset, err)
		}
		count := binary.LittleEndian.Uint32(countBuf)
		if count == 0 {
			// A count==0 group terminates iteration (spec: "a group with
			// count==0 terminates iteration").
			break
		}
		headerBuf := make([]byte, int64(count)*int64(EntrySize))
		if _, err := p.f.ReadAt(headerBuf, groupOffset+groupCountSize); err != nil {
			return fmt.Errorf("packfile: read group header at %d: %w", groupOffset, err)
		}

		var lastEnd int64
		for i := uint32(0); i < count; i++ {
			start := int(i) * EntrySize
			e, err := unmarshalEntry(headerBuf[start : start+EntrySize])
			if err != nil {
				return err
			}
			if err := cb(e.Info, e.Offset, e.PackedSize); err != nil {
				return err
			}
			end := int64(e.Offset) + int64(e.PackedSize)
			if end > lastEnd {
				lastEnd = end
			}
		}
		groupOffset = lastEnd
	}
	return nil
}
