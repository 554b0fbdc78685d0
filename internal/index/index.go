// Package index implements the durable map from object hash to its
// location inside a packfile. It is log-structured: every update appends a
// fixed-width record to the index file and mirrors it into an in-memory
// map; Open replays the log to rebuild that map, and Rewrite compacts the
// log down to one record per live hash.
package index

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/orivault/corevault/internal/config"
	"github.com/orivault/corevault/internal/hash"
	"github.com/orivault/corevault/internal/objtype"
	"github.com/orivault/corevault/internal/packfile"
)

// entryWireSize is the width of a serialized packfile.IndexEntry: the
// ObjectInfo (44 bytes, itself including the hash) plus offset, packed_size,
// and packfile_id (u32 each).
const entryWireSize = objtype.Size + 4 + 4 + 4

// RecordSize is one full log record: a leading copy of the hash (for cheap
// key scanning during rewrite/debugging) followed by the serialized entry.
const RecordSize = hash.Size + entryWireSize

// Index is an open, durable hash -> IndexEntry map.
type Index struct {
	mu          sync.RWMutex
	path        string
	f           *os.File
	entries     map[hash.ObjectHash]packfile.IndexEntry
	appendCount int64 // total records ever appended, including superseded ones
}

func marshalRecord(h hash.ObjectHash, e packfile.IndexEntry) []byte {
	buf := make([]byte, RecordSize)
	copy(buf[0:hash.Size], h[:])
	off := hash.Size
	copy(buf[off:off+objtype.Size], e.Info.Marshal())
	off += objtype.Size
	binary.LittleEndian.PutUint32(buf[off:off+4], e.Offset)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], e.PackedSize)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], e.PackfileID)
	return buf
}

func unmarshalRecord(buf []byte) (hash.ObjectHash, packfile.IndexEntry, error) {
	var h hash.ObjectHash
	var e packfile.IndexEntry
	if len(buf) < RecordSize {
		return h, e, fmt.Errorf("index: buffer too short for record: %d < %d", len(buf), RecordSize)
	}
	copy(h[:], buf[0:hash.Size])
	off := hash.Size
	info, err := objtype.Unmarshal(buf[off : off+objtype.Size])
	if err != nil {
		return h, e, err
	}
	off += objtype.Size
	e.Info = info
	e.Offset = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	e.PackedSize = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	e.PackfileID = binary.LittleEndian.Uint32(buf[off : off+4])
	return h, e, nil
}

// Open opens (creating if necessary) the index log at path and replays it
// into an in-memory map. A short or malformed trailing record — the
// signature of a write interrupted by a crash — truncates the file back to
// the last intact record rather than failing the open.
func Open(path string) (*Index, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("index: open %s: %w", path, err)
	}
	idx := &Index{
		path:    path,
		f:       f,
		entries: make(map[hash.ObjectHash]packfile.IndexEntry),
	}
	if err := idx.replay(); err != nil {
		f.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) replay() error {
	info, err := idx.f.Stat()
	if err != nil {
		return fmt.Errorf("index: stat %s: %w", idx.path, err)
	}
	size := info.Size()

	var offset int64
	for offset+RecordSize <= size {
		buf := make([]byte, RecordSize)
		if _, err := idx.f.ReadAt(buf, offset); err != nil {
			break
		}
		h, e, err := unmarshalRecord(buf)
		if err != nil {
			break
		}
		idx.entries[h] = e
		idx.appendCount++
		offset += RecordSize
	}
	if offset != size {
		if err := idx.f.Truncate(offset); err != nil {
			return fmt.Errorf("index: truncate trailing short record in %s: %w", idx.path, err)
		}
	}
	return nil
}

// Close closes the underlying log file.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.f.Close()
}

// UpdateEntry appends e for h and updates the in-memory map, overwriting any
// prior location for the same hash (the common case is a fresh insert; a
// stale location surviving a purge/rewrite elsewhere would also land here).
func (idx *Index) UpdateEntry(h hash.ObjectHash, e packfile.IndexEntry) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	rec := marshalRecord(h, e)
	if _, err := idx.f.Write(rec); err != nil {
		return fmt.Errorf("index: append record: %w", err)
	}
	if err := idx.f.Sync(); err != nil {
		return fmt.Errorf("index: sync: %w", err)
	}
	idx.entries[h] = e
	idx.appendCount++
	return nil
}

// UpdateEntries appends and applies a batch, used after a packfile commit
// that produced several IndexEntry values at once.
func (idx *Index) UpdateEntries(entries []packfile.IndexEntry) error {
	for _, e := range entries {
		if err := idx.UpdateEntry(e.Info.Hash, e); err != nil {
			return err
		}
	}
	return nil
}

// GetEntry returns the current location of h, if indexed.
func (idx *Index) GetEntry(h hash.ObjectHash) (packfile.IndexEntry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.entries[h]
	return e, ok
}

// HasObject reports whether h is indexed.
func (idx *Index) HasObject(h hash.ObjectHash) bool {
	_, ok := idx.GetEntry(h)
	return ok
}

// RemoveEntry deletes h from the in-memory map (used by gc after a purge
// completes). The stale append-log record for it is dropped on the next
// Rewrite; removal alone does not rewrite the log.
func (idx *Index) RemoveEntry(h hash.ObjectHash) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.entries, h)
}

// Len returns the number of live (non-garbage) entries.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// List returns every live ObjectInfo, ordered by ObjectInfo.Less for stable,
// diffable output (the `listobj` CLI command).
func (idx *Index) List() []objtype.ObjectInfo {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]objtype.ObjectInfo, 0, len(idx.entries))
	for _, e := range idx.entries {
		out = append(out, e.Info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// ShouldRewrite reports whether the log has accumulated enough superseded
// records to justify a compaction, per cfg's garbage-ratio/min-entries
// thresholds.
func (idx *Index) ShouldRewrite(cfg config.IndexConfig) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	live := int64(len(idx.entries))
	if live < int64(cfg.RewriteMinEntries) {
		return false
	}
	if idx.appendCount <= live {
		return false
	}
	garbage := idx.appendCount - live
	ratio := float64(garbage) / float64(idx.appendCount)
	return ratio >= cfg.RewriteGarbageRatio
}

// Rewrite compacts the log: every live entry is written once, in hash order,
// to a temporary file which is then renamed over the original.
func (idx *Index) Rewrite() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	tmpPath := idx.path + ".tmp"
	os.Remove(tmpPath)
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("index: rewrite create temp: %w", err)
	}

	hashes := make([]hash.ObjectHash, 0, len(idx.entries))
	for h := range idx.entries {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i].Less(hashes[j]) })

	for _, h := range hashes {
		rec := marshalRecord(h, idx.entries[h])
		if _, err := tmp.Write(rec); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("index: rewrite write record: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("index: rewrite sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("index: rewrite close temp: %w", err)
	}
	if err := idx.f.Close(); err != nil {
		return fmt.Errorf("index: rewrite close original: %w", err)
	}
	if err := os.Rename(tmpPath, idx.path); err != nil {
		return fmt.Errorf("index: rewrite rename: %w", err)
	}

	f, err := os.OpenFile(idx.path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("index: rewrite reopen: %w", err)
	}
	idx.f = f
	idx.appendCount = int64(len(idx.entries))
	return nil
}

// Rebuild discards the current in-memory map and log, then re-derives both
// by calling ReadEntries on every given packfile. Used when the index is
// missing or fails an integrity check on open.
func (idx *Index) Rebuild(packfiles []*packfile.Packfile) error {
	idx.mu.Lock()
	idx.entries = make(map[hash.ObjectHash]packfile.IndexEntry)
	idx.appendCount = 0
	idx.mu.Unlock()

	for _, pf := range packfiles {
		id := pf.ID()
		err := pf.ReadEntries(func(info objtype.ObjectInfo, offset, packedSize uint32) error {
			e := packfile.IndexEntry{Info: info, Offset: offset, PackedSize: packedSize, PackfileID: id}
			return idx.UpdateEntry(info.Hash, e)
		})
		if err != nil {
			return fmt.Errorf("index: rebuild from packfile %d: %w", id, err)
		}
	}
	return idx.Rewrite()
}
