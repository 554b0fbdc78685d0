// Package metadatalog implements the append-only log of reference-count
// deltas and per-object key/value metadata (spec §4.6). Two in-memory maps
// (refcounts, metadata) are the authoritative runtime state; the log file is
// their durable shadow, replayed on open and periodically compacted by
// Rewrite.
package metadatalog

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/orivault/corevault/internal/hash"
)

// MetadataLog holds the durable refcount/metadata state for one repository.
type MetadataLog struct {
	mu        sync.Mutex
	path      string
	f         *os.File
	refcounts map[hash.ObjectHash]int32
	metadata  map[hash.ObjectHash]map[string]string
}

// Open opens (creating if necessary) the metadata log at path and replays it
// into the in-memory maps. A short or malformed trailing record truncates
// the file back to the end of the last fully-read record rather than
// failing the open.
func Open(path string) (*MetadataLog, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("metadatalog: open %s: %w", path, err)
	}
	l := &MetadataLog{
		path:      path,
		f:         f,
		refcounts: make(map[hash.ObjectHash]int32),
		metadata:  make(map[hash.ObjectHash]map[string]string),
	}
	if err := l.replay(); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

// Close closes the underlying log file.
func (l *MetadataLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// GetRefCount returns the current reference count for h (zero if never
// mentioned).
func (l *MetadataLog) GetRefCount(h hash.ObjectHash) int32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refcounts[h]
}

// GetMeta returns the value of key for h, and whether it is set.
func (l *MetadataLog) GetMeta(h hash.ObjectHash, key string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.metadata[h]
	if !ok {
		return "", false
	}
	v, ok := m[key]
	return v, ok
}

// ZeroRefHashes returns every hash whose refcount is currently zero — the
// candidate set for purgeObject.
func (l *MetadataLog) ZeroRefHashes() []hash.ObjectHash {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []hash.ObjectHash
	for h, c := range l.refcounts {
		if c == 0 {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// replay reads every record from the start of the file, applying each to
// the in-memory maps, until a short read or malformed record is found.
func (l *MetadataLog) replay() error {
	info, err := l.f.Stat()
	if err != nil {
		return fmt.Errorf("metadatalog: stat %s: %w", l.path, err)
	}
	size := info.Size()
	buf := make([]byte, size)
	if _, err := l.f.ReadAt(buf, 0); err != nil && size > 0 {
		return fmt.Errorf("metadatalog: read %s: %w", l.path, err)
	}

	var offset int
	for offset < len(buf) {
		rec, n, err := parseRecord(buf[offset:])
		if err != nil {
			break
		}
		l.applyRecord(rec)
		offset += n
	}
	if offset != len(buf) {
		if err := l.f.Truncate(int64(offset)); err != nil {
			return fmt.Errorf("metadatalog: truncate trailing short record in %s: %w", l.path, err)
		}
	}
	return nil
}

func (l *MetadataLog) applyRecord(rec record) {
	for _, ru := range rec.refcountUpdates {
		l.refcounts[ru.hash] = ru.newCount
	}
	for _, mu := range rec.metadataUpdates {
		m, ok := l.metadata[mu.hash]
		if !ok {
			m = make(map[string]string)
			l.metadata[mu.hash] = m
		}
		for _, kv := range mu.pairs {
			m[kv.key] = kv.value
		}
	}
}

// Begin starts a new transaction buffering refcount deltas and metadata
// sets in memory until Commit.
func (l *MetadataLog) Begin() *MdTransaction {
	return &MdTransaction{
		log:      l,
		deltas:   make(map[hash.ObjectHash]int64),
		metadata: make(map[hash.ObjectHash]map[string]string),
		order:    nil,
	}
}

// commit computes each touched hash's post-transaction absolute refcount,
// rejects any transaction that would drive a count negative, appends one
// record, and applies it to the in-memory maps. Called by MdTransaction.Commit.
func (l *MetadataLog) commit(t *MdTransaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := record{}
	for _, h := range t.order {
		if delta, ok := t.deltas[h]; ok {
			final := int64(l.refcounts[h]) + delta
			if final < 0 {
				return fmt.Errorf("metadatalog: refcount for %s would go negative (delta %d on %d)", h, delta, l.refcounts[h])
			}
			rec.refcountUpdates = append(rec.refcountUpdates, refcountUpdate{hash: h, newCount: int32(final)})
		}
		if meta, ok := t.metadata[h]; ok && len(meta) > 0 {
			mu := metadataUpdate{hash: h}
			keys := make([]string, 0, len(meta))
			for k := range meta {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				mu.pairs = append(mu.pairs, kv{key: k, value: meta[k]})
			}
			rec.metadataUpdates = append(rec.metadataUpdates, mu)
		}
	}

	if len(rec.refcountUpdates) == 0 && len(rec.metadataUpdates) == 0 {
		return nil
	}

	buf := marshalRecord(rec)
	if _, err := l.f.Write(buf); err != nil {
		return fmt.Errorf("metadatalog: append record: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("metadatalog: sync: %w", err)
	}
	l.applyRecord(rec)
	return nil
}

// RewriteRefCounts atomically replaces the in-memory refcount map with
// counts (zero entries dropped), leaving per-object metadata untouched.
// Used by repo.RecomputeRefCounts after a full object scan rebuilds
// refcounts from scratch; the caller still must call Rewrite to persist
// the replacement to disk.
func (l *MetadataLog) RewriteRefCounts(counts map[hash.ObjectHash]int32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	fresh := make(map[hash.ObjectHash]int32, len(counts))
	for h, c := range counts {
		if c != 0 {
			fresh[h] = c
		}
	}
	l.refcounts = fresh
	return nil
}

// Rewrite drops all history, writing one record containing every nonzero
// refcount and every nonempty metadata entry under a temporary filename,
// then renaming it over the original.
func (l *MetadataLog) Rewrite() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := record{}
	hashes := make(map[hash.ObjectHash]struct{})
	for h := range l.refcounts {
		hashes[h] = struct{}{}
	}
	for h := range l.metadata {
		hashes[h] = struct{}{}
	}
	sorted := make([]hash.ObjectHash, 0, len(hashes))
	for h := range hashes {
		sorted = append(sorted, h)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })

	for _, h := range sorted {
		if c, ok := l.refcounts[h]; ok && c != 0 {
			rec.refcountUpdates = append(rec.refcountUpdates, refcountUpdate{hash: h, newCount: c})
		}
		if meta, ok := l.metadata[h]; ok && len(meta) > 0 {
			mu := metadataUpdate{hash: h}
			keys := make([]string, 0, len(meta))
			for k := range meta {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				mu.pairs = append(mu.pairs, kv{key: k, value: meta[k]})
			}
			rec.metadataUpdates = append(rec.metadataUpdates, mu)
		}
	}

	tmpPath := l.path + ".tmp"
	os.Remove(tmpPath)
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("metadatalog: rewrite create temp: %w", err)
	}
	if len(rec.refcountUpdates) > 0 || len(rec.metadataUpdates) > 0 {
		if _, err := tmp.Write(marshalRecord(rec)); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("metadatalog: rewrite write: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("metadatalog: rewrite sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("metadatalog: rewrite close temp: %w", err)
	}
	if err := l.f.Close(); err != nil {
		return fmt.Errorf("metadatalog: rewrite close original: %w", err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		return fmt.Errorf("metadatalog: rewrite rename: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("metadatalog: rewrite reopen: %w", err)
	}
	l.f = f
	return nil
}

// record is the in-memory form of one on-disk metadata log record.
type record struct {
	refcountUpdates []refcountUpdate
	metadataUpdates []metadataUpdate
}

type refcountUpdate struct {
	hash     hash.ObjectHash
	newCount int32
}

type kv struct {
	key   string
	value string
}

type metadataUpdate struct {
	hash  hash.ObjectHash
	pairs []kv
}

func marshalRecord(rec record) []byte {
	var buf []byte
	var head [8]byte
	binary.LittleEndian.PutUint32(head[0:4], uint32(len(rec.refcountUpdates)))
	binary.LittleEndian.PutUint32(head[4:8], uint32(len(rec.metadataUpdates)))
	buf = append(buf, head[:]...)

	for _, ru := range rec.refcountUpdates {
		entry := make([]byte, hash.Size+4)
		copy(entry[0:hash.Size], ru.hash[:])
		binary.LittleEndian.PutUint32(entry[hash.Size:hash.Size+4], uint32(int32(ru.newCount)))
		buf = append(buf, entry...)
	}
	for _, mu := range rec.metadataUpdates {
		muHead := make([]byte, hash.Size+4)
		copy(muHead[0:hash.Size], mu.hash[:])
		binary.LittleEndian.PutUint32(muHead[hash.Size:hash.Size+4], uint32(len(mu.pairs)))
		buf = append(buf, muHead...)
		for _, p := range mu.pairs {
			buf = append(buf, pstr(p.key)...)
			buf = append(buf, pstr(p.value)...)
		}
	}
	return buf
}

func pstr(s string) []byte {
	out := make([]byte, 4+len(s))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(s)))
	copy(out[4:], s)
	return out
}

func readPStr(buf []byte, off int) (string, int, error) {
	if off+4 > len(buf) {
		return "", 0, fmt.Errorf("metadatalog: truncated pstr length")
	}
	n := int(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	if off+n > len(buf) {
		return "", 0, fmt.Errorf("metadatalog: truncated pstr body")
	}
	return string(buf[off : off+n]), off + n, nil
}

// parseRecord parses one record from the start of buf, returning it and the
// number of bytes consumed.
func parseRecord(buf []byte) (record, int, error) {
	var rec record
	if len(buf) < 8 {
		return rec, 0, fmt.Errorf("metadatalog: truncated record header")
	}
	numRef := int(binary.LittleEndian.Uint32(buf[0:4]))
	numMeta := int(binary.LittleEndian.Uint32(buf[4:8]))
	off := 8

	for i := 0; i < numRef; i++ {
		if off+hash.Size+4 > len(buf) {
			return rec, 0, fmt.Errorf("metadatalog: truncated refcount update %d", i)
		}
		var h hash.ObjectHash
		copy(h[:], buf[off:off+hash.Size])
		off += hash.Size
		newCount := int32(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
		rec.refcountUpdates = append(rec.refcountUpdates, refcountUpdate{hash: h, newCount: newCount})
	}

	for i := 0; i < numMeta; i++ {
		if off+hash.Size+4 > len(buf) {
			return rec, 0, fmt.Errorf("metadatalog: truncated metadata update %d", i)
		}
		var h hash.ObjectHash
		copy(h[:], buf[off:off+hash.Size])
		off += hash.Size
		k := int(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
		mu := metadataUpdate{hash: h}
		for j := 0; j < k; j++ {
			var key, value string
			var err error
			key, off, err = readPStr(buf, off)
			if err != nil {
				return rec, 0, err
			}
			value, off, err = readPStr(buf, off)
			if err != nil {
				return rec, 0, err
			}
			mu.pairs = append(mu.pairs, kv{key: key, value: value})
		}
		rec.metadataUpdates = append(rec.metadataUpdates, mu)
	}

	return rec, off, nil
}
