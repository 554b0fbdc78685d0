package repo

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/orivault/corevault/internal/hash"
)

// SnapshotLog is the durable name -> commit hash map backing named
// snapshots/tags (spec's `snapshots` file), grounded on the original
// SnapshotIndex: an in-memory map mirrored by an append-only log, with a
// deletion recorded as a tombstone (an entry whose hash is hash.Empty)
// rather than rewritten in place.
type SnapshotLog struct {
	mu   sync.RWMutex
	path string
	f    *os.File
	m    map[string]hash.ObjectHash
}

// OpenSnapshotLog opens (creating if necessary) the snapshot log at path
// and replays it into an in-memory map.
func OpenSnapshotLog(path string) (*SnapshotLog, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("repo: open snapshot log %s: %w", path, err)
	}
	s := &SnapshotLog{path: path, f: f, m: make(map[string]hash.ObjectHash)}
	if err := s.replay(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *SnapshotLog) replay() error {
	info, err := s.f.Stat()
	if err != nil {
		return fmt.Errorf("repo: stat snapshot log: %w", err)
	}
	buf := make([]byte, info.Size())
	if _, err := s.f.ReadAt(buf, 0); err != nil && info.Size() > 0 {
		return fmt.Errorf("repo: read snapshot log: %w", err)
	}

	var off int
	for off < len(buf) {
		name, n, err := readPStr(buf, off)
		if err != nil {
			break
		}
		off = n
		if off+hash.Size > len(buf) {
			break
		}
		var h hash.ObjectHash
		copy(h[:], buf[off:off+hash.Size])
		off += hash.Size

		if h.IsEmpty() {
			delete(s.m, name)
		} else {
			s.m[name] = h
		}
	}
	if off != len(buf) {
		if err := s.f.Truncate(int64(off)); err != nil {
			return fmt.Errorf("repo: truncate trailing short snapshot record: %w", err)
		}
	}
	return nil
}

func readPStr(buf []byte, off int) (string, int, error) {
	if off+4 > len(buf) {
		return "", 0, fmt.Errorf("repo: truncated pstr length")
	}
	n := int(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	if off+n > len(buf) {
		return "", 0, fmt.Errorf("repo: truncated pstr body")
	}
	return string(buf[off : off+n]), off + n, nil
}

func marshalSnapshotRecord(name string, h hash.ObjectHash) []byte {
	out := make([]byte, 4+len(name)+hash.Size)
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(name)))
	copy(out[4:4+len(name)], name)
	copy(out[4+len(name):], h[:])
	return out
}

// Close closes the underlying log file.
func (s *SnapshotLog) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// Add records name as pointing at commitID, overwriting any prior binding.
func (s *SnapshotLog) Add(name string, commitID hash.ObjectHash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.Write(marshalSnapshotRecord(name, commitID)); err != nil {
		return fmt.Errorf("repo: append snapshot record: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("repo: sync snapshot log: %w", err)
	}
	s.m[name] = commitID
	return nil
}

// Delete removes name, if present, via a tombstone record.
func (s *SnapshotLog) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[name]; !ok {
		return nil
	}
	if _, err := s.f.Write(marshalSnapshotRecord(name, hash.Empty)); err != nil {
		return fmt.Errorf("repo: append snapshot tombstone: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("repo: sync snapshot log: %w", err)
	}
	delete(s.m, name)
	return nil
}

// Resolve returns the commit name points to, and whether it exists.
func (s *SnapshotLog) Resolve(name string) (hash.ObjectHash, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.m[name]
	return h, ok
}

// List returns a copy of every current name -> commit binding. The map is
// unordered; Names returns the names sorted.
func (s *SnapshotLog) List() map[string]hash.ObjectHash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]hash.ObjectHash, len(s.m))
	for k, v := range s.m {
		out[k] = v
	}
	return out
}

// Names returns every current snapshot name, sorted.
func (s *SnapshotLog) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.m))
	for k := range s.m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Rewrite compacts the log to one record per live binding.
func (s *SnapshotLog) Rewrite() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmpPath := s.path + ".tmp"
	os.Remove(tmpPath)
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("repo: rewrite snapshot log create temp: %w", err)
	}
	names := make([]string, 0, len(s.m))
	for k := range s.m {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := tmp.Write(marshalSnapshotRecord(name, s.m[name])); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("repo: rewrite snapshot log write: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("repo: rewrite snapshot log sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("repo: rewrite snapshot log close temp: %w", err)
	}
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("repo: rewrite snapshot log close original: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("repo: rewrite snapshot log rename: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("repo: rewrite snapshot log reopen: %w", err)
	}
	s.f = f
	return nil
}
