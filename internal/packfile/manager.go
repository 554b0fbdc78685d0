package packfile

import (
	"container/list"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/orivault/corevault/internal/config"
)

// freelistName is the manager's on-disk record of reusable packfile ids.
const freelistName = ".freelist"

// CacheObserver receives a notification for every GetPackfile lookup,
// hit or miss, so callers can instrument the handle cache's effectiveness
// (e.g. internal/metrics's packfile cache hit rate) without Manager itself
// depending on a metrics package.
type CacheObserver interface {
	RecordCacheHit(hit bool)
}

// Manager owns a directory of pack<id>.pak files and keeps a bounded LRU
// cache of open file handles so long-running processes don't accumulate one
// open fd per packfile ever created.
type Manager struct {
	mu        sync.Mutex
	rootPath  string
	cfg       config.PackfileConfig
	handles   map[uint32]*Packfile
	lru       *list.List
	lruElem   map[uint32]*list.Element
	freeList  []uint32
	maxSeenID uint32
	haveAny   bool
	observer  CacheObserver
}

// SetCacheObserver installs obs to receive a hit/miss notification for
// every future GetPackfile call. A nil observer (the default) disables
// notifications.
func (m *Manager) SetCacheObserver(obs CacheObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = obs
}

// OpenManager opens (creating if necessary) the packfile directory at
// rootPath and recomputes its freelist from the packfiles actually present
// on disk.
func OpenManager(rootPath string, cfg config.PackfileConfig) (*Manager, error) {
	if err := os.MkdirAll(rootPath, 0o755); err != nil {
		return nil, fmt.Errorf("packfile: mkdir %s: %w", rootPath, err)
	}
	m := &Manager{
		rootPath: rootPath,
		cfg:      cfg,
		handles:  make(map[uint32]*Packfile),
		lru:      list.New(),
		lruElem:  make(map[uint32]*list.Element),
	}
	if err := m.recomputeFreeList(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) packfileName(id uint32) string {
	return filepath.Join(m.rootPath, fmt.Sprintf("pack%d.pak", id))
}

// recomputeFreeList scans the directory for existing pack<id>.pak files and
// rebuilds the set of reusable ids: every gap below the highest id present,
// plus one id past the highest (the next brand-new id once all gaps are
// exhausted).
func (m *Manager) recomputeFreeList() error {
	entries, err := os.ReadDir(m.rootPath)
	if err != nil {
		return fmt.Errorf("packfile: readdir %s: %w", m.rootPath, err)
	}
	var ids []uint32
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, "pack") || !strings.HasSuffix(name, ".pak") {
			continue
		}
		idStr := strings.TrimSuffix(strings.TrimPrefix(name, "pack"), ".pak")
		id, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, uint32(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if len(ids) == 0 {
		m.freeList = []uint32{0}
		m.maxSeenID = 0
		m.haveAny = false
		return m.saveFreeList()
	}

	m.haveAny = true
	m.maxSeenID = ids[len(ids)-1]

	present := make(map[uint32]struct{}, len(ids))
	for _, id := range ids {
		present[id] = struct{}{}
	}
	var free []uint32
	for id := uint32(0); id < m.maxSeenID; id++ {
		if _, ok := present[id]; !ok {
			free = append(free, id)
		}
	}
	free = append(free, m.maxSeenID+1)
	m.freeList = free
	return m.saveFreeList()
}

func (m *Manager) freeListPath() string {
	return filepath.Join(m.rootPath, freelistName)
}

func (m *Manager) saveFreeList() error {
	buf := make([]byte, 4+4*len(m.freeList))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(m.freeList)))
	for i, id := range m.freeList {
		off := 4 + i*4
		binary.LittleEndian.PutUint32(buf[off:off+4], id)
	}
	return os.WriteFile(m.freeListPath(), buf, 0o644)
}

// ListIDs returns every packfile id currently present on disk, ascending.
// Used by index rebuild, which needs to call ReadEntries on every packfile.
func (m *Manager) ListIDs() ([]uint32, error) {
	entries, err := os.ReadDir(m.rootPath)
	if err != nil {
		return nil, fmt.Errorf("packfile: readdir %s: %w", m.rootPath, err)
	}
	var ids []uint32
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, "pack") || !strings.HasSuffix(name, ".pak") {
			continue
		}
		idStr := strings.TrimSuffix(strings.TrimPrefix(name, "pack"), ".pak")
		id, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, uint32(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// HasPackfile reports whether pack<id>.pak exists on disk.
func (m *Manager) HasPackfile(id uint32) bool {
	_, err := os.Stat(m.packfileName(id))
	return err == nil
}

// GetPackfile returns an open handle for id, opening it (and evicting the
// least-recently-used handle if the cache is full) if not already cached.
func (m *Manager) GetPackfile(id uint32) (*Packfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pf, ok := m.handles[id]; ok {
		m.lru.MoveToFront(m.lruElem[id])
		if m.observer != nil {
			m.observer.RecordCacheHit(true)
		}
		return pf, nil
	}

	pf, err := Open(m.packfileName(id), id)
	if err != nil {
		return nil, err
	}
	m.cacheHandle(id, pf)
	if m.observer != nil {
		m.observer.RecordCacheHit(false)
	}
	return pf, nil
}

// NewPackfile allocates the next free id and creates an empty packfile for
// it, updating the freelist.
func (m *Manager) NewPackfile() (*Packfile, error) {
	m.mu.Lock()

	if len(m.freeList) == 0 {
		m.mu.Unlock()
		if err := m.recomputeFreeList(); err != nil {
			return nil, err
		}
		m.mu.Lock()
	}

	id := m.freeList[0]
	m.freeList = m.freeList[1:]
	if len(m.freeList) == 0 {
		m.freeList = []uint32{id + 1}
	}
	if err := m.saveFreeList(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	pf, err := Create(m.packfileName(id), id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cacheHandle(id, pf)
	m.mu.Unlock()
	return pf, nil
}

// cacheHandle inserts pf into the LRU cache, evicting the oldest entry if
// the configured handle cache size would be exceeded. Caller holds m.mu.
func (m *Manager) cacheHandle(id uint32, pf *Packfile) {
	m.handles[id] = pf
	m.lruElem[id] = m.lru.PushFront(id)

	limit := m.cfg.HandleCacheSize
	if limit <= 0 {
		return
	}
	for m.lru.Len() > limit {
		back := m.lru.Back()
		if back == nil {
			break
		}
		evictID := back.Value.(uint32)
		if h, ok := m.handles[evictID]; ok {
			h.Close()
			delete(m.handles, evictID)
		}
		delete(m.lruElem, evictID)
		m.lru.Remove(back)
	}
}

// Close closes every cached handle and persists the freelist.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, pf := range m.handles {
		if err := pf.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.handles = make(map[uint32]*Packfile)
	m.lru = list.New()
	m.lruElem = make(map[uint32]*list.Element)
	return firstErr
}
