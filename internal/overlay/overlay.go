package overlay

import (
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/orivault/corevault/internal/hash"
	"github.com/orivault/corevault/internal/model"
	"github.com/orivault/corevault/internal/objtype"
	"github.com/orivault/corevault/internal/repo"
	"github.com/orivault/corevault/pkg/errors"
)

// rootInode is the fixed inode number of the overlay root directory.
const rootInode = 1

// snapshotDirName is the virtual directory name under which named
// snapshots are exposed read-only (spec §4.8's "snapshot namespace").
const snapshotDirName = ".snapshot"

// Overlay is the working-directory data model sitting on top of a
// Repository: a lazily-materialized directory/inode table, copy-on-write
// dirty files, and a pending tree-diff ready for the next Snapshot.
type Overlay struct {
	mu sync.RWMutex // namespace lock (spec §5): guards nodes/dirs/pathIndex

	r      *repo.Repository
	tmpDir string

	headTree hash.ObjectHash // tree of HEAD as of the last resolve/reset

	nodes     map[uint64]*FileInfo
	dirs      map[uint64]*Dir
	pathIndex map[string]uint64

	nextInode uint64
	nextFH    uint64

	handlesMu sync.Mutex
	handles   map[uint64]*FileInfo

	diff *diffAccumulator
}

// New builds an Overlay over r, rooted at HEAD's current tree. tmpDir
// holds copy-on-write scratch files (spec's "temporary file path" per
// dirty FileInfo); an empty tmpDir uses os.TempDir().
func New(r *repo.Repository, tmpDir string) (*Overlay, error) {
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}
	o := &Overlay{
		r:         r,
		tmpDir:    tmpDir,
		nodes:     make(map[uint64]*FileInfo),
		dirs:      make(map[uint64]*Dir),
		pathIndex: make(map[string]uint64),
		nextInode: rootInode + 1,
		nextFH:    1,
		handles:   make(map[uint64]*FileInfo),
		diff:      newDiffAccumulator(),
	}
	if err := o.reset(); err != nil {
		return nil, err
	}
	return o, nil
}

// reset re-points the overlay at the repository's current HEAD, dropping
// every lazily-materialized node. Called at construction and after a
// successful Snapshot.
func (o *Overlay) reset() error {
	head, err := o.r.GetHead()
	if err != nil {
		return fmt.Errorf("overlay: get head: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	var treeHash hash.ObjectHash
	if !head.IsEmpty() {
		commit, err := o.r.GetCommit(head)
		if err != nil {
			return fmt.Errorf("overlay: get head commit: %w", err)
		}
		treeHash = commit.Tree
	}
	o.headTree = treeHash
	o.nodes = map[uint64]*FileInfo{rootInode: {Path: "", Inode: rootInode, Type: Committed, IsDir: true, Hash: treeHash, Refcount: 1}}
	o.dirs = make(map[uint64]*Dir)
	o.pathIndex = map[string]uint64{"": rootInode}
	return nil
}

func (o *Overlay) allocInode() uint64 {
	return atomic.AddUint64(&o.nextInode, 1) - 1
}

func (o *Overlay) allocFH() uint64 {
	return atomic.AddUint64(&o.nextFH, 1) - 1
}

func splitPath(p string) []string {
	p = strings.Trim(path.Clean("/"+p), "/")
	if p == "" || p == "." {
		return nil
	}
	return strings.Split(p, "/")
}

// materializeDir lazily loads inode's directory listing from its tree
// object, walking from HEAD's tree on first access (spec §4.8's "read
// path"). Must be called with o.mu held for writing.
func (o *Overlay) materializeDirLocked(inode uint64) (*Dir, error) {
	if d, ok := o.dirs[inode]; ok {
		return d, nil
	}
	info, ok := o.nodes[inode]
	if !ok {
		return nil, fmt.Errorf("overlay: unknown inode %d", inode)
	}
	d := newDir()
	if !info.Hash.IsEmpty() {
		tree, err := o.r.GetTree(info.Hash)
		if err != nil {
			return nil, fmt.Errorf("overlay: materialize dir %q: %w", info.Path, err)
		}
		for _, e := range tree.Entries {
			childPath := path.Join(info.Path, e.Name)
			childHash := e.Hash
			if e.Type == model.EntryLargeBlob {
				childHash = e.LargeHash
			}
			child := &FileInfo{
				Path:     childPath,
				Inode:    o.allocInode(),
				Type:     Committed,
				IsDir:    e.Type == model.EntryTree,
				Hash:     childHash,
				Symlink:  e.Attrs[model.AttrSymlink],
				Refcount: 1,
			}
			applyAttrs(child, e.Attrs)
			o.nodes[child.Inode] = child
			o.pathIndex[childPath] = child.Inode
			d.Entries[e.Name] = child.Inode
		}
	}
	o.dirs[inode] = d
	return d, nil
}

func applyAttrs(fi *FileInfo, attrs map[string]string) {
	if v, ok := attrs[model.AttrPerms]; ok {
		if mode, err := strconv.ParseUint(v, 8, 32); err == nil {
			fi.Mode = uint32(mode)
		}
	}
	if v, ok := attrs[model.AttrFilesize]; ok {
		if size, err := strconv.ParseUint(v, 10, 64); err == nil {
			fi.Size = size
		}
	}
	if v, ok := attrs[model.AttrMtime]; ok {
		if mtime, err := strconv.ParseUint(v, 10, 64); err == nil {
			fi.Mtime = mtime
		}
	}
	if v, ok := attrs[model.AttrCtime]; ok {
		if ctime, err := strconv.ParseUint(v, 10, 64); err == nil {
			fi.Ctime = ctime
		}
	}
}

func attrsFromFileInfo(fi *FileInfo, username, groupname string) map[string]string {
	return map[string]string{
		model.AttrPerms:     strconv.FormatUint(uint64(fi.Mode), 8),
		model.AttrUsername:  username,
		model.AttrGroupname: groupname,
		model.AttrFilesize:  strconv.FormatUint(fi.Size, 10),
		model.AttrMtime:     strconv.FormatUint(fi.Mtime, 10),
		model.AttrCtime:     strconv.FormatUint(fi.Ctime, 10),
	}
}

// resolveLocked walks parts from the root, materializing directories on
// demand, and returns the final component's FileInfo. Must be called
// with o.mu held for writing (materialization mutates o.dirs/o.nodes).
func (o *Overlay) resolveLocked(parts []string) (*FileInfo, error) {
	cur := rootInode
	for i, name := range parts {
		d, err := o.materializeDirLocked(cur)
		if err != nil {
			return nil, err
		}
		child, ok := d.Entries[name]
		if !ok {
			return nil, errors.NewError(errors.ErrCodeFileNotFound,
				fmt.Sprintf("overlay: no such path %q", path.Join(parts[:i+1]...))).WithComponent("overlay")
		}
		cur = child
	}
	return o.nodes[cur], nil
}

// Stat resolves p against the overlay, lazily materializing any
// directories on the path not yet loaded. p==".snapshot/<name>/..."
// resolves read-only against that named commit's tree instead.
func (o *Overlay) Stat(p string) (*FileInfo, error) {
	parts := splitPath(p)
	if len(parts) >= 2 && parts[0] == snapshotDirName {
		return o.statSnapshot(parts[1], parts[2:])
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	return o.resolveLocked(parts)
}

// statSnapshot resolves name/rest against a named snapshot's commit tree
// without touching the live overlay (spec §4.8's snapshot namespace).
func (o *Overlay) statSnapshot(name string, rest []string) (*FileInfo, error) {
	commitID, ok := o.r.Snapshots().Resolve(name)
	if !ok {
		return nil, errors.NewError(errors.ErrCodeFileNotFound,
			fmt.Sprintf("overlay: no such snapshot %q", name)).WithComponent("overlay")
	}
	commit, err := o.r.GetCommit(commitID)
	if err != nil {
		return nil, err
	}
	treeHash := commit.Tree
	var entry model.TreeEntry
	for i, part := range rest {
		tree, err := o.r.GetTree(treeHash)
		if err != nil {
			return nil, err
		}
		e, ok := tree.Get(part)
		if !ok {
			return nil, errors.NewError(errors.ErrCodeFileNotFound,
				fmt.Sprintf("overlay: no such path %q in snapshot %q", strings.Join(rest[:i+1], "/"), name)).WithComponent("overlay")
		}
		entry = e
		treeHash = e.Hash
	}
	fi := &FileInfo{
		Path:     path.Join(snapshotDirName, name, path.Join(rest...)),
		Type:     Committed,
		IsDir:    len(rest) == 0 || entry.Type == model.EntryTree,
		Hash:     treeHash,
		Refcount: 1,
	}
	if len(rest) > 0 {
		applyAttrs(fi, entry.Attrs)
	}
	return fi, nil
}

// Open resolves (or, for a new file, creates) p and returns a file
// handle. writable triggers copy-on-write materialization of a committed
// file into a temp file (spec §4.8's "write path").
func (o *Overlay) Open(p string, writable, create bool) (uint64, error) {
	o.mu.Lock()
	fi, err := o.resolveLocked(splitPath(p))
	if err != nil {
		if !create {
			o.mu.Unlock()
			return 0, err
		}
		fi, err = o.createLocked(p)
		if err != nil {
			o.mu.Unlock()
			return 0, err
		}
	}
	if writable && fi.Type == Committed {
		if err := o.materializeDirtyLocked(fi); err != nil {
			o.mu.Unlock()
			return 0, err
		}
	}
	fi.OpenCount++
	o.mu.Unlock()

	fh := o.allocFH()
	o.handlesMu.Lock()
	o.handles[fh] = fi
	o.handlesMu.Unlock()
	return fh, nil
}

// createLocked adds a new zero-length Dirty file at p, inserting it into
// its parent directory's listing. Must be called with o.mu held.
func (o *Overlay) createLocked(p string) (*FileInfo, error) {
	parts := splitPath(p)
	if len(parts) == 0 {
		return nil, fmt.Errorf("overlay: cannot create root")
	}
	parentParts := parts[:len(parts)-1]
	name := parts[len(parts)-1]
	parentInode := rootInode
	if len(parentParts) > 0 {
		parent, err := o.resolveLocked(parentParts)
		if err != nil {
			return nil, err
		}
		parentInode = parent.Inode
	}
	d, err := o.materializeDirLocked(parentInode)
	if err != nil {
		return nil, err
	}
	if _, exists := d.Entries[name]; exists {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, fmt.Sprintf("overlay: %q already exists", p)).WithComponent("overlay")
	}

	tmp, err := os.CreateTemp(o.tmpDir, "corevault-overlay-*")
	if err != nil {
		return nil, fmt.Errorf("overlay: create temp file: %w", err)
	}
	tmp.Close()

	fi := &FileInfo{
		Path:     p,
		Inode:    o.allocInode(),
		Type:     Dirty,
		TempPath: tmp.Name(),
		Refcount: 1,
	}
	fi.Mode = 0o644
	o.nodes[fi.Inode] = fi
	o.pathIndex[p] = fi.Inode
	d.Entries[name] = fi.Inode
	d.Dirty = true
	o.diff.markCreated(p)
	return fi, nil
}

// Symlink creates a symbolic link at p pointing at target. Like a regular
// file it starts Dirty; Snapshot stores target as the link's content Blob.
func (o *Overlay) Symlink(p, target string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	fi, err := o.createLocked(p)
	if err != nil {
		return err
	}
	if err := os.WriteFile(fi.TempPath, []byte(target), 0o644); err != nil {
		return fmt.Errorf("overlay: write symlink target: %w", err)
	}
	fi.Symlink = target
	fi.Size = uint64(len(target))
	fi.Mode = 0o120777
	return nil
}

// materializeDirtyLocked copy-on-write promotes a Committed file to
// Dirty: its current content is read from the object store into a fresh
// temp file, and future writes go there instead.
func (o *Overlay) materializeDirtyLocked(fi *FileInfo) error {
	data, err := o.r.GetFile(fi.Hash)
	if err != nil {
		return fmt.Errorf("overlay: materialize %q: %w", fi.Path, err)
	}
	tmp, err := os.CreateTemp(o.tmpDir, "corevault-overlay-*")
	if err != nil {
		return fmt.Errorf("overlay: create temp file: %w", err)
	}
	defer tmp.Close()
	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("overlay: write temp file: %w", err)
	}
	fi.Type = Dirty
	fi.TempPath = tmp.Name()
	o.diff.markModified(fi.Path)
	return nil
}

func (o *Overlay) handle(fh uint64) (*FileInfo, error) {
	o.handlesMu.Lock()
	defer o.handlesMu.Unlock()
	fi, ok := o.handles[fh]
	if !ok {
		return nil, fmt.Errorf("overlay: no such file handle %d", fh)
	}
	return fi, nil
}

// Read reads len(buf) bytes at offset from fh's file, reading committed
// content through the object store (binary-searching the owning chunk
// for a LargeBlob) or the dirty temp file otherwise.
func (o *Overlay) Read(fh uint64, buf []byte, offset int64) (int, error) {
	fi, err := o.handle(fh)
	if err != nil {
		return 0, err
	}
	if fi.Type == Dirty {
		f, err := os.Open(fi.TempPath)
		if err != nil {
			return 0, fmt.Errorf("overlay: open temp file: %w", err)
		}
		defer f.Close()
		return f.ReadAt(buf, offset)
	}
	return readCommittedAt(o.r, fi.Hash, buf, offset)
}

// readCommittedAt reads len(buf) bytes at offset from the committed
// object h, binary-searching a LargeBlob manifest for the owning chunk(s)
// rather than reconstructing the whole file (spec §4.8's read path).
func readCommittedAt(r *repo.Repository, h hash.ObjectHash, buf []byte, offset int64) (int, error) {
	info, err := r.GetObjectInfo(h)
	if err != nil {
		return 0, err
	}
	if info.Type == objtype.Blob {
		data, err := r.GetBlob(h)
		if err != nil {
			return 0, err
		}
		if offset >= int64(len(data)) {
			return 0, io.EOF
		}
		return copy(buf, data[offset:]), nil
	}

	lb, err := r.GetLargeBlob(h)
	if err != nil {
		return 0, err
	}
	offsets := make([]int64, len(lb.Entries)+1)
	for i, e := range lb.Entries {
		offsets[i+1] = offsets[i] + int64(e.Length)
	}
	if offset >= offsets[len(offsets)-1] {
		return 0, io.EOF
	}
	// Binary search for the first chunk whose span contains offset.
	start := sort.Search(len(lb.Entries), func(i int) bool { return offsets[i+1] > offset })

	var n int
	for i := start; i < len(lb.Entries) && n < len(buf); i++ {
		chunk, err := r.GetBlob(lb.Entries[i].Hash)
		if err != nil {
			return n, err
		}
		chunkOffset := offset + int64(n) - offsets[i]
		if chunkOffset < 0 || chunkOffset >= int64(len(chunk)) {
			break
		}
		n += copy(buf[n:], chunk[chunkOffset:])
	}
	return n, nil
}

// Write writes data at offset into fh's (necessarily Dirty) file.
func (o *Overlay) Write(fh uint64, data []byte, offset int64) (int, error) {
	fi, err := o.handle(fh)
	if err != nil {
		return 0, err
	}
	if fi.Type != Dirty {
		return 0, fmt.Errorf("overlay: write to non-dirty path %q (open for write first)", fi.Path)
	}
	f, err := os.OpenFile(fi.TempPath, os.O_RDWR, 0o644)
	if err != nil {
		return 0, fmt.Errorf("overlay: open temp file: %w", err)
	}
	defer f.Close()
	n, err := f.WriteAt(data, offset)
	if err != nil {
		return n, err
	}
	if end := uint64(offset) + uint64(n); end > fi.Size {
		fi.Size = end
	}
	o.diff.markModified(fi.Path)
	return n, nil
}

// Close releases fh. If its FileInfo's open-count drops to zero and it
// was already rolled into a Snapshot, its temp file is removed.
func (o *Overlay) Close(fh uint64) error {
	fi, err := o.handle(fh)
	if err != nil {
		return err
	}
	o.handlesMu.Lock()
	delete(o.handles, fh)
	o.handlesMu.Unlock()

	o.mu.Lock()
	fi.OpenCount--
	shouldClean := fi.OpenCount <= 0 && fi.Type == Committed && fi.TempPath != ""
	o.mu.Unlock()
	if shouldClean {
		os.Remove(fi.TempPath)
		fi.TempPath = ""
	}
	return nil
}

// Mkdir creates an empty directory at p.
func (o *Overlay) Mkdir(p string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, err := o.resolveLocked(splitPath(p)); err == nil {
		return errors.NewError(errors.ErrCodeInvalidConfig, fmt.Sprintf("overlay: %q already exists", p)).WithComponent("overlay")
	}
	parts := splitPath(p)
	parentInode := rootInode
	if len(parts) > 1 {
		parent, err := o.resolveLocked(parts[:len(parts)-1])
		if err != nil {
			return err
		}
		parentInode = parent.Inode
	}
	d, err := o.materializeDirLocked(parentInode)
	if err != nil {
		return err
	}
	name := parts[len(parts)-1]
	fi := &FileInfo{Path: p, Inode: o.allocInode(), Type: Dirty, IsDir: true, Refcount: 1}
	fi.Mode = 0o755
	o.nodes[fi.Inode] = fi
	o.pathIndex[p] = fi.Inode
	o.dirs[fi.Inode] = newDir()
	d.Entries[name] = fi.Inode
	d.Dirty = true
	o.diff.markCreated(p)
	return nil
}

// Rmdir removes the empty directory at p.
func (o *Overlay) Rmdir(p string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	fi, err := o.resolveLocked(splitPath(p))
	if err != nil {
		return err
	}
	if !fi.IsDir {
		return errors.NewError(errors.ErrCodeInvalidConfig, fmt.Sprintf("overlay: %q is not a directory", p)).WithComponent("overlay")
	}
	if d, err := o.materializeDirLocked(fi.Inode); err == nil && len(d.Entries) > 0 {
		return errors.NewError(errors.ErrCodeInvalidConfig, fmt.Sprintf("overlay: %q is not empty", p)).WithComponent("overlay")
	}
	return o.removeLocked(p, fi)
}

// Remove unlinks the file at p.
func (o *Overlay) Remove(p string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	fi, err := o.resolveLocked(splitPath(p))
	if err != nil {
		return err
	}
	return o.removeLocked(p, fi)
}

func (o *Overlay) removeLocked(p string, fi *FileInfo) error {
	parts := splitPath(p)
	parentInode := rootInode
	if len(parts) > 1 {
		parent, err := o.resolveLocked(parts[:len(parts)-1])
		if err != nil {
			return err
		}
		parentInode = parent.Inode
	}
	d, err := o.materializeDirLocked(parentInode)
	if err != nil {
		return err
	}
	delete(d.Entries, parts[len(parts)-1])
	d.Dirty = true
	delete(o.nodes, fi.Inode)
	delete(o.pathIndex, p)
	delete(o.dirs, fi.Inode)
	o.diff.markDeleted(p)
	return nil
}

// Rename moves the entry at oldPath to newPath.
func (o *Overlay) Rename(oldPath, newPath string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	fi, err := o.resolveLocked(splitPath(oldPath))
	if err != nil {
		return err
	}

	oldParts := splitPath(oldPath)
	oldParentInode := rootInode
	if len(oldParts) > 1 {
		p, err := o.resolveLocked(oldParts[:len(oldParts)-1])
		if err != nil {
			return err
		}
		oldParentInode = p.Inode
	}
	oldDir, err := o.materializeDirLocked(oldParentInode)
	if err != nil {
		return err
	}

	newParts := splitPath(newPath)
	newParentInode := rootInode
	if len(newParts) > 1 {
		p, err := o.resolveLocked(newParts[:len(newParts)-1])
		if err != nil {
			return err
		}
		newParentInode = p.Inode
	}
	newDirEntries, err := o.materializeDirLocked(newParentInode)
	if err != nil {
		return err
	}

	delete(oldDir.Entries, oldParts[len(oldParts)-1])
	oldDir.Dirty = true
	newDirEntries.Entries[newParts[len(newParts)-1]] = fi.Inode
	newDirEntries.Dirty = true

	delete(o.pathIndex, fi.Path)
	fi.Path = newPath
	o.pathIndex[newPath] = fi.Inode

	o.diff.markRenamed(oldPath, newPath)
	return nil
}

// ReadDir lists the directory at p, materializing it on first access.
func (o *Overlay) ReadDir(p string) ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fi, err := o.resolveLocked(splitPath(p))
	if err != nil {
		return nil, err
	}
	if !fi.IsDir {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, fmt.Sprintf("overlay: %q is not a directory", p)).WithComponent("overlay")
	}
	d, err := o.materializeDirLocked(fi.Inode)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(d.Entries))
	for name := range d.Entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
