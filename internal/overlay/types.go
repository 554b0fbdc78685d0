// Package overlay implements the working-directory overlay: the mount
// core's in-memory data model (spec §4.8) sitting between a checked-out
// tree and the content-addressed object store. It tracks which paths are
// still exactly what HEAD's tree says, which have been copy-on-write
// materialized into a dirty temp file, and which directories have been
// lazily walked into memory — then turns a batch of such edits back into
// new Tree/Commit objects on Snapshot.
//
// This package models the mount's bookkeeping only; the kernel-facing
// FUSE request loop (go-fuse's nodefs.InodeEmbedder dispatch, platform
// mount setup) is the excluded collaborator spec.md calls out — it would
// just translate kernel requests into calls against the Overlay below.
package overlay

import (
	"sync"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/orivault/corevault/internal/hash"
)

// NodeType classifies a FileInfo's relationship to the object store.
type NodeType uint8

const (
	// Null is the zero value: a path not yet resolved against any tree.
	Null NodeType = iota
	// Committed means the path's content is exactly the Blob/LargeBlob
	// named by Hash, unmodified since it was read from a tree.
	Committed
	// Dirty means the path has been copy-on-write materialized into
	// TempPath and no longer matches Hash (if any).
	Dirty
	// Remote marks a path resolved from a peer rather than the local
	// object store (e.g. a pulled commit's tree not yet fully fetched).
	Remote
)

func (t NodeType) String() string {
	switch t {
	case Committed:
		return "Committed"
	case Dirty:
		return "Dirty"
	case Remote:
		return "Remote"
	default:
		return "Null"
	}
}

// FileInfo is one path's bookkeeping entry: a POSIX stat block (borrowed
// from go-fuse's kernel-facing Attr, per spec's data-model wiring) plus
// the overlay-specific fields that track where its content actually
// lives right now.
type FileInfo struct {
	fuse.Attr

	Path     string
	Inode    uint64
	Type     NodeType
	Hash     hash.ObjectHash // valid when Type == Committed or after Snapshot
	TempPath string          // valid when Type == Dirty
	IsDir    bool
	Symlink  string

	Refcount  int // hard-link count; corevault trees don't support hardlinks, always 1
	OpenCount int // number of live handles against this path
}

// Dir is one directory's lazily-materialized listing: name -> child inode.
type Dir struct {
	Entries map[string]uint64
	Dirty   bool
}

func newDir() *Dir {
	return &Dir{Entries: make(map[string]uint64)}
}

// diffAccumulator records the working tree's pending edits relative to
// HEAD, per path, until the next Snapshot consumes and clears it.
type diffAccumulator struct {
	mu       sync.Mutex
	created  map[string]bool
	deleted  map[string]bool
	modified map[string]bool
	renamed  map[string]string // old path -> new path
}

func newDiffAccumulator() *diffAccumulator {
	return &diffAccumulator{
		created:  make(map[string]bool),
		deleted:  make(map[string]bool),
		modified: make(map[string]bool),
		renamed:  make(map[string]string),
	}
}

func (d *diffAccumulator) markCreated(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.deleted, path)
	d.created[path] = true
}

func (d *diffAccumulator) markModified(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.created[path] {
		return // already a create; stays a create
	}
	d.modified[path] = true
}

func (d *diffAccumulator) markDeleted(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.created, path)
	delete(d.modified, path)
	d.deleted[path] = true
}

// markRenamed merges an overlapping edit: renaming a path that was itself
// just created collapses to a create at the new path, matching "merges
// overlapping edits" in spec §4.8.
func (d *diffAccumulator) markRenamed(oldPath, newPath string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.created[oldPath] {
		delete(d.created, oldPath)
		d.created[newPath] = true
		return
	}
	delete(d.modified, oldPath)
	d.deleted[oldPath] = true
	d.renamed[oldPath] = newPath
	d.created[newPath] = true
}

func (d *diffAccumulator) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.created = make(map[string]bool)
	d.deleted = make(map[string]bool)
	d.modified = make(map[string]bool)
	d.renamed = make(map[string]string)
}

// snapshot returns every path touched since the last reset: created or
// modified (both need re-materializing into the object store) and
// deleted (needs removing from its parent tree).
func (d *diffAccumulator) snapshot() (touched, deletedPaths []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	seen := make(map[string]bool)
	for p := range d.created {
		if !seen[p] {
			touched = append(touched, p)
			seen[p] = true
		}
	}
	for p := range d.modified {
		if !seen[p] {
			touched = append(touched, p)
			seen[p] = true
		}
	}
	for p := range d.deleted {
		deletedPaths = append(deletedPaths, p)
	}
	return touched, deletedPaths
}
