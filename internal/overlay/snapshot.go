package overlay

import (
	"fmt"
	"os"
	"os/user"

	"github.com/orivault/corevault/internal/hash"
	"github.com/orivault/corevault/internal/model"
	"github.com/orivault/corevault/internal/objtype"
)

// Snapshot walks the overlay bottom-up (spec §4.8): every Dirty file is
// materialized into a Blob/LargeBlob via AddFile, every directory touched
// since the last Snapshot gets a freshly-synthesized Tree reusing
// unchanged subtrees' hashes unmodified, and the new root Tree is
// committed via CommitFromTree. Temp files whose handles are all closed
// are removed; the overlay is then reset to the new HEAD.
func (o *Overlay) Snapshot(username string, message string, timestamp uint64) (hash.ObjectHash, error) {
	o.mu.Lock()
	newRoot, err := o.rebuildTreeLocked(rootInode)
	if err != nil {
		o.mu.Unlock()
		return hash.Empty, err
	}
	cleanup := o.collectClosedTempFilesLocked()
	o.mu.Unlock()

	commitID, err := o.r.CommitFromTree(newRoot, username, message, timestamp)
	if err != nil {
		return hash.Empty, fmt.Errorf("overlay: commit: %w", err)
	}

	for _, p := range cleanup {
		os.Remove(p)
	}
	o.diff.reset()
	if err := o.reset(); err != nil {
		return hash.Empty, err
	}
	return commitID, nil
}

// rebuildTreeLocked returns inode's up-to-date content hash: the stored
// hash unmodified if inode (a file) or its directory was never
// materialized (so provably untouched since HEAD), or a freshly
// synthesized Blob/LargeBlob/Tree hash otherwise. Must be called with
// o.mu held.
func (o *Overlay) rebuildTreeLocked(inode uint64) (hash.ObjectHash, error) {
	info, ok := o.nodes[inode]
	if !ok {
		return hash.Empty, fmt.Errorf("overlay: unknown inode %d", inode)
	}

	if !info.IsDir {
		if info.Type != Dirty {
			return info.Hash, nil
		}
		data, err := os.ReadFile(info.TempPath)
		if err != nil {
			return hash.Empty, fmt.Errorf("overlay: read dirty file %q: %w", info.Path, err)
		}
		h, _, err := o.r.AddFile(data)
		if err != nil {
			return hash.Empty, fmt.Errorf("overlay: add file %q: %w", info.Path, err)
		}
		info.Hash = h
		info.Size = uint64(len(data))
		info.Type = Committed
		return h, nil
	}

	d, materialized := o.dirs[inode]
	if !materialized {
		// Never walked into; nothing beneath could have changed.
		return info.Hash, nil
	}

	tree := model.NewTree()
	for name, childInode := range d.Entries {
		child := o.nodes[childInode]
		childHash, err := o.rebuildTreeLocked(childInode)
		if err != nil {
			return hash.Empty, err
		}
		entry := model.TreeEntry{
			Name:  name,
			Attrs: attrsFromFileInfo(child, resolveUsername(child.Mode), resolveGroupname()),
		}
		switch {
		case child.IsDir:
			entry.Type = model.EntryTree
			entry.Hash = childHash
		case child.Symlink != "":
			entry.Type = model.EntrySymlink
			entry.Hash = childHash
			entry.Attrs[model.AttrSymlink] = child.Symlink
		default:
			info, err := o.r.GetObjectInfo(childHash)
			if err != nil {
				return hash.Empty, err
			}
			if info.Type == objtype.LargeBlob {
				entry.Type = model.EntryLargeBlob
				entry.LargeHash = childHash
			} else {
				entry.Type = model.EntryBlob
				entry.Hash = childHash
			}
		}
		tree.Add(entry)
	}

	h, err := o.r.AddTree(tree)
	if err != nil {
		return hash.Empty, fmt.Errorf("overlay: add tree %q: %w", info.Path, err)
	}
	info.Hash = h
	info.Type = Committed
	d.Dirty = false
	return h, nil
}

// collectClosedTempFilesLocked returns the temp file paths of every now-
// Committed-but-formerly-Dirty node whose open-count has already dropped
// to zero, safe to delete once Snapshot's commit lands.
func (o *Overlay) collectClosedTempFilesLocked() []string {
	var out []string
	for _, info := range o.nodes {
		if info.TempPath != "" && info.OpenCount <= 0 {
			out = append(out, info.TempPath)
			info.TempPath = ""
		}
	}
	return out
}

// resolveUsername and resolveGroupname fill a TreeEntry's required
// ownership attrs from the current process identity — corevault trees
// record an owning name, not a numeric id, so there is no uid/gid to
// carry through from fuse.Attr.Owner here.
func resolveUsername(_ uint32) string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "unknown"
}

func resolveGroupname() string {
	if u, err := user.Current(); err == nil {
		if g, err := user.LookupGroupId(u.Gid); err == nil {
			return g.Name
		}
	}
	return "unknown"
}
