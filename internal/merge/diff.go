package merge

import (
	"path"

	"github.com/orivault/corevault/internal/hash"
	"github.com/orivault/corevault/internal/model"
	"github.com/orivault/corevault/internal/repo"
)

// flattenTree walks treeHash recursively and returns every entry (files,
// symlinks, and the directories themselves) keyed by its full slash-path
// relative to the tree's root, the shape spec §4.9 calls "flattened
// trees" — turning a nested Tree/TreeEntry structure into a flat map so
// two commits' trees can be diffed path-by-path regardless of depth.
func flattenTree(r *repo.Repository, treeHash hash.ObjectHash) (map[string]model.TreeEntry, error) {
	out := make(map[string]model.TreeEntry)
	if treeHash.IsEmpty() {
		return out, nil
	}
	var walk func(h hash.ObjectHash, prefix string) error
	walk = func(h hash.ObjectHash, prefix string) error {
		tree, err := r.GetTree(h)
		if err != nil {
			return err
		}
		for _, e := range tree.Entries {
			p := path.Join(prefix, e.Name)
			out[p] = e
			if e.Type == model.EntryTree {
				if err := walk(e.Hash, p); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(treeHash, ""); err != nil {
		return nil, err
	}
	return out, nil
}

// entryHash returns the hash that identifies e's content, reading it from
// LargeHash for EntryLargeBlob entries and from Hash otherwise (the same
// convention internal/repo's gc.go/commit.go/pull.go all follow).
func entryHash(e model.TreeEntry) hash.ObjectHash {
	if e.Type == model.EntryLargeBlob {
		return e.LargeHash
	}
	return e.Hash
}

// sameContent reports whether two entries for the same path are
// indistinguishable for merge purposes: same kind and same content hash.
// Directories are always "same" here (their children are diffed
// independently; a directory entry itself never conflicts).
func sameContent(a, b model.TreeEntry) bool {
	if a.Type == model.EntryTree && b.Type == model.EntryTree {
		return true
	}
	return a.Type == b.Type && entryHash(a) == entryHash(b)
}

// changeKind classifies how a path changed between base and side.
type changeKind int

const (
	unchanged changeKind = iota
	added
	modified
	deleted
)

// classify reports how side's entry for path differs from base's.
func classify(base, side map[string]model.TreeEntry, p string) changeKind {
	b, inBase := base[p]
	s, inSide := side[p]
	switch {
	case !inBase && inSide:
		return added
	case inBase && !inSide:
		return deleted
	case !inBase && !inSide:
		return unchanged
	case sameContent(b, s):
		return unchanged
	default:
		return modified
	}
}
