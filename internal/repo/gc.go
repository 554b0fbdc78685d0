package repo

import (
	"fmt"

	"github.com/orivault/corevault/internal/hash"
	"github.com/orivault/corevault/internal/metadatalog"
	"github.com/orivault/corevault/internal/model"
	"github.com/orivault/corevault/internal/objtype"
	"github.com/orivault/corevault/pkg/errors"
)

// decrefTree decrements h's refcount, recursing into its entries only when
// the decrement brings the count to zero — symmetric with
// addTreeBackrefs' "only recurse on first reference" rule.
func (r *Repository) decrefTree(tx *metadatalog.MdTransaction, h hash.ObjectHash) error {
	if h.IsEmpty() {
		return nil
	}
	tx.DecRef(h)
	if tx.PendingRefCount(h) != 0 {
		return nil
	}
	t, err := r.GetTree(h)
	if err != nil {
		return err
	}
	for _, e := range t.Entries {
		switch e.Type {
		case model.EntryTree:
			if err := r.decrefTree(tx, e.Hash); err != nil {
				return err
			}
		case model.EntryLargeBlob:
			if err := r.decrefLB(tx, e.LargeHash); err != nil {
				return err
			}
		case model.EntryBlob, model.EntrySymlink:
			tx.DecRef(e.Hash)
		}
	}
	return nil
}

// decrefLB decrements h's refcount, recursing into its chunks only when
// the decrement brings the count to zero.
func (r *Repository) decrefLB(tx *metadatalog.MdTransaction, h hash.ObjectHash) error {
	if h.IsEmpty() {
		return nil
	}
	tx.DecRef(h)
	if tx.PendingRefCount(h) != 0 {
		return nil
	}
	lb, err := r.GetLargeBlob(h)
	if err != nil {
		return err
	}
	for _, e := range lb.Entries {
		tx.DecRef(e.Hash)
	}
	return nil
}

// getSubtreeObjects returns every hash reachable from root (root itself,
// every nested Tree, every LargeBlob manifest and the chunks it
// references, and every plain Blob/symlink target) — the unconditional
// full walk PurgeCommit needs to find purge candidates, as opposed to
// addTreeBackrefs/decrefTree's refcount-gated walk.
func (r *Repository) getSubtreeObjects(root hash.ObjectHash) ([]hash.ObjectHash, error) {
	if root.IsEmpty() {
		return nil, nil
	}
	out := []hash.ObjectHash{root}
	t, err := r.GetTree(root)
	if err != nil {
		return nil, err
	}
	for _, e := range t.Entries {
		switch e.Type {
		case model.EntryTree:
			sub, err := r.getSubtreeObjects(e.Hash)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
		case model.EntryLargeBlob:
			out = append(out, e.LargeHash)
			lb, err := r.GetLargeBlob(e.LargeHash)
			if err != nil {
				return nil, err
			}
			for _, c := range lb.Entries {
				out = append(out, c.Hash)
			}
		case model.EntryBlob, model.EntrySymlink:
			out = append(out, e.Hash)
		}
	}
	return out, nil
}

// PurgeObject marks h's content for physical removal on the next Gc. Only
// Blob objects may be purged this way — trees, commits, and largeblob
// manifests are small bookkeeping objects kept forever, per spec §7's
// UNSUPPORTED_PURGE error kind.
func (r *Repository) PurgeObject(h hash.ObjectHash) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.index.GetEntry(h)
	if !ok {
		return nil
	}
	if entry.Info.Type != objtype.Blob {
		return errors.NewError(errors.ErrCodeUnsupportedPurge,
			fmt.Sprintf("cannot purge object %s of type %s; only Blob objects may be purged", h, entry.Info.Type)).
			WithComponent("repo").WithOperation("PurgeObject")
	}
	if rc := r.metadata.GetRefCount(h); rc != 0 {
		return errors.NewError(errors.ErrCodeUnsupportedPurge,
			fmt.Sprintf("cannot purge object %s: still referenced (refcount=%d)", h, rc)).
			WithComponent("repo").WithOperation("PurgeObject")
	}
	entry.Info.Type = objtype.Purged
	if err := r.index.UpdateEntry(h, entry); err != nil {
		return err
	}
	r.purged[h] = struct{}{}
	return nil
}

// PurgeCommit decrements the refcounts commitID's tree and parents contributed,
// purges every now-unreferenced Blob reachable from that tree, and tags
// the commit "purged". The commit object itself is never removed — only
// the Blob content it was the last reference to is reclaimed. Purging the
// current HEAD commit is rejected.
func (r *Repository) PurgeCommit(commitID hash.ObjectHash) error {
	head, err := r.GetHead()
	if err != nil {
		return err
	}
	if commitID == head {
		return errors.NewError(errors.ErrCodePurgeHeadCommit,
			fmt.Sprintf("cannot purge %s: it is the current HEAD commit", commitID)).
			WithComponent("repo").WithOperation("PurgeCommit")
	}

	c, err := r.GetCommit(commitID)
	if err != nil {
		return err
	}

	tx := r.metadata.Begin()
	if err := r.decrefTree(tx, c.Tree); err != nil {
		return err
	}
	if !c.Parent1.IsEmpty() {
		tx.DecRef(c.Parent1)
	}
	if !c.Parent2.IsEmpty() {
		tx.DecRef(c.Parent2)
	}
	tx.SetMeta(commitID, metaKeyStatus, StatusPurging)
	if err := tx.Commit(); err != nil {
		return err
	}

	objs, err := r.getSubtreeObjects(c.Tree)
	if err != nil {
		return err
	}
	for _, h := range objs {
		info, err := r.GetObjectInfo(h)
		if err != nil {
			return err
		}
		if info.Type != objtype.Blob {
			continue
		}
		if r.metadata.GetRefCount(h) == 0 {
			if err := r.PurgeObject(h); err != nil {
				return err
			}
		}
	}

	tx2 := r.metadata.Begin()
	tx2.SetMeta(commitID, metaKeyStatus, StatusPurged)
	return tx2.Commit()
}

// ListCommits returns every Commit object's hash, unordered.
func (r *Repository) ListCommits() []hash.ObjectHash {
	var out []hash.ObjectHash
	for _, info := range r.index.List() {
		if info.Type == objtype.Commit {
			out = append(out, info.Hash)
		}
	}
	return out
}

// PurgeFuseCommits purges every commit tagged status "fuse" — an
// overlay filesystem's transient working-state checkpoints — reclaiming
// their tree's now-unreferenced Blob content.
func (r *Repository) PurgeFuseCommits() error {
	for _, h := range r.ListCommits() {
		status, ok := r.metadata.GetMeta(h, metaKeyStatus)
		if !ok || status != StatusFuse {
			continue
		}
		if err := r.PurgeCommit(h); err != nil {
			return err
		}
	}
	return nil
}

// RecomputeRefCounts rebuilds every object's refcount from scratch by
// scanning the full object listing: each Commit contributes to its tree
// and up to two parents, each Tree to its entries, each LargeBlob to its
// chunks. Used to repair refcount drift (testable property RC1/RC2) or
// after a metadata log recovery that could not fully trust its replay.
func (r *Repository) RecomputeRefCounts() error {
	if err := r.Sync(); err != nil {
		return err
	}

	counts := make(map[hash.ObjectHash]int32)
	inc := func(h hash.ObjectHash) {
		if !h.IsEmpty() {
			counts[h]++
		}
	}

	for _, info := range r.ListObjects() {
		switch info.Type {
		case objtype.Commit:
			c, err := r.GetCommit(info.Hash)
			if err != nil {
				return err
			}
			inc(c.Tree)
			inc(c.Parent1)
			inc(c.Parent2)
		case objtype.Tree:
			t, err := r.GetTree(info.Hash)
			if err != nil {
				return err
			}
			for _, e := range t.Entries {
				switch e.Type {
				case model.EntryTree, model.EntryBlob, model.EntrySymlink:
					inc(e.Hash)
				case model.EntryLargeBlob:
					inc(e.LargeHash)
				}
			}
		case objtype.LargeBlob:
			lb, err := r.GetLargeBlob(info.Hash)
			if err != nil {
				return err
			}
			for _, c := range lb.Entries {
				inc(c.Hash)
			}
		}
	}

	if err := r.metadata.RewriteRefCounts(counts); err != nil {
		return err
	}
	return r.metadata.Rewrite()
}

// Gc reclaims every Blob PurgeObject/PurgeCommit has marked: it flushes
// any pending packfile transaction, compacts the index and metadata log,
// then rewrites each affected packfile without its purged members'
// content.
func (r *Repository) Gc() error {
	if err := r.Sync(); err != nil {
		return err
	}
	if err := r.index.Rewrite(); err != nil {
		return err
	}
	if err := r.metadata.Rewrite(); err != nil {
		return err
	}
	if err := r.snapshots.Rewrite(); err != nil {
		return err
	}

	r.mu.RLock()
	grouped := make(map[uint32]map[hash.ObjectHash]struct{})
	var reclaimed int64
	for h := range r.purged {
		entry, ok := r.index.GetEntry(h)
		if !ok {
			continue
		}
		if grouped[entry.PackfileID] == nil {
			grouped[entry.PackfileID] = make(map[hash.ObjectHash]struct{})
		}
		grouped[entry.PackfileID][h] = struct{}{}
		reclaimed += int64(entry.PackedSize)
	}
	r.mu.RUnlock()

	for pfID, set := range grouped {
		pf, err := r.packfiles.GetPackfile(pfID)
		if err != nil {
			return fmt.Errorf("repo: gc open packfile %d: %w", pfID, err)
		}
		survivors, _, err := pf.Purge(set, r.cfg.Packfile)
		if err != nil {
			return fmt.Errorf("repo: gc purge packfile %d: %w", pfID, err)
		}
		for h := range set {
			r.index.RemoveEntry(h)
		}
		if err := r.index.UpdateEntries(survivors); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.purged = make(map[hash.ObjectHash]struct{})
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordGc(reclaimed)
	}

	return r.index.Rewrite()
}
