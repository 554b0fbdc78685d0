package repo

import (
	"time"

	"github.com/orivault/corevault/internal/hash"
	"github.com/orivault/corevault/internal/metadatalog"
	"github.com/orivault/corevault/internal/model"
)

// Commit statuses recorded as per-commit metadata (spec §9's supplemented
// "status" key). "normal" commits advance HEAD; "fuse" commits are
// transient working-state snapshots an overlay filesystem records between
// real commits and later squashes away via PurgeFuseCommits; "purging"/
// "purged" mark a commit mid-way through PurgeCommit.
const (
	StatusNormal  = "normal"
	StatusFuse    = "fuse"
	StatusPurging = "purging"
	StatusPurged  = "purged"
)

const metaKeyStatus = "status"

// newCommit fills in a Commit's defaults and parent linkage (from any
// pending merge state, else the current HEAD) and opportunistically signs
// it if a signer is installed — a missing or unconfigured signer simply
// leaves the commit unsigned rather than failing it, matching the
// original's swallow-if-no-private-key behavior.
func (r *Repository) newCommit(tree hash.ObjectHash, user, message string, timestamp uint64) (model.Commit, error) {
	if message == "" {
		message = "(no message)"
	}
	if user == "" {
		user = "unknown"
	}
	if timestamp == 0 {
		timestamp = uint64(time.Now().Unix())
	}

	var parent1, parent2 hash.ObjectHash
	if r.HasMergeState() {
		ms, err := r.GetMergeState()
		if err != nil {
			return model.Commit{}, err
		}
		parent1, parent2 = ms.Parents()
	} else {
		h, err := r.GetHead()
		if err != nil {
			return model.Commit{}, err
		}
		parent1 = h
	}

	c := model.Commit{
		Version:   model.CurrentVersion,
		Parent1:   parent1,
		Parent2:   parent2,
		Tree:      tree,
		User:      user,
		Message:   message,
		Timestamp: timestamp,
	}

	if r.signer != nil {
		if payload, err := c.Marshal(); err == nil {
			if sig, signErr := r.signer.Sign(payload); signErr == nil {
				c.Signature = sig
			}
		}
	}
	return c, nil
}

// finalizeCommit stores c, records its tree's backrefs, tags it with
// status, and — for a "normal" commit — advances HEAD and clears any
// pending merge state.
func (r *Repository) finalizeCommit(c model.Commit, status string) (hash.ObjectHash, error) {
	commitID, err := r.addCommitPayload(c)
	if err != nil {
		return hash.Empty, err
	}

	tx := r.metadata.Begin()
	if err := r.addCommitBackrefs(tx, c); err != nil {
		return hash.Empty, err
	}
	tx.SetMeta(commitID, metaKeyStatus, status)
	if err := tx.Commit(); err != nil {
		return hash.Empty, err
	}

	if status == StatusNormal {
		r.mu.Lock()
		err := r.updateHead(commitID)
		r.mu.Unlock()
		if err != nil {
			return hash.Empty, err
		}
		if r.HasMergeState() {
			if err := r.ClearMergeState(); err != nil {
				return hash.Empty, err
			}
		}
	}
	return commitID, nil
}

// CommitFromTree creates and stores a normal commit rooted at tree,
// advancing HEAD (and resolving any pending merge) on success.
func (r *Repository) CommitFromTree(tree hash.ObjectHash, user, message string, timestamp uint64) (hash.ObjectHash, error) {
	c, err := r.newCommit(tree, user, message, timestamp)
	if err != nil {
		return hash.Empty, err
	}
	return r.finalizeCommit(c, StatusNormal)
}

// CommitGraft creates a commit like CommitFromTree but tagged with a
// GraftRecord marking it as the reattachment point of history pulled in
// from another repository (SPEC_FULL's supplemented graft-commit feature).
func (r *Repository) CommitGraft(tree hash.ObjectHash, user, message string, timestamp uint64, graft model.GraftRecord) (hash.ObjectHash, error) {
	c, err := r.newCommit(tree, user, message, timestamp)
	if err != nil {
		return hash.Empty, err
	}
	c.Graft = &graft
	return r.finalizeCommit(c, StatusNormal)
}

// CommitFuse records a transient working-state snapshot tagged status
// "fuse" without advancing HEAD. An overlay filesystem uses this to
// checkpoint in-progress edits between real commits; PurgeFuseCommits
// later reclaims every fuse commit's tree.
func (r *Repository) CommitFuse(tree hash.ObjectHash, user, message string, timestamp uint64) (hash.ObjectHash, error) {
	c, err := r.newCommit(tree, user, message, timestamp)
	if err != nil {
		return hash.Empty, err
	}
	return r.finalizeCommit(c, StatusFuse)
}

// addCommitBackrefs increments the refcounts of c's parents and of its
// tree, recursing into the tree only if this is its first reference (a
// 0->1 transition), symmetric with decrefTree's "only recurse when the
// count reaches zero" rule.
func (r *Repository) addCommitBackrefs(tx *metadatalog.MdTransaction, c model.Commit) error {
	for _, p := range []hash.ObjectHash{c.Parent1, c.Parent2} {
		if !p.IsEmpty() {
			tx.AddRef(p)
		}
	}
	if c.Tree.IsEmpty() {
		return nil
	}
	tx.AddRef(c.Tree)
	if tx.PendingRefCount(c.Tree) == 1 {
		t, err := r.GetTree(c.Tree)
		if err != nil {
			return err
		}
		return r.addTreeBackrefs(tx, t)
	}
	return nil
}

// addTreeBackrefs increments the refcount of every object t's entries
// reference, recursing into a subtree or largeblob manifest only on its
// first reference.
func (r *Repository) addTreeBackrefs(tx *metadatalog.MdTransaction, t *model.Tree) error {
	for _, e := range t.Entries {
		switch e.Type {
		case model.EntryTree:
			tx.AddRef(e.Hash)
			if tx.PendingRefCount(e.Hash) == 1 {
				sub, err := r.GetTree(e.Hash)
				if err != nil {
					return err
				}
				if err := r.addTreeBackrefs(tx, sub); err != nil {
					return err
				}
			}
		case model.EntryLargeBlob:
			tx.AddRef(e.LargeHash)
			if tx.PendingRefCount(e.LargeHash) == 1 {
				lb, err := r.GetLargeBlob(e.LargeHash)
				if err != nil {
					return err
				}
				if err := r.addLargeBlobBackrefs(tx, lb); err != nil {
					return err
				}
			}
		case model.EntryBlob, model.EntrySymlink:
			tx.AddRef(e.Hash)
		}
	}
	return nil
}

// addLargeBlobBackrefs increments the refcount of every chunk lb
// references. Chunks are plain Blobs, so there is nothing further to
// recurse into.
func (r *Repository) addLargeBlobBackrefs(tx *metadatalog.MdTransaction, lb model.LargeBlob) error {
	for _, entry := range lb.Entries {
		tx.AddRef(entry.Hash)
	}
	return nil
}
