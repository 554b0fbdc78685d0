package merge

import (
	"fmt"
	"sort"
	"strings"

	"github.com/orivault/corevault/internal/hash"
	"github.com/orivault/corevault/internal/model"
	"github.com/orivault/corevault/internal/overlay"
	"github.com/orivault/corevault/internal/repo"
)

// Conflict marks a path that both sides touched incompatibly (spec
// §4.9's merge table): ours stays at Path (or, in a modify-vs-delete
// conflict, whichever side modified it), and — when there is content
// worth preserving for comparison — theirs and base are staged alongside
// it under ":conflict"/":base" suffixes for the user to reconcile by
// hand before committing.
type Conflict struct {
	Path       string
	DeleteSide string // "ours", "theirs", or "" for a content-vs-content conflict
}

func conflictSuffix(p, suffix string) string { return p + ":" + suffix }

// Result is a merge's outcome: the full flattened tree to apply to the
// working overlay (including conflict-staged shadow paths), the set of
// paths removed entirely, and the list of conflicts for the caller to
// surface to the user.
type Result struct {
	Entries   map[string]model.TreeEntry
	Deleted   []string
	Conflicts []Conflict

	// FastForward is set when one side is already an ancestor of the
	// other, so no tree combination is needed at all: the caller should
	// just move HEAD to FastForwardTarget (r.SetHead) instead of calling
	// Apply/StageMergeState. Entries/Deleted/Conflicts are left empty in
	// this case.
	FastForward       bool
	FastForwardTarget hash.ObjectHash
}

// Merge computes the three-way merge of p1 (ours) and p2 (theirs) against
// their lowest common ancestor, following spec §4.9's table: an
// unchanged side always yields to the other; identical changes on both
// sides are a no-op; incompatible changes are recorded as Conflicts and
// resolved by keeping ours at the original path while staging theirs
// (and, where one exists, the pre-conflict base) under synthetic
// ":conflict"/":base" sibling paths; a modify-vs-delete conflict instead
// keeps the modified side at the original path and stages only the base
// under ":base". When one side is an ancestor of the
// other, Merge short-circuits to a FastForward result instead.
func Merge(r *repo.Repository, p1, p2 hash.ObjectHash) (*Result, error) {
	lca, ok, err := FindLCA(r, p1, p2)
	if err != nil {
		return nil, err
	}
	if ok && lca == p1 {
		return &Result{FastForward: true, FastForwardTarget: p2}, nil
	}
	if ok && lca == p2 {
		return &Result{FastForward: true, FastForwardTarget: p1}, nil
	}
	var baseTree hash.ObjectHash
	if ok {
		c, err := r.GetCommit(lca)
		if err != nil {
			return nil, err
		}
		baseTree = c.Tree
	}

	oursCommit, err := r.GetCommit(p1)
	if err != nil {
		return nil, fmt.Errorf("merge: get ours commit %s: %w", p1, err)
	}
	theirsCommit, err := r.GetCommit(p2)
	if err != nil {
		return nil, fmt.Errorf("merge: get theirs commit %s: %w", p2, err)
	}

	base, err := flattenTree(r, baseTree)
	if err != nil {
		return nil, fmt.Errorf("merge: flatten base tree: %w", err)
	}
	ours, err := flattenTree(r, oursCommit.Tree)
	if err != nil {
		return nil, fmt.Errorf("merge: flatten ours tree: %w", err)
	}
	theirs, err := flattenTree(r, theirsCommit.Tree)
	if err != nil {
		return nil, fmt.Errorf("merge: flatten theirs tree: %w", err)
	}

	paths := make(map[string]bool)
	for p := range base {
		paths[p] = true
	}
	for p := range ours {
		paths[p] = true
	}
	for p := range theirs {
		paths[p] = true
	}

	res := &Result{Entries: make(map[string]model.TreeEntry)}

	for p := range paths {
		baseEntry, inBase := base[p]
		ourEntry, inOurs := ours[p]
		theirEntry, inTheirs := theirs[p]

		oursChange := classify(base, ours, p)
		theirsChange := classify(base, theirs, p)

		switch {
		case oursChange == unchanged && theirsChange == unchanged:
			if inBase {
				res.Entries[p] = baseEntry
			}

		case oursChange == unchanged:
			if theirsChange != deleted {
				res.Entries[p] = theirEntry
			} else {
				res.Deleted = append(res.Deleted, p)
			}

		case theirsChange == unchanged:
			if oursChange != deleted {
				res.Entries[p] = ourEntry
			} else {
				res.Deleted = append(res.Deleted, p)
			}

		case oursChange == deleted && theirsChange == deleted:
			res.Deleted = append(res.Deleted, p)

		case inOurs && inTheirs && sameContent(ourEntry, theirEntry):
			res.Entries[p] = ourEntry

		case oursChange == deleted || theirsChange == deleted:
			deleteSide := "ours"
			keep := theirEntry
			if theirsChange == deleted {
				deleteSide = "theirs"
				keep = ourEntry
			}
			res.Entries[p] = keep
			if inBase {
				res.Entries[conflictSuffix(p, "base")] = baseEntry
			}
			res.Conflicts = append(res.Conflicts, Conflict{Path: p, DeleteSide: deleteSide})

		default:
			res.Entries[p] = ourEntry
			res.Entries[conflictSuffix(p, "conflict")] = theirEntry
			if inBase {
				res.Entries[conflictSuffix(p, "base")] = baseEntry
			}
			res.Conflicts = append(res.Conflicts, Conflict{Path: p})
		}
	}

	return res, nil
}

// Apply writes result's merged tree into the working overlay: creates or
// updates every surviving path (shallowest-first, so a directory exists
// before anything inside it is written) and removes every deleted path
// (deepest-first, so a directory empties out before it is itself
// removed). Staged conflict/base shadow paths are applied exactly like
// any other surviving path — they are ordinary sibling files as far as
// the overlay is concerned.
func Apply(r *repo.Repository, ov *overlay.Overlay, result *Result) error {
	creates := make([]string, 0, len(result.Entries))
	for p := range result.Entries {
		creates = append(creates, p)
	}
	sort.Slice(creates, func(i, j int) bool { return depth(creates[i]) < depth(creates[j]) })

	for _, p := range creates {
		e := result.Entries[p]
		if err := applyEntry(r, ov, p, e); err != nil {
			return fmt.Errorf("merge: apply %q: %w", p, err)
		}
	}

	deletes := append([]string(nil), result.Deleted...)
	sort.Slice(deletes, func(i, j int) bool { return depth(deletes[i]) > depth(deletes[j]) })
	for _, p := range deletes {
		if err := removePath(ov, p); err != nil {
			return fmt.Errorf("merge: remove %q: %w", p, err)
		}
	}
	return nil
}

func depth(p string) int { return strings.Count(p, "/") }

func applyEntry(r *repo.Repository, ov *overlay.Overlay, p string, e model.TreeEntry) error {
	switch e.Type {
	case model.EntryTree:
		if _, err := ov.Stat(p); err == nil {
			return nil
		}
		return ov.Mkdir(p)

	case model.EntrySymlink:
		target := e.Attrs[model.AttrSymlink]
		if existing, err := ov.Stat(p); err == nil && existing.Symlink == target {
			return nil
		}
		return ov.Symlink(p, target)

	default: // EntryBlob, EntryLargeBlob
		if existing, err := ov.Stat(p); err == nil && existing.Type == overlay.Committed && existing.Hash == entryHash(e) {
			return nil
		}
		data, err := r.GetFile(entryHash(e))
		if err != nil {
			return fmt.Errorf("read merged content: %w", err)
		}
		fh, err := ov.Open(p, true, true)
		if err != nil {
			return err
		}
		defer ov.Close(fh)
		_, err = ov.Write(fh, data, 0)
		return err
	}
}

func removePath(ov *overlay.Overlay, p string) error {
	fi, err := ov.Stat(p)
	if err != nil {
		return nil // already gone
	}
	if fi.IsDir {
		entries, err := ov.ReadDir(p)
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			return nil // non-empty; its children weren't in this merge's path set
		}
		return ov.Rmdir(p)
	}
	return ov.Remove(p)
}

// StageMergeState records the pending two-parent merge (spec §4.9: "a
// pending merge-state on disk"); the next CommitFromTree against r
// consumes it automatically and produces a two-parent commit.
func StageMergeState(r *repo.Repository, p1, p2 hash.ObjectHash) error {
	return r.SetMergeState(model.NewMergeState(p1, p2))
}
