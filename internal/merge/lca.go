// Package merge implements corevault's three-way merge (spec §4.9):
// finding the lowest common ancestor of two commits, diffing each side's
// flattened tree against it, and combining the two diffs into one tree
// with conflicting paths staged for manual resolution.
package merge

import (
	"fmt"

	"github.com/orivault/corevault/internal/hash"
	"github.com/orivault/corevault/internal/repo"
)

// FindLCA returns the nearest commit reachable from both p1 and p2,
// walking each side's parent links breadth-first (same style as
// internal/repo's DefaultPeerDistance) until a commit already visited by
// the other side turns up. Returns hash.Empty, false if the two histories
// share no ancestor (e.g. two independently initialized repositories).
func FindLCA(r *repo.Repository, p1, p2 hash.ObjectHash) (hash.ObjectHash, bool, error) {
	if p1 == p2 {
		return p1, true, nil
	}

	ancestorsOf := func(start hash.ObjectHash) (map[hash.ObjectHash]bool, error) {
		seen := make(map[hash.ObjectHash]bool)
		queue := []hash.ObjectHash{start}
		for len(queue) > 0 {
			h := queue[0]
			queue = queue[1:]
			if h.IsEmpty() || seen[h] {
				continue
			}
			seen[h] = true
			c, err := r.GetCommit(h)
			if err != nil {
				return nil, fmt.Errorf("merge: walk ancestors of %s: %w", h, err)
			}
			queue = append(queue, c.Parent1, c.Parent2)
		}
		return seen, nil
	}

	side1, err := ancestorsOf(p1)
	if err != nil {
		return hash.Empty, false, err
	}

	// Breadth-first from p2 so the first hit is the nearest common
	// ancestor, not merely *an* ancestor.
	seen2 := make(map[hash.ObjectHash]bool)
	queue := []hash.ObjectHash{p2}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if h.IsEmpty() || seen2[h] {
			continue
		}
		seen2[h] = true
		if side1[h] {
			return h, true, nil
		}
		c, err := r.GetCommit(h)
		if err != nil {
			return hash.Empty, false, fmt.Errorf("merge: walk ancestors of %s: %w", h, err)
		}
		queue = append(queue, c.Parent1, c.Parent2)
	}
	return hash.Empty, false, nil
}
