package repo

import (
	"fmt"
	"sort"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"

	"github.com/orivault/corevault/internal/hash"
	"github.com/orivault/corevault/internal/model"
	"github.com/orivault/corevault/internal/objtype"
	"github.com/orivault/corevault/pkg/retry"
)

// Pull copies every object reachable from peer's HEAD that r does not
// already have, then repairs the pulled commits' backrefs, and reports how
// many objects were copied. It never moves r's own HEAD — callers decide
// separately whether to fast-forward, graft, or merge the pulled history.
func (r *Repository) Pull(peer Repo) (int, error) {
	start := time.Now()
	copied, err := r.pull(peer)
	if r.metrics != nil {
		r.metrics.RecordPull(time.Since(start), copied)
	}
	return copied, err
}

func (r *Repository) pull(peer Repo) (int, error) {
	head, err := peer.GetHead()
	if err != nil {
		return 0, fmt.Errorf("repo: pull get peer head: %w", err)
	}
	if head.IsEmpty() {
		return 0, nil
	}

	copied := 0
	var newCommits []hash.ObjectHash

	var walk func(h hash.ObjectHash) error
	walk = func(h hash.ObjectHash) error {
		if h.IsEmpty() || r.HasObject(h) {
			return nil
		}
		info, framed, err := peer.GetFramedPayload(h)
		if err != nil {
			return fmt.Errorf("repo: pull fetch %s: %w", h, err)
		}
		if err := r.PutFramedPayload(info, framed); err != nil {
			return fmt.Errorf("repo: pull store %s: %w", h, err)
		}
		copied++

		switch info.Type {
		case objtype.Commit:
			newCommits = append(newCommits, h)
			c, err := peer.GetCommit(h)
			if err != nil {
				return fmt.Errorf("repo: pull decode commit %s: %w", h, err)
			}
			if err := walk(c.Tree); err != nil {
				return err
			}
			if err := walk(c.Parent1); err != nil {
				return err
			}
			if err := walk(c.Parent2); err != nil {
				return err
			}
		case objtype.Tree:
			t, err := peer.GetTree(h)
			if err != nil {
				return fmt.Errorf("repo: pull decode tree %s: %w", h, err)
			}
			for _, e := range t.Entries {
				switch e.Type {
				case model.EntryTree, model.EntryBlob, model.EntrySymlink:
					if err := walk(e.Hash); err != nil {
						return err
					}
				case model.EntryLargeBlob:
					if err := walk(e.LargeHash); err != nil {
						return err
					}
				}
			}
		case objtype.LargeBlob:
			lb, err := peer.GetLargeBlob(h)
			if err != nil {
				return fmt.Errorf("repo: pull decode largeblob %s: %w", h, err)
			}
			for _, ce := range lb.Entries {
				if err := walk(ce.Hash); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if err := walk(head); err != nil {
		return copied, err
	}
	if err := r.Sync(); err != nil {
		return copied, err
	}

	// Pulled objects were stored via PutFramedPayload, which does not
	// touch refcounts; replay the backref bookkeeping a local commit
	// would have triggered so RC1/RC2 hold for the pulled history too.
	for _, ch := range newCommits {
		c, err := r.GetCommit(ch)
		if err != nil {
			return copied, err
		}
		tx := r.metadata.Begin()
		if err := r.addCommitBackrefs(tx, c); err != nil {
			return copied, err
		}
		if err := tx.Commit(); err != nil {
			return copied, err
		}
	}
	return copied, nil
}

// PeerDistance scores how far behind local is relative to peer — smaller
// is closer. MultiPull uses it to prioritize which peer to pull from first
// when several carry overlapping history.
type PeerDistance func(local *Repository, peer Repo) (int, error)

// DefaultPeerDistance counts commits reachable from peer's HEAD that local
// does not already hold, stopping each branch of the walk as soon as it
// reaches a commit local already has (a common ancestor).
func DefaultPeerDistance(local *Repository, peer Repo) (int, error) {
	head, err := peer.GetHead()
	if err != nil {
		return 0, err
	}
	if head.IsEmpty() {
		return 0, nil
	}

	visited := make(map[hash.ObjectHash]bool)
	queue := []hash.ObjectHash{head}
	count := 0
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if h.IsEmpty() || visited[h] {
			continue
		}
		visited[h] = true
		if local.HasObject(h) {
			continue
		}
		count++
		c, err := peer.GetCommit(h)
		if err != nil {
			return 0, err
		}
		queue = append(queue, c.Parent1, c.Parent2)
	}
	return count, nil
}

// rankPeersByDistance orders peers nearest-first by distance (DefaultPeerDistance
// if distance is nil).
func rankPeersByDistance(local *Repository, peers []Repo, distance PeerDistance) ([]Repo, error) {
	if distance == nil {
		distance = DefaultPeerDistance
	}
	type scored struct {
		peer Repo
		d    int
	}
	scoredPeers := make([]scored, len(peers))
	for i, p := range peers {
		d, err := distance(local, p)
		if err != nil {
			return nil, fmt.Errorf("repo: score peer %s: %w", p.ID(), err)
		}
		scoredPeers[i] = scored{p, d}
	}
	sort.SliceStable(scoredPeers, func(i, j int) bool { return scoredPeers[i].d < scoredPeers[j].d })

	out := make([]Repo, len(scoredPeers))
	for i, s := range scoredPeers {
		out[i] = s.peer
	}
	return out, nil
}

// MultiPull pulls from every peer, bounded to r's configured worker count
// (RepoConfig.PullWorkers) and prioritized nearest-first by distance (see
// DefaultPeerDistance), aggregating every peer's failure rather than
// stopping at the first one.
func (r *Repository) MultiPull(peers []Repo, distance PeerDistance) (int, error) {
	if len(peers) == 0 {
		return 0, nil
	}
	ranked, err := rankPeersByDistance(r, peers, distance)
	if err != nil {
		return 0, err
	}

	workers := r.cfg.Repo.PullWorkers
	if workers <= 0 {
		workers = 1
	}

	rc := r.cfg.Network.Retry
	retryer := retry.New(retry.Config{
		MaxAttempts:  rc.MaxAttempts,
		InitialDelay: rc.BaseDelay,
		MaxDelay:     rc.MaxDelay,
	})

	type result struct {
		peerID string
		copied int
		err    error
	}
	results := make([]result, len(ranked))
	p := pool.New().WithMaxGoroutines(workers)
	for i, peer := range ranked {
		i, peer := i, peer
		p.Go(func() {
			var copied int
			err := retryer.Do(func() error {
				var pullErr error
				copied, pullErr = r.Pull(peer)
				return pullErr
			})
			results[i] = result{peerID: peer.ID(), copied: copied, err: err}
		})
	}
	p.Wait()

	var total int
	var combined error
	for _, res := range results {
		total += res.copied
		if res.err != nil {
			combined = multierr.Append(combined, fmt.Errorf("pull from peer %s: %w", res.peerID, res.err))
		}
	}
	return total, combined
}
