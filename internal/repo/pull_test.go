package repo

import (
	"errors"
	"testing"
	"time"

	"github.com/orivault/corevault/internal/hash"
	coreerrors "github.com/orivault/corevault/pkg/errors"
)

// flakyPeer wraps a real Repo, failing the first failCount calls to
// GetHead with a retryable I/O error before delegating to the real peer.
// GetHead is the first call MultiPull's per-peer pull makes, so this
// exercises the retry wrapping end to end through a real Pull call.
type flakyPeer struct {
	Repo
	failCount int
	calls     int
}

func (f *flakyPeer) GetHead() (hash.ObjectHash, error) {
	f.calls++
	if f.calls <= f.failCount {
		return hash.ObjectHash{}, coreerrors.NewError(coreerrors.ErrCodeIO, "transient peer read failure")
	}
	return f.Repo.GetHead()
}

// alwaysFailingPeer fails every GetHead call with a plain, non-CoreVaultError
// error, which pkg/retry's shouldRetry never treats as retryable.
type alwaysFailingPeer struct {
	Repo
	calls int
}

func (f *alwaysFailingPeer) GetHead() (hash.ObjectHash, error) {
	f.calls++
	return hash.ObjectHash{}, errors.New("peer permanently unreachable")
}

func withFastRetry(r *Repository) {
	r.cfg.Network.Retry.MaxAttempts = 5
	r.cfg.Network.Retry.BaseDelay = time.Millisecond
	r.cfg.Network.Retry.MaxDelay = 5 * time.Millisecond
}

func TestMultiPullRetriesTransientPeerFailure(t *testing.T) {
	src := openTestRepo(t)
	tree := buildSimpleTree(t, src)
	if _, err := src.CommitFromTree(tree, "alice", "from a flaky peer", 1700000000); err != nil {
		t.Fatalf("CommitFromTree() error = %v", err)
	}

	dst := openTestRepo(t)
	withFastRetry(dst)

	// A constant distance skips DefaultPeerDistance's own GetHead call
	// during ranking, so every GetHead call observed below comes from the
	// retried pull itself rather than being consumed by ranking first.
	constDistance := func(local *Repository, peer Repo) (int, error) { return 0, nil }

	peer := &flakyPeer{Repo: src, failCount: 2}
	copied, err := dst.MultiPull([]Repo{peer}, constDistance)
	if err != nil {
		t.Fatalf("MultiPull() error = %v, want nil (peer should have been retried to success)", err)
	}
	if copied == 0 {
		t.Fatal("MultiPull() copied 0 objects despite peer eventually succeeding")
	}
	if peer.calls <= peer.failCount {
		t.Fatalf("GetHead() called %d times, want more than failCount=%d to prove a retry happened", peer.calls, peer.failCount)
	}
	if len(dst.ListCommits()) != 1 {
		t.Fatalf("ListCommits() = %d, want 1", len(dst.ListCommits()))
	}
}

func TestMultiPullDoesNotRetryNonRetryableError(t *testing.T) {
	src := openTestRepo(t)
	tree := buildSimpleTree(t, src)
	if _, err := src.CommitFromTree(tree, "bob", "never reached", 1700000001); err != nil {
		t.Fatalf("CommitFromTree() error = %v", err)
	}

	dst := openTestRepo(t)
	withFastRetry(dst)

	constDistance := func(local *Repository, peer Repo) (int, error) { return 0, nil }

	peer := &alwaysFailingPeer{Repo: src}
	copied, err := dst.MultiPull([]Repo{peer}, constDistance)
	if err == nil {
		t.Fatal("MultiPull() error = nil, want the peer's permanent failure surfaced")
	}
	if copied != 0 {
		t.Fatalf("copied = %d, want 0", copied)
	}
	if peer.calls != 1 {
		t.Fatalf("GetHead() called %d times, want exactly 1 (a non-CoreVaultError is never retryable)", peer.calls)
	}
}
