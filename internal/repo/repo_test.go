package repo

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/orivault/corevault/internal/hash"
	"github.com/orivault/corevault/internal/model"
)

func requiredAttrs() map[string]string {
	return map[string]string{
		model.AttrPerms:     "0644",
		model.AttrUsername:  "root",
		model.AttrGroupname: "root",
		model.AttrFilesize:  "0",
		model.AttrMtime:     "0",
		model.AttrCtime:     "0",
	}
}

func TestInitOpenRoundTrip(t *testing.T) {
	r := openTestRepo(t)
	if r.ID() == "" {
		t.Fatal("ID() returned empty string")
	}
	head, err := r.GetHead()
	if err != nil {
		t.Fatalf("GetHead() error = %v", err)
	}
	if !head.IsEmpty() {
		t.Fatalf("GetHead() = %s, want empty on fresh repo", head)
	}
	branch, ok, err := r.HeadBranch()
	if err != nil {
		t.Fatalf("HeadBranch() error = %v", err)
	}
	if !ok || branch != DefaultBranch {
		t.Fatalf("HeadBranch() = (%s, %v), want (%s, true)", branch, ok, DefaultBranch)
	}
}

func TestAddBlobGetBlob(t *testing.T) {
	r := openTestRepo(t)
	data := []byte("hello world")
	h, err := r.AddBlob(data)
	if err != nil {
		t.Fatalf("AddBlob() error = %v", err)
	}
	if err := r.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	got, err := r.GetBlob(h)
	if err != nil {
		t.Fatalf("GetBlob() error = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("GetBlob() = %q, want %q", got, data)
	}
	if !r.HasObject(h) {
		t.Fatal("HasObject() = false for a just-added blob")
	}
	if err := r.VerifyObject(h); err != nil {
		t.Fatalf("VerifyObject() error = %v", err)
	}
}

func TestAddFileChunksLargeBlob(t *testing.T) {
	r := openTestRepo(t)
	data := bytes.Repeat([]byte("abcdefgh"), 64) // 512 bytes, over the 64-byte test threshold
	h, typ, err := r.AddFile(data)
	if err != nil {
		t.Fatalf("AddFile() error = %v", err)
	}
	if typ.String() != "LargeBlob" {
		t.Fatalf("AddFile() type = %s, want LargeBlob", typ)
	}
	if err := r.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	got, err := r.GetFile(h)
	if err != nil {
		t.Fatalf("GetFile() error = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("GetFile() roundtrip mismatch for chunked file")
	}
}

func TestAddTreeRejectsMissingAttrs(t *testing.T) {
	r := openTestRepo(t)
	tree := model.NewTree()
	tree.Add(model.TreeEntry{Name: "x", Type: model.EntryBlob, Hash: hash.Sum([]byte("x")), Attrs: map[string]string{}})
	if _, err := r.AddTree(tree); err == nil {
		t.Fatal("AddTree() with missing required attrs should fail")
	}
}

func buildSimpleTree(t *testing.T, r *Repository) hash.ObjectHash {
	t.Helper()
	blobHash, err := r.AddBlob([]byte("file contents"))
	if err != nil {
		t.Fatalf("AddBlob() error = %v", err)
	}
	tree := model.NewTree()
	tree.Add(model.TreeEntry{Name: "a.txt", Type: model.EntryBlob, Hash: blobHash, Attrs: requiredAttrs()})
	treeHash, err := r.AddTree(tree)
	if err != nil {
		t.Fatalf("AddTree() error = %v", err)
	}
	return treeHash
}

func TestCommitFromTreeAdvancesHead(t *testing.T) {
	r := openTestRepo(t)
	treeHash := buildSimpleTree(t, r)

	commitID, err := r.CommitFromTree(treeHash, "alice", "initial commit", 1700000000)
	if err != nil {
		t.Fatalf("CommitFromTree() error = %v", err)
	}
	head, err := r.GetHead()
	if err != nil {
		t.Fatalf("GetHead() error = %v", err)
	}
	if head != commitID {
		t.Fatalf("GetHead() = %s, want %s", head, commitID)
	}

	c, err := r.GetCommit(commitID)
	if err != nil {
		t.Fatalf("GetCommit() error = %v", err)
	}
	if c.Tree != treeHash {
		t.Fatalf("commit tree = %s, want %s", c.Tree, treeHash)
	}
	if c.User != "alice" || c.Message != "initial commit" {
		t.Fatalf("commit user/message = %q/%q, want alice/initial commit", c.User, c.Message)
	}

	commits := r.ListCommits()
	if len(commits) != 1 || commits[0] != commitID {
		t.Fatalf("ListCommits() = %v, want [%s]", commits, commitID)
	}
}

func TestCommitFuseDoesNotAdvanceHead(t *testing.T) {
	r := openTestRepo(t)
	treeHash := buildSimpleTree(t, r)

	before, err := r.GetHead()
	if err != nil {
		t.Fatalf("GetHead() error = %v", err)
	}
	if _, err := r.CommitFuse(treeHash, "alice", "checkpoint", 1700000000); err != nil {
		t.Fatalf("CommitFuse() error = %v", err)
	}
	after, err := r.GetHead()
	if err != nil {
		t.Fatalf("GetHead() error = %v", err)
	}
	if before != after {
		t.Fatalf("GetHead() changed after CommitFuse: %s -> %s", before, after)
	}
}

func TestPurgeObjectRejectsNonBlob(t *testing.T) {
	r := openTestRepo(t)
	treeHash := buildSimpleTree(t, r)
	if err := r.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if err := r.PurgeObject(treeHash); err == nil {
		t.Fatal("PurgeObject() on a Tree should be rejected")
	}
}

func TestPurgeObjectRejectsReferencedBlob(t *testing.T) {
	r := openTestRepo(t)
	treeHash := buildSimpleTree(t, r)
	if _, err := r.CommitFromTree(treeHash, "alice", "c1", 1700000000); err != nil {
		t.Fatalf("CommitFromTree() error = %v", err)
	}
	blobHash := blobHashFromTree(t, r, treeHash)

	if rc := r.metadata.GetRefCount(blobHash); rc == 0 {
		t.Fatalf("test setup: blob refcount = %d, want > 0", rc)
	}
	if err := r.PurgeObject(blobHash); err == nil {
		t.Fatal("PurgeObject() on a still-referenced Blob should be rejected")
	}
	info, err := r.GetObjectInfo(blobHash)
	if err != nil {
		t.Fatalf("GetObjectInfo() error = %v", err)
	}
	if info.Type.String() == "Purged" {
		t.Fatal("PurgeObject() should not have flipped a referenced Blob to Purged")
	}
}

func TestPurgeCommitRejectsHead(t *testing.T) {
	r := openTestRepo(t)
	treeHash := buildSimpleTree(t, r)
	commitID, err := r.CommitFromTree(treeHash, "alice", "c1", 1700000000)
	if err != nil {
		t.Fatalf("CommitFromTree() error = %v", err)
	}
	if err := r.PurgeCommit(commitID); err == nil {
		t.Fatal("PurgeCommit() on HEAD should be rejected")
	}
}

func TestPurgeCommitReclaimsUnreferencedBlob(t *testing.T) {
	r := openTestRepo(t)
	treeHash := buildSimpleTree(t, r)
	firstCommit, err := r.CommitFromTree(treeHash, "alice", "c1", 1700000000)
	if err != nil {
		t.Fatalf("CommitFromTree() error = %v", err)
	}

	// Second commit on an unrelated, empty tree so the first commit's
	// tree/blob become unreferenced once purged.
	emptyTree := model.NewTree()
	emptyTreeHash, err := r.AddTree(emptyTree)
	if err != nil {
		t.Fatalf("AddTree() error = %v", err)
	}
	if _, err := r.CommitFromTree(emptyTreeHash, "alice", "c2", 1700000001); err != nil {
		t.Fatalf("CommitFromTree() error = %v", err)
	}

	if err := r.PurgeCommit(firstCommit); err != nil {
		t.Fatalf("PurgeCommit() error = %v", err)
	}

	info, err := r.GetObjectInfo(blobHashFromTree(t, r, treeHash))
	if err != nil {
		t.Fatalf("GetObjectInfo() error = %v", err)
	}
	if info.Type.String() != "Purged" {
		t.Fatalf("blob type after purge = %s, want Purged", info.Type)
	}
}

func blobHashFromTree(t *testing.T, r *Repository, treeHash hash.ObjectHash) hash.ObjectHash {
	t.Helper()
	tr, err := r.GetTree(treeHash)
	if err != nil {
		t.Fatalf("GetTree() error = %v", err)
	}
	return tr.Entries[0].Hash
}

func TestRecomputeRefCountsMatchesIncremental(t *testing.T) {
	r := openTestRepo(t)
	treeHash := buildSimpleTree(t, r)
	if _, err := r.CommitFromTree(treeHash, "alice", "c1", 1700000000); err != nil {
		t.Fatalf("CommitFromTree() error = %v", err)
	}
	blobHash := blobHashFromTree(t, r, treeHash)

	before := r.metadata.GetRefCount(blobHash)
	if err := r.RecomputeRefCounts(); err != nil {
		t.Fatalf("RecomputeRefCounts() error = %v", err)
	}
	after := r.metadata.GetRefCount(blobHash)
	if before != after {
		t.Fatalf("refcount for blob changed across recompute: %d -> %d", before, after)
	}
}

func TestGcIsIdempotentWithNoPurges(t *testing.T) {
	r := openTestRepo(t)
	treeHash := buildSimpleTree(t, r)
	if _, err := r.CommitFromTree(treeHash, "alice", "c1", 1700000000); err != nil {
		t.Fatalf("CommitFromTree() error = %v", err)
	}
	if err := r.Gc(); err != nil {
		t.Fatalf("first Gc() error = %v", err)
	}
	if err := r.Gc(); err != nil {
		t.Fatalf("second Gc() error = %v", err)
	}
	blobHash := blobHashFromTree(t, r, treeHash)
	if !r.HasObject(blobHash) {
		t.Fatal("blob disappeared after Gc with no purges pending")
	}
}

func TestSnapshotLogAddDeleteResolve(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenSnapshotLog(filepath.Join(dir, "snapshots"))
	if err != nil {
		t.Fatalf("OpenSnapshotLog() error = %v", err)
	}
	defer s.Close()

	commitID := hash.Sum([]byte("commit"))
	if err := s.Add("release-1", commitID); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	got, ok := s.Resolve("release-1")
	if !ok || got != commitID {
		t.Fatalf("Resolve() = (%s, %v), want (%s, true)", got, ok, commitID)
	}

	if err := s.Rewrite(); err != nil {
		t.Fatalf("Rewrite() error = %v", err)
	}
	got, ok = s.Resolve("release-1")
	if !ok || got != commitID {
		t.Fatalf("Resolve() after Rewrite = (%s, %v), want (%s, true)", got, ok, commitID)
	}

	if err := s.Delete("release-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok := s.Resolve("release-1"); ok {
		t.Fatal("Resolve() found a deleted snapshot")
	}
}

func TestPullCopiesHistoryBetweenRepos(t *testing.T) {
	src := openTestRepo(t)
	treeHash := buildSimpleTree(t, src)
	commitID, err := src.CommitFromTree(treeHash, "alice", "c1", 1700000000)
	if err != nil {
		t.Fatalf("CommitFromTree() error = %v", err)
	}

	dst := openTestRepo(t)
	copied, err := dst.Pull(src)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if copied == 0 {
		t.Fatal("Pull() copied 0 objects")
	}

	c, err := dst.GetCommit(commitID)
	if err != nil {
		t.Fatalf("dst.GetCommit() error = %v", err)
	}
	if c.Tree != treeHash {
		t.Fatalf("pulled commit tree = %s, want %s", c.Tree, treeHash)
	}

	// Pulling again should be a no-op.
	copied, err = dst.Pull(src)
	if err != nil {
		t.Fatalf("second Pull() error = %v", err)
	}
	if copied != 0 {
		t.Fatalf("second Pull() copied %d objects, want 0", copied)
	}
}

func TestMultiPullAggregatesFromSeveralPeers(t *testing.T) {
	srcA := openTestRepo(t)
	treeA := buildSimpleTree(t, srcA)
	if _, err := srcA.CommitFromTree(treeA, "alice", "from a", 1700000000); err != nil {
		t.Fatalf("CommitFromTree() error = %v", err)
	}

	srcB := openTestRepo(t)
	treeB := buildSimpleTree(t, srcB)
	if _, err := srcB.CommitFromTree(treeB, "bob", "from b", 1700000001); err != nil {
		t.Fatalf("CommitFromTree() error = %v", err)
	}

	dst := openTestRepo(t)
	copied, err := dst.MultiPull([]Repo{srcA, srcB}, nil)
	if err != nil {
		t.Fatalf("MultiPull() error = %v", err)
	}
	if copied == 0 {
		t.Fatal("MultiPull() copied 0 objects")
	}
	if len(dst.ListCommits()) != 2 {
		t.Fatalf("ListCommits() = %d, want 2", len(dst.ListCommits()))
	}
}
