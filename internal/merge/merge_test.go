package merge

import (
	"bytes"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/orivault/corevault/internal/config"
	"github.com/orivault/corevault/internal/hash"
	"github.com/orivault/corevault/internal/overlay"
	"github.com/orivault/corevault/internal/repo"
)

func openTestRepo(t *testing.T) *repo.Repository {
	t.Helper()
	dir := t.TempDir()
	cfg := config.NewDefault()
	root := filepath.Join(dir, "repo")
	if err := repo.Init(root, cfg); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r, err := repo.Open(root, cfg, logger)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

// snapshotFiles opens a fresh overlay over r (at whatever HEAD currently
// is), writes files, and commits, returning the new commit hash. Tests
// use r.SetHead between calls to fork divergent branches from a common
// base commit.
func snapshotFiles(t *testing.T, r *repo.Repository, files map[string]string, msg string) hash.ObjectHash {
	t.Helper()
	ov, err := overlay.New(r, "")
	if err != nil {
		t.Fatalf("overlay.New() error = %v", err)
	}
	for p, content := range files {
		fh, err := ov.Open(p, true, true)
		if err != nil {
			t.Fatalf("Open(%q) error = %v", p, err)
		}
		if _, err := ov.Write(fh, []byte(content), 0); err != nil {
			t.Fatalf("Write(%q) error = %v", p, err)
		}
		if err := ov.Close(fh); err != nil {
			t.Fatalf("Close(%q) error = %v", p, err)
		}
	}
	commitID, err := ov.Snapshot("tester", msg, 1000)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	return commitID
}

func TestFindLCALinearHistory(t *testing.T) {
	r := openTestRepo(t)
	base := snapshotFiles(t, r, map[string]string{"a.txt": "base"}, "base")
	child := snapshotFiles(t, r, map[string]string{"b.txt": "child"}, "child")

	lca, ok, err := FindLCA(r, base, child)
	if err != nil {
		t.Fatalf("FindLCA() error = %v", err)
	}
	if !ok || lca != base {
		t.Fatalf("FindLCA(base, child) = (%v, %v), want (%v, true)", lca, ok, base)
	}
}

func TestFindLCADivergentBranches(t *testing.T) {
	r := openTestRepo(t)
	base := snapshotFiles(t, r, map[string]string{"a.txt": "base"}, "base")

	if err := r.SetHead(base); err != nil {
		t.Fatalf("SetHead(base) error = %v", err)
	}
	p1 := snapshotFiles(t, r, map[string]string{"ours.txt": "ours"}, "ours branch")

	if err := r.SetHead(base); err != nil {
		t.Fatalf("SetHead(base) error = %v", err)
	}
	p2 := snapshotFiles(t, r, map[string]string{"theirs.txt": "theirs"}, "theirs branch")

	lca, ok, err := FindLCA(r, p1, p2)
	if err != nil {
		t.Fatalf("FindLCA() error = %v", err)
	}
	if !ok || lca != base {
		t.Fatalf("FindLCA(p1, p2) = (%v, %v), want (%v, true)", lca, ok, base)
	}
}

func TestMergeFastForward(t *testing.T) {
	r := openTestRepo(t)
	base := snapshotFiles(t, r, map[string]string{"a.txt": "base"}, "base")
	child := snapshotFiles(t, r, map[string]string{"b.txt": "child"}, "child")

	result, err := Merge(r, base, child)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if !result.FastForward || result.FastForwardTarget != child {
		t.Fatalf("Merge(base, child) = %+v, want fast-forward to %v", result, child)
	}
}

func TestMergeNonConflictingChangesFromBothSides(t *testing.T) {
	r := openTestRepo(t)
	base := snapshotFiles(t, r, map[string]string{"a.txt": "base"}, "base")

	if err := r.SetHead(base); err != nil {
		t.Fatalf("SetHead error = %v", err)
	}
	p1 := snapshotFiles(t, r, map[string]string{"ours.txt": "ours only"}, "ours")

	if err := r.SetHead(base); err != nil {
		t.Fatalf("SetHead error = %v", err)
	}
	p2 := snapshotFiles(t, r, map[string]string{"theirs.txt": "theirs only"}, "theirs")

	result, err := Merge(r, p1, p2)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if result.FastForward {
		t.Fatalf("Merge() unexpectedly fast-forwarded: %+v", result)
	}
	if len(result.Conflicts) != 0 {
		t.Fatalf("Conflicts = %v, want none", result.Conflicts)
	}
	for _, want := range []string{"a.txt", "ours.txt", "theirs.txt"} {
		if _, ok := result.Entries[want]; !ok {
			t.Fatalf("Entries missing %q: %+v", want, result.Entries)
		}
	}

	if err := r.SetHead(p1); err != nil {
		t.Fatalf("SetHead(p1) error = %v", err)
	}
	ov, err := overlay.New(r, "")
	if err != nil {
		t.Fatalf("overlay.New() error = %v", err)
	}
	if err := Apply(r, ov, result); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if err := StageMergeState(r, p1, p2); err != nil {
		t.Fatalf("StageMergeState() error = %v", err)
	}
	if !r.HasMergeState() {
		t.Fatal("HasMergeState() = false after StageMergeState")
	}

	mergeCommit, err := ov.Snapshot("tester", "merge branches", 2000)
	if err != nil {
		t.Fatalf("Snapshot() (merge commit) error = %v", err)
	}
	c, err := r.GetCommit(mergeCommit)
	if err != nil {
		t.Fatalf("GetCommit() error = %v", err)
	}
	if !c.IsMerge() {
		t.Fatalf("merge commit %+v does not record two parents", c)
	}
	if r.HasMergeState() {
		t.Fatal("HasMergeState() = true after committing the merge")
	}

	for p, want := range map[string]string{"a.txt": "base", "ours.txt": "ours only", "theirs.txt": "theirs only"} {
		fh, err := ov.Open(p, false, false)
		if err != nil {
			t.Fatalf("Open(%q) after merge error = %v", p, err)
		}
		buf := make([]byte, 64)
		n, err := ov.Read(fh, buf, 0)
		if err != nil && err != io.EOF {
			t.Fatalf("Read(%q) error = %v", p, err)
		}
		ov.Close(fh)
		if !bytes.Equal(buf[:n], []byte(want)) {
			t.Fatalf("content of %q = %q, want %q", p, buf[:n], want)
		}
	}
}

func TestMergeContentConflictStagesBothSides(t *testing.T) {
	r := openTestRepo(t)
	base := snapshotFiles(t, r, map[string]string{"shared.txt": "base content"}, "base")

	if err := r.SetHead(base); err != nil {
		t.Fatalf("SetHead error = %v", err)
	}
	p1 := snapshotFiles(t, r, map[string]string{"shared.txt": "ours edit"}, "ours")

	if err := r.SetHead(base); err != nil {
		t.Fatalf("SetHead error = %v", err)
	}
	p2 := snapshotFiles(t, r, map[string]string{"shared.txt": "theirs edit"}, "theirs")

	result, err := Merge(r, p1, p2)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if len(result.Conflicts) != 1 || result.Conflicts[0].Path != "shared.txt" {
		t.Fatalf("Conflicts = %+v, want one conflict on shared.txt", result.Conflicts)
	}
	oursEntry, ok := result.Entries["shared.txt"]
	if !ok {
		t.Fatal("Entries missing shared.txt (ours side)")
	}
	theirsEntry, ok := result.Entries["shared.txt:conflict"]
	if !ok {
		t.Fatal("Entries missing shared.txt:conflict (theirs side)")
	}
	baseEntry, ok := result.Entries["shared.txt:base"]
	if !ok {
		t.Fatal("Entries missing shared.txt:base")
	}
	if oursEntry.Hash == theirsEntry.Hash {
		t.Fatal("ours and theirs conflict entries unexpectedly share a hash")
	}
	if baseEntry.Hash == oursEntry.Hash || baseEntry.Hash == theirsEntry.Hash {
		t.Fatal("base conflict entry unexpectedly matches a changed side")
	}
}

func TestMergeIdenticalChangeOnBothSidesIsNotAConflict(t *testing.T) {
	r := openTestRepo(t)
	base := snapshotFiles(t, r, map[string]string{"a.txt": "base"}, "base")

	if err := r.SetHead(base); err != nil {
		t.Fatalf("SetHead error = %v", err)
	}
	p1 := snapshotFiles(t, r, map[string]string{"a.txt": "same edit"}, "ours")

	if err := r.SetHead(base); err != nil {
		t.Fatalf("SetHead error = %v", err)
	}
	p2 := snapshotFiles(t, r, map[string]string{"a.txt": "same edit"}, "theirs")

	result, err := Merge(r, p1, p2)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if len(result.Conflicts) != 0 {
		t.Fatalf("Conflicts = %v, want none for identical concurrent edits", result.Conflicts)
	}
}

func TestMergeModifyVsDeleteConflict(t *testing.T) {
	r := openTestRepo(t)
	base := snapshotFiles(t, r, map[string]string{"a.txt": "base"}, "base")

	if err := r.SetHead(base); err != nil {
		t.Fatalf("SetHead error = %v", err)
	}
	p1 := snapshotFiles(t, r, map[string]string{"a.txt": "modified"}, "ours modifies")

	if err := r.SetHead(base); err != nil {
		t.Fatalf("SetHead error = %v", err)
	}
	ov, err := overlay.New(r, "")
	if err != nil {
		t.Fatalf("overlay.New() error = %v", err)
	}
	if err := ov.Remove("a.txt"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	p2, err := ov.Snapshot("tester", "theirs deletes", 1500)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	result, err := Merge(r, p1, p2)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if len(result.Conflicts) != 1 {
		t.Fatalf("Conflicts = %+v, want exactly one", result.Conflicts)
	}
	if result.Conflicts[0].DeleteSide != "theirs" {
		t.Fatalf("Conflicts[0].DeleteSide = %q, want %q", result.Conflicts[0].DeleteSide, "theirs")
	}
	if _, ok := result.Entries["a.txt"]; !ok {
		t.Fatal("Entries missing a.txt (the modified side should survive)")
	}
}
