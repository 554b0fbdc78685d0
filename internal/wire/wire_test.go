package wire

import (
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"

	"github.com/orivault/corevault/internal/config"
	"github.com/orivault/corevault/internal/model"
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

// dialPair starts a Server over one end of an in-process pipe and returns a
// Client dialed over the other end.
func dialPair(t *testing.T, r *repo.Repository) *Client {
	t.Helper()
	serverConn, clientConn := net.Pipe()

	srv := NewServer(r, nil)
	go func() {
		srv.Serve(serverConn)
	}()
	t.Cleanup(func() {
		serverConn.Close()
		clientConn.Close()
	})

	c, err := Dial(clientConn)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	return c
}

func TestClientHandshake(t *testing.T) {
	r := openTestRepo(t)
	c := dialPair(t, r)
	if c.ID() != r.ID() {
		t.Fatalf("Client.ID() = %s, want %s", c.ID(), r.ID())
	}
}

func TestClientGetHeadEmptyRepo(t *testing.T) {
	r := openTestRepo(t)
	c := dialPair(t, r)
	head, err := c.GetHead()
	if err != nil {
		t.Fatalf("GetHead() error = %v", err)
	}
	if !head.IsEmpty() {
		t.Fatalf("GetHead() = %s, want empty", head)
	}
}

func TestClientRoundTripsCommitAndTree(t *testing.T) {
	r := openTestRepo(t)

	blobHash, err := r.AddBlob([]byte("hello over the wire"))
	if err != nil {
		t.Fatalf("AddBlob() error = %v", err)
	}
	tree := model.NewTree()
	tree.Add(model.TreeEntry{Name: "a.txt", Type: model.EntryBlob, Hash: blobHash, Attrs: requiredAttrs()})
	treeHash, err := r.AddTree(tree)
	if err != nil {
		t.Fatalf("AddTree() error = %v", err)
	}
	commitID, err := r.CommitFromTree(treeHash, "alice", "c1", 1700000000)
	if err != nil {
		t.Fatalf("CommitFromTree() error = %v", err)
	}

	c := dialPair(t, r)

	head, err := c.GetHead()
	if err != nil {
		t.Fatalf("GetHead() error = %v", err)
	}
	if head != commitID {
		t.Fatalf("GetHead() = %s, want %s", head, commitID)
	}

	if !c.HasObject(blobHash) {
		t.Fatal("HasObject() = false for a blob the server has")
	}

	gotCommit, err := c.GetCommit(commitID)
	if err != nil {
		t.Fatalf("GetCommit() error = %v", err)
	}
	if gotCommit.Tree != treeHash {
		t.Fatalf("GetCommit().Tree = %s, want %s", gotCommit.Tree, treeHash)
	}

	gotTree, err := c.GetTree(treeHash)
	if err != nil {
		t.Fatalf("GetTree() error = %v", err)
	}
	if len(gotTree.Entries) != 1 || gotTree.Entries[0].Hash != blobHash {
		t.Fatalf("GetTree() entries = %+v, want one entry pointing at %s", gotTree.Entries, blobHash)
	}

	commits := c.ListCommits()
	if len(commits) != 1 || commits[0] != commitID {
		t.Fatalf("ListCommits() = %v, want [%s]", commits, commitID)
	}

	info, err := c.GetObjectInfo(blobHash)
	if err != nil {
		t.Fatalf("GetObjectInfo() error = %v", err)
	}
	if info.Hash != blobHash {
		t.Fatalf("GetObjectInfo().Hash = %s, want %s", info.Hash, blobHash)
	}
}

func TestClientPullFromServer(t *testing.T) {
	src := openTestRepo(t)
	blobHash, err := src.AddBlob([]byte("pull me"))
	if err != nil {
		t.Fatalf("AddBlob() error = %v", err)
	}
	tree := model.NewTree()
	tree.Add(model.TreeEntry{Name: "f", Type: model.EntryBlob, Hash: blobHash, Attrs: requiredAttrs()})
	treeHash, err := src.AddTree(tree)
	if err != nil {
		t.Fatalf("AddTree() error = %v", err)
	}
	commitID, err := src.CommitFromTree(treeHash, "alice", "c1", 1700000000)
	if err != nil {
		t.Fatalf("CommitFromTree() error = %v", err)
	}

	c := dialPair(t, src)
	dst := openTestRepo(t)

	copied, err := dst.Pull(c)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if copied == 0 {
		t.Fatal("Pull() copied 0 objects")
	}

	got, err := dst.GetCommit(commitID)
	if err != nil {
		t.Fatalf("dst.GetCommit() error = %v", err)
	}
	if got.Tree != treeHash {
		t.Fatalf("pulled commit tree = %s, want %s", got.Tree, treeHash)
	}
}
