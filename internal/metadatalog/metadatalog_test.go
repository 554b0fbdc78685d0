package metadatalog

import (
	"path/filepath"
	"testing"

	"github.com/orivault/corevault/internal/hash"
)

func h(b byte) hash.ObjectHash {
	var out hash.ObjectHash
	out[0] = b
	return out
}

func TestAddRefAndCommit(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "metadata"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer l.Close()

	obj := h(1)
	txn := l.Begin()
	txn.AddRef(obj)
	txn.AddRef(obj)
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if got := l.GetRefCount(obj); got != 2 {
		t.Errorf("GetRefCount() = %d, want 2", got)
	}
}

func TestDecRefBelowZeroRejected(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "metadata"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer l.Close()

	obj := h(2)
	txn := l.Begin()
	txn.DecRef(obj)
	if err := txn.Commit(); err == nil {
		t.Error("expected Commit() to reject a refcount transaction that would go negative")
	}
	if got := l.GetRefCount(obj); got != 0 {
		t.Errorf("GetRefCount() = %d, want 0 (rejected transaction should not apply)", got)
	}
}

func TestSetMetaAndGetMeta(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "metadata"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer l.Close()

	obj := h(3)
	txn := l.Begin()
	txn.SetMeta(obj, "status", "normal")
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	v, ok := l.GetMeta(obj, "status")
	if !ok || v != "normal" {
		t.Errorf("GetMeta() = (%q, %v), want (\"normal\", true)", v, ok)
	}
	if _, ok := l.GetMeta(obj, "missing"); ok {
		t.Error("GetMeta() for an unset key should report false")
	}
}

func TestPendingRefCountReflectsTransactionDeltas(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "metadata"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer l.Close()

	obj := h(4)
	txn := l.Begin()
	if txn.PendingRefCount(obj) != 0 {
		t.Fatalf("PendingRefCount() before any AddRef = %d, want 0", txn.PendingRefCount(obj))
	}
	txn.AddRef(obj)
	if txn.PendingRefCount(obj) != 1 {
		t.Errorf("PendingRefCount() after one AddRef = %d, want 1", txn.PendingRefCount(obj))
	}
}

func TestOpenReplaysCommittedRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metadata")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	obj := h(5)
	txn := l.Begin()
	txn.AddRef(obj)
	txn.AddRef(obj)
	txn.AddRef(obj)
	txn.SetMeta(obj, "kind", "Tree")
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Open() (reopen) error = %v", err)
	}
	defer reopened.Close()

	if got := reopened.GetRefCount(obj); got != 3 {
		t.Errorf("GetRefCount() after replay = %d, want 3", got)
	}
	v, ok := reopened.GetMeta(obj, "kind")
	if !ok || v != "Tree" {
		t.Errorf("GetMeta() after replay = (%q, %v), want (\"Tree\", true)", v, ok)
	}
}

func TestOpenTruncatesShortTrailingRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metadata")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	obj := h(6)
	txn := l.Begin()
	txn.AddRef(obj)
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	info, err := l.f.Stat()
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	goodSize := info.Size()

	if _, err := l.f.Write([]byte{0x01, 0x00, 0x00, 0x00, 0x02, 0x00}); err != nil {
		t.Fatalf("simulate short write: %v", err)
	}
	l.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Open() after truncation error = %v", err)
	}
	defer reopened.Close()

	got, err := reopened.f.Stat()
	if err != nil {
		t.Fatalf("stat reopened: %v", err)
	}
	if got.Size() != goodSize {
		t.Errorf("size after recovery = %d, want %d", got.Size(), goodSize)
	}
	if reopened.GetRefCount(obj) != 1 {
		t.Errorf("GetRefCount() after recovery = %d, want 1", reopened.GetRefCount(obj))
	}
}

func TestZeroRefHashes(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "metadata"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer l.Close()

	a, b := h(7), h(8)
	txn := l.Begin()
	txn.AddRef(a)
	txn.AddRef(b)
	txn.DecRef(b) // nets to zero
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	zeros := l.ZeroRefHashes()
	found := false
	for _, z := range zeros {
		if z == b {
			found = true
		}
		if z == a {
			t.Error("ZeroRefHashes() should not include a hash with nonzero refcount")
		}
	}
	if !found {
		t.Error("ZeroRefHashes() should include a hash whose net delta was zero")
	}
}

func TestRewriteCompactsAndPreservesState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metadata")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer l.Close()

	obj := h(9)
	for i := 0; i < 4; i++ {
		txn := l.Begin()
		txn.AddRef(obj)
		if err := txn.Commit(); err != nil {
			t.Fatalf("Commit() %d error = %v", i, err)
		}
	}
	txn := l.Begin()
	txn.SetMeta(obj, "status", "normal")
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit() metadata error = %v", err)
	}

	if err := l.Rewrite(); err != nil {
		t.Fatalf("Rewrite() error = %v", err)
	}
	if got := l.GetRefCount(obj); got != 4 {
		t.Errorf("GetRefCount() after Rewrite() = %d, want 4", got)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Open() after rewrite error = %v", err)
	}
	defer reopened.Close()
	if got := reopened.GetRefCount(obj); got != 4 {
		t.Errorf("GetRefCount() after reopening rewritten log = %d, want 4", got)
	}
	v, ok := reopened.GetMeta(obj, "status")
	if !ok || v != "normal" {
		t.Errorf("GetMeta() after reopening rewritten log = (%q, %v), want (\"normal\", true)", v, ok)
	}
}
