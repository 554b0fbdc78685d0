package packfile

import (
	"path/filepath"
	"testing"

	"github.com/orivault/corevault/internal/codec"
	"github.com/orivault/corevault/internal/hash"
	"github.com/orivault/corevault/internal/objtype"
)

func TestPurgeRemovesOnlyTargetedObjects(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pack0.pak")
	pf, err := Create(path, 0)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	cfg := testConfig()
	txn := NewTransaction(cfg)
	keepInfo, keepPayload := encodeTestObject(t, objtype.Blob, []byte("keep me"))
	dropInfo, dropPayload := encodeTestObject(t, objtype.Blob, []byte("drop me"))
	txn.AddPayload(keepInfo, keepPayload)
	txn.AddPayload(dropInfo, dropPayload)
	if _, err := txn.Commit(pf); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	purged := map[hash.ObjectHash]struct{}{dropInfo.Hash: {}}
	survivors, empty, err := pf.Purge(purged, cfg)
	if err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if empty {
		t.Error("Purge() reported empty, expected one survivor")
	}
	if len(survivors) != 1 {
		t.Fatalf("Purge() returned %d survivors, want 1", len(survivors))
	}
	if survivors[0].Info.Hash != keepInfo.Hash {
		t.Errorf("survivor hash = %s, want %s", survivors[0].Info.Hash, keepInfo.Hash)
	}

	raw, err := pf.GetPayload(survivors[0].Offset, survivors[0].PackedSize)
	if err != nil {
		t.Fatalf("GetPayload() after purge error = %v", err)
	}
	_, decoded, err := codec.Decode(raw)
	if err != nil {
		t.Fatalf("codec.Decode() error = %v", err)
	}
	if string(decoded) != "keep me" {
		t.Errorf("survivor payload = %q, want %q", decoded, "keep me")
	}

	var remaining int
	err = pf.ReadEntries(func(objtype.ObjectInfo, uint32, uint32) error {
		remaining++
		return nil
	})
	if err != nil {
		t.Fatalf("ReadEntries() after purge error = %v", err)
	}
	if remaining != 1 {
		t.Errorf("ReadEntries() after purge found %d entries, want 1", remaining)
	}
}

func TestPurgeEverythingReportsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pack0.pak")
	pf, err := Create(path, 0)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	cfg := testConfig()
	txn := NewTransaction(cfg)
	info, payload := encodeTestObject(t, objtype.Blob, []byte("only object"))
	txn.AddPayload(info, payload)
	if _, err := txn.Commit(pf); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	purged := map[hash.ObjectHash]struct{}{info.Hash: {}}
	survivors, empty, err := pf.Purge(purged, cfg)
	if err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if !empty {
		t.Error("Purge() should report empty when all objects are purged")
	}
	if len(survivors) != 0 {
		t.Errorf("Purge() returned %d survivors, want 0", len(survivors))
	}
}
