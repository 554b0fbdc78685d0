package model

import (
	"testing"

	"github.com/orivault/corevault/internal/hash"
)

func validAttrs() map[string]string {
	return map[string]string{
		AttrPerms:     "0644",
		AttrUsername:  "alice",
		AttrGroupname: "staff",
		AttrFilesize:  "1024",
		AttrMtime:     "1700000000",
		AttrCtime:     "1700000000",
	}
}

func TestTreeEntryValidateRejectsMissingAttrs(t *testing.T) {
	e := TreeEntry{Name: "a", Type: EntryBlob, Attrs: map[string]string{AttrPerms: "0644"}}
	if err := e.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for missing required attrs")
	}
}

func TestTreeEntryValidateAcceptsCompleteAttrs(t *testing.T) {
	e := TreeEntry{Name: "a", Type: EntryBlob, Attrs: validAttrs()}
	if err := e.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestTreeEntryValidateRejectsUnsafeNames(t *testing.T) {
	for _, name := range []string{"", ".", "..", "a/b", "../etc/passwd", `a\b`} {
		e := TreeEntry{Name: name, Type: EntryBlob, Attrs: validAttrs()}
		if err := e.Validate(); err == nil {
			t.Errorf("Validate() with name %q = nil, want error", name)
		}
	}
}

func TestTreeAddKeepsSortedByName(t *testing.T) {
	tree := NewTree()
	tree.Add(TreeEntry{Name: "zeta", Type: EntryBlob, Attrs: validAttrs()})
	tree.Add(TreeEntry{Name: "alpha", Type: EntryBlob, Attrs: validAttrs()})
	tree.Add(TreeEntry{Name: "mu", Type: EntryBlob, Attrs: validAttrs()})

	want := []string{"alpha", "mu", "zeta"}
	for i, name := range want {
		if tree.Entries[i].Name != name {
			t.Fatalf("Entries[%d].Name = %q, want %q", i, tree.Entries[i].Name, name)
		}
	}
}

func TestTreeAddOverwritesExistingName(t *testing.T) {
	tree := NewTree()
	tree.Add(TreeEntry{Name: "a", Type: EntryBlob, Hash: hash.Sum([]byte("v1")), Attrs: validAttrs()})
	tree.Add(TreeEntry{Name: "a", Type: EntryBlob, Hash: hash.Sum([]byte("v2")), Attrs: validAttrs()})

	if len(tree.Entries) != 1 {
		t.Fatalf("len(Entries) = %d, want 1", len(tree.Entries))
	}
	if tree.Entries[0].Hash != hash.Sum([]byte("v2")) {
		t.Error("Add() with an existing name should overwrite, not append")
	}
}

func TestTreeMarshalUnmarshalRoundTrip(t *testing.T) {
	tree := NewTree()
	tree.Add(TreeEntry{Name: "b.txt", Type: EntryBlob, Hash: hash.Sum([]byte("b")), Attrs: validAttrs()})
	tree.Add(TreeEntry{Name: "a.txt", Type: EntryBlob, Hash: hash.Sum([]byte("a")), Attrs: validAttrs()})

	data, err := tree.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	got, err := UnmarshalTree(data)
	if err != nil {
		t.Fatalf("UnmarshalTree() error = %v", err)
	}
	if len(got.Entries) != 2 || got.Entries[0].Name != "a.txt" || got.Entries[1].Name != "b.txt" {
		t.Fatalf("UnmarshalTree() = %+v, want sorted [a.txt, b.txt]", got.Entries)
	}
}

func TestTreeMarshalIsDeterministicRegardlessOfInsertionOrder(t *testing.T) {
	t1 := NewTree()
	t1.Add(TreeEntry{Name: "b", Type: EntryBlob, Attrs: validAttrs()})
	t1.Add(TreeEntry{Name: "a", Type: EntryBlob, Attrs: validAttrs()})

	t2 := NewTree()
	t2.Add(TreeEntry{Name: "a", Type: EntryBlob, Attrs: validAttrs()})
	t2.Add(TreeEntry{Name: "b", Type: EntryBlob, Attrs: validAttrs()})

	d1, err := t1.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	d2, err := t2.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(d1) != string(d2) {
		t.Error("Marshal() output depends on insertion order; tree hashing requires determinism")
	}
}

func TestTreeRemoveAndGet(t *testing.T) {
	tree := NewTree()
	tree.Add(TreeEntry{Name: "a", Type: EntryBlob, Attrs: validAttrs()})
	tree.Remove("a")
	if _, ok := tree.Get("a"); ok {
		t.Error("Get() found an entry after Remove()")
	}
}
