// Package model implements the content-addressed data model: Tree/TreeEntry,
// Commit, the LargeBlob manifest, and in-memory MergeState. Every type here
// is serialized with msgpack; Tree entries are kept sorted by name so two
// logically identical trees always produce byte-identical (and therefore
// hash-identical) encodings.
package model

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/orivault/corevault/internal/hash"
)

// EntryType identifies what a TreeEntry points at.
type EntryType uint8

const (
	EntryNull EntryType = iota
	EntryTree
	EntryBlob
	EntryLargeBlob
	EntrySymlink
)

func (t EntryType) String() string {
	switch t {
	case EntryTree:
		return "Tree"
	case EntryBlob:
		return "Blob"
	case EntryLargeBlob:
		return "LargeBlob"
	case EntrySymlink:
		return "Symlink"
	default:
		return "Null"
	}
}

// Required attrs keys every TreeEntry must carry.
const (
	AttrPerms     = "perms"
	AttrUsername  = "username"
	AttrGroupname = "groupname"
	AttrFilesize  = "filesize"
	AttrMtime     = "mtime"
	AttrCtime     = "ctime"
	AttrSymlink   = "symlink"
)

// TreeEntry is one named member of a Tree.
type TreeEntry struct {
	Name      string          `msgpack:"name"`
	Type      EntryType       `msgpack:"type"`
	Hash      hash.ObjectHash `msgpack:"hash"`
	LargeHash hash.ObjectHash `msgpack:"large_hash,omitempty"`
	Attrs     map[string]string `msgpack:"attrs"`
}

// missingRequiredAttrs reports which of the required attrs keys are missing.
func (e TreeEntry) missingRequiredAttrs() []string {
	var missing []string
	for _, k := range []string{AttrPerms, AttrUsername, AttrGroupname, AttrFilesize, AttrMtime, AttrCtime} {
		if _, ok := e.Attrs[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}

// Validate reports whether e carries every required attrs key and a name
// that is safe to later resolve into a real filesystem path — a single
// path component with no separator or traversal sequence. A tree built
// locally (cmd/corevault-cli's commit walk) can never produce a bad name,
// but one decoded off the wire from a pull peer can; rejecting it here,
// at tree-decode time, keeps an unsafe name from ever reaching a path
// join downstream.
func (e TreeEntry) Validate() error {
	if missing := e.missingRequiredAttrs(); len(missing) > 0 {
		return fmt.Errorf("model: tree entry %q missing required attrs: %v", e.Name, missing)
	}
	if err := validateEntryName(e.Name); err != nil {
		return fmt.Errorf("model: tree entry %q: %w", e.Name, err)
	}
	return nil
}

// validateEntryName rejects anything but a single clean path component:
// empty names, names containing a path separator, and "." / ".."
// traversal sequences. Adapted from the teacher pack's
// pkg/utils/path.go ValidatePath.
func validateEntryName(name string) error {
	if name == "" {
		return fmt.Errorf("empty name")
	}
	if name == "." || name == ".." {
		return fmt.Errorf("name must not be %q", name)
	}
	if strings.ContainsRune(name, '/') || strings.ContainsRune(name, '\\') {
		return fmt.Errorf("name must be a single path component, got %q", name)
	}
	return nil
}

// Tree is a length-prefixed (via msgpack array framing), name-sorted
// sequence of TreeEntry records.
type Tree struct {
	Entries []TreeEntry
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{}
}

// Add inserts or replaces the entry for its Name, keeping Entries sorted.
// Names are unique within a tree; adding an existing name overwrites it.
func (t *Tree) Add(e TreeEntry) {
	for i, existing := range t.Entries {
		if existing.Name == e.Name {
			t.Entries[i] = e
			return
		}
	}
	t.Entries = append(t.Entries, e)
	sort.Slice(t.Entries, func(i, j int) bool { return t.Entries[i].Name < t.Entries[j].Name })
}

// Remove deletes the entry named name, if present.
func (t *Tree) Remove(name string) {
	for i, e := range t.Entries {
		if e.Name == name {
			t.Entries = append(t.Entries[:i], t.Entries[i+1:]...)
			return
		}
	}
}

// Get returns the entry named name, if present.
func (t *Tree) Get(name string) (TreeEntry, bool) {
	for _, e := range t.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return TreeEntry{}, false
}

// Marshal serializes t in ascending name order.
func (t *Tree) Marshal() ([]byte, error) {
	sorted := make([]TreeEntry, len(t.Entries))
	copy(sorted, t.Entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(sorted); err != nil {
		return nil, fmt.Errorf("model: marshal tree: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalTree parses a Tree from its serialized form.
func UnmarshalTree(data []byte) (*Tree, error) {
	var entries []TreeEntry
	if err := msgpack.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("model: unmarshal tree: %w", err)
	}
	return &Tree{Entries: entries}, nil
}
