package model

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/orivault/corevault/internal/hash"
)

// GraftRecord marks a commit as the reattachment point of a grafted
// subtree history pulled in from another repository.
type GraftRecord struct {
	Repo         string          `msgpack:"repo"`
	Path         string          `msgpack:"path"`
	SourceCommit hash.ObjectHash `msgpack:"source_commit"`
}

// Commit is one node in the history DAG. Parent2 is hash.Empty for a
// non-merge commit; Parent1 is hash.Empty only for the very first commit of
// a repository.
type Commit struct {
	Version      uint32          `msgpack:"version"`
	Flags        uint32          `msgpack:"flags"`
	Parent1      hash.ObjectHash `msgpack:"parent1"`
	Parent2      hash.ObjectHash `msgpack:"parent2"`
	Tree         hash.ObjectHash `msgpack:"tree"`
	User         string          `msgpack:"user"`
	Message      string          `msgpack:"message"`
	SnapshotName string          `msgpack:"snapshot_name,omitempty"`
	Timestamp    uint64          `msgpack:"timestamp"`
	Signature    []byte          `msgpack:"signature,omitempty"`
	Graft        *GraftRecord    `msgpack:"graft,omitempty"`
}

// CurrentVersion is the Commit wire format version written by this build.
const CurrentVersion = 1

// IsMerge reports whether c has two parents.
func (c Commit) IsMerge() bool {
	return !c.Parent2.IsEmpty()
}

// IsRoot reports whether c is the first commit of its history (no parent).
func (c Commit) IsRoot() bool {
	return c.Parent1.IsEmpty()
}

// Marshal serializes c to its wire form.
func (c Commit) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("model: marshal commit: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalCommit parses a Commit from its serialized form.
func UnmarshalCommit(data []byte) (Commit, error) {
	var c Commit
	if err := msgpack.Unmarshal(data, &c); err != nil {
		return Commit{}, fmt.Errorf("model: unmarshal commit: %w", err)
	}
	return c, nil
}

// Signer signs and verifies commit payloads, allowing a repository to
// require authenticated commits. Repositories that don't opt into signing
// never call it.
type Signer interface {
	Sign(payload []byte) ([]byte, error)
	Verify(payload, signature []byte) error
}
