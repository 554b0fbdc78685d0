package model

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/orivault/corevault/internal/hash"
)

// MergeState records a pending two-parent commit: its presence means the
// working tree has diverged history merged into it that the next commit
// must record as Parent1/Parent2. A repository without a pending merge has
// no MergeState at all (internal/repo represents that as a missing file,
// not a zero-value MergeState).
type MergeState struct {
	Parent1 hash.ObjectHash `msgpack:"parent1"`
	Parent2 hash.ObjectHash `msgpack:"parent2"`
}

// NewMergeState returns the state recorded when a merge begins between the
// current HEAD (first) and the branch being merged in (second).
func NewMergeState(first, second hash.ObjectHash) MergeState {
	return MergeState{Parent1: first, Parent2: second}
}

// Parents returns the pending commit's two parent hashes.
func (m MergeState) Parents() (hash.ObjectHash, hash.ObjectHash) {
	return m.Parent1, m.Parent2
}

// Marshal serializes m to its wire form.
func (m MergeState) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("model: marshal mergestate: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalMergeState parses a MergeState from its serialized form.
func UnmarshalMergeState(data []byte) (MergeState, error) {
	var m MergeState
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return MergeState{}, fmt.Errorf("model: unmarshal mergestate: %w", err)
	}
	return m, nil
}
