package metadatalog

import (
	"github.com/orivault/corevault/internal/hash"
)

// MdTransaction buffers refcount deltas and metadata key/value sets in
// memory; nothing reaches the log until Commit. The source repo commits a
// transaction implicitly on destruction — this package requires an explicit
// Commit instead, so a caller that forgets it simply loses the buffered
// changes rather than committing them as a hidden side effect.
type MdTransaction struct {
	log      *MetadataLog
	deltas   map[hash.ObjectHash]int64
	metadata map[hash.ObjectHash]map[string]string
	order    []hash.ObjectHash
}

func (t *MdTransaction) touch(h hash.ObjectHash) {
	for _, existing := range t.order {
		if existing == h {
			return
		}
	}
	t.order = append(t.order, h)
}

// AddRef increments h's buffered refcount delta by one.
func (t *MdTransaction) AddRef(h hash.ObjectHash) {
	t.touch(h)
	t.deltas[h]++
}

// DecRef decrements h's buffered refcount delta by one.
func (t *MdTransaction) DecRef(h hash.ObjectHash) {
	t.touch(h)
	t.deltas[h]--
}

// SetMeta buffers a key/value pair for h.
func (t *MdTransaction) SetMeta(h hash.ObjectHash, key, value string) {
	t.touch(h)
	m, ok := t.metadata[h]
	if !ok {
		m = make(map[string]string)
		t.metadata[h] = m
	}
	m[key] = value
}

// PendingRefCount returns what h's refcount would become if this
// transaction committed right now, without applying anything — used by
// commitFromTree's 0->1 transition check to decide whether to recurse into
// a newly-referenced child object.
func (t *MdTransaction) PendingRefCount(h hash.ObjectHash) int32 {
	base := int64(t.log.GetRefCount(h))
	return int32(base + t.deltas[h])
}

// Commit finalizes the transaction: computes each touched hash's absolute
// post-transaction refcount, rejects the transaction outright if any would
// go negative, and appends one record.
func (t *MdTransaction) Commit() error {
	return t.log.commit(t)
}
