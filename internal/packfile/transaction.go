package packfile

import (
	"github.com/orivault/corevault/internal/config"
	"github.com/orivault/corevault/internal/hash"
	"github.com/orivault/corevault/internal/objtype"
)

// PfTransaction accumulates objects in memory before a single Commit writes
// them to a packfile as one group. Keeping the group in memory until commit
// lets the caller bound group size/count without touching disk per object.
type PfTransaction struct {
	cfg      config.PackfileConfig
	infos    []objtype.ObjectInfo
	payloads [][]byte
	seen     map[hash.ObjectHash]struct{}
	size     int64
}

// NewTransaction returns an empty transaction bounded by cfg.
func NewTransaction(cfg config.PackfileConfig) *PfTransaction {
	return &PfTransaction{
		cfg:  cfg,
		seen: make(map[hash.ObjectHash]struct{}),
	}
}

// Has reports whether h has already been added to this transaction,
// allowing a caller to skip re-adding an object committed earlier in the
// same batch (e.g. a tree referencing a blob added moments before).
func (t *PfTransaction) Has(h hash.ObjectHash) bool {
	_, ok := t.seen[h]
	return ok
}

// Len returns the number of objects queued so far.
func (t *PfTransaction) Len() int { return len(t.infos) }

// Full reports whether adding another object would exceed the configured
// per-group object count or byte bounds.
func (t *PfTransaction) Full() bool {
	if t.cfg.MaxObjectsPerGroup > 0 && len(t.infos) >= t.cfg.MaxObjectsPerGroup {
		return true
	}
	if t.cfg.MaxGroupBytes > 0 && t.size >= t.cfg.MaxGroupBytes {
		return true
	}
	return false
}

// AddPayload queues one object for the next Commit. payload is the
// already-framed (internal/codec-encoded) byte stream; packfile never
// inspects its content.
func (t *PfTransaction) AddPayload(info objtype.ObjectInfo, payload []byte) {
	if t.Has(info.Hash) {
		return
	}
	t.infos = append(t.infos, info)
	t.payloads = append(t.payloads, payload)
	t.seen[info.Hash] = struct{}{}
	t.size += int64(len(payload))
}

// Commit writes every queued object to pf as one group and returns the
// resulting IndexEntry for each. The transaction is left empty afterward so
// it can be reused for the next group.
func (t *PfTransaction) Commit(pf *Packfile) ([]IndexEntry, error) {
	entries, err := pf.Commit(t.infos, t.payloads)
	if err != nil {
		return nil, err
	}
	t.infos = nil
	t.payloads = nil
	t.seen = make(map[hash.ObjectHash]struct{})
	t.size = 0
	return entries, nil
}
