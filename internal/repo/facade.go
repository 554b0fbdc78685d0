package repo

import (
	"github.com/orivault/corevault/internal/hash"
	"github.com/orivault/corevault/internal/model"
	"github.com/orivault/corevault/internal/objtype"
)

// Repo is the capability set Pull, internal/wire, and internal/remote/s3remote
// program against (spec §9's polymorphic Repo interface): a local
// *Repository and a remote peer reached over the wire protocol or an S3
// bucket are interchangeable on this interface, so pull/push logic never
// needs to know which kind of peer it's talking to.
type Repo interface {
	// ID returns the repository's stable UUID.
	ID() string
	// GetHead returns the commit HEAD currently resolves to, or
	// hash.Empty for a repository with no commits yet.
	GetHead() (hash.ObjectHash, error)
	// HasObject reports whether h is present (Purged objects count as
	// present — they still occupy an index slot).
	HasObject(h hash.ObjectHash) bool
	// GetObjectInfo returns h's catalog entry.
	GetObjectInfo(h hash.ObjectHash) (objtype.ObjectInfo, error)
	// ListObjects returns every object's catalog entry.
	ListObjects() []objtype.ObjectInfo
	// ListCommits returns every Commit object's hash.
	ListCommits() []hash.ObjectHash
	// GetCommit decodes and returns the commit stored at h.
	GetCommit(h hash.ObjectHash) (model.Commit, error)
	// GetTree decodes and returns the tree stored at h.
	GetTree(h hash.ObjectHash) (*model.Tree, error)
	// GetLargeBlob decodes and returns the largeblob manifest stored at h.
	GetLargeBlob(h hash.ObjectHash) (model.LargeBlob, error)
	// GetFramedPayload returns h's still-encoded payload, for relaying
	// without a decode/re-encode round trip.
	GetFramedPayload(h hash.ObjectHash) (objtype.ObjectInfo, []byte, error)
	// PutFramedPayload stores a payload another Repo already encoded.
	PutFramedPayload(info objtype.ObjectInfo, framed []byte) error
}

var _ Repo = (*Repository)(nil)
