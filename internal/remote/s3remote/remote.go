// Package s3remote implements an S3-backed internal/repo.Repo: a corevault
// repository's objects, HEAD, and catalog stored as keys in a bucket
// instead of on local disk, so Pull/MultiPull can treat an S3 bucket as
// just another peer. Grounded on the teacher's internal/storage/s3
// package (client construction, connection pooling, S3 error handling),
// repurposed from a generic blob backend to corevault's content-addressed
// object model.
package s3remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/orivault/corevault/internal/circuit"
	"github.com/orivault/corevault/internal/codec"
	"github.com/orivault/corevault/internal/hash"
	"github.com/orivault/corevault/internal/model"
	"github.com/orivault/corevault/internal/objtype"
	"github.com/orivault/corevault/internal/repo"
	coreerrors "github.com/orivault/corevault/pkg/errors"
)

var _ repo.Repo = (*Remote)(nil)

// Remote is a Repo backed by one S3 bucket (optionally namespaced under a
// key prefix). Every stored object is self-describing: its S3 object body
// is objtype.ObjectInfo.Marshal() followed by the still codec-framed
// payload, the same header-then-payload shape internal/packfile uses on
// disk. A separate small index object caches the catalog so ListObjects/
// ListCommits don't have to enumerate+HeadObject every key.
type Remote struct {
	pool    *ConnectionPool
	bucket  string
	prefix  string
	breaker *circuit.CircuitBreaker

	mu    sync.RWMutex
	id    string
	index map[hash.ObjectHash]objtype.ObjectInfo
}

// Open connects to cfg.Bucket, loading (or creating) this Repo's identity
// and catalog index.
func Open(ctx context.Context, cfg *Config) (*Remote, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3remote: bucket name cannot be empty")
	}
	pool, err := newClientPool(ctx, cfg)
	if err != nil {
		return nil, err
	}

	r := &Remote{
		pool:   pool,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		index:  make(map[hash.ObjectHash]objtype.ObjectInfo),
		breaker: circuit.NewCircuitBreaker("s3remote:"+cfg.Bucket, circuit.Config{
			Timeout:      30 * time.Second,
			IsSuccessful: breakerSkips,
			ReadyToTrip:  func(c circuit.Counts) bool { return c.ConsecutiveFailures >= 3 },
		}),
	}

	id, err := r.loadOrCreateID(ctx)
	if err != nil {
		return nil, err
	}
	r.id = id

	if err := r.loadIndex(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Close releases the connection pool.
func (r *Remote) Close() error {
	return r.pool.Close()
}

func (r *Remote) key(parts ...string) string {
	key := r.prefix
	for _, p := range parts {
		key += "/" + p
	}
	return key
}

func (r *Remote) objectKey(h hash.ObjectHash) string { return r.key("objects", h.Hex()) }
func (r *Remote) headKey() string                    { return r.key("meta", "head") }
func (r *Remote) idKey() string                      { return r.key("meta", "id") }
func (r *Remote) indexKey() string                   { return r.key("meta", "index") }

// breakerSkips reports whether err should NOT count as a breaker failure:
// a clean "not found" response means the bucket answered fine, it just
// doesn't have key — that's not the kind of fault the breaker trips on.
func breakerSkips(err error) bool {
	return err == nil || isNoSuchKey(err)
}

func (r *Remote) getObject(ctx context.Context, key string) ([]byte, error) {
	var body []byte
	err := r.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		client := r.pool.Get()
		defer r.pool.Put(client)

		out, err := client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(r.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		defer out.Body.Close()
		body, err = io.ReadAll(out.Body)
		return err
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (r *Remote) putObject(ctx context.Context, key string, body []byte) error {
	return r.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		client := r.pool.Get()
		defer r.pool.Put(client)

		_, err := client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(r.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(body),
			ContentLength: aws.Int64(int64(len(body))),
		})
		return err
	})
}

func (r *Remote) headObject(ctx context.Context, key string) bool {
	var found bool
	r.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		client := r.pool.Get()
		defer r.pool.Put(client)

		_, err := client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(r.bucket),
			Key:    aws.String(key),
		})
		found = err == nil
		return err
	})
	return found
}

func isNoSuchKey(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var notFound *s3types.NotFound
	return errors.As(err, &notFound)
}

func (r *Remote) loadOrCreateID(ctx context.Context) (string, error) {
	body, err := r.getObject(ctx, r.idKey())
	if err == nil {
		return string(body), nil
	}
	if !isNoSuchKey(err) {
		return "", fmt.Errorf("s3remote: get %s: %w", r.idKey(), err)
	}
	id := uuid.NewString()
	if err := r.putObject(ctx, r.idKey(), []byte(id)); err != nil {
		return "", fmt.Errorf("s3remote: put %s: %w", r.idKey(), err)
	}
	return id, nil
}

func (r *Remote) loadIndex(ctx context.Context) error {
	body, err := r.getObject(ctx, r.indexKey())
	if err != nil {
		if isNoSuchKey(err) {
			return nil
		}
		return fmt.Errorf("s3remote: get %s: %w", r.indexKey(), err)
	}
	var infos []objtype.ObjectInfo
	if err := msgpack.Unmarshal(body, &infos); err != nil {
		return fmt.Errorf("s3remote: decode index: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, info := range infos {
		r.index[info.Hash] = info
	}
	return nil
}

// persistIndexLocked rewrites the whole index object. Called with r.mu held.
func (r *Remote) persistIndexLocked(ctx context.Context) error {
	infos := make([]objtype.ObjectInfo, 0, len(r.index))
	for _, info := range r.index {
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Hash.Less(infos[j].Hash) })
	body, err := msgpack.Marshal(infos)
	if err != nil {
		return fmt.Errorf("s3remote: encode index: %w", err)
	}
	if err := r.putObject(ctx, r.indexKey(), body); err != nil {
		return fmt.Errorf("s3remote: put %s: %w", r.indexKey(), err)
	}
	return nil
}

// ID returns the fsid generated at bucket initialization.
func (r *Remote) ID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.id
}

// GetHead returns the commit hash stored at meta/head, or hash.Empty if
// the bucket has never had a head set.
func (r *Remote) GetHead() (hash.ObjectHash, error) {
	ctx := context.Background()
	body, err := r.getObject(ctx, r.headKey())
	if err != nil {
		if isNoSuchKey(err) {
			return hash.Empty, nil
		}
		return hash.Empty, fmt.Errorf("s3remote: get %s: %w", r.headKey(), err)
	}
	return hash.FromHex(string(body))
}

// SetHead advances this bucket's HEAD, for use by a writer that pushes a
// new commit here (not required by the Repo interface, which is
// read-mostly from a peer's point of view, but needed to seed a bucket
// as a pull source).
func (r *Remote) SetHead(h hash.ObjectHash) error {
	return r.putObject(context.Background(), r.headKey(), []byte(h.Hex()))
}

// HasObject reports whether h exists in the bucket, consulting the
// in-memory index first and falling back to a HeadObject call for
// objects another writer may have added since the index was last loaded.
func (r *Remote) HasObject(h hash.ObjectHash) bool {
	r.mu.RLock()
	_, ok := r.index[h]
	r.mu.RUnlock()
	if ok {
		return true
	}
	return r.headObject(context.Background(), r.objectKey(h))
}

// GetObjectInfo returns h's catalog entry.
func (r *Remote) GetObjectInfo(h hash.ObjectHash) (objtype.ObjectInfo, error) {
	r.mu.RLock()
	info, ok := r.index[h]
	r.mu.RUnlock()
	if ok {
		return info, nil
	}
	info, _, err := r.GetFramedPayload(h)
	return info, err
}

// ListObjects returns every object's catalog entry known to the index.
func (r *Remote) ListObjects() []objtype.ObjectInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]objtype.ObjectInfo, 0, len(r.index))
	for _, info := range r.index {
		out = append(out, info)
	}
	return out
}

// ListCommits returns every Commit-typed object's hash.
func (r *Remote) ListCommits() []hash.ObjectHash {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []hash.ObjectHash
	for h, info := range r.index {
		if info.Type == objtype.Commit {
			out = append(out, h)
		}
	}
	return out
}

// encodeObjectBody prefixes framed with info's fixed-size header, the
// same header-then-payload shape internal/packfile writes to disk.
func encodeObjectBody(info objtype.ObjectInfo, framed []byte) []byte {
	body := make([]byte, 0, objtype.Size+len(framed))
	body = append(body, info.Marshal()...)
	body = append(body, framed...)
	return body
}

// decodeObjectBody splits a self-describing S3 object body back into its
// header and framed payload.
func decodeObjectBody(h hash.ObjectHash, body []byte) (objtype.ObjectInfo, []byte, error) {
	if len(body) < objtype.Size {
		return objtype.ObjectInfo{}, nil, coreerrors.NewError(coreerrors.ErrCodeTruncatedRecord,
			fmt.Sprintf("object %s body shorter than header", h)).WithComponent("s3remote")
	}
	info, err := objtype.Unmarshal(body[:objtype.Size])
	if err != nil {
		return objtype.ObjectInfo{}, nil, fmt.Errorf("s3remote: decode header for %s: %w", h, err)
	}
	return info, body[objtype.Size:], nil
}

// GetFramedPayload fetches h's ObjectInfo header and still codec-framed
// payload from its self-describing S3 object body.
func (r *Remote) GetFramedPayload(h hash.ObjectHash) (objtype.ObjectInfo, []byte, error) {
	body, err := r.getObject(context.Background(), r.objectKey(h))
	if err != nil {
		if isNoSuchKey(err) {
			return objtype.ObjectInfo{}, nil, coreerrors.NewError(coreerrors.ErrCodeObjectNotFound,
				fmt.Sprintf("object %s not found", h)).WithComponent("s3remote")
		}
		return objtype.ObjectInfo{}, nil, fmt.Errorf("s3remote: get %s: %w", r.objectKey(h), err)
	}
	return decodeObjectBody(h, body)
}

// PutFramedPayload stores an already codec-framed payload under info.Hash,
// skipping the write (and index update) if the object is already present.
func (r *Remote) PutFramedPayload(info objtype.ObjectInfo, framed []byte) error {
	r.mu.RLock()
	_, exists := r.index[info.Hash]
	r.mu.RUnlock()
	if exists {
		return nil
	}

	ctx := context.Background()
	if err := r.putObject(ctx, r.objectKey(info.Hash), encodeObjectBody(info, framed)); err != nil {
		return fmt.Errorf("s3remote: put %s: %w", r.objectKey(info.Hash), err)
	}

	r.mu.Lock()
	r.index[info.Hash] = info
	err := r.persistIndexLocked(ctx)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return nil
}

func (r *Remote) decodeTyped(h hash.ObjectHash, want objtype.Type) ([]byte, error) {
	info, framed, err := r.GetFramedPayload(h)
	if err != nil {
		return nil, err
	}
	if info.Type != want {
		return nil, coreerrors.NewError(coreerrors.ErrCodeUnknownType,
			fmt.Sprintf("object %s has type %s, want %s", h, info.Type, want)).WithComponent("s3remote")
	}
	_, payload, err := codec.Decode(framed)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// GetCommit fetches and decodes the commit stored at h.
func (r *Remote) GetCommit(h hash.ObjectHash) (model.Commit, error) {
	payload, err := r.decodeTyped(h, objtype.Commit)
	if err != nil {
		return model.Commit{}, err
	}
	return model.UnmarshalCommit(payload)
}

// GetTree fetches and decodes the tree stored at h.
func (r *Remote) GetTree(h hash.ObjectHash) (*model.Tree, error) {
	payload, err := r.decodeTyped(h, objtype.Tree)
	if err != nil {
		return nil, err
	}
	return model.UnmarshalTree(payload)
}

// GetLargeBlob fetches and decodes the largeblob manifest stored at h.
func (r *Remote) GetLargeBlob(h hash.ObjectHash) (model.LargeBlob, error) {
	payload, err := r.decodeTyped(h, objtype.LargeBlob)
	if err != nil {
		return model.LargeBlob{}, err
	}
	return model.UnmarshalLargeBlob(payload)
}
