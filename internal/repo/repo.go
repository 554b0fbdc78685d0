// Package repo implements the local repository engine: the on-disk layout
// under a repository root, object storage across packfiles, the history DAG
// of commits/trees/blobs, garbage collection, and the pull/push transport
// entry points. It is the Go analogue of libori's LocalRepo (spec §4.7),
// generalized to the corevault object model.
package repo

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/orivault/corevault/internal/config"
	"github.com/orivault/corevault/internal/hash"
	"github.com/orivault/corevault/internal/index"
	"github.com/orivault/corevault/internal/metadatalog"
	"github.com/orivault/corevault/internal/metrics"
	"github.com/orivault/corevault/internal/model"
	"github.com/orivault/corevault/internal/packfile"
	"github.com/orivault/corevault/pkg/errors"
)

// FormatVersion is the on-disk layout version string written to the
// repository's version file and checked on every Open.
const FormatVersion = "corevault-1"

// On-disk layout names, all relative to the repository root (spec §6).
const (
	pathVersion    = "version"
	pathID         = "id"
	pathIndex      = "index"
	pathSnapshots  = "snapshots"
	pathMetadata   = "metadata"
	pathHead       = "HEAD"
	pathMergeState = "mergestate"
	pathLock       = "lock"
	pathObjs       = "objs"
	pathTmp        = "tmp"
	pathRefs       = "refs"
	pathRefsHeads  = "refs/heads"
	pathRefsRemote = "refs/remotes"
	pathTrusted    = "trusted"
	pathPrivateKey = "private.pem"
)

// DefaultBranch is the branch HEAD points at in a freshly initialized
// repository.
const DefaultBranch = "default"

// Repository is one open, locked-for-this-process repository engine.
// Every exported method locks mu for the duration of its own work; the
// packfile manager, index, and metadata log each hold their own finer
// locks underneath, matching the repo -> namespace -> command lock
// ordering of spec §5 (Repository sits at the outermost "repo" level).
type Repository struct {
	mu sync.RWMutex

	rootPath string
	cfg      *config.Configuration
	logger   *slog.Logger

	id      string
	version string

	index     *index.Index
	metadata  *metadatalog.MetadataLog
	snapshots *SnapshotLog
	packfiles *packfile.Manager

	currPackfile    *packfile.Packfile
	currTransaction *packfile.PfTransaction

	purged map[hash.ObjectHash]struct{}

	signer  model.Signer
	metrics *metrics.Collector

	lockHeld bool
}

func joinPath(root string, parts ...string) string {
	all := append([]string{root}, parts...)
	return filepath.Join(all...)
}

func (r *Repository) path(parts ...string) string {
	return joinPath(r.rootPath, parts...)
}

// Init creates a fresh repository layout at root. It does not open it;
// call Open afterward.
func Init(root string, cfg *config.Configuration) error {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	for _, dir := range []string{"", pathObjs, pathTmp, pathRefsHeads, pathRefsRemote, pathTrusted} {
		if err := os.MkdirAll(joinPath(root, dir), 0o755); err != nil {
			return fmt.Errorf("repo: init mkdir %s: %w", dir, err)
		}
	}

	if err := os.WriteFile(joinPath(root, pathVersion), []byte(FormatVersion), 0o644); err != nil {
		return fmt.Errorf("repo: init write version: %w", err)
	}
	if err := os.WriteFile(joinPath(root, pathID), []byte(uuid.NewString()), 0o644); err != nil {
		return fmt.Errorf("repo: init write id: %w", err)
	}
	for _, f := range []string{pathIndex, pathSnapshots, pathMetadata} {
		if err := touchFile(joinPath(root, f)); err != nil {
			return fmt.Errorf("repo: init touch %s: %w", f, err)
		}
	}
	if err := os.WriteFile(joinPath(root, pathHead), []byte("@"+DefaultBranch), 0o644); err != nil {
		return fmt.Errorf("repo: init write HEAD: %w", err)
	}
	return nil
}

func touchFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// Open opens an existing repository at root. logger defaults to
// slog.Default() when nil.
func Open(root string, cfg *config.Configuration, logger *slog.Logger) (*Repository, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if logger == nil {
		logger = slog.Default()
	}

	versionBytes, err := os.ReadFile(joinPath(root, pathVersion))
	if err != nil {
		return nil, fmt.Errorf("repo: read version: %w", err)
	}
	version := string(versionBytes)
	if version != FormatVersion {
		return nil, errors.NewError(errors.ErrCodeVersionMismatch,
			fmt.Sprintf("repository version %q does not match engine version %q", version, FormatVersion)).
			WithComponent("repo").WithOperation("Open")
	}

	idBytes, err := os.ReadFile(joinPath(root, pathID))
	if err != nil {
		return nil, fmt.Errorf("repo: read id: %w", err)
	}

	idx, err := index.Open(joinPath(root, pathIndex))
	if err != nil {
		return nil, fmt.Errorf("repo: open index: %w", err)
	}
	md, err := metadatalog.Open(joinPath(root, pathMetadata))
	if err != nil {
		idx.Close()
		return nil, fmt.Errorf("repo: open metadata log: %w", err)
	}
	snaps, err := OpenSnapshotLog(joinPath(root, pathSnapshots))
	if err != nil {
		idx.Close()
		md.Close()
		return nil, fmt.Errorf("repo: open snapshot log: %w", err)
	}
	pfs, err := packfile.OpenManager(joinPath(root, pathObjs), cfg.Packfile)
	if err != nil {
		idx.Close()
		md.Close()
		return nil, fmt.Errorf("repo: open packfile manager: %w", err)
	}

	r := &Repository{
		rootPath:  root,
		cfg:       cfg,
		logger:    logger,
		id:        string(idBytes),
		version:   version,
		index:     idx,
		metadata:  md,
		snapshots: snaps,
		packfiles: pfs,
		purged:    make(map[hash.ObjectHash]struct{}),
	}

	if err := r.wipeTmp(); err != nil {
		return nil, err
	}
	if err := r.rebuildIndexIfNeeded(); err != nil {
		return nil, err
	}
	return r, nil
}

// wipeTmp clears the tmp/ scratch directory on open, per spec §5's crash
// model: a leftover temp file means a prior process died mid-operation and
// whatever it was building is unusable.
func (r *Repository) wipeTmp() error {
	dir := r.path(pathTmp)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(dir, 0o755)
		}
		return fmt.Errorf("repo: read tmp dir: %w", err)
	}
	if len(entries) > 0 {
		r.logger.Warn("repo: clearing non-empty tmp directory from a prior unclean shutdown", "count", len(entries))
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("repo: remove tmp entry %s: %w", e.Name(), err)
		}
	}
	return nil
}

// rebuildIndexIfNeeded reconstructs the index from the packfiles on disk
// when the index log is empty but packfiles already exist — the signature
// of a missing or unreadable index file (spec §4.5).
func (r *Repository) rebuildIndexIfNeeded() error {
	if r.index.Len() > 0 {
		return nil
	}
	ids, err := r.packfiles.ListIDs()
	if err != nil {
		return fmt.Errorf("repo: list packfile ids: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	r.logger.Warn("repo: index is empty but packfiles exist on disk, rebuilding", "packfiles", len(ids))
	var pfs []*packfile.Packfile
	for _, id := range ids {
		pf, err := r.packfiles.GetPackfile(id)
		if err != nil {
			return fmt.Errorf("repo: open packfile %d for rebuild: %w", id, err)
		}
		pfs = append(pfs, pf)
	}
	return r.index.Rebuild(pfs)
}

// ID returns the repository's UUID, assigned at Init.
func (r *Repository) ID() string { return r.id }

// RootPath returns the repository's root directory.
func (r *Repository) RootPath() string { return r.rootPath }

// Snapshots returns the repository's named-snapshot log, used to resolve
// the mount overlay's virtual `.snapshot/<name>/` namespace (spec §4.8)
// without touching the working overlay.
func (r *Repository) Snapshots() *SnapshotLog { return r.snapshots }

// SetSigner installs the signer used to sign/verify future commits. A nil
// signer (the default) means commits are never signed.
func (r *Repository) SetSigner(s model.Signer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signer = s
}

// SetMetrics installs the collector future object-add/pull/gc/cache-lookup
// calls report to. A nil collector (the default) disables instrumentation;
// the packfile manager's handle cache is wired to the same collector so its
// hit/miss observations land alongside the repository-level counters.
func (r *Repository) SetMetrics(c *metrics.Collector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = c
	if c != nil {
		r.packfiles.SetCacheObserver(c)
	} else {
		r.packfiles.SetCacheObserver(nil)
	}
}

// Lock acquires the repository's process-level lock, a symlink whose
// target is this process's PID, mirroring the original's exclusive-open
// lock file (spec §4.7, §6).
func (r *Repository) Lock() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lockHeld {
		return nil
	}
	lockPath := r.path(pathLock)
	pid := strconv.Itoa(os.Getpid())
	if err := os.Symlink(pid, lockPath); err != nil {
		if os.IsExist(err) {
			owner, readErr := os.Readlink(lockPath)
			if readErr != nil {
				owner = "unknown"
			}
			return errors.NewError(errors.ErrCodeRepoLocked,
				fmt.Sprintf("repository is locked by process %s", owner)).
				WithComponent("repo").WithOperation("Lock").WithDetail("owner_pid", owner)
		}
		return fmt.Errorf("repo: acquire lock: %w", err)
	}
	r.lockHeld = true
	return nil
}

// Unlock releases a lock acquired by Lock. It is a no-op if this process
// does not hold the lock.
func (r *Repository) Unlock() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.lockHeld {
		return nil
	}
	if err := os.Remove(r.path(pathLock)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("repo: release lock: %w", err)
	}
	r.lockHeld = false
	return nil
}

// Close flushes any pending packfile transaction and closes every
// subcomponent. The caller should Unlock separately if it called Lock.
func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	if err := r.flushTransactionLocked(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.index.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.metadata.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.snapshots.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.packfiles.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// --- HEAD / branch management ---

func (r *Repository) readHeadRef() (string, error) {
	data, err := os.ReadFile(r.path(pathHead))
	if err != nil {
		return "", fmt.Errorf("repo: read HEAD: %w", err)
	}
	return string(data), nil
}

// HeadBranch returns the branch HEAD currently points to, and false if
// HEAD is detached (pinned directly to a commit).
func (r *Repository) HeadBranch() (string, bool, error) {
	ref, err := r.readHeadRef()
	if err != nil {
		return "", false, err
	}
	if len(ref) > 0 && ref[0] == '@' {
		return ref[1:], true, nil
	}
	return "", false, nil
}

// branchRefPath returns the path to the named branch's ref file.
func (r *Repository) branchRefPath(branch string) string {
	return r.path(pathRefsHeads, branch)
}

// GetBranchHead returns the commit hash a branch currently resolves to,
// or hash.Empty if the branch has no commits yet.
func (r *Repository) GetBranchHead(branch string) (hash.ObjectHash, error) {
	data, err := os.ReadFile(r.branchRefPath(branch))
	if err != nil {
		if os.IsNotExist(err) {
			return hash.Empty, nil
		}
		return hash.Empty, fmt.Errorf("repo: read branch ref %s: %w", branch, err)
	}
	return hash.FromHex(string(data))
}

// GetHead resolves HEAD to a commit hash, following a branch ref if HEAD
// is symbolic, or parsing it directly if detached.
func (r *Repository) GetHead() (hash.ObjectHash, error) {
	ref, err := r.readHeadRef()
	if err != nil {
		return hash.Empty, err
	}
	if len(ref) == 0 {
		return hash.Empty, nil
	}
	switch ref[0] {
	case '@':
		return r.GetBranchHead(ref[1:])
	case '#':
		return hash.FromHex(ref[1:])
	default:
		return hash.Empty, errors.NewError(errors.ErrCodeProtocol, fmt.Sprintf("malformed HEAD contents %q", ref)).
			WithComponent("repo")
	}
}

// SetHead moves HEAD to commitID directly, without creating a commit —
// the fast-forward case of applying a pulled history (spec §4.9: merge
// only needs a three-way combine when neither side's tree is already an
// ancestor of the other).
func (r *Repository) SetHead(commitID hash.ObjectHash) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updateHead(commitID)
}

// updateHead advances whatever HEAD currently points at (a branch ref, or
// HEAD itself if detached) to commitID.
func (r *Repository) updateHead(commitID hash.ObjectHash) error {
	ref, err := r.readHeadRef()
	if err != nil {
		return err
	}
	if len(ref) == 0 || ref[0] == '@' {
		branch := DefaultBranch
		if len(ref) > 0 {
			branch = ref[1:]
		}
		if err := os.MkdirAll(r.path(pathRefsHeads), 0o755); err != nil {
			return fmt.Errorf("repo: mkdir refs/heads: %w", err)
		}
		return os.WriteFile(r.branchRefPath(branch), []byte(commitID.Hex()), 0o644)
	}
	return os.WriteFile(r.path(pathHead), []byte("#"+commitID.Hex()), 0o644)
}

// ListBranches returns every branch name with a ref file on disk.
func (r *Repository) ListBranches() ([]string, error) {
	entries, err := os.ReadDir(r.path(pathRefsHeads))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("repo: read refs/heads: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// --- Merge state ---

func (r *Repository) mergeStatePath() string { return r.path(pathMergeState) }

// HasMergeState reports whether a merge is pending (spec §9's mergestate
// file presence, not a field on MergeState itself).
func (r *Repository) HasMergeState() bool {
	_, err := os.Stat(r.mergeStatePath())
	return err == nil
}

// GetMergeState returns the pending merge's two parent hashes.
func (r *Repository) GetMergeState() (model.MergeState, error) {
	data, err := os.ReadFile(r.mergeStatePath())
	if err != nil {
		return model.MergeState{}, fmt.Errorf("repo: read mergestate: %w", err)
	}
	return model.UnmarshalMergeState(data)
}

// SetMergeState records a pending two-parent commit.
func (r *Repository) SetMergeState(m model.MergeState) error {
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(r.mergeStatePath(), data, 0o644)
}

// ClearMergeState removes the pending-merge marker, if any.
func (r *Repository) ClearMergeState() error {
	if err := os.Remove(r.mergeStatePath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("repo: clear mergestate: %w", err)
	}
	return nil
}
