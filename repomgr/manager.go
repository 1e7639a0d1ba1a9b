package repomgr

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Config supplies a Manager's dependencies and options. Root and Provider
// are required; everything else is optional.
type Config struct {
	// Root is the directory the manager exclusively owns: the handle
	// store file and every repository mirror live beneath it.
	Root string

	// Provider is the VCS capability set used to fetch, update, and
	// query mirrors.
	Provider Provider

	// CachePath, if non-empty, is a directory shared across Manager
	// instances (potentially across processes) used to stage fetches
	// and avoid redundant network I/O. It is never the manager's own
	// Root.
	CachePath string

	// CacheLocalPackages controls whether specifiers built from local
	// filesystem paths are eligible for cache staging. Remote
	// specifiers are always eligible when CachePath is set. Defaults to
	// false: local paths are cheap to re-read directly, and staging
	// them through a shared cache mostly just burns disk.
	CacheLocalPackages bool

	// Delegate, if set, receives fetch/update progress notifications.
	Delegate *Delegate

	// Warn receives non-fatal diagnostics, such as a corrupt handle
	// store being reset. May be nil.
	Warn WarningFunc
}

// Manager is the public façade over the handle store, concurrency
// coordinator, and a repository provider. It is safe for concurrent use
// by multiple goroutines within one process; it does not coordinate with
// other processes except through the optional shared cache directory.
type Manager struct {
	root               string
	cachePath          string
	cacheLocalPackages bool
	provider           Provider
	store              *HandleStore
	coord              *Coordinator
	delegate           *Delegate
	warn               WarningFunc
}

// NewManager constructs a Manager rooted at cfg.Root, loading (or
// initializing) its handle store and recovering from any crash left
// behind by a prior process.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Provider == nil {
		return nil, errors.New("repomgr: Config.Provider is required")
	}
	if cfg.Root == "" {
		return nil, errors.New("repomgr: Config.Root is required")
	}
	if err := os.MkdirAll(cfg.Root, 0755); err != nil {
		return nil, errors.Wrap(err, "creating repository root")
	}

	store, err := OpenStore(cfg.Root, cfg.Warn)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		root:               cfg.Root,
		cachePath:          cfg.CachePath,
		cacheLocalPackages: cfg.CacheLocalPackages,
		provider:           cfg.Provider,
		store:              store,
		coord:              NewCoordinator(),
		delegate:           cfg.Delegate,
		warn:               cfg.Warn,
	}

	m.recoverCrashed()
	return m, nil
}

// recoverCrashed removes any on-disk directory left behind by a fetch
// that never completed before the prior process exited. OpenStore has
// already demoted any such record from pending to error; this just
// cleans up what that crashed process didn't get a chance to.
func (m *Manager) recoverCrashed() {
	for _, rec := range m.store.Records() {
		if rec.Status != StatusError {
			continue
		}
		path := filepath.Join(m.root, rec.Subpath)
		if _, err := os.Stat(path); err == nil {
			os.RemoveAll(path)
		}
	}
}

// Lookup returns a handle to the repository named by spec, fetching or
// updating it as necessary. Concurrent lookups for the same spec
// coalesce into a single fetch (see Coordinator); lookups for distinct
// specifiers proceed independently.
//
// If skipUpdate is true and a usable mirror already exists, Lookup
// returns immediately without checking upstream for changes.
func (m *Manager) Lookup(ctx context.Context, spec RepositorySpecifier, skipUpdate bool) (RepositoryHandle, error) {
	rec, ok := m.store.Get(spec)
	if ok && rec.Status == StatusAvailable {
		path := filepath.Join(m.root, rec.Subpath)
		if m.provider.IsValidDirectory(path) {
			if skipUpdate {
				return m.handleFor(spec), nil
			}
			return m.update(ctx, spec, path)
		}
		// The mirror that the store thinks exists is gone or invalid;
		// fall through and treat this exactly like a cache miss.
	}

	return m.fetchCoordinated(ctx, spec)
}

// Remove deletes the on-disk mirror for spec, if any, and its record.
// Removing a specifier with no record is not an error.
func (m *Manager) Remove(spec RepositorySpecifier) error {
	rec, ok := m.store.Get(spec)
	if ok {
		if err := os.RemoveAll(filepath.Join(m.root, rec.Subpath)); err != nil {
			return errors.Wrapf(err, "removing mirror for %s", spec)
		}
	}
	return m.store.Remove(spec)
}

// Reset purges every record and removes the entire repositories root,
// then recreates it holding only the emptied handle store file.
// Subsequent lookups re-fetch from scratch.
func (m *Manager) Reset() error {
	var files int
	var bytes int64
	if counter, ok := m.provider.(StatCounter); ok {
		files, bytes = counter.DirStats(m.root)
	}

	if err := os.RemoveAll(m.root); err != nil {
		return errors.Wrap(err, "removing repositories root")
	}
	if err := os.MkdirAll(m.root, 0755); err != nil {
		return errors.Wrap(err, "recreating repositories root")
	}
	if err := m.store.Reset(); err != nil {
		return err
	}
	m.delegate.didReset(files, bytes)
	return nil
}

// Entry summarizes one persisted handle for diagnostic listing; unlike
// RepositoryHandle it carries no provider reference and can't Open or
// CreateWorkingCopy.
type Entry struct {
	Location string
	Path     string
	Status   Status
}

// List returns a snapshot of every handle currently in the store, sorted
// by location. It never touches the filesystem or the provider.
func (m *Manager) List() []Entry {
	recs := m.store.Records()
	out := make([]Entry, 0, len(recs))
	for loc, rec := range recs {
		out = append(out, Entry{
			Location: loc,
			Path:     filepath.Join(m.root, rec.Subpath),
			Status:   rec.Status,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Location < out[j].Location })
	return out
}

// update brings an existing, validated mirror up to date in place. If the
// provider doesn't implement Updater, the existing handle is returned
// unchanged — there's nothing to do.
func (m *Manager) update(ctx context.Context, spec RepositorySpecifier, path string) (RepositoryHandle, error) {
	updater, ok := m.provider.(Updater)
	if !ok {
		return m.handleFor(spec), nil
	}

	start := time.Now()
	m.delegate.willUpdate(spec)
	err := updater.Update(ctx, spec, path, m.progressFunc(spec))
	if err == nil && !m.provider.IsValidDirectory(path) {
		err = errors.Wrap(ErrCorrupt, "mirror is not a valid directory after update")
	}
	if err == nil {
		m.delegate.didUpdate(spec, nil, time.Since(start))
		return m.handleFor(spec), nil
	}

	if errors.Cause(err) == ErrCorrupt || !m.provider.IsValidDirectory(path) {
		m.delegate.didUpdate(spec, err, time.Since(start))
		os.RemoveAll(path)
		if rmErr := m.store.Remove(spec); rmErr != nil {
			return RepositoryHandle{}, rmErr
		}
		return m.fetchCoordinated(ctx, spec)
	}

	m.delegate.didUpdate(spec, err, time.Since(start))
	return m.handleFor(spec), &UpdateError{Specifier: spec, Err: err}
}

// fetchCoordinated routes a fetch for spec through the Coordinator so
// concurrent lookups collapse into one execution, then reads the result
// back out of the store.
func (m *Manager) fetchCoordinated(ctx context.Context, spec RepositorySpecifier) (RepositoryHandle, error) {
	err := m.coord.Do(ctx, spec.StoragePath(), func(fetchCtx context.Context) error {
		// A lookup that read the store before an earlier fetch of spec
		// finished can reach the Coordinator only after that fetch's
		// entry is gone; the mirror is then already in place.
		if rec, ok := m.store.Get(spec); ok && rec.Status == StatusAvailable &&
			m.provider.IsValidDirectory(filepath.Join(m.root, rec.Subpath)) {
			return nil
		}
		return m.fetch(fetchCtx, spec)
	})
	if err != nil {
		return RepositoryHandle{}, err
	}
	return m.handleFor(spec), nil
}

// fetch performs one full fetch of spec into its storage path, updating
// the store and notifying the delegate. It is only ever invoked from
// within the Coordinator, which guarantees at most one concurrent
// invocation per spec.
func (m *Manager) fetch(ctx context.Context, spec RepositorySpecifier) error {
	start := time.Now()
	subpath := spec.StoragePath()
	path := filepath.Join(m.root, subpath)

	// The destination may still hold a directory, such as an invalid
	// mirror whose available record Lookup fell through on; Fetch
	// requires an absent destination, so always clear it first.
	os.RemoveAll(path)

	if err := m.store.Put(spec, record{Subpath: subpath, Status: StatusPending}); err != nil {
		return err
	}

	var details FetchDetails
	m.delegate.willFetch(spec, details)

	if err := m.fetchInto(ctx, spec, path, &details); err != nil {
		os.RemoveAll(path)
		m.store.Put(spec, record{Subpath: subpath, Status: StatusError})
		wrapped := &FetchError{Specifier: spec, Err: err}
		m.delegate.didFetch(spec, details, wrapped, time.Since(start))
		return wrapped
	}

	if err := m.store.Put(spec, record{Subpath: subpath, Status: StatusAvailable}); err != nil {
		m.delegate.didFetch(spec, details, err, time.Since(start))
		return err
	}

	m.delegate.didFetch(spec, details, nil, time.Since(start))
	return nil
}

// fetchInto populates dest with a mirror of spec, staging through the
// shared cache when one is configured and spec is eligible.
func (m *Manager) fetchInto(ctx context.Context, spec RepositorySpecifier, dest string, details *FetchDetails) error {
	if m.cachePath == "" || !m.cacheEligible(spec) {
		return m.provider.Fetch(ctx, spec, dest, m.progressFunc(spec))
	}

	cacheDir := filepath.Join(m.cachePath, spec.StoragePath())
	if m.provider.RepositoryExists(cacheDir) {
		err := m.withCacheLock(ctx, cacheDir, func() error {
			if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
				return err
			}
			return m.provider.Copy(ctx, cacheDir, dest)
		})
		if err == nil {
			details.FromCache = true
			return nil
		}
		os.RemoveAll(dest)
		// Cache copy failed; fall through to a direct network fetch.
	}

	if err := m.provider.Fetch(ctx, spec, dest, m.progressFunc(spec)); err != nil {
		return err
	}

	err := m.withCacheLock(ctx, cacheDir, func() error {
		if err := os.MkdirAll(filepath.Dir(cacheDir), 0755); err != nil {
			return err
		}
		if m.provider.RepositoryExists(cacheDir) {
			return nil
		}
		return m.provider.Copy(ctx, dest, cacheDir)
	})
	details.UpdatedCache = err == nil
	return nil
}

// withCacheLock runs fn holding a cross-process lock on the shared cache
// directory, if the configured provider supports one (see CacheLocker).
// Providers that don't implement CacheLocker just run fn directly: the
// manager's own state never depends on cross-process exclusion, only the
// shared cache optionally does.
func (m *Manager) withCacheLock(ctx context.Context, cacheDir string, fn func() error) error {
	locker, ok := m.provider.(CacheLocker)
	if !ok {
		return fn()
	}
	unlock, err := locker.LockCache(ctx, cacheDir)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// cacheEligible reports whether spec may be staged through the shared
// cache: remote specifiers always are, local filesystem paths only when
// CacheLocalPackages is enabled.
func (m *Manager) cacheEligible(spec RepositorySpecifier) bool {
	if !isLocalLocation(spec.Location()) {
		return true
	}
	return m.cacheLocalPackages
}

func isLocalLocation(loc string) bool {
	return filepath.IsAbs(loc) || strings.HasPrefix(loc, "./") || strings.HasPrefix(loc, "../")
}

func (m *Manager) progressFunc(spec RepositorySpecifier) ProgressFunc {
	return func(fetched, total int) {
		m.delegate.fetching(spec, fetched, total)
	}
}

// handleFor builds a RepositoryHandle from the store's current record for
// spec. The caller must ensure a record exists.
func (m *Manager) handleFor(spec RepositorySpecifier) RepositoryHandle {
	rec, _ := m.store.Get(spec)
	return RepositoryHandle{
		Specifier: spec,
		Path:      filepath.Join(m.root, rec.Subpath),
		Status:    rec.Status,
		provider:  m.provider,
	}
}
