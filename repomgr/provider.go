package repomgr

import "context"

// Revision is an opaque, VCS-assigned identifier (typically a commit
// hash). The manager never interprets its contents.
type Revision string

// ProgressFunc receives advisory progress updates during a fetch. It must
// not block: Providers call it synchronously, so a slow ProgressFunc
// delays the Fetch or Update that calls it.
type ProgressFunc func(objectsFetched, total int)

// Provider is the pluggable VCS capability set the manager depends on. A
// Provider may be network-backed (package providers/git) or an in-memory
// test double (package providers/memory).
//
// The manager's Coordinator guarantees that at most one Fetch (with the
// cache Copy calls around it) runs for a given specifier at a time.
// Update, IsValidDirectory and the query methods are not serialized:
// concurrent lookups of an already-fetched specifier may call them for
// the same path at the same time.
type Provider interface {
	// Fetch populates destination, which must not already exist, with a
	// bare mirror of the repository named by spec. progress may be nil.
	Fetch(ctx context.Context, spec RepositorySpecifier, destination string, progress ProgressFunc) error

	// Copy clones the on-disk state of the mirror at source to
	// destination, which must not already exist. Used for cache staging.
	Copy(ctx context.Context, source, destination string) error

	// RepositoryExists reports whether a valid bare mirror currently
	// lives at path.
	RepositoryExists(path string) bool

	// Open returns a read-only query interface over an existing mirror.
	Open(ctx context.Context, spec RepositorySpecifier, path string) (Repository, error)

	// CreateWorkingCopy materializes a working tree at destination from
	// the mirror at source. If editable is false, callers should treat
	// the checkout as disposable/read-only.
	CreateWorkingCopy(ctx context.Context, spec RepositorySpecifier, source, destination string, editable bool) (WorkingCheckout, error)

	// WorkingCopyExists reports whether a valid working checkout
	// currently lives at path.
	WorkingCopyExists(path string) bool

	// OpenWorkingCopy returns a handle to an existing working checkout.
	OpenWorkingCopy(path string) (WorkingCheckout, error)

	// IsValidDirectory reports whether path contains a structurally
	// valid repository mirror (not necessarily up to date).
	IsValidDirectory(path string) bool

	// IsValidRefFormat reports whether ref is syntactically plausible as
	// a revision/tag/branch name for this VCS, without resolving it.
	IsValidRefFormat(ref string) bool
}

// Updater is implemented by providers that can bring an existing mirror up
// to date in place. For a Provider that does not implement Updater, a
// lookup of an existing, valid mirror returns it unchanged.
type Updater interface {
	// Update incrementally updates the mirror at path. If the mirror is
	// no longer usable, Update should return an error wrapping
	// ErrCorrupt rather than attempting to repair it silently.
	Update(ctx context.Context, spec RepositorySpecifier, path string, progress ProgressFunc) error
}

// CacheLocker is implemented by providers that want writes into the
// optional shared cache directory (Config.CachePath) guarded by a lock
// that also excludes other processes, not just other goroutines in this
// one. The manager's own root — the store file and the repositories
// directory — never uses this; only the shared cache does, since that
// directory is the one place this package expects genuine cross-process
// contention.
type CacheLocker interface {
	// LockCache acquires an exclusive lock scoped to path and returns a
	// function that releases it. Implementations may block until the
	// lock is available or ctx is done.
	LockCache(ctx context.Context, path string) (unlock func(), err error)
}

// StatCounter is implemented by providers that can report how much
// on-disk state a directory tree holds without the caller walking it
// itself. Reset uses it, when available, to give the delegate a summary
// of what it's about to discard.
type StatCounter interface {
	// DirStats totals the number of regular files and their combined
	// size beneath root. A root that doesn't exist reports zeros, not
	// an error.
	DirStats(root string) (files int, bytes int64)
}

// Repository is a read-only query interface over an existing mirror.
type Repository interface {
	// ListTags returns the tags known to this mirror, most relevant
	// order first (implementation-defined, typically semver descending
	// then lexical).
	ListTags(ctx context.Context) ([]string, error)

	// ListBranches returns the branches known to this mirror.
	ListBranches(ctx context.Context) ([]string, error)

	// ResolveRevision resolves a tag, branch, or partial/full revision
	// string to a canonical Revision.
	ResolveRevision(ctx context.Context, ref string) (Revision, error)
}

// WorkingCheckout is a materialized working tree produced by
// Provider.CreateWorkingCopy.
type WorkingCheckout interface {
	// Path returns the absolute path to the working tree root.
	Path() string

	// CheckedOutRevision reports the revision currently materialized on
	// disk.
	CheckedOutRevision(ctx context.Context) (Revision, error)
}
