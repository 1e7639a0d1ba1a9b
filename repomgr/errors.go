package repomgr

import "github.com/pkg/errors"

// ErrCorrupt is returned (or wrapped) by a Provider to signal that a
// working mirror on disk is no longer usable and must be re-fetched from
// scratch. The manager treats it as equivalent to IsValidDirectory
// returning false immediately after a claimed-successful update.
var ErrCorrupt = errors.New("repository mirror is corrupt")

// InvalidSpecifierError reports that a location could not be canonicalized
// into a RepositorySpecifier.
type InvalidSpecifierError struct {
	Location string
	Err      error
}

func (e *InvalidSpecifierError) Error() string {
	if e.Err == nil {
		return errors.Errorf("invalid repository location %q", e.Location).Error()
	}
	return errors.Wrapf(e.Err, "invalid repository location %q", e.Location).Error()
}

func (e *InvalidSpecifierError) Cause() error { return e.Err }

// FetchError reports that a provider failed to populate a fresh mirror.
type FetchError struct {
	Specifier RepositorySpecifier
	Err       error
}

func (e *FetchError) Error() string {
	return errors.Wrapf(e.Err, "fetching %s", e.Specifier.Location()).Error()
}

func (e *FetchError) Cause() error { return e.Err }

// UpdateError reports that a provider failed to bring an existing mirror
// up to date. It does not, on its own, invalidate the existing mirror.
type UpdateError struct {
	Specifier RepositorySpecifier
	Err       error
}

func (e *UpdateError) Error() string {
	return errors.Wrapf(e.Err, "updating %s", e.Specifier.Location()).Error()
}

func (e *UpdateError) Cause() error { return e.Err }

// StoreCorruptError reports that the persisted handle store could not be
// parsed. It is never fatal: the caller resets to an empty store and
// proceeds.
type StoreCorruptError struct {
	Path string
	Err  error
}

func (e *StoreCorruptError) Error() string {
	return errors.Wrapf(e.Err, "handle store at %q is corrupt", e.Path).Error()
}

func (e *StoreCorruptError) Cause() error { return e.Err }
