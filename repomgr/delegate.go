package repomgr

import "time"

// FetchDetails carries observational information about how a fetch was
// satisfied, delivered to a Delegate's DidFetch hook.
type FetchDetails struct {
	// FromCache is true if a shared cache supplied the mirror's
	// objects instead of a network fetch.
	FromCache bool

	// UpdatedCache is true if this fetch wrote its results back into
	// the shared cache.
	UpdatedCache bool
}

// Delegate receives non-blocking progress notifications from a Manager.
// Every method is optional: a nil Delegate, or any nil field on one, is
// simply skipped. Delegate methods are called synchronously on the
// goroutine doing the fetch or update, without holding any internal
// Manager lock, so implementations must return quickly: a slow Delegate
// delays the fetch or update it is reporting on. Calls for one lookup
// arrive in order.
type Delegate struct {
	WillFetch  func(spec RepositorySpecifier, details FetchDetails)
	Fetching   func(spec RepositorySpecifier, objectsFetched, total int)
	DidFetch   func(spec RepositorySpecifier, details FetchDetails, err error, duration time.Duration)
	WillUpdate func(spec RepositorySpecifier)
	DidUpdate  func(spec RepositorySpecifier, err error, duration time.Duration)

	// DidReset is called once a Reset has removed the repositories root,
	// with a summary of what was discarded. files/bytes are zero if the
	// configured Provider doesn't implement StatCounter.
	DidReset func(files int, bytes int64)
}

func (d *Delegate) willFetch(spec RepositorySpecifier, details FetchDetails) {
	if d != nil && d.WillFetch != nil {
		d.WillFetch(spec, details)
	}
}

func (d *Delegate) fetching(spec RepositorySpecifier, objectsFetched, total int) {
	if d != nil && d.Fetching != nil {
		d.Fetching(spec, objectsFetched, total)
	}
}

func (d *Delegate) didFetch(spec RepositorySpecifier, details FetchDetails, err error, duration time.Duration) {
	if d != nil && d.DidFetch != nil {
		d.DidFetch(spec, details, err, duration)
	}
}

func (d *Delegate) willUpdate(spec RepositorySpecifier) {
	if d != nil && d.WillUpdate != nil {
		d.WillUpdate(spec)
	}
}

func (d *Delegate) didUpdate(spec RepositorySpecifier, err error, duration time.Duration) {
	if d != nil && d.DidUpdate != nil {
		d.DidUpdate(spec, err, duration)
	}
}

func (d *Delegate) didReset(files int, bytes int64) {
	if d != nil && d.DidReset != nil {
		d.DidReset(files, bytes)
	}
}
