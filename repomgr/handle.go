package repomgr

import (
	"context"

	"github.com/pkg/errors"
)

// Status describes the lifecycle state of a RepositoryHandle.
type Status string

const (
	// StatusPending means a record exists but no fetch has yet
	// succeeded. A pending status is never observed by callers of
	// Manager.Lookup; it exists only transiently in the store, and any
	// StatusPending record found at process start is demoted to
	// StatusError before lookups are accepted.
	StatusPending Status = "pending"

	// StatusAvailable means a working mirror exists at Path and is
	// usable.
	StatusAvailable Status = "available"

	// StatusError means the last fetch attempt failed. The record is
	// retained for diagnostics; handles in this state are never
	// returned from Manager.Lookup.
	StatusError Status = "error"
)

// RepositoryHandle names an on-disk mirror and its status. Callers obtain
// handles from Manager.Lookup and use Open/CreateWorkingCopy to get at the
// repository's contents; they never mutate Path directly.
type RepositoryHandle struct {
	Specifier RepositorySpecifier
	Path      string
	Status    Status

	provider Provider
}

// Open returns a read-only query interface over the handle's mirror. It is
// an error to call Open on a handle whose Status is not StatusAvailable.
func (h RepositoryHandle) Open(ctx context.Context) (Repository, error) {
	if h.Status != StatusAvailable {
		return nil, errors.Errorf("cannot open handle for %s: status is %s", h.Specifier, h.Status)
	}
	return h.provider.Open(ctx, h.Specifier, h.Path)
}

// CreateWorkingCopy materializes a working tree at destination from this
// handle's mirror. It is an error to call this on a handle whose Status is
// not StatusAvailable.
func (h RepositoryHandle) CreateWorkingCopy(ctx context.Context, destination string, editable bool) (WorkingCheckout, error) {
	if h.Status != StatusAvailable {
		return nil, errors.Errorf("cannot create working copy for %s: status is %s", h.Specifier, h.Status)
	}
	return h.provider.CreateWorkingCopy(ctx, h.Specifier, h.Path, destination, editable)
}
