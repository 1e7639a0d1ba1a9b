package git

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	flock "github.com/theckman/go-flock"
)

// cacheLockRetryInterval controls how often TryLockContext polls for the
// lock while another process holds it.
const cacheLockRetryInterval = 50 * time.Millisecond

// LockCache implements repomgr.CacheLocker, guarding writes into the
// shared cache directory with a real, cross-process file lock. Unlike
// the manager's own root, the shared cache is explicitly meant to be
// written to by more than one process at once, which is exactly the
// scenario an advisory file lock exists for.
func (p *Provider) LockCache(ctx context.Context, path string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "creating shared cache parent directory")
	}

	lock := flock.NewFlock(path + ".lock")
	locked, err := lock.TryLockContext(ctx, cacheLockRetryInterval)
	if err != nil {
		return nil, errors.Wrap(err, "acquiring shared cache lock")
	}
	if !locked {
		return nil, errors.New("acquiring shared cache lock: timed out")
	}

	return func() {
		lock.Unlock()
	}, nil
}
