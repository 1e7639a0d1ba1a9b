package git

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/sergiocampama/repomgr"
)

type workingCheckout struct {
	path string
}

func (w *workingCheckout) Path() string { return w.path }

// CheckedOutRevision reports the revision currently checked out in the
// working tree.
func (w *workingCheckout) CheckedOutRevision(ctx context.Context) (repomgr.Revision, error) {
	out, err := run(ctx, w.path, "rev-parse", "HEAD")
	if err != nil {
		return "", errors.Wrapf(err, "git rev-parse HEAD: %s", out)
	}
	return repomgr.Revision(strings.TrimSpace(string(out))), nil
}
