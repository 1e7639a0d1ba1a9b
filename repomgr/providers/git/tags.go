package git

import (
	"bytes"
	"context"
	"sort"
	"strings"

	"github.com/Masterminds/semver"
	"github.com/pkg/errors"
	"github.com/sergiocampama/repomgr"
)

// repository is the read-only query interface over a bare mirror, backed
// by plain git commands and, optionally, a persistent QueryCache.
type repository struct {
	path  string
	cache *QueryCache
}

// ListTags returns the mirror's tags, semver-shaped ones first in
// descending order, followed by any non-semver tags in lexical order —
// mirroring the priority the teacher's version queue gives released
// versions over arbitrary tags.
func (r *repository) ListTags(ctx context.Context) ([]string, error) {
	if r.cache != nil {
		if tags, ok := r.cache.getTags(r.path); ok {
			return tags, nil
		}
	}

	out, err := run(ctx, r.path, "tag", "--list")
	if err != nil {
		return nil, errors.Wrapf(err, "git tag --list: %s", out)
	}

	var semTags []*semver.Version
	var semStrings = map[*semver.Version]string{}
	var plain []string

	for _, line := range bytes.Split(bytes.TrimSpace(out), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		name := string(line)
		if sv, err := semver.NewVersion(name); err == nil {
			semTags = append(semTags, sv)
			semStrings[sv] = name
			continue
		}
		plain = append(plain, name)
	}

	sort.Sort(sort.Reverse(semver.Collection(semTags)))
	sort.Strings(plain)

	tags := make([]string, 0, len(semTags)+len(plain))
	for _, sv := range semTags {
		tags = append(tags, semStrings[sv])
	}
	tags = append(tags, plain...)

	if r.cache != nil {
		r.cache.putTags(r.path, tags)
	}
	return tags, nil
}

// ListBranches returns the mirror's local branches.
func (r *repository) ListBranches(ctx context.Context) ([]string, error) {
	out, err := run(ctx, r.path, "branch", "--list", "--format=%(refname:short)")
	if err != nil {
		return nil, errors.Wrapf(err, "git branch --list: %s", out)
	}

	var branches []string
	for _, line := range bytes.Split(bytes.TrimSpace(out), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		branches = append(branches, string(line))
	}
	return branches, nil
}

// ResolveRevision resolves ref (a tag, branch, or commit-ish) to a
// canonical, full-length revision.
func (r *repository) ResolveRevision(ctx context.Context, ref string) (repomgr.Revision, error) {
	if r.cache != nil {
		if rev, ok := r.cache.getRevision(r.path, ref); ok {
			return rev, nil
		}
	}

	out, err := run(ctx, r.path, "rev-parse", "--verify", strings.TrimSpace(ref)+"^{commit}")
	if err != nil {
		return "", errors.Wrapf(err, "git rev-parse %q: %s", ref, out)
	}
	rev := repomgr.Revision(strings.TrimSpace(string(out)))

	if r.cache != nil {
		r.cache.putRevision(r.path, ref, rev)
	}
	return rev, nil
}
