// Package git implements repomgr.Provider against the system git binary,
// following the same command-line-driven approach as the teacher's
// Masterminds/vcs-based wrapper: shell out, inspect combined output, and
// translate failures into structured errors. It talks to git directly
// rather than through vcs.Repo, since this provider's Fetch/Copy/Open/
// CreateWorkingCopy verbs and bare-mirror-plus-separate-working-copy
// model don't line up with vcs.Repo's single-working-directory Get/
// Update, and the spec has no use for vcs's bzr/hg/svn support.
package git

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"github.com/sergiocampama/repomgr"
	"github.com/termie/go-shutil"
)

// Provider fetches, updates, and queries git mirrors using the system
// git binary. A zero Provider is ready to use.
type Provider struct {
	// Cache, if set, backs ListTags/ResolveRevision with a persistent
	// on-disk query cache (see cache_bolt.go). Optional.
	Cache *QueryCache
}

var _ repomgr.Provider = (*Provider)(nil)
var _ repomgr.Updater = (*Provider)(nil)
var _ repomgr.StatCounter = (*Provider)(nil)

// run executes git with args, optionally rooted at dir (empty means the
// current working directory), returning combined stdout+stderr.
func run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = mergeEnvLists([]string{"GIT_TERMINAL_PROMPT=0"}, os.Environ())
	return cmd.CombinedOutput()
}

// mergeEnvLists overlays in onto out, replacing any existing KEY=... entry
// in out with the one from in rather than duplicating it.
//
// Copied from Masterminds/vcs so we can exec our own git commands outside
// of its Repo wrapper while keeping its terminal-prompt-suppression
// behavior.
func mergeEnvLists(in, out []string) []string {
NextVar:
	for _, inkv := range in {
		k := strings.SplitAfterN(inkv, "=", 2)[0]
		for i, outkv := range out {
			if strings.HasPrefix(outkv, k) {
				out[i] = inkv
				continue NextVar
			}
		}
		out = append(out, inkv)
	}
	return out
}

var progressRe = regexp.MustCompile(`Receiving objects:\s+\d+%\s+\((\d+)/(\d+)\)`)

// reportProgress scans git's combined output for "Receiving objects: NN%
// (x/y)" lines and invokes progress with the last one found. git only
// emits these with --progress, and only to stderr, which CombinedOutput
// folds in alongside stdout.
func reportProgress(out []byte, progress repomgr.ProgressFunc) {
	if progress == nil {
		return
	}
	var fetched, total int
	for _, line := range bytes.Split(out, []byte("\n")) {
		m := progressRe.FindSubmatch(line)
		if m == nil {
			continue
		}
		fetched = atoiOrZero(string(m[1]))
		total = atoiOrZero(string(m[2]))
	}
	if total > 0 {
		progress(fetched, total)
	}
}

func atoiOrZero(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// Fetch clones spec's remote as a bare mirror into destination.
func (p *Provider) Fetch(ctx context.Context, spec repomgr.RepositorySpecifier, destination string, progress repomgr.ProgressFunc) error {
	parent := filepath.Dir(destination)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return errors.Wrap(err, "creating parent of fetch destination")
	}

	out, err := run(ctx, "", "clone", "--mirror", "--progress", spec.Location(), destination)
	if err != nil && isUnableToCreateDir(out) {
		// Some git builds on some platforms fail to create the parent
		// directory themselves even though it's present; if it's
		// genuinely missing, make it and retry once.
		if _, statErr := os.Stat(parent); os.IsNotExist(statErr) {
			if mkErr := os.MkdirAll(parent, 0755); mkErr != nil {
				return errors.Wrap(mkErr, "creating fetch destination parent after retry")
			}
			out, err = run(ctx, "", "clone", "--mirror", "--progress", spec.Location(), destination)
		}
	}
	if err != nil {
		return errors.Wrapf(err, "git clone --mirror: %s", out)
	}
	reportProgress(out, progress)
	return nil
}

// isUnableToCreateDir reports whether out — git's combined output from a
// failed clone — is git's "could not create work tree dir" error, in any
// of the languages git's own localization ships. Ported from
// Masterminds/vcs's gitRepo.Get, which this provider's Fetch replaces.
func isUnableToCreateDir(out []byte) bool {
	msg := string(bytes.TrimSpace(out))
	prefixes := []string{
		"could not create work tree dir",
		"不能创建工作区目录",
		"no s'ha pogut crear el directori d'arbre de treball",
		"impossible de créer le répertoire de la copie de travail",
		"kunde inte skapa arbetskatalogen",
	}
	for _, p := range prefixes {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return (strings.Contains(msg, "Konnte Arbeitsverzeichnis") && strings.Contains(msg, "nicht erstellen")) ||
		(strings.Contains(msg, "작업 디렉터리를") && strings.Contains(msg, "만들 수 없습니다"))
}

// Update refreshes an existing bare mirror's refs from its remote.
func (p *Provider) Update(ctx context.Context, spec repomgr.RepositorySpecifier, path string, progress repomgr.ProgressFunc) error {
	if !p.RepositoryExists(path) {
		return errors.Wrap(repomgr.ErrCorrupt, "mirror directory is not a valid git repository")
	}

	out, err := run(ctx, path, "remote", "update", "--prune")
	if err != nil {
		return errors.Wrapf(err, "git remote update: %s", out)
	}
	reportProgress(out, progress)
	return nil
}

// Copy duplicates the on-disk contents of a mirror or working copy,
// without any git-aware logic: it's a plain recursive directory copy
// using the same ignore rules the teacher's generic (non-git) VCS sources
// used when staging a cache.
func (p *Provider) Copy(ctx context.Context, source, destination string) error {
	cfg := &shutil.CopyTreeOptions{
		Symlinks:     true,
		CopyFunction: shutil.Copy,
		Ignore: func(src string, contents []os.FileInfo) (ignore []string) {
			for _, fi := range contents {
				if !fi.IsDir() {
					continue
				}
				switch fi.Name() {
				case "vendor", ".bzr", ".svn", ".hg":
					ignore = append(ignore, fi.Name())
				}
			}
			return
		},
	}
	return shutil.CopyTree(source, destination, cfg)
}

// RepositoryExists reports whether path is a valid bare git repository.
func (p *Provider) RepositoryExists(path string) bool {
	if fi, err := os.Stat(path); err != nil || !fi.IsDir() {
		return false
	}
	out, err := run(context.Background(), path, "rev-parse", "--is-bare-repository")
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(out)) == "true"
}

// IsValidDirectory checks that path is a valid bare mirror, and that its
// object store is structurally sound; see validate.go for the deeper
// traversal used to back that second check on large mirrors.
func (p *Provider) IsValidDirectory(path string) bool {
	if !p.RepositoryExists(path) {
		return false
	}
	return objectsDirHealthy(path)
}

// IsValidRefFormat reports whether ref is syntactically acceptable to git
// as a revision/tag/branch name.
func (p *Provider) IsValidRefFormat(ref string) bool {
	if ref == "" {
		return false
	}
	out, err := run(context.Background(), "", "check-ref-format", "--allow-onelevel", ref)
	if err == nil {
		return true
	}
	// check-ref-format is strict about fully-qualified refs; fall back
	// to accepting anything that looks like a hex revision.
	_ = out
	return isHexRevision(ref)
}

func isHexRevision(s string) bool {
	if len(s) < 4 || len(s) > 40 {
		return false
	}
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')) {
			return false
		}
	}
	return true
}

// Open returns a read-only query interface over the mirror at path.
func (p *Provider) Open(ctx context.Context, spec repomgr.RepositorySpecifier, path string) (repomgr.Repository, error) {
	if !p.RepositoryExists(path) {
		return nil, errors.Errorf("git: %q is not a valid mirror", path)
	}
	return &repository{path: path, cache: p.Cache}, nil
}

// CreateWorkingCopy materializes a working tree at destination by cloning
// it locally from the bare mirror at source.
func (p *Provider) CreateWorkingCopy(ctx context.Context, spec repomgr.RepositorySpecifier, source, destination string, editable bool) (repomgr.WorkingCheckout, error) {
	if err := os.MkdirAll(filepath.Dir(destination), 0755); err != nil {
		return nil, errors.Wrap(err, "creating parent of working copy destination")
	}

	out, err := run(ctx, "", "clone", source, destination)
	if err != nil {
		return nil, errors.Wrapf(err, "git clone (working copy): %s", out)
	}

	if out, err := run(ctx, destination, "submodule", "update", "--init", "--recursive"); err != nil {
		return nil, errors.Wrapf(err, "git submodule update: %s", out)
	}

	if !editable {
		// Detach from the local mirror remote so a read-only consumer
		// can't accidentally push/pull against it.
		if out, err := run(ctx, destination, "remote", "remove", "origin"); err != nil {
			return nil, errors.Wrapf(err, "git remote remove origin: %s", out)
		}
	}

	return &workingCheckout{path: destination}, nil
}

// WorkingCopyExists reports whether path contains a usable git working
// tree.
func (p *Provider) WorkingCopyExists(path string) bool {
	fi, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil && (fi.IsDir() || fi.Mode().IsRegular())
}

// OpenWorkingCopy returns a handle to an existing working checkout.
func (p *Provider) OpenWorkingCopy(path string) (repomgr.WorkingCheckout, error) {
	if !p.WorkingCopyExists(path) {
		return nil, errors.Errorf("git: %q is not a valid working copy", path)
	}
	return &workingCheckout{path: path}, nil
}

