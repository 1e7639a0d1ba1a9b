// Package memory implements an in-process repomgr.Provider backed by a
// simulated set of remote repositories, for use in tests that need
// deterministic, network-free fetch/update/corruption behavior.
package memory

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/sergiocampama/repomgr"
)

// Repo is the simulated state of one remote repository. Tests construct
// one per fixture and register it with a World under the location string
// they'll use to build a RepositorySpecifier.
type Repo struct {
	// Head is the revision Fetch/Update resolve to.
	Head repomgr.Revision

	// Tags and Branches map ref names to revisions.
	Tags     map[string]repomgr.Revision
	Branches map[string]repomgr.Revision

	// Files maps a revision to the working-tree contents at that
	// revision (relative path -> file bytes).
	Files map[repomgr.Revision]map[string][]byte

	// Unreachable, if true, causes Fetch and Update to fail as though
	// the remote were offline.
	Unreachable bool

	// Corrupt, if true, causes Update to report repomgr.ErrCorrupt.
	Corrupt bool
}

// World is a shared table of simulated repositories, indexed by the
// canonical location string callers use to build a RepositorySpecifier.
// Providers, and the on-disk mirrors they write (through the location
// recorded in each marker file), refer to a Repo by its location key
// rather than holding direct pointers into the table, so that many
// Provider values (and the manager's own handles) can share one backing
// World without forming reference cycles. The Repository values returned
// by Open hold the looked-up *Repo directly; a Repo never points back at
// a Provider or the World.
type World struct {
	mu    sync.Mutex
	repos map[string]*Repo
}

// NewWorld returns an empty World.
func NewWorld() *World {
	return &World{repos: make(map[string]*Repo)}
}

// Add registers repo under location, overwriting any prior registration.
func (w *World) Add(location string, repo *Repo) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.repos[location] = repo
}

func (w *World) get(location string) (*Repo, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.repos[location]
	return r, ok
}

// marker is the on-disk record a mirror or working copy leaves behind so
// that a later IsValidDirectory/RepositoryExists call (possibly from a
// different Provider value, or after a process restart) can recognize it
// without this package keeping any in-memory directory table of its own.
type marker struct {
	Location string            `json:"location"`
	Revision repomgr.Revision  `json:"revision"`
	Kind     string            `json:"kind"` // "mirror" or "working-copy"
}

const markerFile = ".memrepo.json"

// Provider is a repomgr.Provider backed by a World.
type Provider struct {
	World *World
}

// New returns a Provider backed by world.
func New(world *World) *Provider {
	return &Provider{World: world}
}

var _ repomgr.Provider = (*Provider)(nil)
var _ repomgr.Updater = (*Provider)(nil)

func (p *Provider) Fetch(ctx context.Context, spec repomgr.RepositorySpecifier, destination string, progress repomgr.ProgressFunc) error {
	repo, ok := p.World.get(spec.Location())
	if !ok {
		return errors.Errorf("memory: no repository registered at %q", spec.Location())
	}
	if repo.Unreachable {
		return errors.Errorf("memory: repository %q is unreachable", spec.Location())
	}

	if _, err := os.Stat(destination); err == nil {
		return errors.Errorf("memory: fetch destination %q already exists", destination)
	}
	if err := os.MkdirAll(destination, 0755); err != nil {
		return errors.Wrap(err, "memory: creating fetch destination")
	}

	if progress != nil {
		progress(1, 1)
	}

	return writeMarker(destination, marker{Location: spec.Location(), Revision: repo.Head, Kind: "mirror"})
}

func (p *Provider) Update(ctx context.Context, spec repomgr.RepositorySpecifier, path string, progress repomgr.ProgressFunc) error {
	repo, ok := p.World.get(spec.Location())
	if !ok {
		return errors.Errorf("memory: no repository registered at %q", spec.Location())
	}
	if repo.Unreachable {
		return errors.Errorf("memory: repository %q is unreachable", spec.Location())
	}
	if repo.Corrupt {
		return errors.Wrap(repomgr.ErrCorrupt, "memory: simulated corruption")
	}

	if progress != nil {
		progress(1, 1)
	}
	return writeMarker(path, marker{Location: spec.Location(), Revision: repo.Head, Kind: "mirror"})
}

func (p *Provider) Copy(ctx context.Context, source, destination string) error {
	m, err := readMarker(source)
	if err != nil {
		return errors.Wrap(err, "memory: copy source is not a valid mirror")
	}
	if _, err := os.Stat(destination); err == nil {
		return errors.Errorf("memory: copy destination %q already exists", destination)
	}
	if err := os.MkdirAll(destination, 0755); err != nil {
		return errors.Wrap(err, "memory: creating copy destination")
	}
	return writeMarker(destination, m)
}

func (p *Provider) RepositoryExists(path string) bool {
	_, err := readMarker(path)
	return err == nil
}

func (p *Provider) WorkingCopyExists(path string) bool {
	return p.RepositoryExists(path)
}

func (p *Provider) IsValidDirectory(path string) bool {
	return p.RepositoryExists(path)
}

func (p *Provider) IsValidRefFormat(ref string) bool {
	if ref == "" {
		return false
	}
	for _, r := range ref {
		if r == ' ' || r == '\t' || r == '\n' {
			return false
		}
	}
	return true
}

func (p *Provider) Open(ctx context.Context, spec repomgr.RepositorySpecifier, path string) (repomgr.Repository, error) {
	repo, ok := p.World.get(spec.Location())
	if !ok {
		return nil, errors.Errorf("memory: no repository registered at %q", spec.Location())
	}
	return &repository{repo: repo}, nil
}

func (p *Provider) CreateWorkingCopy(ctx context.Context, spec repomgr.RepositorySpecifier, source, destination string, editable bool) (repomgr.WorkingCheckout, error) {
	m, err := readMarker(source)
	if err != nil {
		return nil, errors.Wrap(err, "memory: working copy source is not a valid mirror")
	}
	repo, ok := p.World.get(spec.Location())
	if !ok {
		return nil, errors.Errorf("memory: no repository registered at %q", spec.Location())
	}

	if err := os.MkdirAll(destination, 0755); err != nil {
		return nil, errors.Wrap(err, "memory: creating working copy destination")
	}
	for name, contents := range repo.Files[m.Revision] {
		full := filepath.Join(destination, name)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return nil, err
		}
		if err := ioutil.WriteFile(full, contents, 0644); err != nil {
			return nil, err
		}
	}
	if err := writeMarker(destination, marker{Location: spec.Location(), Revision: m.Revision, Kind: "working-copy"}); err != nil {
		return nil, err
	}

	return &workingCheckout{path: destination, revision: m.Revision}, nil
}

func (p *Provider) OpenWorkingCopy(path string) (repomgr.WorkingCheckout, error) {
	m, err := readMarker(path)
	if err != nil {
		return nil, errors.Wrap(err, "memory: not a valid working copy")
	}
	return &workingCheckout{path: path, revision: m.Revision}, nil
}

func writeMarker(dir string, m marker) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(filepath.Join(dir, markerFile), b, 0644)
}

func readMarker(dir string) (marker, error) {
	var m marker
	b, err := ioutil.ReadFile(filepath.Join(dir, markerFile))
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(b, &m)
	return m, err
}

type repository struct {
	repo *Repo
}

func (r *repository) ListTags(ctx context.Context) ([]string, error) {
	tags := make([]string, 0, len(r.repo.Tags))
	for t := range r.repo.Tags {
		tags = append(tags, t)
	}
	return tags, nil
}

func (r *repository) ListBranches(ctx context.Context) ([]string, error) {
	branches := make([]string, 0, len(r.repo.Branches))
	for b := range r.repo.Branches {
		branches = append(branches, b)
	}
	return branches, nil
}

func (r *repository) ResolveRevision(ctx context.Context, ref string) (repomgr.Revision, error) {
	if rev, ok := r.repo.Tags[ref]; ok {
		return rev, nil
	}
	if rev, ok := r.repo.Branches[ref]; ok {
		return rev, nil
	}
	if ref == "" || ref == "HEAD" {
		return r.repo.Head, nil
	}
	return "", errors.Errorf("memory: unknown ref %q", ref)
}

type workingCheckout struct {
	path     string
	revision repomgr.Revision
}

func (w *workingCheckout) Path() string { return w.path }

func (w *workingCheckout) CheckedOutRevision(ctx context.Context) (repomgr.Revision, error) {
	return w.revision, nil
}
