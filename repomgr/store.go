package repomgr

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// storeSchemaVersion is bumped whenever the on-disk document shape
// changes incompatibly. Loading a document with an unrecognized version
// is treated the same as a corrupt file: a warning is issued and the
// store starts empty.
const storeSchemaVersion = 1

// storeFileName is the name of the persisted store file within the
// manager's root directory.
const storeFileName = "checkouts-state.json"

// WarningFunc receives non-fatal diagnostics, such as a corrupt store file
// being reset. It must not block.
type WarningFunc func(format string, args ...interface{})

// record is the persisted form of a RepositoryHandle, keyed by canonical
// location in storeDocument.Repositories. Source is the spec's optional
// `source` field, carried through even though this implementation never
// populates it itself. Any other field present in a loaded document
// (forward-compatible additions from a newer schema version, say) is
// kept in extra and re-emitted verbatim on the next persist, rather than
// silently dropped.
type record struct {
	Subpath string `json:"subpath"`
	Status  Status `json:"status"`
	Source  string `json:"source,omitempty"`

	extra map[string]json.RawMessage
}

// recordAlias mirrors record's known fields without its custom
// (Un)MarshalJSON, so those methods can delegate to encoding/json's
// default struct handling for the fields they do know about.
type recordAlias struct {
	Subpath string `json:"subpath"`
	Status  Status `json:"status"`
	Source  string `json:"source,omitempty"`
}

func (r record) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(r.extra)+3)
	for k, v := range r.extra {
		out[k] = v
	}

	known, err := json.Marshal(recordAlias{Subpath: r.Subpath, Status: r.Status, Source: r.Source})
	if err != nil {
		return nil, err
	}
	var knownMap map[string]json.RawMessage
	if err := json.Unmarshal(known, &knownMap); err != nil {
		return nil, err
	}
	for k, v := range knownMap {
		out[k] = v
	}

	return json.Marshal(out)
}

func (r *record) UnmarshalJSON(b []byte) error {
	var alias recordAlias
	if err := json.Unmarshal(b, &alias); err != nil {
		return err
	}
	r.Subpath, r.Status, r.Source = alias.Subpath, alias.Status, alias.Source

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	delete(raw, "subpath")
	delete(raw, "status")
	delete(raw, "source")
	if len(raw) > 0 {
		r.extra = raw
	}
	return nil
}

// storeDocument is the JSON shape of the store file on disk.
type storeDocument struct {
	Version      int               `json:"version"`
	Repositories map[string]record `json:"repositories"`
}

// HandleStore is the persistent, single-process-safe mapping from
// specifier to handle record. All mutations serialize through a single
// lock and are written to disk with a write-temp-then-rename discipline,
// so a crash mid-write never leaves a partially-written store file
// visible to the next process.
type HandleStore struct {
	mu   sync.Mutex
	path string
	doc  storeDocument
	warn WarningFunc
}

// OpenStore loads (or initializes) the handle store rooted at dir. A
// missing, corrupt, or unrecognized-version file is never fatal: warn is
// invoked and the store starts empty.
func OpenStore(dir string, warn WarningFunc) (*HandleStore, error) {
	if warn == nil {
		warn = func(string, ...interface{}) {}
	}

	s := &HandleStore{
		path: filepath.Join(dir, storeFileName),
		warn: warn,
		doc: storeDocument{
			Version:      storeSchemaVersion,
			Repositories: make(map[string]record),
		},
	}

	b, err := ioutil.ReadFile(s.path)
	if os.IsNotExist(err) {
		warn("handle store at %q not found, starting empty", s.path)
		return s, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading handle store")
	}

	var doc storeDocument
	if err := json.Unmarshal(b, &doc); err != nil {
		warn("%s, starting empty", (&StoreCorruptError{Path: s.path, Err: err}).Error())
		return s, nil
	}
	if doc.Version != storeSchemaVersion {
		warn("handle store at %q has unrecognized schema version %d, starting empty", s.path, doc.Version)
		return s, nil
	}
	if doc.Repositories == nil {
		doc.Repositories = make(map[string]record)
	}

	// Any record left pending across a restart means the process that
	// wrote it crashed mid-fetch; it is never safe to treat as success.
	// An unrecognized status (a foreign or future value) gets the same
	// treatment, per the store's unknown-value handling contract.
	for loc, rec := range doc.Repositories {
		switch rec.Status {
		case StatusPending, StatusAvailable, StatusError:
			if rec.Status == StatusPending {
				rec.Status = StatusError
				doc.Repositories[loc] = rec
			}
		default:
			rec.Status = StatusError
			doc.Repositories[loc] = rec
		}
	}

	s.doc = doc
	return s, nil
}

// Get returns the persisted record for spec, if any.
func (s *HandleStore) Get(spec RepositorySpecifier) (record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.doc.Repositories[spec.Location()]
	return rec, ok
}

// Put upserts the record for spec and persists the store before
// returning.
func (s *HandleStore) Put(spec RepositorySpecifier, rec record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prior, had := s.doc.Repositories[spec.Location()]
	s.doc.Repositories[spec.Location()] = rec
	if err := s.persistLocked(); err != nil {
		// Roll back the in-memory change so a write failure never
		// diverges from what's actually on disk.
		if had {
			s.doc.Repositories[spec.Location()] = prior
		} else {
			delete(s.doc.Repositories, spec.Location())
		}
		return err
	}
	return nil
}

// Remove erases the record for spec, if present, and persists the store.
// The caller is responsible for removing the on-disk mirror beforehand;
// Remove only touches the index.
func (s *HandleStore) Remove(spec RepositorySpecifier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prior, had := s.doc.Repositories[spec.Location()]
	if !had {
		return nil
	}
	delete(s.doc.Repositories, spec.Location())
	if err := s.persistLocked(); err != nil {
		s.doc.Repositories[spec.Location()] = prior
		return err
	}
	return nil
}

// Records returns a snapshot copy of every persisted record, keyed by
// canonical location.
func (s *HandleStore) Records() map[string]record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]record, len(s.doc.Repositories))
	for k, v := range s.doc.Repositories {
		out[k] = v
	}
	return out
}

// Reset empties the store and persists it.
func (s *HandleStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prior := s.doc.Repositories
	s.doc.Repositories = make(map[string]record)
	if err := s.persistLocked(); err != nil {
		s.doc.Repositories = prior
		return err
	}
	return nil
}

// persistLocked writes s.doc to disk via a temp file and atomic rename.
// Callers must hold s.mu.
func (s *HandleStore) persistLocked() error {
	b, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding handle store")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "creating handle store directory")
	}

	tmp, err := ioutil.TempFile(dir, ".checkouts-state-*.json.tmp")
	if err != nil {
		return errors.Wrap(err, "creating temp handle store file")
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "writing temp handle store file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "closing temp handle store file")
	}

	if err := renameWithFallback(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "committing handle store file")
	}
	return nil
}
