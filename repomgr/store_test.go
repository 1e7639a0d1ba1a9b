package repomgr

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func mkStoreDir(t *testing.T) (string, func()) {
	dir, err := ioutil.TempDir("", "repomgr-store-")
	if err != nil {
		t.Fatal(err)
	}
	return dir, func() { os.RemoveAll(dir) }
}

func TestStorePutGetRemove(t *testing.T) {
	dir, cleanup := mkStoreDir(t)
	defer cleanup()

	store, err := OpenStore(dir, nil)
	if err != nil {
		t.Fatal(err)
	}

	spec, err := NewSpecifier("https://example.com/foo/bar")
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := store.Get(spec); ok {
		t.Fatal("expected no record before Put")
	}

	rec := record{Subpath: spec.StoragePath(), Status: StatusAvailable}
	if err := store.Put(spec, rec); err != nil {
		t.Fatal(err)
	}

	got, ok := store.Get(spec)
	if !ok || got.Status != StatusAvailable {
		t.Fatalf("expected available record, got %+v (ok=%v)", got, ok)
	}

	if err := store.Remove(spec); err != nil {
		t.Fatal(err)
	}
	if _, ok := store.Get(spec); ok {
		t.Fatal("expected record to be gone after Remove")
	}

	// Idempotent.
	if err := store.Remove(spec); err != nil {
		t.Fatalf("second Remove should be a no-op, got %v", err)
	}
}

func TestStorePersistsAcrossReload(t *testing.T) {
	dir, cleanup := mkStoreDir(t)
	defer cleanup()

	spec, err := NewSpecifier("https://example.com/persisted")
	if err != nil {
		t.Fatal(err)
	}

	store, err := OpenStore(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Put(spec, record{Subpath: spec.StoragePath(), Status: StatusAvailable}); err != nil {
		t.Fatal(err)
	}

	reloaded, err := OpenStore(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	rec, ok := reloaded.Get(spec)
	if !ok || rec.Status != StatusAvailable {
		t.Fatalf("expected record to survive reload, got %+v (ok=%v)", rec, ok)
	}
}

func TestStoreDemotesPendingToErrorOnReload(t *testing.T) {
	dir, cleanup := mkStoreDir(t)
	defer cleanup()

	spec, err := NewSpecifier("https://example.com/crashed")
	if err != nil {
		t.Fatal(err)
	}

	store, err := OpenStore(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	// Simulate a crash mid-fetch by writing a pending record directly.
	if err := store.Put(spec, record{Subpath: spec.StoragePath(), Status: StatusPending}); err != nil {
		t.Fatal(err)
	}

	reloaded, err := OpenStore(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	rec, ok := reloaded.Get(spec)
	if !ok || rec.Status != StatusError {
		t.Fatalf("expected pending record to be demoted to error on reload, got %+v (ok=%v)", rec, ok)
	}
}

func TestStoreCorruptFileResetsToEmpty(t *testing.T) {
	dir, cleanup := mkStoreDir(t)
	defer cleanup()

	if err := ioutil.WriteFile(filepath.Join(dir, storeFileName), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	var warned bool
	store, err := OpenStore(dir, func(string, ...interface{}) { warned = true })
	if err != nil {
		t.Fatal(err)
	}
	if !warned {
		t.Fatal("expected a warning to be issued for a corrupt store file")
	}
	if len(store.Records()) != 0 {
		t.Fatalf("expected empty store after corruption, got %d records", len(store.Records()))
	}
}

func TestStoreUnknownStatusDemotedToErrorOnReload(t *testing.T) {
	dir, cleanup := mkStoreDir(t)
	defer cleanup()

	doc := `{"version": 1, "repositories": {"x": {"subpath": "x", "status": "archived"}}}`
	if err := ioutil.WriteFile(filepath.Join(dir, storeFileName), []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	store, err := OpenStore(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	rec, ok := store.Records()["x"]
	if !ok || rec.Status != StatusError {
		t.Fatalf("expected unrecognized status to be demoted to error, got %+v (ok=%v)", rec, ok)
	}
}

func TestStorePreservesSourceAndUnknownFields(t *testing.T) {
	dir, cleanup := mkStoreDir(t)
	defer cleanup()

	doc := `{"version": 1, "repositories": {"x": {"subpath": "x", "status": "available", "source": "upstream", "future_field": 42}}}`
	if err := ioutil.WriteFile(filepath.Join(dir, storeFileName), []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	store, err := OpenStore(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	rec, ok := store.Records()["x"]
	if !ok || rec.Source != "upstream" {
		t.Fatalf("expected source field to survive load, got %+v (ok=%v)", rec, ok)
	}

	// Force a rewrite (of a different key, so "x" is untouched) and
	// confirm the unknown field still round-trips.
	other, err := NewSpecifier("https://example.com/other")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Put(other, record{Subpath: "other", Status: StatusAvailable}); err != nil {
		t.Fatal(err)
	}

	b, err := ioutil.ReadFile(filepath.Join(dir, storeFileName))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"future_field"`) {
		t.Fatalf("expected unknown field to be preserved on rewrite, got %s", b)
	}
}

func TestStoreUnknownSchemaVersionResetsToEmpty(t *testing.T) {
	dir, cleanup := mkStoreDir(t)
	defer cleanup()

	doc := `{"version": 999, "repositories": {"x": {"subpath": "x", "status": "available"}}}`
	if err := ioutil.WriteFile(filepath.Join(dir, storeFileName), []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	var warned bool
	store, err := OpenStore(dir, func(string, ...interface{}) { warned = true })
	if err != nil {
		t.Fatal(err)
	}
	if !warned {
		t.Fatal("expected a warning for an unrecognized schema version")
	}
	if len(store.Records()) != 0 {
		t.Fatal("expected empty store after schema mismatch")
	}
}
