package repomgr_test

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sergiocampama/repomgr"
	"github.com/sergiocampama/repomgr/providers/memory"
)

func mkManager(t *testing.T, world *memory.World, cachePath string) (*repomgr.Manager, string, func()) {
	t.Helper()
	dir, err := ioutil.TempDir("", "repomgr-manager-")
	if err != nil {
		t.Fatal(err)
	}

	mgr, err := repomgr.NewManager(repomgr.Config{
		Root:      dir,
		Provider:  memory.New(world),
		CachePath: cachePath,
	})
	if err != nil {
		os.RemoveAll(dir)
		t.Fatal(err)
	}
	return mgr, dir, func() { os.RemoveAll(dir) }
}

func TestManagerLookupFetchesOnce(t *testing.T) {
	world := memory.NewWorld()
	world.Add("https://example.com/foo", &memory.Repo{Head: "deadbeef"})

	mgr, _, cleanup := mkManager(t, world, "")
	defer cleanup()

	spec, err := repomgr.NewSpecifier("https://example.com/foo")
	if err != nil {
		t.Fatal(err)
	}

	handle, err := mgr.Lookup(context.Background(), spec, true)
	if err != nil {
		t.Fatal(err)
	}
	if handle.Status != repomgr.StatusAvailable {
		t.Fatalf("expected available handle, got %s", handle.Status)
	}
	if _, err := os.Stat(handle.Path); err != nil {
		t.Fatalf("expected handle path to exist on disk: %v", err)
	}
}

func TestManagerLookupUnreachableRepoIsError(t *testing.T) {
	world := memory.NewWorld()
	world.Add("https://example.com/bad", &memory.Repo{Head: "deadbeef", Unreachable: true})

	mgr, _, cleanup := mkManager(t, world, "")
	defer cleanup()

	spec, err := repomgr.NewSpecifier("https://example.com/bad")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := mgr.Lookup(context.Background(), spec, true); err == nil {
		t.Fatal("expected an error fetching an unreachable repository")
	}
}

func TestManagerSecondLookupUpdatesInPlace(t *testing.T) {
	world := memory.NewWorld()
	world.Add("https://example.com/foo", &memory.Repo{Head: "rev1"})

	mgr, _, cleanup := mkManager(t, world, "")
	defer cleanup()

	spec, err := repomgr.NewSpecifier("https://example.com/foo")
	if err != nil {
		t.Fatal(err)
	}

	first, err := mgr.Lookup(context.Background(), spec, false)
	if err != nil {
		t.Fatal(err)
	}

	second, err := mgr.Lookup(context.Background(), spec, false)
	if err != nil {
		t.Fatal(err)
	}

	if first.Path != second.Path {
		t.Fatalf("expected both lookups to resolve to the same path, got %q and %q", first.Path, second.Path)
	}
	if second.Status != repomgr.StatusAvailable {
		t.Fatalf("expected second lookup to remain available, got %s", second.Status)
	}
}

func TestManagerPersistsAcrossRestart(t *testing.T) {
	world := memory.NewWorld()
	world.Add("https://example.com/foo", &memory.Repo{Head: "rev1"})

	mgr, dir, cleanup := mkManager(t, world, "")
	defer cleanup()

	spec, err := repomgr.NewSpecifier("https://example.com/foo")
	if err != nil {
		t.Fatal(err)
	}
	first, err := mgr.Lookup(context.Background(), spec, true)
	if err != nil {
		t.Fatal(err)
	}

	restarted, err := repomgr.NewManager(repomgr.Config{
		Root:     dir,
		Provider: memory.New(world),
	})
	if err != nil {
		t.Fatal(err)
	}

	second, err := restarted.Lookup(context.Background(), spec, true)
	if err != nil {
		t.Fatal(err)
	}
	if second.Path != first.Path {
		t.Fatalf("expected restart to resolve the same path, got %q vs %q", first.Path, second.Path)
	}
}

func TestManagerConcurrentLookupsCollapseToOneFetch(t *testing.T) {
	world := memory.NewWorld()
	world.Add("https://example.com/foo", &memory.Repo{Head: "rev1"})

	dir, err := ioutil.TempDir("", "repomgr-manager-")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	var fetches int32
	mgr, err := repomgr.NewManager(repomgr.Config{
		Root:     dir,
		Provider: memory.New(world),
		Delegate: &repomgr.Delegate{
			WillFetch: func(repomgr.RepositorySpecifier, repomgr.FetchDetails) {
				atomic.AddInt32(&fetches, 1)
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	spec, err := repomgr.NewSpecifier("https://example.com/foo")
	if err != nil {
		t.Fatal(err)
	}

	const n = 8
	var wg sync.WaitGroup
	paths := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := mgr.Lookup(context.Background(), spec, true)
			paths[i] = h.Path
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i := range errs {
		if errs[i] != nil {
			t.Fatalf("lookup %d failed: %v", i, errs[i])
		}
		if paths[i] != paths[0] {
			t.Fatalf("lookup %d resolved to a different path: %q vs %q", i, paths[i], paths[0])
		}
	}
	if got := atomic.LoadInt32(&fetches); got != 1 {
		t.Fatalf("expected %d concurrent lookups to collapse to one fetch, got %d", n, got)
	}
}

func TestManagerCacheHitAndMiss(t *testing.T) {
	world := memory.NewWorld()
	world.Add("https://example.com/foo", &memory.Repo{Head: "rev1"})

	cacheDir, err := ioutil.TempDir("", "repomgr-cache-")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(cacheDir)

	spec, err := repomgr.NewSpecifier("https://example.com/foo")
	if err != nil {
		t.Fatal(err)
	}

	mgr1, _, cleanup1 := mkManager(t, world, cacheDir)
	defer cleanup1()
	if _, err := mgr1.Lookup(context.Background(), spec, true); err != nil {
		t.Fatal(err)
	}
	// The first fetch misses the cache and writes its mirror into it.
	if _, err := os.Stat(filepath.Join(cacheDir, spec.StoragePath())); err != nil {
		t.Fatalf("expected the first fetch to populate the shared cache: %v", err)
	}

	// A second, independent manager sharing the same cache directory
	// should be able to stage its fetch from the cache rather than
	// hitting the (simulated) network again.
	dir2, err := ioutil.TempDir("", "repomgr-manager-")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir2)
	var fromCache bool
	mgr2, err := repomgr.NewManager(repomgr.Config{
		Root:      dir2,
		Provider:  memory.New(world),
		CachePath: cacheDir,
		Delegate: &repomgr.Delegate{
			DidFetch: func(_ repomgr.RepositorySpecifier, details repomgr.FetchDetails, _ error, _ time.Duration) {
				fromCache = details.FromCache
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	handle, err := mgr2.Lookup(context.Background(), spec, true)
	if err != nil {
		t.Fatal(err)
	}
	if handle.Status != repomgr.StatusAvailable {
		t.Fatalf("expected cache-staged fetch to succeed, got %s", handle.Status)
	}
	if !fromCache {
		t.Fatal("expected the second manager's fetch to be staged from the shared cache")
	}
}

func TestManagerRemoveIsIdempotent(t *testing.T) {
	world := memory.NewWorld()
	world.Add("https://example.com/foo", &memory.Repo{Head: "rev1"})

	mgr, _, cleanup := mkManager(t, world, "")
	defer cleanup()

	spec, err := repomgr.NewSpecifier("https://example.com/foo")
	if err != nil {
		t.Fatal(err)
	}
	handle, err := mgr.Lookup(context.Background(), spec, true)
	if err != nil {
		t.Fatal(err)
	}

	if err := mgr.Remove(spec); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(handle.Path); !os.IsNotExist(err) {
		t.Fatalf("expected mirror directory to be gone after Remove, stat err = %v", err)
	}
	if err := mgr.Remove(spec); err != nil {
		t.Fatalf("second Remove should be a no-op, got %v", err)
	}

	// Looking up again should trigger a fresh fetch.
	second, err := mgr.Lookup(context.Background(), spec, true)
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != repomgr.StatusAvailable {
		t.Fatalf("expected re-fetch after remove to succeed, got %s", second.Status)
	}
}

func TestManagerReset(t *testing.T) {
	world := memory.NewWorld()
	world.Add("https://example.com/foo", &memory.Repo{Head: "rev1"})
	world.Add("https://example.com/bar", &memory.Repo{Head: "rev2"})

	mgr, dir, cleanup := mkManager(t, world, "")
	defer cleanup()

	foo, _ := repomgr.NewSpecifier("https://example.com/foo")
	bar, _ := repomgr.NewSpecifier("https://example.com/bar")
	if _, err := mgr.Lookup(context.Background(), foo, true); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Lookup(context.Background(), bar, true); err != nil {
		t.Fatal(err)
	}

	if err := mgr.Reset(); err != nil {
		t.Fatal(err)
	}

	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	// Reset persists the emptied handle store, so its file is the only
	// thing left in the root.
	if len(entries) != 1 || entries[0].Name() != "checkouts-state.json" {
		t.Fatalf("expected only the handle store file in root after Reset, found %d entries", len(entries))
	}

	// A subsequent lookup re-fetches from scratch.
	handle, err := mgr.Lookup(context.Background(), foo, true)
	if err != nil {
		t.Fatal(err)
	}
	if handle.Status != repomgr.StatusAvailable {
		t.Fatalf("expected lookup after reset to succeed, got %s", handle.Status)
	}
}

func TestManagerCorruptUpdateTriggersRefetch(t *testing.T) {
	world := memory.NewWorld()
	repo := &memory.Repo{Head: "rev1"}
	world.Add("https://example.com/foo", repo)

	mgr, _, cleanup := mkManager(t, world, "")
	defer cleanup()

	spec, err := repomgr.NewSpecifier("https://example.com/foo")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Lookup(context.Background(), spec, true); err != nil {
		t.Fatal(err)
	}

	repo.Corrupt = true
	handle, err := mgr.Lookup(context.Background(), spec, false)
	if err != nil {
		t.Fatal(err)
	}
	if handle.Status != repomgr.StatusAvailable {
		t.Fatalf("expected corruption to trigger a clean re-fetch, got %s", handle.Status)
	}
}
