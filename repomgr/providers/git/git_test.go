package git

import (
	"context"
	"os/exec"
	"testing"

	"github.com/sergiocampama/repomgr"
)

func TestMergeEnvLists(t *testing.T) {
	out := mergeEnvLists(
		[]string{"GIT_TERMINAL_PROMPT=0"},
		[]string{"PATH=/bin", "GIT_TERMINAL_PROMPT=1"},
	)

	var sawPrompt, sawPath bool
	for _, kv := range out {
		switch kv {
		case "GIT_TERMINAL_PROMPT=0":
			sawPrompt = true
		case "PATH=/bin":
			sawPath = true
		case "GIT_TERMINAL_PROMPT=1":
			t.Fatal("original value should have been overwritten")
		}
	}
	if !sawPrompt {
		t.Fatal("expected merged env to contain the overriding value")
	}
	if !sawPath {
		t.Fatal("expected merged env to retain unrelated entries")
	}
}

func TestReportProgressParsesLastLine(t *testing.T) {
	out := []byte("Cloning into 'x'...\nReceiving objects:  50% (5/10)\nReceiving objects: 100% (10/10), done.\n")

	var gotFetched, gotTotal int
	reportProgress(out, func(fetched, total int) {
		gotFetched, gotTotal = fetched, total
	})

	if gotFetched != 10 || gotTotal != 10 {
		t.Fatalf("expected the final progress line (10/10), got (%d/%d)", gotFetched, gotTotal)
	}
}

func TestIsValidRefFormat(t *testing.T) {
	p := &Provider{}
	if p.IsValidRefFormat("") {
		t.Fatal("empty ref should be invalid")
	}
	if !p.IsValidRefFormat("deadbeef") {
		t.Fatal("hex-looking revision should be accepted even without git available")
	}
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func TestFetchAndOpenRoundTrip(t *testing.T) {
	requireGit(t)

	remote := t.TempDir()
	if out, err := run(context.Background(), remote, "init", "--bare"); err != nil {
		t.Fatalf("git init --bare: %s: %v", out, err)
	}

	work := t.TempDir()
	if out, err := run(context.Background(), "", "clone", remote, work); err != nil {
		t.Fatalf("git clone: %s: %v", out, err)
	}
	if out, err := run(context.Background(), work, "commit", "--allow-empty", "-m", "init"); err != nil {
		t.Fatalf("git commit: %s: %v", out, err)
	}
	if out, err := run(context.Background(), work, "push", "origin", "HEAD:refs/heads/master"); err != nil {
		t.Fatalf("git push: %s: %v", out, err)
	}

	p := &Provider{}
	dest := t.TempDir() + "/mirror"
	spec, err := repomgr.NewSpecifier(remote)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Fetch(context.Background(), spec, dest, nil); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !p.RepositoryExists(dest) {
		t.Fatal("expected Fetch to produce a valid bare mirror")
	}

	repo, err := p.Open(context.Background(), spec, dest)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := repo.ListBranches(context.Background()); err != nil {
		t.Fatalf("ListBranches: %v", err)
	}
}
