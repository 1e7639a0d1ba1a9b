// Command repomgrctl drives a repomgr.Manager from the command line,
// against the real git-backed provider. It exists to exercise the
// manager end to end the way a resolver would: lookup, remove, reset,
// and list, with fetch/update progress reported to stderr.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/sergiocampama/repomgr"
	"github.com/sergiocampama/repomgr/providers/git"

	applog "github.com/sergiocampama/repomgr/log"
)

var (
	root      = flag.String("root", defaultRoot(), "directory the manager owns: handle store + mirrors")
	cachePath = flag.String("cache", "", "optional shared cache directory")
	queryDB   = flag.String("query-cache", "", "optional bolt database caching tag/revision queries")
	verbose   = flag.Bool("v", false, "log fetch/update progress")
	logger    = applog.New(os.Stderr)
)

func logf(format string, args ...interface{}) {
	logger.Logf("repomgrctl: "+format+"\n", args...)
}

func defaultRoot() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ".repomgr"
	}
	return filepath.Join(dir, "repomgrctl")
}

type command interface {
	Name() string
	Args() string
	ShortHelp() string
	LongHelp() string
	Register(*flag.FlagSet)
	Run([]string) error
}

func main() {
	commands := []command{
		&lookupCmd{},
		&removeCmd{},
		&resetCmd{},
		&listCmd{},
	}

	usage := func() {
		fmt.Fprintln(os.Stderr, "Usage: repomgrctl <command> [flags]")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Commands:")
		fmt.Fprintln(os.Stderr)
		w := tabwriter.NewWriter(os.Stderr, 0, 4, 2, ' ', 0)
		for _, c := range commands {
			fmt.Fprintf(w, "\t%s\t%s\n", c.Name(), c.ShortHelp())
		}
		w.Flush()
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Flags:")
		flag.PrintDefaults()
	}
	flag.Usage = usage

	if len(os.Args) <= 1 {
		usage()
		os.Exit(1)
	}

	// The subcommand name comes before any global flags are parsed, so
	// scan for it first, then hand the remaining args to flag parsing.
	name := os.Args[1]
	for _, c := range commands {
		if c.Name() != name {
			continue
		}

		fs := flag.NewFlagSet(name, flag.ExitOnError)
		fs.StringVar(root, "root", *root, "directory the manager owns: handle store + mirrors")
		fs.StringVar(cachePath, "cache", *cachePath, "optional shared cache directory")
		fs.StringVar(queryDB, "query-cache", *queryDB, "optional bolt database caching tag/revision queries")
		fs.BoolVar(verbose, "v", false, "log fetch/update progress")
		c.Register(fs)
		resetUsage(fs, name, c.Args(), c.LongHelp())

		if err := fs.Parse(os.Args[2:]); err != nil {
			os.Exit(1)
		}

		if err := c.Run(fs.Args()); err != nil {
			fmt.Fprintf(os.Stderr, "repomgrctl: %v\n", err)
			os.Exit(1)
		}
		return
	}

	fmt.Fprintf(os.Stderr, "repomgrctl: no such command %q\n", name)
	usage()
	os.Exit(1)
}

func resetUsage(fs *flag.FlagSet, name, args, long string) {
	var block bytes.Buffer
	w := tabwriter.NewWriter(&block, 0, 4, 2, ' ', 0)
	var hasFlags bool
	fs.VisitAll(func(f *flag.Flag) {
		hasFlags = true
		fmt.Fprintf(w, "\t-%s\t%s\n", f.Name, f.Usage)
	})
	w.Flush()
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: repomgrctl %s %s\n\n", name, args)
		fmt.Fprintln(os.Stderr, strings.TrimSpace(long))
		if hasFlags {
			fmt.Fprintln(os.Stderr, "\nFlags:\n")
			fmt.Fprintln(os.Stderr, block.String())
		}
	}
}

// newManager builds a Manager rooted at *root, against a git-backed
// Provider, with a Delegate that logs to stderr when -v is set. The bolt
// query cache, if opened, is left open for the life of the process; this
// is a short-lived CLI invocation, not a long-running server.
func newManager() (*repomgr.Manager, error) {
	provider := &git.Provider{}
	if *queryDB != "" {
		cache, err := git.OpenQueryCache(*queryDB)
		if err != nil {
			return nil, err
		}
		provider.Cache = cache
	}

	var delegate *repomgr.Delegate
	if *verbose {
		delegate = &repomgr.Delegate{
			WillFetch: func(spec repomgr.RepositorySpecifier, _ repomgr.FetchDetails) {
				logf("fetching %s", spec)
			},
			Fetching: func(spec repomgr.RepositorySpecifier, fetched, total int) {
				if total > 0 {
					logf("%s: %d/%d objects", spec, fetched, total)
				}
			},
			DidFetch: func(spec repomgr.RepositorySpecifier, details repomgr.FetchDetails, err error, d time.Duration) {
				if err != nil {
					logf("fetch %s failed after %s: %v", spec, d, err)
					return
				}
				logf("fetched %s in %s (fromCache=%v updatedCache=%v)", spec, d, details.FromCache, details.UpdatedCache)
			},
			WillUpdate: func(spec repomgr.RepositorySpecifier) {
				logf("updating %s", spec)
			},
			DidUpdate: func(spec repomgr.RepositorySpecifier, err error, d time.Duration) {
				if err != nil {
					logf("update %s failed after %s: %v", spec, d, err)
					return
				}
				logf("updated %s in %s", spec, d)
			},
		}
	}

	return repomgr.NewManager(repomgr.Config{
		Root:      *root,
		Provider:  provider,
		CachePath: *cachePath,
		Delegate:  delegate,
		Warn: func(format string, args ...interface{}) {
			logf("warning: "+format, args...)
		},
	})
}

type lookupCmd struct {
	skipUpdate bool
}

func (c *lookupCmd) Name() string      { return "lookup" }
func (c *lookupCmd) Args() string      { return "<location>" }
func (c *lookupCmd) ShortHelp() string { return "Fetch or update a repository and print its handle" }
func (c *lookupCmd) LongHelp() string {
	return `Looks up the repository at <location>, fetching it if this is the
first lookup for that location, or incrementally updating it otherwise.
Prints the on-disk path and status once the handle is ready.`
}
func (c *lookupCmd) Register(fs *flag.FlagSet) {
	fs.BoolVar(&c.skipUpdate, "skip-update", false, "return the existing handle without checking upstream")
}
func (c *lookupCmd) Run(args []string) error {
	if len(args) != 1 {
		return errors.New("lookup requires exactly one <location> argument")
	}

	spec, err := repomgr.NewSpecifier(args[0])
	if err != nil {
		return err
	}

	mgr, err := newManager()
	if err != nil {
		return err
	}

	handle, err := mgr.Lookup(context.Background(), spec, c.skipUpdate)
	if err != nil {
		return err
	}

	fmt.Printf("%s\t%s\t%s\n", handle.Specifier, handle.Status, handle.Path)
	return nil
}

type removeCmd struct{}

func (c *removeCmd) Name() string      { return "remove" }
func (c *removeCmd) Args() string      { return "<location>" }
func (c *removeCmd) ShortHelp() string { return "Delete a repository's mirror and record" }
func (c *removeCmd) LongHelp() string {
	return `Removes the on-disk mirror for <location>, if any, and its handle
store record. Removing a location with no record is not an error.`
}
func (c *removeCmd) Register(*flag.FlagSet) {}
func (c *removeCmd) Run(args []string) error {
	if len(args) != 1 {
		return errors.New("remove requires exactly one <location> argument")
	}

	spec, err := repomgr.NewSpecifier(args[0])
	if err != nil {
		return err
	}

	mgr, err := newManager()
	if err != nil {
		return err
	}
	return mgr.Remove(spec)
}

type resetCmd struct{}

func (c *resetCmd) Name() string      { return "reset" }
func (c *resetCmd) Args() string      { return "" }
func (c *resetCmd) ShortHelp() string { return "Purge every repository mirror and the handle store" }
func (c *resetCmd) LongHelp() string {
	return `Removes the entire repositories root directory and reinitializes
the handle store empty. Every subsequent lookup re-fetches from scratch.`
}
func (c *resetCmd) Register(*flag.FlagSet) {}
func (c *resetCmd) Run(args []string) error {
	if len(args) != 0 {
		return errors.New("reset takes no arguments")
	}

	mgr, err := newManager()
	if err != nil {
		return err
	}
	return mgr.Reset()
}

type listCmd struct{}

func (c *listCmd) Name() string      { return "list" }
func (c *listCmd) Args() string      { return "" }
func (c *listCmd) ShortHelp() string { return "List every repository the handle store knows about" }
func (c *listCmd) LongHelp() string {
	return `Prints every record currently in the handle store: location,
status, and on-disk path. Never touches the network.`
}
func (c *listCmd) Register(*flag.FlagSet) {}
func (c *listCmd) Run(args []string) error {
	if len(args) != 0 {
		return errors.New("list takes no arguments")
	}

	mgr, err := newManager()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, e := range mgr.List() {
		fmt.Fprintf(w, "%s\t%s\t%s\n", e.Location, e.Status, e.Path)
	}
	return w.Flush()
}
