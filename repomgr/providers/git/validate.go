package git

import (
	"os"
	"path/filepath"

	"github.com/karrick/godirwalk"
)

// objectsDirHealthy does a fast traversal of path's object store to make
// sure it actually contains at least one loose or packed object, instead
// of trusting RepositoryExists' shallower "is this a bare repo at all"
// check alone. godirwalk avoids the per-entry os.Lstat calls
// ioutil.ReadDir/os.Stat-based recursion pays, which matters once a
// mirror's object store has accumulated tens of thousands of loose
// objects.
func objectsDirHealthy(path string) bool {
	objectsDir := filepath.Join(path, "objects")
	found := false

	err := godirwalk.Walk(objectsDir, &godirwalk.Options{
		Unsorted: true,
		Callback: func(osPathname string, de *godirwalk.Dirent) error {
			if found {
				return filepath.SkipDir
			}
			if !de.IsDir() {
				found = true
				return filepath.SkipDir
			}
			return nil
		},
	})
	if err != nil {
		return false
	}
	return found
}

// DirStats implements repomgr.StatCounter, totaling the number of
// regular files and their combined size beneath root, for use in a reset
// summary delivered to a caller that wants to know how much it's about
// to discard. It tolerates a root that doesn't exist (returns zeros).
func (p *Provider) DirStats(root string) (files int, bytes int64) {
	return dirStats(root)
}

func dirStats(root string) (files int, bytes int64) {
	godirwalk.Walk(root, &godirwalk.Options{
		Unsorted: true,
		Callback: func(osPathname string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			files++
			if fi, statErr := os.Stat(osPathname); statErr == nil {
				bytes += fi.Size()
			}
			return nil
		},
		ErrorCallback: func(string, error) godirwalk.ErrorAction {
			return godirwalk.SkipNode
		},
	})
	return files, bytes
}
