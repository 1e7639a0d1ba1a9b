package git

import (
	"encoding/json"
	"time"

	"github.com/boltdb/bolt"
	"github.com/jmank88/nuts"
	"github.com/pkg/errors"
	"github.com/sergiocampama/repomgr"
)

// cacheTTL bounds how long a cached tag list or revision resolution is
// trusted before a fresh git query is required. Tags and branches move;
// this cache exists purely to avoid redundant shell-outs within a single
// resolution session, not to replace the mirror's own ref state as the
// source of truth.
const cacheTTL = 10 * time.Minute

var (
	mirrorsBucket  = []byte("mirrors")
	tagsKey        = []byte("tags")
	revisionsBkt   = []byte("revisions")
	revIndexBkt    = []byte("revindex")
)

// QueryCache is an optional, persistent cache of tag lists and resolved
// revisions, keyed per mirror path. It sits in front of a Provider's own
// git queries and never backs the handle store itself — the two
// persistence mechanisms serve entirely independent concerns.
//
// The bucket layout follows internal/gps/source_cache_bolt.go: one
// top-level bucket holding one nested bucket per mirror path, itself
// holding per-concern sub-buckets. Where that implementation hand-rolled
// its sequence-number keys with encoding/binary, this one uses
// github.com/jmank88/nuts's compact Key encoding for the monotonically
// increasing counter that orders revision-cache entries for eviction.
type QueryCache struct {
	db *bolt.DB
}

// OpenQueryCache opens (creating if necessary) a bolt-backed QueryCache at
// path.
func OpenQueryCache(path string) (*QueryCache, error) {
	db, err := bolt.Open(path, 0644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "opening query cache")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(mirrorsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initializing query cache buckets")
	}

	return &QueryCache{db: db}, nil
}

// Close releases the cache's underlying bolt database.
func (c *QueryCache) Close() error {
	return c.db.Close()
}

type tagsEntry struct {
	Tags  []string `json:"tags"`
	Epoch int64    `json:"epoch"`
}

func (c *QueryCache) getTags(mirrorPath string) ([]string, bool) {
	var tags []string
	found := false

	c.db.View(func(tx *bolt.Tx) error {
		mb := mirrorBucket(tx, mirrorPath)
		if mb == nil {
			return nil
		}
		raw := mb.Get(tagsKey)
		if raw == nil {
			return nil
		}
		var entry tagsEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil
		}
		if time.Since(time.Unix(entry.Epoch, 0)) > cacheTTL {
			return nil
		}
		tags, found = entry.Tags, true
		return nil
	})

	return tags, found
}

func (c *QueryCache) putTags(mirrorPath string, tags []string) {
	c.db.Update(func(tx *bolt.Tx) error {
		mb, err := tx.Bucket(mirrorsBucket).CreateBucketIfNotExists([]byte(mirrorPath))
		if err != nil {
			return err
		}
		raw, err := json.Marshal(tagsEntry{Tags: tags, Epoch: time.Now().Unix()})
		if err != nil {
			return err
		}
		return mb.Put(tagsKey, raw)
	})
}

type revisionEntry struct {
	Ref      string            `json:"ref"`
	Revision repomgr.Revision  `json:"revision"`
	Epoch    int64             `json:"epoch"`
}

func (c *QueryCache) getRevision(mirrorPath, ref string) (repomgr.Revision, bool) {
	var rev repomgr.Revision
	found := false

	c.db.View(func(tx *bolt.Tx) error {
		mb := mirrorBucket(tx, mirrorPath)
		if mb == nil {
			return nil
		}
		idx := mb.Bucket(revIndexBkt)
		revs := mb.Bucket(revisionsBkt)
		if idx == nil || revs == nil {
			return nil
		}
		key := idx.Get([]byte(ref))
		if key == nil {
			return nil
		}
		raw := revs.Get(key)
		if raw == nil {
			return nil
		}
		var entry revisionEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil
		}
		if time.Since(time.Unix(entry.Epoch, 0)) > cacheTTL {
			return nil
		}
		rev, found = entry.Revision, true
		return nil
	})

	return rev, found
}

func (c *QueryCache) putRevision(mirrorPath, ref string, rev repomgr.Revision) {
	raw, err := json.Marshal(revisionEntry{Ref: ref, Revision: rev, Epoch: time.Now().Unix()})
	if err != nil {
		return
	}

	c.db.Update(func(tx *bolt.Tx) error {
		mb, err := tx.Bucket(mirrorsBucket).CreateBucketIfNotExists([]byte(mirrorPath))
		if err != nil {
			return err
		}
		revs, err := mb.CreateBucketIfNotExists(revisionsBkt)
		if err != nil {
			return err
		}
		idx, err := mb.CreateBucketIfNotExists(revIndexBkt)
		if err != nil {
			return err
		}
		// The bucket's persisted sequence keeps increasing across
		// process restarts, and a fixed 8-byte key keeps byte order
		// equal to numeric order.
		n, err := revs.NextSequence()
		if err != nil {
			return err
		}
		key := make(nuts.Key, 8)
		key.Put(n)
		if err := revs.Put(key, raw); err != nil {
			return err
		}
		return idx.Put([]byte(ref), key)
	})

	c.pruneStale(mirrorPath)
}

// pruneStale removes revision-cache entries older than cacheTTL from
// mirrorPath's bucket. Because entries are keyed by a monotonically
// increasing nuts-encoded counter, the oldest entries sort first, so a
// single forward cursor scan can stop at the first still-fresh entry
// rather than visiting the whole bucket.
func (c *QueryCache) pruneStale(mirrorPath string) {
	c.db.Update(func(tx *bolt.Tx) error {
		mb := mirrorBucket(tx, mirrorPath)
		if mb == nil {
			return nil
		}
		revs := mb.Bucket(revisionsBkt)
		if revs == nil {
			return nil
		}

		cur := revs.Cursor()
		var stale [][]byte
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var entry revisionEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			if time.Since(time.Unix(entry.Epoch, 0)) <= cacheTTL {
				break
			}
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			revs.Delete(k)
		}
		return nil
	})
}

func mirrorBucket(tx *bolt.Tx, mirrorPath string) *bolt.Bucket {
	root := tx.Bucket(mirrorsBucket)
	if root == nil {
		return nil
	}
	return root.Bucket([]byte(mirrorPath))
}
