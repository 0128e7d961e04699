// Package refstore is the mutable pointer layer: a single bbolt file
// mapping ref names ("refs/heads/<branch>", "refs/notes/chrondb") to the
// commit hash they currently point at. Every publish is a compare-and-swap
// inside one bbolt transaction, giving the commit engine its atomic "did
// my expected parent still hold" check for free.
package refstore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/moclojer/chrondb-sub001/internal/chronerr"
)

var refsBucket = []byte("refs")

// ZeroHash is the hex string used for a ref that does not exist yet, so
// CAS("refs/heads/main", refstore.ZeroHash, newHash) means "create".
const ZeroHash = ""

// Store is the bbolt-backed ref store for one repository.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the ref store at <dataPath>/refs.bbolt.
func Open(dataPath string) (*Store, error) {
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, fmt.Errorf("refstore: mkdir %s: %w", dataPath, err)
	}

	db, err := bolt.Open(filepath.Join(dataPath, "refs.bbolt"), 0o600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("refstore: open: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(refsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("refstore: init bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the bbolt file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the hash a ref currently points at, or ZeroHash if absent.
func (s *Store) Get(ref string) (string, error) {
	var hash string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(refsBucket).Get([]byte(ref))
		if v != nil {
			hash = string(v)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("refstore: get %s: %w", ref, err)
	}
	return hash, nil
}

// CAS atomically sets ref to newHash iff its current value equals
// expectedHash. Returns chronerr.VersionConflict if the current value
// disagreed with expectedHash, leaving the ref untouched.
func (s *Store) CAS(ref, expectedHash, newHash string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(refsBucket)
		current := string(b.Get([]byte(ref)))
		if current != expectedHash {
			return fmt.Errorf("%w: ref %s is %q, expected %q", chronerr.VersionConflict, ref, current, expectedHash)
		}
		if newHash == ZeroHash {
			return b.Delete([]byte(ref))
		}
		return b.Put([]byte(ref), []byte(newHash))
	})
}

// List returns every ref with the given prefix (e.g. "refs/heads/") as a
// map from ref name to hash; the map carries no ordering.
func (s *Store) List(prefix string) (map[string]string, error) {
	out := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(refsBucket).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && hasPrefix(k, p); k, v = c.Next() {
			out[string(k)] = string(v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("refstore: list %s: %w", prefix, err)
	}
	return out, nil
}

// Delete removes a ref unconditionally, used by branch drop, which doesn't
// need the CAS guard.
func (s *Store) Delete(ref string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(refsBucket).Delete([]byte(ref))
	})
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// BranchRef returns the canonical ref name for a branch.
func BranchRef(branch string) string {
	return "refs/heads/" + branch
}

// NotesRef is the single ref the notes sidecar chain lives under.
const NotesRef = "refs/notes/chrondb"
