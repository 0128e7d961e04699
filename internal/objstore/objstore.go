// Package objstore is the content-addressed blob/tree/commit layer. Every
// document revision, tree, and commit is a git object; this package speaks
// to the object store directly through go-git's plumbing rather than
// through a working tree, so that writing a commit never touches a
// filesystem checkout.
package objstore

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/go-git/go-billy/v6/osfs"
	"github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing"
	"github.com/go-git/go-git/v6/plumbing/cache"
	"github.com/go-git/go-git/v6/plumbing/filemode"
	"github.com/go-git/go-git/v6/plumbing/object"
	"github.com/go-git/go-git/v6/storage/filesystem"

	"github.com/moclojer/chrondb-sub001/internal/chronerr"
)

// Store wraps a bare git repository's object database.
type Store struct {
	repo *git.Repository
}

// Open opens (initializing if necessary) a bare repository rooted at path.
func Open(path string) (*Store, error) {
	fs := osfs.New(path)
	storer := filesystem.NewStorage(fs, cache.NewObjectLRUDefault())

	repo, err := git.Open(storer, nil)
	if err == nil {
		return &Store{repo: repo}, nil
	}

	repo, err = git.Init(storer, nil)
	if err != nil {
		return nil, fmt.Errorf("objstore: init %s: %w", path, err)
	}
	return &Store{repo: repo}, nil
}

// Repository exposes the underlying go-git handle for collaborators
// (branch, remote, history) that need plumbing this package doesn't wrap.
func (s *Store) Repository() *git.Repository {
	return s.repo
}

// PutBlob stores raw bytes as a blob object and returns its hash. Content
// addressing means storing the same bytes twice is a no-op the second time.
func (s *Store) PutBlob(data []byte) (plumbing.Hash, error) {
	obj := s.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(data)))

	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("objstore: blob writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return plumbing.ZeroHash, fmt.Errorf("objstore: write blob: %w", err)
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("objstore: close blob writer: %w", err)
	}

	hash, err := s.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("objstore: store blob: %w", err)
	}
	return hash, nil
}

// GetBlob reads a blob's raw bytes back out. Returns chronerr.NotFound if
// the hash is absent, chronerr.StoreCorrupt if present but undecodable.
func (s *Store) GetBlob(hash plumbing.Hash) ([]byte, error) {
	blob, err := object.GetBlob(s.repo.Storer, hash)
	if err != nil {
		if err == plumbing.ErrObjectNotFound {
			return nil, fmt.Errorf("%w: blob %s", chronerr.NotFound, hash)
		}
		return nil, fmt.Errorf("%w: blob %s: %v", chronerr.StoreCorrupt, hash, err)
	}

	r, err := blob.Reader()
	if err != nil {
		return nil, fmt.Errorf("%w: blob %s reader: %v", chronerr.StoreCorrupt, hash, err)
	}
	defer r.Close()

	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: blob %s read: %v", chronerr.StoreCorrupt, hash, err)
	}
	return buf, nil
}

// treeEntries reads a tree's immediate entries keyed by name. A ZeroHash
// tree is treated as empty rather than an error, matching the "no commits
// yet" boundary case.
func (s *Store) treeEntries(hash plumbing.Hash) (map[string]object.TreeEntry, error) {
	entries := make(map[string]object.TreeEntry)
	if hash == plumbing.ZeroHash {
		return entries, nil
	}

	tree, err := object.GetTree(s.repo.Storer, hash)
	if err != nil {
		return nil, fmt.Errorf("%w: tree %s: %v", chronerr.StoreCorrupt, hash, err)
	}
	for _, e := range tree.Entries {
		entries[e.Name] = e
	}
	return entries, nil
}

func (s *Store) putTree(entries map[string]object.TreeEntry) (plumbing.Hash, error) {
	if len(entries) == 0 {
		return plumbing.ZeroHash, nil
	}

	slice := make([]object.TreeEntry, 0, len(entries))
	for _, e := range entries {
		slice = append(slice, e)
	}
	sort.Slice(slice, func(i, j int) bool {
		ni, nj := slice[i].Name, slice[j].Name
		if slice[i].Mode == filemode.Dir {
			ni += "/"
		}
		if slice[j].Mode == filemode.Dir {
			nj += "/"
		}
		return ni < nj
	})

	tree := &object.Tree{Entries: slice}
	obj := s.repo.Storer.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("objstore: encode tree: %w", err)
	}
	hash, err := s.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("objstore: store tree: %w", err)
	}
	return hash, nil
}

// Change is a single path mutation to apply against a tree. Blob is
// ignored when Delete is true.
type Change struct {
	Path   string
	Blob   plumbing.Hash
	Delete bool
}

// ApplyChanges rebuilds a tree rooted at root with the given changes
// applied, grouping by top-level directory so each subtree is rebuilt at
// most once regardless of how many leaf changes it contains.
func (s *Store) ApplyChanges(root plumbing.Hash, changes []Change) (plumbing.Hash, error) {
	if len(changes) == 0 {
		return root, nil
	}

	leaf := make([]Change, 0)
	grouped := make(map[string][]Change)

	for _, c := range changes {
		slash := indexByte(c.Path, '/')
		if slash < 0 {
			leaf = append(leaf, c)
			continue
		}
		dir, rest := c.Path[:slash], c.Path[slash+1:]
		grouped[dir] = append(grouped[dir], Change{Path: rest, Blob: c.Blob, Delete: c.Delete})
	}

	entries, err := s.treeEntries(root)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	for _, c := range leaf {
		if c.Delete {
			delete(entries, c.Path)
			continue
		}
		entries[c.Path] = object.TreeEntry{Name: c.Path, Mode: filemode.Regular, Hash: c.Blob}
	}

	for dir, sub := range grouped {
		var subRoot plumbing.Hash
		if existing, ok := entries[dir]; ok && existing.Mode == filemode.Dir {
			subRoot = existing.Hash
		}
		newSubRoot, err := s.ApplyChanges(subRoot, sub)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		if newSubRoot == plumbing.ZeroHash {
			delete(entries, dir)
			continue
		}
		entries[dir] = object.TreeEntry{Name: dir, Mode: filemode.Dir, Hash: newSubRoot}
	}

	return s.putTree(entries)
}

// ReadPath resolves a path inside a tree down to a blob hash. Returns
// chronerr.NotFound if any path segment is absent.
func (s *Store) ReadPath(root plumbing.Hash, path string) (plumbing.Hash, error) {
	cur := root
	rest := path
	for {
		slash := indexByte(rest, '/')
		var name, tail string
		if slash < 0 {
			name, tail = rest, ""
		} else {
			name, tail = rest[:slash], rest[slash+1:]
		}

		entries, err := s.treeEntries(cur)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		entry, ok := entries[name]
		if !ok {
			return plumbing.ZeroHash, fmt.Errorf("%w: path %s", chronerr.NotFound, path)
		}
		if tail == "" {
			return entry.Hash, nil
		}
		cur = entry.Hash
		rest = tail
	}
}

// DirEntry is one immediate child of a tree, as returned by ListDir.
type DirEntry struct {
	Name  string
	IsDir bool
}

// ListDir returns the immediate children of the tree at path within root
// ("" lists root itself). Used by table-prefix scans (schema inference,
// list_tables, the planner's fallback scan) that need directory names
// rather than a single leaf blob.
func (s *Store) ListDir(root plumbing.Hash, path string) ([]DirEntry, error) {
	cur := root
	if path != "" {
		rest := path
		for rest != "" {
			slash := indexByte(rest, '/')
			var name, tail string
			if slash < 0 {
				name, tail = rest, ""
			} else {
				name, tail = rest[:slash], rest[slash+1:]
			}
			entries, err := s.treeEntries(cur)
			if err != nil {
				return nil, err
			}
			entry, ok := entries[name]
			if !ok {
				return nil, fmt.Errorf("%w: path %s", chronerr.NotFound, path)
			}
			cur = entry.Hash
			rest = tail
		}
	}

	entries, err := s.treeEntries(cur)
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, 0, len(entries))
	for name, e := range entries {
		out = append(out, DirEntry{Name: name, IsDir: e.Mode == filemode.Dir})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Identity names the author/committer of a commit object.
type Identity struct {
	Name  string
	Email string
}

// NewCommit writes a commit object with the given tree and parents (first
// parent is HEAD-of-branch) and returns its hash. It never mutates refs;
// callers (commitengine, via refstore) own the CAS that publishes it.
func (s *Store) NewCommit(treeHash plumbing.Hash, parents []plumbing.Hash, identity Identity, message string, when time.Time) (plumbing.Hash, error) {
	// A git commit must reference a real tree object; ZeroHash only means
	// "empty" within this package's own bookkeeping, so materialize it here.
	if treeHash == plumbing.ZeroHash {
		obj := s.repo.Storer.NewEncodedObject()
		if err := (&object.Tree{}).Encode(obj); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("objstore: encode empty tree: %w", err)
		}
		hash, err := s.repo.Storer.SetEncodedObject(obj)
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("objstore: store empty tree: %w", err)
		}
		treeHash = hash
	}

	sig := object.Signature{Name: identity.Name, Email: identity.Email, When: when}

	commit := &object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      message,
		TreeHash:     treeHash,
		ParentHashes: parents,
	}

	obj := s.repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("objstore: encode commit: %w", err)
	}
	hash, err := s.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("objstore: store commit: %w", err)
	}
	return hash, nil
}

// Commit fetches a decoded commit object. Returns chronerr.NotFound if
// absent, chronerr.StoreCorrupt if the object is malformed.
func (s *Store) Commit(hash plumbing.Hash) (*object.Commit, error) {
	c, err := object.GetCommit(s.repo.Storer, hash)
	if err != nil {
		if err == plumbing.ErrObjectNotFound {
			return nil, fmt.Errorf("%w: commit %s", chronerr.NotFound, hash)
		}
		return nil, fmt.Errorf("%w: commit %s: %v", chronerr.StoreCorrupt, hash, err)
	}
	return c, nil
}

// EmptyTree returns the sentinel hash this package uses for "no documents
// yet" tree roots. It is plumbing.ZeroHash, never written to the store
// directly; NewCommit materializes a real empty tree object on demand.
func (s *Store) EmptyTree() plumbing.Hash {
	return plumbing.ZeroHash
}

// Stat reports whether an object hash is present in the store.
func (s *Store) Stat(hash plumbing.Hash) (bool, error) {
	_, err := s.repo.Storer.EncodedObject(plumbing.AnyObject, hash)
	if err != nil {
		if err == plumbing.ErrObjectNotFound {
			return false, nil
		}
		return false, fmt.Errorf("objstore: stat %s: %w", hash, err)
	}
	return true, nil
}

// GC is a test-only hook for repacking loose objects. Production ChronDB
// never prunes history, since old commits are the temporal record, so this
// never removes anything reachable or otherwise - it only asks the
// underlying storer to repack what's already there.
func (s *Store) GC() error {
	type repacker interface {
		RepackObjects(*filesystem.RepackOptions) error
	}
	if r, ok := s.repo.Storer.(repacker); ok {
		return r.RepackObjects(&filesystem.RepackOptions{})
	}
	return nil
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}
