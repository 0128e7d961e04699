// Package notes is the transaction-metadata sidecar: a second
// commit chain, rooted at refs/notes/chrondb, whose tree maps a main-chain
// commit id to the transaction record that produced it. It reuses the
// object store's blob/tree/commit primitives rather than inventing a
// parallel storage format.
package notes

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-git/go-git/v6/plumbing"

	"github.com/moclojer/chrondb-sub001/internal/chronerr"
	"github.com/moclojer/chrondb-sub001/internal/objstore"
	"github.com/moclojer/chrondb-sub001/internal/refstore"
)

// Record is the transaction metadata stored against one main-chain commit.
type Record struct {
	TxID      string            `json:"tx_id"`
	Origin    string            `json:"origin"`
	User      string            `json:"user"`
	Flags     []string          `json:"flags,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	Status    string            `json:"status"`
}

// Sidecar writes and reads notes against one repository's object and ref
// stores.
type Sidecar struct {
	objects *objstore.Store
	refs    *refstore.Store
	ident   objstore.Identity
}

// New builds a Sidecar over the given object/ref stores.
func New(objects *objstore.Store, refs *refstore.Store) *Sidecar {
	return &Sidecar{
		objects: objects,
		refs:    refs,
		ident:   objstore.Identity{Name: "chrondb-notes", Email: "notes@chrondb.local"},
	}
}

// Put appends a notes commit recording rec against commitID. Absence of a
// note is recoverable (I2: best-effort, not silently dropped) - callers
// are expected to log a Put failure rather than treat it as fatal.
func (s *Sidecar) Put(commitID plumbing.Hash, rec Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: encode note: %v", chronerr.BadDocument, err)
	}

	blob, err := s.objects.PutBlob(body)
	if err != nil {
		return fmt.Errorf("notes: put blob: %w", err)
	}

	prior, err := s.refs.Get(refstore.NotesRef)
	if err != nil {
		return fmt.Errorf("notes: read ref: %w", err)
	}

	var priorTree plumbing.Hash
	var parents []plumbing.Hash
	if prior != refstore.ZeroHash {
		parentHash := plumbing.NewHash(prior)
		parents = []plumbing.Hash{parentHash}
		parentCommit, err := s.objects.Commit(parentHash)
		if err != nil {
			return fmt.Errorf("notes: read prior commit: %w", err)
		}
		priorTree = parentCommit.TreeHash
	}

	newTree, err := s.objects.ApplyChanges(priorTree, []objstore.Change{
		{Path: commitID.String(), Blob: blob},
	})
	if err != nil {
		return fmt.Errorf("notes: apply change: %w", err)
	}

	newCommit, err := s.objects.NewCommit(newTree, parents, s.ident, "note: "+commitID.String(), time.Now())
	if err != nil {
		return fmt.Errorf("notes: write commit: %w", err)
	}

	if err := s.refs.CAS(refstore.NotesRef, prior, newCommit.String()); err != nil {
		return fmt.Errorf("notes: cas ref: %w", err)
	}
	return nil
}

// Get resolves the transaction record recorded for commitID. Returns
// chronerr.NotFound if no note was ever recorded (a legal, non-fatal
// state per I2).
func (s *Sidecar) Get(commitID plumbing.Hash) (Record, error) {
	head, err := s.refs.Get(refstore.NotesRef)
	if err != nil {
		return Record{}, fmt.Errorf("notes: read ref: %w", err)
	}
	if head == refstore.ZeroHash {
		return Record{}, fmt.Errorf("%w: no notes recorded yet", chronerr.NotFound)
	}

	headCommit, err := s.objects.Commit(plumbing.NewHash(head))
	if err != nil {
		return Record{}, fmt.Errorf("notes: read head commit: %w", err)
	}

	blobHash, err := s.objects.ReadPath(headCommit.TreeHash, commitID.String())
	if err != nil {
		return Record{}, fmt.Errorf("%w: note for %s", chronerr.NotFound, commitID)
	}

	body, err := s.objects.GetBlob(blobHash)
	if err != nil {
		return Record{}, fmt.Errorf("notes: read blob: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return Record{}, fmt.Errorf("%w: decode note: %v", chronerr.BadDocument, err)
	}
	return rec, nil
}
