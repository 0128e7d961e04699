// Package history implements the first-parent commit walk behind
// history(branch, doc_id): a newest-first sequence of every commit whose
// tree holds different bytes at the document's path than its parent's
// tree does.
package history

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-git/go-git/v6/plumbing"
	"github.com/go-git/go-git/v6/plumbing/object"

	"github.com/moclojer/chrondb-sub001/internal/chronerr"
	"github.com/moclojer/chrondb-sub001/internal/docid"
	"github.com/moclojer/chrondb-sub001/internal/objstore"
)

// Entry is one point in a document's history.
type Entry struct {
	CommitID  plumbing.Hash
	Time      time.Time
	Committer string
	Message   string
	Document  docid.Document // nil for a deletion
}

// Walker produces history entries from an object store.
type Walker struct {
	objects *objstore.Store
}

// New builds a Walker over objects.
func New(objects *objstore.Store) *Walker {
	return &Walker{objects: objects}
}

// History walks first-parent from tip, emitting one Entry per commit
// where the blob at path differs from its value at that commit's parent,
// including the transition to or from absent (creation and deletion). A
// commit that did not touch the document never appears, even when it is
// the tip. Results are newest-first, matching first-parent walk order.
func (w *Walker) History(tip plumbing.Hash, table, id string) ([]Entry, error) {
	path := docid.Path(table, id)

	// step holds one visited commit while its parent is resolved; the
	// commit is emitted only once the parent's blob is known to differ.
	type step struct {
		id      plumbing.Hash
		commit  *object.Commit
		blob    plumbing.Hash
		present bool
	}

	var entries []Entry
	var child *step

	emit := func(s *step) error {
		var doc docid.Document
		if s.present {
			body, err := w.objects.GetBlob(s.blob)
			if err != nil {
				return fmt.Errorf("history: read blob at %s: %w", s.id, err)
			}
			doc, err = docid.Decode(body)
			if err != nil {
				return fmt.Errorf("history: decode doc at %s: %w", s.id, err)
			}
		}
		entries = append(entries, Entry{
			CommitID:  s.id,
			Time:      s.commit.Author.When,
			Committer: s.commit.Committer.Name,
			Message:   s.commit.Message,
			Document:  doc,
		})
		return nil
	}

	cur := tip
	for !cur.IsZero() {
		commit, err := w.objects.Commit(cur)
		if err != nil {
			return nil, fmt.Errorf("history: walk %s: %w", cur, err)
		}

		blob, err := w.objects.ReadPath(commit.TreeHash, path)
		present := err == nil
		if err != nil && !isNotFound(err) {
			return nil, fmt.Errorf("history: resolve %s at %s: %w", path, cur, err)
		}

		// the current commit is the child's parent: the child changed the
		// document iff its blob differs from what this commit holds
		if child != nil && changed(child.present, child.blob, present, blob) {
			if err := emit(child); err != nil {
				return nil, err
			}
		}
		child = &step{id: cur, commit: commit, blob: blob, present: present}

		if len(commit.ParentHashes) == 0 {
			break
		}
		cur = commit.ParentHashes[0]
	}

	// the root commit has no parent: it introduced the document iff the
	// document exists there at all
	if child != nil && child.present {
		if err := emit(child); err != nil {
			return nil, err
		}
	}

	return entries, nil
}

// GetAt resolves a document's value as of a specific commit - the point
// query behind get_at(ref_or_commit, doc_id).
func (w *Walker) GetAt(commitID plumbing.Hash, table, id string) (docid.Document, error) {
	commit, err := w.objects.Commit(commitID)
	if err != nil {
		return nil, fmt.Errorf("history: read commit %s: %w", commitID, err)
	}

	blob, err := w.objects.ReadPath(commit.TreeHash, docid.Path(table, id))
	if err != nil {
		return nil, err
	}

	body, err := w.objects.GetBlob(blob)
	if err != nil {
		return nil, fmt.Errorf("history: read blob: %w", err)
	}
	return docid.Decode(body)
}

func changed(childPresent bool, childBlob plumbing.Hash, parentPresent bool, parentBlob plumbing.Hash) bool {
	if childPresent != parentPresent {
		return true
	}
	if !childPresent {
		return false
	}
	return childBlob != parentBlob
}

func isNotFound(err error) bool {
	return errors.Is(err, chronerr.NotFound)
}
