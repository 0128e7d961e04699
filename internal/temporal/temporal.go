// Package temporal implements the Temporal Accessors: get_at,
// restore, and diff. The protocol adapters that read a document at a
// commit (SQL's chrondb_at, REST's /documents/{id}/at/{commit}) call this
// one package's GetAt rather than resolving a point-in-time document
// inline, so the two surfaces can never drift on what "at a commit" means.
// The RESP adapter has no at-commit read; its HISTORY lists entries
// through the facade's History.
package temporal

import (
	"fmt"

	"github.com/go-git/go-git/v6/plumbing"

	"github.com/moclojer/chrondb-sub001/internal/commitengine"
	"github.com/moclojer/chrondb-sub001/internal/docid"
	"github.com/moclojer/chrondb-sub001/internal/history"
	"github.com/moclojer/chrondb-sub001/internal/refstore"
	"github.com/moclojer/chrondb-sub001/internal/txctx"
)

// Diff is the one-level-deep key comparison diff() produces.
type Diff struct {
	Added   map[string]any
	Removed map[string]any
	Changed map[string][2]any // field -> [old, new]
}

// Accessor wires the History Walker and Commit Engine together to serve
// get_at/restore/diff.
type Accessor struct {
	refs   *refstore.Store
	walker *history.Walker
	engine *commitengine.Engine
}

// New builds an Accessor over already-open collaborators.
func New(refs *refstore.Store, walker *history.Walker, engine *commitengine.Engine) *Accessor {
	return &Accessor{refs: refs, walker: walker, engine: engine}
}

// GetAt resolves table:id's document as of branchOrCommit, which may name
// either a branch (resolved to its current tip) or a literal commit hash.
func (a *Accessor) GetAt(branchOrCommit, table, id string) (docid.Document, error) {
	commitID, err := a.resolveCommit(branchOrCommit)
	if err != nil {
		return nil, err
	}
	return a.walker.GetAt(commitID, table, id)
}

func (a *Accessor) resolveCommit(branchOrCommit string) (plumbing.Hash, error) {
	hex, err := a.refs.Get(refstore.BranchRef(branchOrCommit))
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if hex != refstore.ZeroHash {
		return plumbing.NewHash(hex), nil
	}
	return plumbing.NewHash(branchOrCommit), nil
}

// Restore loads table:id as of commitID and writes it back as a new
// commit on branch, with a message noting the restoration; history gains
// exactly one entry.
func (a *Accessor) Restore(branch, table, id, commitID string) (commitengine.Result, error) {
	doc, err := a.walker.GetAt(plumbing.NewHash(commitID), table, id)
	if err != nil {
		return commitengine.Result{}, err
	}

	tx := txctx.Begin(txctx.OriginInternal, "restore")
	tx.Message = fmt.Sprintf("restore %s:%s from %s", table, id, commitID)

	return a.engine.Apply(branch, []commitengine.DocChange{
		{Table: table, ID: id, Kind: commitengine.Put, Doc: doc},
	}, tx)
}

// DiffAt loads table:id at two commits and computes added/removed/changed
// keys at one level of depth.
func (a *Accessor) DiffAt(table, id, c1, c2 string) (Diff, error) {
	doc1, err1 := a.walker.GetAt(plumbing.NewHash(c1), table, id)
	doc2, err2 := a.walker.GetAt(plumbing.NewHash(c2), table, id)
	if err1 != nil && err2 != nil {
		return Diff{}, err1
	}
	return computeDiff(doc1, doc2), nil
}

func computeDiff(before, after docid.Document) Diff {
	d := Diff{Added: map[string]any{}, Removed: map[string]any{}, Changed: map[string][2]any{}}

	for k, v := range after {
		old, existed := before[k]
		if !existed {
			d.Added[k] = v
			continue
		}
		if fmt.Sprint(old) != fmt.Sprint(v) {
			d.Changed[k] = [2]any{old, v}
		}
	}
	for k, v := range before {
		if _, stillPresent := after[k]; !stillPresent {
			d.Removed[k] = v
		}
	}
	return d
}
