package temporal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moclojer/chrondb-sub001/internal/commitengine"
	"github.com/moclojer/chrondb-sub001/internal/docid"
	"github.com/moclojer/chrondb-sub001/internal/history"
	"github.com/moclojer/chrondb-sub001/internal/notes"
	"github.com/moclojer/chrondb-sub001/internal/objstore"
	"github.com/moclojer/chrondb-sub001/internal/occ"
	"github.com/moclojer/chrondb-sub001/internal/refstore"
	"github.com/moclojer/chrondb-sub001/internal/txctx"
	"github.com/moclojer/chrondb-sub001/internal/wal"
)

func newTestAccessor(t *testing.T) (*Accessor, *commitengine.Engine) {
	t.Helper()

	objects, err := objstore.Open(t.TempDir())
	require.NoError(t, err)
	refs, err := refstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = refs.Close() })
	log, err := wal.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	sidecar := notes.New(objects, refs)
	lock := occ.NewRepoLock(t.TempDir())
	engine := commitengine.New(objects, refs, log, sidecar, lock)
	walker := history.New(objects)

	return New(refs, walker, engine), engine
}

func putDoc(t *testing.T, engine *commitengine.Engine, branch, table, id string, doc docid.Document) commitengine.Result {
	t.Helper()
	res, err := engine.Apply(branch, []commitengine.DocChange{
		{Table: table, ID: id, Kind: commitengine.Put, Doc: doc},
	}, txctx.Begin(txctx.OriginInternal, "test"))
	require.NoError(t, err)
	return res
}

func TestGetAtResolvesByBranchName(t *testing.T) {
	a, engine := newTestAccessor(t)
	putDoc(t, engine, "main", "users", "1", docid.Document{"id": "1", "name": "ana"})

	doc, err := a.GetAt("main", "users", "1")
	require.NoError(t, err)
	assert.Equal(t, "ana", doc["name"])
}

func TestGetAtResolvesByLiteralCommitHash(t *testing.T) {
	a, engine := newTestAccessor(t)
	first := putDoc(t, engine, "main", "users", "1", docid.Document{"id": "1", "name": "ana"})
	putDoc(t, engine, "main", "users", "1", docid.Document{"id": "1", "name": "ana2"})

	doc, err := a.GetAt(first.CommitID.String(), "users", "1")
	require.NoError(t, err)
	assert.Equal(t, "ana", doc["name"])
}

func TestRestoreWritesPriorVersionAsNewCommit(t *testing.T) {
	a, engine := newTestAccessor(t)
	first := putDoc(t, engine, "main", "users", "1", docid.Document{"id": "1", "name": "ana"})
	putDoc(t, engine, "main", "users", "1", docid.Document{"id": "1", "name": "ana2"})

	res, err := a.Restore("main", "users", "1", first.CommitID.String())
	require.NoError(t, err)

	doc, err := a.GetAt(res.CommitID.String(), "users", "1")
	require.NoError(t, err)
	assert.Equal(t, "ana", doc["name"])
}

func TestDiffAtComputesAddedRemovedChanged(t *testing.T) {
	a, engine := newTestAccessor(t)
	c1 := putDoc(t, engine, "main", "users", "1", docid.Document{"id": "1", "name": "ana", "status": "active"})
	c2 := putDoc(t, engine, "main", "users", "1", docid.Document{"id": "1", "name": "ana2", "age": "30"})

	diff, err := a.DiffAt("users", "1", c1.CommitID.String(), c2.CommitID.String())
	require.NoError(t, err)

	assert.Equal(t, "30", diff.Added["age"])
	assert.Equal(t, "active", diff.Removed["status"])
	assert.Equal(t, [2]any{"ana", "ana2"}, diff.Changed["name"])
}
