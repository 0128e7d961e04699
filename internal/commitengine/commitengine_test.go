package commitengine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moclojer/chrondb-sub001/internal/docid"
	"github.com/moclojer/chrondb-sub001/internal/notes"
	"github.com/moclojer/chrondb-sub001/internal/objstore"
	"github.com/moclojer/chrondb-sub001/internal/occ"
	"github.com/moclojer/chrondb-sub001/internal/refstore"
	"github.com/moclojer/chrondb-sub001/internal/txctx"
	"github.com/moclojer/chrondb-sub001/internal/wal"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()

	objects, err := objstore.Open(dir)
	require.NoError(t, err)
	refs, err := refstore.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = refs.Close() })
	log, err := wal.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	sidecar := notes.New(objects, refs)
	lock := occ.NewRepoLock(dir)

	return New(objects, refs, log, sidecar, lock)
}

func TestApplyPutCreatesCommitAndAdvancesBranch(t *testing.T) {
	e := newTestEngine(t)

	result, err := e.Apply("main", []DocChange{
		{Table: "users", ID: "1", Kind: Put, Doc: docid.Document{"name": "ana"}},
	}, txctx.Begin(txctx.OriginInternal, "tester"))
	require.NoError(t, err)
	require.False(t, result.CommitID.IsZero())
	require.True(t, result.NoteWritten)

	tip, err := e.refs.Get(refstore.BranchRef("main"))
	require.NoError(t, err)
	require.Equal(t, result.CommitID.String(), tip)

	note, err := e.sidecar.Get(result.CommitID)
	require.NoError(t, err)
	require.Equal(t, "tester", note.User)
}

func TestApplySecondCommitHasFirstAsParent(t *testing.T) {
	e := newTestEngine(t)
	tx := txctx.Begin(txctx.OriginInternal, "tester")

	first, err := e.Apply("main", []DocChange{
		{Table: "users", ID: "1", Kind: Put, Doc: docid.Document{"name": "ana"}},
	}, tx)
	require.NoError(t, err)

	second, err := e.Apply("main", []DocChange{
		{Table: "users", ID: "2", Kind: Put, Doc: docid.Document{"name": "bob"}},
	}, tx)
	require.NoError(t, err)

	require.Equal(t, first.CommitID, second.ParentID)
}

func TestApplyDeleteRemovesPathFromTree(t *testing.T) {
	e := newTestEngine(t)
	tx := txctx.Begin(txctx.OriginInternal, "tester")

	put, err := e.Apply("main", []DocChange{
		{Table: "users", ID: "1", Kind: Put, Doc: docid.Document{"name": "ana"}},
	}, tx)
	require.NoError(t, err)

	del, err := e.Apply("main", []DocChange{
		{Table: "users", ID: "1", Kind: Delete},
	}, tx)
	require.NoError(t, err)

	require.Equal(t, put.CommitID, del.ParentID)

	_, err = e.objects.ReadPath(del.TreeID, docid.Path("users", "1"))
	require.Error(t, err)
}

func TestApplyBranchesAreIsolated(t *testing.T) {
	e := newTestEngine(t)
	tx := txctx.Begin(txctx.OriginInternal, "tester")

	_, err := e.Apply("main", []DocChange{
		{Table: "users", ID: "1", Kind: Put, Doc: docid.Document{"name": "ana"}},
	}, tx)
	require.NoError(t, err)

	_, err = e.Apply("feature", []DocChange{
		{Table: "users", ID: "2", Kind: Put, Doc: docid.Document{"name": "bob"}},
	}, tx)
	require.NoError(t, err)

	mainTip, err := e.refs.Get(refstore.BranchRef("main"))
	require.NoError(t, err)
	featureTip, err := e.refs.Get(refstore.BranchRef("feature"))
	require.NoError(t, err)
	require.NotEqual(t, mainTip, featureTip)
}

func TestBeginEndBatchTracksPushDue(t *testing.T) {
	e := newTestEngine(t)

	require.False(t, e.InBatch("main"))
	e.BeginBatch("main")
	require.True(t, e.InBatch("main"))

	pushDue := e.EndBatch("main")
	require.True(t, pushDue)
	require.False(t, e.InBatch("main"))
}

func TestEndBatchWithoutBeginIsNotPushDue(t *testing.T) {
	e := newTestEngine(t)
	require.False(t, e.EndBatch("main"))
}
