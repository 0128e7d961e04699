package chrondb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moclojer/chrondb-sub001/internal/docid"
	"github.com/moclojer/chrondb-sub001/internal/planner"
	"github.com/moclojer/chrondb-sub001/internal/query"
	"github.com/moclojer/chrondb-sub001/internal/txctx"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Config{
		DataPath:      t.TempDir(),
		IndexPath:     t.TempDir(),
		DefaultBranch: "main",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPutGetDeleteRoundTrip(t *testing.T) {
	db := newTestDB(t)
	tx := txctx.Begin(txctx.OriginInternal, "test")

	_, err := db.Put("main", "users", "1", docid.Document{"id": "1", "name": "ana"}, tx)
	require.NoError(t, err)

	doc, err := db.Get("main", "users", "1")
	require.NoError(t, err)
	assert.Equal(t, "ana", doc["name"])

	_, err = db.Delete("main", "users", "1", tx)
	require.NoError(t, err)

	_, err = db.Get("main", "users", "1")
	assert.Error(t, err)
}

func TestHistoryTracksWrites(t *testing.T) {
	db := newTestDB(t)
	tx := txctx.Begin(txctx.OriginInternal, "test")

	_, err := db.Put("main", "users", "1", docid.Document{"id": "1", "name": "v1"}, tx)
	require.NoError(t, err)
	_, err = db.Put("main", "users", "1", docid.Document{"id": "1", "name": "v2"}, tx)
	require.NoError(t, err)

	entries, err := db.History("main", "users", "1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "v2", entries[0].Document["name"])
}

func TestRestoreBringsBackPriorVersion(t *testing.T) {
	db := newTestDB(t)
	tx := txctx.Begin(txctx.OriginInternal, "test")

	first, err := db.Put("main", "users", "1", docid.Document{"id": "1", "name": "v1"}, tx)
	require.NoError(t, err)
	_, err = db.Put("main", "users", "1", docid.Document{"id": "1", "name": "v2"}, tx)
	require.NoError(t, err)

	_, err = db.Restore("main", "users", "1", first.CommitID.String())
	require.NoError(t, err)

	doc, err := db.Get("main", "users", "1")
	require.NoError(t, err)
	assert.Equal(t, "v1", doc["name"])
}

func TestBranchCreateCheckoutAndMerge(t *testing.T) {
	db := newTestDB(t)
	tx := txctx.Begin(txctx.OriginInternal, "test")

	require.NoError(t, db.CreateBranch("feature", "main"))
	require.NoError(t, db.Checkout("feature"))
	assert.Equal(t, "feature", db.Session.Current())

	_, err := db.Put("feature", "users", "1", docid.Document{"id": "1", "name": "ana"}, tx)
	require.NoError(t, err)

	require.NoError(t, db.Merge("feature", "main"))

	doc, err := db.Get("main", "users", "1")
	require.NoError(t, err)
	assert.Equal(t, "ana", doc["name"])
}

func TestSchemaCreateListDescribe(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.CreateTable("main", "users", nil, false))
	tables, err := db.ListTables("main")
	require.NoError(t, err)
	assert.Contains(t, tables, "users")

	rec, err := db.Describe("main", "users")
	require.NoError(t, err)
	assert.False(t, rec.Inferred)
}

func TestSearchRoutesThroughPlanner(t *testing.T) {
	db := newTestDB(t)
	tx := txctx.Begin(txctx.OriginInternal, "test")

	_, err := db.Put("main", "users", "1", docid.Document{"id": "1", "status": "active"}, tx)
	require.NoError(t, err)

	res, err := db.Search(planner.Request{
		Table:  "users",
		Filter: query.Query{Branch: "main", Clauses: []query.Clause{query.NewTerm("status", "active")}},
	})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
}

func TestBeginEndBatchSkipsPushWhenRemoteDisabled(t *testing.T) {
	db := newTestDB(t)
	tx := txctx.Begin(txctx.OriginInternal, "test")

	db.BeginBatch("main")
	_, err := db.Put("main", "users", "1", docid.Document{"id": "1"}, tx)
	require.NoError(t, err)

	result, err := db.EndBatch("main")
	require.NoError(t, err)
	assert.Equal(t, "skipped", string(result))
}
