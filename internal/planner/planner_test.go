package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moclojer/chrondb-sub001/internal/commitengine"
	"github.com/moclojer/chrondb-sub001/internal/docid"
	"github.com/moclojer/chrondb-sub001/internal/notes"
	"github.com/moclojer/chrondb-sub001/internal/objstore"
	"github.com/moclojer/chrondb-sub001/internal/occ"
	"github.com/moclojer/chrondb-sub001/internal/query"
	"github.com/moclojer/chrondb-sub001/internal/refstore"
	"github.com/moclojer/chrondb-sub001/internal/txctx"
	"github.com/moclojer/chrondb-sub001/internal/wal"
)

func newTestPlanner(t *testing.T) (*Planner, *commitengine.Engine) {
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

	return New(objects, refs, nil), engine
}

func putDoc(t *testing.T, engine *commitengine.Engine, branch, table, id string, doc docid.Document) {
	t.Helper()
	_, err := engine.Apply(branch, []commitengine.DocChange{
		{Table: table, ID: id, Kind: commitengine.Put, Doc: doc},
	}, txctx.Begin(txctx.OriginInternal, "test"))
	require.NoError(t, err)
}

func TestPlanPointReadsByID(t *testing.T) {
	p, engine := newTestPlanner(t)
	putDoc(t, engine, "main", "users", "1", docid.Document{"id": "1", "name": "ana"})
	putDoc(t, engine, "main", "users", "2", docid.Document{"id": "2", "name": "bob"})

	res, err := p.Plan(Request{
		Table:  "users",
		Filter: query.Query{Branch: "main", Clauses: []query.Clause{query.NewTerm("id", "1")}},
	})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "ana", res.Rows[0]["name"])
}

func TestPlanTableScanAppliesClausesInMemory(t *testing.T) {
	p, engine := newTestPlanner(t)
	putDoc(t, engine, "main", "users", "1", docid.Document{"id": "1", "status": "active"})
	putDoc(t, engine, "main", "users", "2", docid.Document{"id": "2", "status": "inactive"})

	res, err := p.Plan(Request{
		Table:  "users",
		Filter: query.Query{Branch: "main", Clauses: []query.Clause{query.NewTerm("status", "active")}},
	})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "1", res.Rows[0]["id"])
}

func TestPlanGroupByWithCountAndSum(t *testing.T) {
	p, engine := newTestPlanner(t)
	putDoc(t, engine, "main", "orders", "1", docid.Document{"id": "1", "region": "east", "total": "10"})
	putDoc(t, engine, "main", "orders", "2", docid.Document{"id": "2", "region": "east", "total": "20"})
	putDoc(t, engine, "main", "orders", "3", docid.Document{"id": "3", "region": "west", "total": "5"})

	res, err := p.Plan(Request{
		Table:      "orders",
		Filter:     query.Query{Branch: "main"},
		GroupBy:    []string{"region"},
		Aggregates: []Aggregate{{Func: Count, As: "n"}, {Func: Sum, Field: "total", As: "total_sum"}},
	})
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)

	byRegion := map[string]docid.Document{}
	for _, row := range res.Rows {
		byRegion[row["region"].(string)] = row
	}
	assert.EqualValues(t, 2, byRegion["east"]["n"])
	assert.EqualValues(t, 30, byRegion["east"]["total_sum"])
	assert.EqualValues(t, 1, byRegion["west"]["n"])
}

func TestPlanOrderByAscending(t *testing.T) {
	p, engine := newTestPlanner(t)
	putDoc(t, engine, "main", "users", "1", docid.Document{"id": "1", "age": "30"})
	putDoc(t, engine, "main", "users", "2", docid.Document{"id": "2", "age": "20"})
	putDoc(t, engine, "main", "users", "3", docid.Document{"id": "3", "age": "25"})

	res, err := p.Plan(Request{
		Table:  "users",
		Filter: query.Query{Branch: "main", Sort: []query.SortField{{Field: "age", Dir: query.Asc}}},
	})
	require.NoError(t, err)
	require.Len(t, res.Rows, 3)
	assert.Equal(t, "2", res.Rows[0]["id"])
	assert.Equal(t, "3", res.Rows[1]["id"])
	assert.Equal(t, "1", res.Rows[2]["id"])
}

func TestPlanLimitAndCursor(t *testing.T) {
	p, engine := newTestPlanner(t)
	for _, id := range []string{"1", "2", "3"} {
		putDoc(t, engine, "main", "users", id, docid.Document{"id": id})
	}

	res, err := p.Plan(Request{
		Table:  "users",
		Filter: query.Query{Branch: "main", Sort: []query.SortField{{Field: "id", Dir: query.Asc}}, Limit: 2},
	})
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	require.NotNil(t, res.NextCursor)

	res2, err := p.Plan(Request{
		Table: "users",
		Filter: query.Query{
			Branch: "main",
			Sort:   []query.SortField{{Field: "id", Dir: query.Asc}},
			Limit:  2,
			After:  res.NextCursor,
		},
	})
	require.NoError(t, err)
	require.Len(t, res2.Rows, 1)
	assert.Equal(t, "3", res2.Rows[0]["id"])
}

func TestPlanInnerJoinOnEqualityKey(t *testing.T) {
	p, engine := newTestPlanner(t)
	putDoc(t, engine, "main", "users", "1", docid.Document{"id": "1", "name": "ana"})
	putDoc(t, engine, "main", "orders", "1", docid.Document{"id": "1", "user_id": "1", "total": "10"})
	putDoc(t, engine, "main", "orders", "2", docid.Document{"id": "2", "user_id": "9", "total": "99"})

	res, err := p.Plan(Request{
		Table:  "users",
		Filter: query.Query{Branch: "main"},
		Join:   &Join{Table: "orders", LeftKey: "id", RightKey: "user_id", Kind: InnerJoin},
	})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "ana", res.Rows[0]["users.name"])
	assert.Equal(t, "10", res.Rows[0]["orders.total"])
}
