package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moclojer/chrondb-sub001/internal/docid"
	"github.com/moclojer/chrondb-sub001/internal/query"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestIndexAndSearchByTerm(t *testing.T) {
	e := newTestEngine(t)

	require.NoError(t, e.IndexDocument("main", "users", "1", docid.Document{"id": "1", "_table": "users", "name": "ana", "status": "active"}))
	require.NoError(t, e.IndexDocument("main", "users", "2", docid.Document{"id": "2", "_table": "users", "name": "bob", "status": "inactive"}))

	res, err := e.SearchQuery(query.Query{
		Branch:  "main",
		Clauses: []query.Clause{query.NewTerm("status", "active")},
	}, SearchOpts{Limit: 10})
	require.NoError(t, err)
	require.Contains(t, res.IDs, docid.Path("users", "1"))
	assert.NotContains(t, res.IDs, docid.Path("users", "2"))
}

func TestDeleteDocumentRemovesFromResults(t *testing.T) {
	e := newTestEngine(t)

	require.NoError(t, e.IndexDocument("main", "users", "1", docid.Document{"id": "1", "_table": "users", "status": "active"}))
	require.NoError(t, e.DeleteDocument("main", "users", "1"))

	res, err := e.SearchQuery(query.Query{
		Branch:  "main",
		Clauses: []query.Clause{query.NewTerm("status", "active")},
	}, SearchOpts{Limit: 10})
	require.NoError(t, err)
	assert.NotContains(t, res.IDs, docid.Path("users", "1"))
}

func TestExistsMatchesOnlyDocumentsWithField(t *testing.T) {
	e := newTestEngine(t)

	require.NoError(t, e.IndexDocument("main", "users", "1", docid.Document{"id": "1", "_table": "users", "email": "ana@example.com"}))
	require.NoError(t, e.IndexDocument("main", "users", "2", docid.Document{"id": "2", "_table": "users"}))

	res, err := e.SearchQuery(query.Query{
		Branch:  "main",
		Clauses: []query.Clause{query.NewExists("email")},
	}, SearchOpts{Limit: 10})
	require.NoError(t, err)
	assert.Contains(t, res.IDs, docid.Path("users", "1"))
	assert.NotContains(t, res.IDs, docid.Path("users", "2"))
}

func TestBranchesHaveIndependentIndexes(t *testing.T) {
	e := newTestEngine(t)

	require.NoError(t, e.IndexDocument("main", "users", "1", docid.Document{"id": "1", "_table": "users", "status": "active"}))

	res, err := e.SearchQuery(query.Query{
		Branch:  "feature",
		Clauses: []query.Clause{query.NewTerm("status", "active")},
	}, SearchOpts{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, res.IDs)
}

func TestSearchResultCacheIsInvalidatedByWrite(t *testing.T) {
	e := newTestEngine(t)
	q := query.Query{Branch: "main", Clauses: []query.Clause{query.NewTerm("status", "active")}}

	res1, err := e.SearchQuery(q, SearchOpts{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, res1.IDs)

	require.NoError(t, e.IndexDocument("main", "users", "1", docid.Document{"id": "1", "_table": "users", "status": "active"}))

	res2, err := e.SearchQuery(q, SearchOpts{Limit: 10})
	require.NoError(t, err)
	assert.Contains(t, res2.IDs, docid.Path("users", "1"))
}
