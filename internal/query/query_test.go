package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorEncodeDecodeRoundTrip(t *testing.T) {
	c := Cursor{DocID: "users/1.json", Score: 1.5, SortValues: []any{"ana", 30}}

	enc, err := c.Encode()
	require.NoError(t, err)

	dec, err := DecodeCursor(enc)
	require.NoError(t, err)
	assert.Equal(t, c.DocID, dec.DocID)
	assert.Equal(t, c.Score, dec.Score)
}

func TestCursorEncodeIsDeterministic(t *testing.T) {
	c := Cursor{DocID: "x", Score: 1}
	a, err := c.Encode()
	require.NoError(t, err)
	b, err := c.Encode()
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	_, err := DecodeCursor("not-valid-base64!!")
	require.Error(t, err)
}

func TestBuildersProduceExpectedShapes(t *testing.T) {
	lo, hi := int64(1), int64(10)
	q := Query{
		Clauses: []Clause{
			NewAnd(
				NewTerm("status", "active"),
				NewOr(NewFts("body", "hello", "standard"), NewPrefix("name", "an")),
				NewNot(NewExists("deleted_at")),
				NewRangeLong("age", &lo, &hi),
			),
		},
		Limit:  20,
		Offset: 0,
		Sort:   []SortField{{Field: "name", Dir: Asc}},
		Branch: "main",
	}

	require.Len(t, q.Clauses, 1)
	and, ok := q.Clauses[0].(And)
	require.True(t, ok)
	require.Len(t, and.Clauses, 4)

	term, ok := and.Clauses[0].(Term)
	require.True(t, ok)
	assert.Equal(t, "status", term.Field)
	assert.Equal(t, "active", term.Value)

	rangeClause, ok := and.Clauses[3].(RangeLong)
	require.True(t, ok)
	assert.Equal(t, int64(1), *rangeClause.Lo)
	assert.Equal(t, int64(10), *rangeClause.Hi)
}

func TestClauseKindsAreDistinct(t *testing.T) {
	kinds := map[string]bool{}
	clauses := []Clause{
		Term{}, Wildcard{}, RangeLong{}, RangeDouble{}, Prefix{}, Fts{},
		Exists{}, Geo{}, And{}, Or{}, Not{},
	}
	for _, c := range clauses {
		k := c.clauseKind()
		assert.False(t, kinds[k], "duplicate clause kind %q", k)
		kinds[k] = true
	}
}
