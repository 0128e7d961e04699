package history

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/go-git/go-git/v6/plumbing"
	"github.com/stretchr/testify/require"

	"github.com/moclojer/chrondb-sub001/internal/docid"
	"github.com/moclojer/chrondb-sub001/internal/objstore"
)

// putCommit writes one document revision on top of parentTree/parent and
// returns the new commit hash and tree hash.
func putCommit(t *testing.T, s *objstore.Store, parentTree plumbing.Hash, parents []plumbing.Hash, table, id string, doc docid.Document, when time.Time) (plumbing.Hash, plumbing.Hash) {
	t.Helper()
	doc.Normalize(table, id)
	body, err := docid.Encode(doc)
	require.NoError(t, err)
	blob, err := s.PutBlob(body)
	require.NoError(t, err)

	tree, err := s.ApplyChanges(parentTree, []objstore.Change{{Path: docid.Path(table, id), Blob: blob}})
	require.NoError(t, err)

	commit, err := s.NewCommit(tree, parents, objstore.Identity{Name: "tester", Email: "tester@local"}, "put "+table+":"+id, when)
	require.NoError(t, err)
	return commit, tree
}

func deleteCommit(t *testing.T, s *objstore.Store, parentTree plumbing.Hash, parents []plumbing.Hash, table, id string, when time.Time) (plumbing.Hash, plumbing.Hash) {
	t.Helper()
	tree, err := s.ApplyChanges(parentTree, []objstore.Change{{Path: docid.Path(table, id), Delete: true}})
	require.NoError(t, err)

	commit, err := s.NewCommit(tree, parents, objstore.Identity{Name: "tester", Email: "tester@local"}, "delete "+table+":"+id, when)
	require.NoError(t, err)
	return commit, tree
}

func TestHistoryTracksPutsAndDeletes(t *testing.T) {
	s, err := objstore.Open(t.TempDir())
	require.NoError(t, err)

	c1, t1 := putCommit(t, s, s.EmptyTree(), nil, "users", "1", docid.Document{"name": "ana"}, time.Unix(100, 0))
	c2, t2 := putCommit(t, s, t1, []plumbing.Hash{c1}, "users", "1", docid.Document{"name": "ana", "age": 30}, time.Unix(200, 0))
	// An unrelated write to a different document must not appear in users/1's history.
	c3, t3 := putCommit(t, s, t2, []plumbing.Hash{c2}, "users", "2", docid.Document{"name": "bob"}, time.Unix(300, 0))
	c4, _ := deleteCommit(t, s, t3, []plumbing.Hash{c3}, "users", "1", time.Unix(400, 0))

	w := New(s)
	entries, err := w.History(c4, "users", "1")
	require.NoError(t, err)
	require.Len(t, entries, 3)

	require.Equal(t, c4, entries[0].CommitID)
	require.Nil(t, entries[0].Document)

	require.Equal(t, c2, entries[1].CommitID)
	require.Equal(t, "ana", entries[1].Document["name"])

	require.Equal(t, c1, entries[2].CommitID)
	require.Equal(t, "ana", entries[2].Document["name"])
	require.NotContains(t, entries[2].Document, "age")
}

func TestHistorySkipsCommitsThatDidNotTouchTheDocument(t *testing.T) {
	s, err := objstore.Open(t.TempDir())
	require.NoError(t, err)

	c1, t1 := putCommit(t, s, s.EmptyTree(), nil, "users", "1", docid.Document{"name": "ana"}, time.Unix(100, 0))
	c2, _ := putCommit(t, s, t1, []plumbing.Hash{c1}, "users", "2", docid.Document{"name": "bob"}, time.Unix(200, 0))

	w := New(s)
	entries, err := w.History(c2, "users", "1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, c1, entries[0].CommitID)
}

func TestGetAtResolvesDocumentAsOfCommit(t *testing.T) {
	s, err := objstore.Open(t.TempDir())
	require.NoError(t, err)

	c1, t1 := putCommit(t, s, s.EmptyTree(), nil, "users", "1", docid.Document{"name": "ana"}, time.Unix(100, 0))
	c2, _ := putCommit(t, s, t1, []plumbing.Hash{c1}, "users", "1", docid.Document{"name": "ana", "age": 30}, time.Unix(200, 0))

	w := New(s)

	doc, err := w.GetAt(c1, "users", "1")
	require.NoError(t, err)
	require.NotContains(t, doc, "age")

	doc, err = w.GetAt(c2, "users", "1")
	require.NoError(t, err)
	require.Equal(t, json.Number("30"), doc["age"])
}

func TestGetAtMissingDocumentReturnsError(t *testing.T) {
	s, err := objstore.Open(t.TempDir())
	require.NoError(t, err)

	c1, _ := putCommit(t, s, s.EmptyTree(), nil, "users", "1", docid.Document{"name": "ana"}, time.Unix(100, 0))

	w := New(s)
	_, err = w.GetAt(c1, "users", "2")
	require.Error(t, err)
}
