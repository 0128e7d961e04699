package objstore

import (
	"testing"
	"time"

	"github.com/go-git/go-git/v6/plumbing"
	"github.com/stretchr/testify/require"

	"github.com/moclojer/chrondb-sub001/internal/chronerr"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestPutGetBlobRoundTrip(t *testing.T) {
	s := openTestStore(t)

	hash, err := s.PutBlob([]byte(`{"id":"1"}`))
	require.NoError(t, err)

	got, err := s.GetBlob(hash)
	require.NoError(t, err)
	require.Equal(t, `{"id":"1"}`, string(got))
}

func TestPutBlobIsContentAddressed(t *testing.T) {
	s := openTestStore(t)

	h1, err := s.PutBlob([]byte("same"))
	require.NoError(t, err)
	h2, err := s.PutBlob([]byte("same"))
	require.NoError(t, err)

	require.Equal(t, h1, h2)
}

func TestGetBlobNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetBlob(plumbing.NewHash("0000000000000000000000000000000000000001"))
	require.ErrorIs(t, err, chronerr.NotFound)
}

func TestApplyChangesAndReadPath(t *testing.T) {
	s := openTestStore(t)

	blobA, err := s.PutBlob([]byte("a"))
	require.NoError(t, err)
	blobB, err := s.PutBlob([]byte("b"))
	require.NoError(t, err)

	root, err := s.ApplyChanges(s.EmptyTree(), []Change{
		{Path: "users/1.json", Blob: blobA},
		{Path: "users/2.json", Blob: blobB},
	})
	require.NoError(t, err)

	got, err := s.ReadPath(root, "users/1.json")
	require.NoError(t, err)
	require.Equal(t, blobA, got)

	got, err = s.ReadPath(root, "users/2.json")
	require.NoError(t, err)
	require.Equal(t, blobB, got)
}

func TestApplyChangesDelete(t *testing.T) {
	s := openTestStore(t)

	blobA, err := s.PutBlob([]byte("a"))
	require.NoError(t, err)

	root, err := s.ApplyChanges(s.EmptyTree(), []Change{
		{Path: "users/1.json", Blob: blobA},
	})
	require.NoError(t, err)

	root, err = s.ApplyChanges(root, []Change{
		{Path: "users/1.json", Delete: true},
	})
	require.NoError(t, err)

	_, err = s.ReadPath(root, "users/1.json")
	require.ErrorIs(t, err, chronerr.NotFound)

	// deleting the last entry in a table collapses it back to the empty tree
	require.Equal(t, s.EmptyTree(), root)
}

func TestReadPathMissing(t *testing.T) {
	s := openTestStore(t)

	_, err := s.ReadPath(s.EmptyTree(), "users/absent.json")
	require.ErrorIs(t, err, chronerr.NotFound)
}

func TestNewCommitAndCommit(t *testing.T) {
	s := openTestStore(t)

	blobA, err := s.PutBlob([]byte("a"))
	require.NoError(t, err)
	root, err := s.ApplyChanges(s.EmptyTree(), []Change{{Path: "users/1.json", Blob: blobA}})
	require.NoError(t, err)

	when := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	hash, err := s.NewCommit(root, nil, Identity{Name: "chrondb", Email: "chrondb@local"}, "insert users/1", when)
	require.NoError(t, err)

	commit, err := s.Commit(hash)
	require.NoError(t, err)
	require.Equal(t, "insert users/1", commit.Message)
	require.Empty(t, commit.ParentHashes)

	got, err := s.ReadPath(commit.TreeHash, "users/1.json")
	require.NoError(t, err)
	require.Equal(t, blobA, got)
}

func TestCommitNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Commit(plumbing.NewHash("0000000000000000000000000000000000000001"))
	require.ErrorIs(t, err, chronerr.NotFound)
}

func TestStat(t *testing.T) {
	s := openTestStore(t)

	hash, err := s.PutBlob([]byte("present"))
	require.NoError(t, err)

	ok, err := s.Stat(hash)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Stat(plumbing.NewHash("0000000000000000000000000000000000000001"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestListDirReturnsImmediateChildren(t *testing.T) {
	s := openTestStore(t)

	blobA, err := s.PutBlob([]byte("a"))
	require.NoError(t, err)
	blobB, err := s.PutBlob([]byte("b"))
	require.NoError(t, err)

	root, err := s.ApplyChanges(s.EmptyTree(), []Change{
		{Path: "users/1.json", Blob: blobA},
		{Path: "orders/1.json", Blob: blobB},
	})
	require.NoError(t, err)

	top, err := s.ListDir(root, "")
	require.NoError(t, err)
	require.Len(t, top, 2)
	require.True(t, top[0].IsDir)
	require.Equal(t, "orders", top[0].Name)
	require.Equal(t, "users", top[1].Name)

	leaves, err := s.ListDir(root, "users")
	require.NoError(t, err)
	require.Len(t, leaves, 1)
	require.False(t, leaves[0].IsDir)
	require.Equal(t, "1.json", leaves[0].Name)
}

func TestListDirMissingPath(t *testing.T) {
	s := openTestStore(t)

	_, err := s.ListDir(s.EmptyTree(), "ghost")
	require.ErrorIs(t, err, chronerr.NotFound)
}

func TestOpenReopensExistingRepo(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	require.NoError(t, err)
	hash, err := s1.PutBlob([]byte("persisted"))
	require.NoError(t, err)

	s2, err := Open(dir)
	require.NoError(t, err)
	got, err := s2.GetBlob(hash)
	require.NoError(t, err)
	require.Equal(t, "persisted", string(got))
}
