package refstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moclojer/chrondb-sub001/internal/chronerr"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGetAbsentRefIsZeroHash(t *testing.T) {
	s := openTestStore(t)

	hash, err := s.Get(BranchRef("main"))
	require.NoError(t, err)
	require.Equal(t, ZeroHash, hash)
}

func TestCASCreate(t *testing.T) {
	s := openTestStore(t)

	ref := BranchRef("main")
	require.NoError(t, s.CAS(ref, ZeroHash, "deadbeef"))

	hash, err := s.Get(ref)
	require.NoError(t, err)
	require.Equal(t, "deadbeef", hash)
}

func TestCASRejectsStaleExpectation(t *testing.T) {
	s := openTestStore(t)
	ref := BranchRef("main")

	require.NoError(t, s.CAS(ref, ZeroHash, "commit1"))

	err := s.CAS(ref, ZeroHash, "commit2")
	require.ErrorIs(t, err, chronerr.VersionConflict)

	hash, err := s.Get(ref)
	require.NoError(t, err)
	require.Equal(t, "commit1", hash, "failed CAS must not mutate the ref")
}

func TestCASAdvance(t *testing.T) {
	s := openTestStore(t)
	ref := BranchRef("main")

	require.NoError(t, s.CAS(ref, ZeroHash, "commit1"))
	require.NoError(t, s.CAS(ref, "commit1", "commit2"))

	hash, err := s.Get(ref)
	require.NoError(t, err)
	require.Equal(t, "commit2", hash)
}

func TestCASDeleteWithZeroHashTarget(t *testing.T) {
	s := openTestStore(t)
	ref := BranchRef("feature")

	require.NoError(t, s.CAS(ref, ZeroHash, "commit1"))
	require.NoError(t, s.CAS(ref, "commit1", ZeroHash))

	hash, err := s.Get(ref)
	require.NoError(t, err)
	require.Equal(t, ZeroHash, hash)
}

func TestListByPrefix(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.CAS(BranchRef("main"), ZeroHash, "c1"))
	require.NoError(t, s.CAS(BranchRef("feature"), ZeroHash, "c2"))
	require.NoError(t, s.CAS(NotesRef, ZeroHash, "n1"))

	branches, err := s.List("refs/heads/")
	require.NoError(t, err)
	require.Len(t, branches, 2)
	require.Equal(t, "c1", branches[BranchRef("main")])
	require.Equal(t, "c2", branches[BranchRef("feature")])
}

func TestDeleteUnconditional(t *testing.T) {
	s := openTestStore(t)
	ref := BranchRef("throwaway")

	require.NoError(t, s.CAS(ref, ZeroHash, "c1"))
	require.NoError(t, s.Delete(ref))

	hash, err := s.Get(ref)
	require.NoError(t, err)
	require.Equal(t, ZeroHash, hash)
}

func TestReopenPersistsRefs(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s1.CAS(BranchRef("main"), ZeroHash, "persisted"))
	require.NoError(t, s1.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()

	hash, err := s2.Get(BranchRef("main"))
	require.NoError(t, err)
	require.Equal(t, "persisted", hash)
}
