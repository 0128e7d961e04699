package notes

import (
	"testing"
	"time"

	"github.com/go-git/go-git/v6/plumbing"
	"github.com/stretchr/testify/require"

	"github.com/moclojer/chrondb-sub001/internal/chronerr"
	"github.com/moclojer/chrondb-sub001/internal/objstore"
	"github.com/moclojer/chrondb-sub001/internal/refstore"
)

func newTestSidecar(t *testing.T) *Sidecar {
	t.Helper()
	objects, err := objstore.Open(t.TempDir())
	require.NoError(t, err)
	refs, err := refstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = refs.Close() })
	return New(objects, refs)
}

func TestPutGetNoteRoundTrip(t *testing.T) {
	s := newTestSidecar(t)

	commitID := plumbing.NewHash("0000000000000000000000000000000000000001")
	rec := Record{
		TxID:      "tx-1",
		Origin:    "rest",
		User:      "alice",
		StartedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Status:    "committed",
	}

	require.NoError(t, s.Put(commitID, rec))

	got, err := s.Get(commitID)
	require.NoError(t, err)
	require.Equal(t, rec.TxID, got.TxID)
	require.Equal(t, rec.User, got.User)
	require.Equal(t, rec.Status, got.Status)
}

func TestGetNoteAbsentIsNotFound(t *testing.T) {
	s := newTestSidecar(t)

	_, err := s.Get(plumbing.NewHash("0000000000000000000000000000000000000002"))
	require.ErrorIs(t, err, chronerr.NotFound)
}

func TestPutMultipleNotesChainsCommits(t *testing.T) {
	s := newTestSidecar(t)

	c1 := plumbing.NewHash("0000000000000000000000000000000000000001")
	c2 := plumbing.NewHash("0000000000000000000000000000000000000002")

	require.NoError(t, s.Put(c1, Record{TxID: "tx-1", Status: "committed"}))
	require.NoError(t, s.Put(c2, Record{TxID: "tx-2", Status: "committed"}))

	got1, err := s.Get(c1)
	require.NoError(t, err)
	require.Equal(t, "tx-1", got1.TxID)

	got2, err := s.Get(c2)
	require.NoError(t, err)
	require.Equal(t, "tx-2", got2.TxID)
}
