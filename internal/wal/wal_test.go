package wal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestAppendAndReadAll(t *testing.T) {
	l := openTestLog(t)

	recs := []Record{
		{Seq: 1, TxID: uuid.NewString(), Branch: "main", Op: OpPut, DocID: "users:1", DocBytes: []byte(`{"id":"1"}`)},
		{Seq: 2, TxID: uuid.NewString(), Branch: "main", Op: OpDelete, DocID: "users:2"},
	}
	for _, r := range recs {
		require.NoError(t, l.Append(r))
	}

	got, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, recs[0].TxID, got[0].TxID)
	require.Equal(t, recs[0].DocBytes, got[0].DocBytes)
	require.Equal(t, recs[1].Op, got[1].Op)
	require.Nil(t, got[1].DocBytes)
}

func TestPendingFiltersAppliedCheckpoint(t *testing.T) {
	l := openTestLog(t)

	require.NoError(t, l.Append(Record{Seq: 1, TxID: uuid.NewString(), Branch: "main", Op: OpPut, DocID: "a"}))
	require.NoError(t, l.Append(Record{Seq: 2, TxID: uuid.NewString(), Branch: "main", Op: OpPut, DocID: "b"}))

	require.NoError(t, l.Checkpoint(1))

	pending, err := l.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, uint64(2), pending[0].Seq)
}

func TestLastCheckpointDefaultsToZero(t *testing.T) {
	l := openTestLog(t)

	seq, err := l.LastCheckpoint()
	require.NoError(t, err)
	require.Equal(t, uint64(0), seq)
}

func TestTruncateClearsRecords(t *testing.T) {
	l := openTestLog(t)

	require.NoError(t, l.Append(Record{Seq: 1, TxID: uuid.NewString(), Branch: "main", Op: OpPut, DocID: "a"}))
	require.NoError(t, l.Truncate())

	got, err := l.ReadAll()
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestReadAllStopsAtTruncatedTrailingFrame(t *testing.T) {
	l := openTestLog(t)

	require.NoError(t, l.Append(Record{Seq: 1, TxID: uuid.NewString(), Branch: "main", Op: OpPut, DocID: "a", DocBytes: []byte("x")}))

	// simulate a crash mid-append: append a partial frame by hand
	_, err := l.f.Write([]byte{0xFF, 0xFF, 0xFF, 0x00})
	require.NoError(t, err)
	require.NoError(t, l.f.Sync())

	got, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, got, 1, "only the complete leading frame should be returned")
}

func TestCheckpointSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	l1, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, l1.Checkpoint(42))
	require.NoError(t, l1.Close())

	l2, err := Open(dir)
	require.NoError(t, err)
	defer l2.Close()

	seq, err := l2.LastCheckpoint()
	require.NoError(t, err)
	require.Equal(t, uint64(42), seq)
}

func TestCleanStaleLocksRemovesOldLocksOnly(t *testing.T) {
	dir := t.TempDir()

	oldLock := filepath.Join(dir, "old.lock")
	newLock := filepath.Join(dir, "new.lock")
	require.NoError(t, os.WriteFile(oldLock, nil, 0o600))
	require.NoError(t, os.WriteFile(newLock, nil, 0o600))

	oldTime := time.Now().Add(-2 * time.Minute)
	require.NoError(t, os.Chtimes(oldLock, oldTime, oldTime))

	require.NoError(t, CleanStaleLocks([]string{dir}, 60*time.Second))

	_, err := os.Stat(oldLock)
	require.True(t, os.IsNotExist(err))

	_, err = os.Stat(newLock)
	require.NoError(t, err)
}
