package chrondb

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moclojer/chrondb-sub001/internal/docid"
	"github.com/moclojer/chrondb-sub001/internal/txctx"
	"github.com/moclojer/chrondb-sub001/internal/wal"
)

func TestRecoveryReplaysUncheckpointedRecords(t *testing.T) {
	dataDir, indexDir := t.TempDir(), t.TempDir()

	// simulate a crash after the WAL fsync but before the ref CAS: the
	// record is durable, the commit never landed
	l, err := wal.Open(dataDir)
	require.NoError(t, err)
	body, err := docid.Encode(docid.Document{"id": "9", "_table": "users", "name": "ghost"})
	require.NoError(t, err)
	require.NoError(t, l.Append(wal.Record{
		Seq:      7,
		TxID:     uuid.NewString(),
		Branch:   "main",
		Op:       wal.OpPut,
		DocID:    docid.Path("users", "9"),
		DocBytes: body,
	}))
	require.NoError(t, l.Close())

	db, err := Open(Config{DataPath: dataDir, IndexPath: indexDir, DefaultBranch: "main"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	doc, err := db.Get("main", "users", "9")
	require.NoError(t, err)
	assert.Equal(t, "ghost", doc["name"])

	cp, err := db.WAL.LastCheckpoint()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, cp, uint64(7))

	pending, err := db.WAL.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRecoverySkipsRecordsAlreadyApplied(t *testing.T) {
	dataDir, indexDir := t.TempDir(), t.TempDir()

	db1, err := Open(Config{DataPath: dataDir, IndexPath: indexDir, DefaultBranch: "main"})
	require.NoError(t, err)
	_, err = db1.Put("main", "users", "1", docid.Document{"id": "1", "name": "ana"},
		txctx.Begin(txctx.OriginInternal, "test"))
	require.NoError(t, err)
	require.NoError(t, db1.Close())

	// simulate a crash before the checkpoint advanced: the applied put is
	// still in the log and recovery must recognize it rather than
	// double-apply it
	require.NoError(t, os.Remove(filepath.Join(dataDir, "wal.checkpoint")))

	db2, err := Open(Config{DataPath: dataDir, IndexPath: indexDir, DefaultBranch: "main"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db2.Close() })

	entries, err := db2.History("main", "users", "1")
	require.NoError(t, err)
	require.Len(t, entries, 1, "replaying an applied record must not create a new commit")

	doc, err := db2.Get("main", "users", "1")
	require.NoError(t, err)
	assert.Equal(t, "ana", doc["name"])
}

func TestRecoveryReplaysDeletes(t *testing.T) {
	dataDir, indexDir := t.TempDir(), t.TempDir()

	db1, err := Open(Config{DataPath: dataDir, IndexPath: indexDir, DefaultBranch: "main"})
	require.NoError(t, err)
	_, err = db1.Put("main", "users", "1", docid.Document{"id": "1", "name": "ana"},
		txctx.Begin(txctx.OriginInternal, "test"))
	require.NoError(t, err)
	lastSeq := db1.Engine.Seq()
	require.NoError(t, db1.Close())

	// a delete that reached the WAL but never committed
	l, err := wal.Open(dataDir)
	require.NoError(t, err)
	require.NoError(t, l.Append(wal.Record{
		Seq:    lastSeq + 1,
		TxID:   uuid.NewString(),
		Branch: "main",
		Op:     wal.OpDelete,
		DocID:  docid.Path("users", "1"),
	}))
	require.NoError(t, l.Close())

	db2, err := Open(Config{DataPath: dataDir, IndexPath: indexDir, DefaultBranch: "main"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db2.Close() })

	_, err = db2.Get("main", "users", "1")
	require.Error(t, err)

	entries, err := db2.History("main", "users", "1")
	require.NoError(t, err)
	require.Len(t, entries, 2, "the recovered delete is one new history entry")
	assert.Nil(t, entries[0].Document)
}

func TestRecoverySweepsStaleLockFiles(t *testing.T) {
	dataDir, indexDir := t.TempDir(), t.TempDir()

	stale := filepath.Join(dataDir, "repo.lock")
	require.NoError(t, os.WriteFile(stale, nil, 0o600))
	old := time.Now().Add(-2 * time.Minute)
	require.NoError(t, os.Chtimes(stale, old, old))

	db, err := Open(Config{DataPath: dataDir, IndexPath: indexDir, DefaultBranch: "main"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "stale repo.lock should be swept at startup")

	// and writes still work afterwards
	_, err = db.Put("main", "users", "1", docid.Document{"id": "1"},
		txctx.Begin(txctx.OriginInternal, "test"))
	require.NoError(t, err)
}
