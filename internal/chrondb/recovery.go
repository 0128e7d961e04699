package chrondb

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-git/go-git/v6/plumbing"

	"github.com/moclojer/chrondb-sub001/internal/chronerr"
	"github.com/moclojer/chrondb-sub001/internal/commitengine"
	"github.com/moclojer/chrondb-sub001/internal/docid"
	"github.com/moclojer/chrondb-sub001/internal/index"
	"github.com/moclojer/chrondb-sub001/internal/objstore"
	"github.com/moclojer/chrondb-sub001/internal/refstore"
	"github.com/moclojer/chrondb-sub001/internal/txctx"
	"github.com/moclojer/chrondb-sub001/internal/wal"
)

// staleLockAge is how old an orphaned *.lock file must be before the
// startup sweep removes it.
const staleLockAge = 60 * time.Second

// recoverWAL is the startup recovery sequence: scan the log for records
// past the checkpoint, sweep stale lock files, replay every record whose
// effect never reached its branch, then advance the checkpoint and
// truncate the applied log. Replay is idempotent: a record whose document
// already matches the branch tip is skipped, so running recovery twice
// changes nothing.
func recoverWAL(log *wal.Log, engine *commitengine.Engine, objects *objstore.Store, refs *refstore.Store, idx *index.Engine, dataPath, indexPath string) error {
	pending, err := log.Pending()
	if err != nil {
		return err
	}

	// seed the sequence counter past everything on disk so new records
	// and the checkpoint stay monotone across restarts
	seed, err := log.LastCheckpoint()
	if err != nil {
		return err
	}
	for _, rec := range pending {
		if rec.Seq > seed {
			seed = rec.Seq
		}
	}
	engine.SeedSeq(seed)

	if err := wal.CleanStaleLocks([]string{dataPath, indexPath}, staleLockAge); err != nil {
		slog.Default().Warn("stale lock sweep failed", "err", err)
	}

	replayed := 0
	for _, rec := range pending {
		applied, err := recordApplied(objects, refs, rec)
		if err != nil {
			return fmt.Errorf("inspect seq %d: %w", rec.Seq, err)
		}
		if applied {
			continue
		}

		change, ok := changeFor(rec)
		if !ok {
			slog.Default().Warn("skipping unreplayable wal record", "seq", rec.Seq, "doc", rec.DocID)
			continue
		}

		tx := txctx.Begin(txctx.OriginInternal, "recovery")
		if rec.TxID != "" {
			tx.TxID = rec.TxID
		}
		tx.Message = fmt.Sprintf("recover %s", rec.DocID)

		if _, err := engine.Apply(rec.Branch, []commitengine.DocChange{change}, tx); err != nil {
			return fmt.Errorf("replay seq %d: %w", rec.Seq, err)
		}
		refreshIndex(idx, rec, change)
		replayed++
	}

	if replayed > 0 {
		slog.Default().Info("wal recovery replayed records", "count", replayed)
	}

	// everything in the log is now applied (replayed or skipped as
	// already present); move the checkpoint past it and reclaim the file
	if err := log.Checkpoint(engine.Seq()); err != nil {
		return err
	}
	return log.Truncate()
}

// recordApplied reports whether rec's effect is already visible at its
// branch tip: for a put, the blob at the document's path holds the same
// bytes; for a delete, the path is absent.
func recordApplied(objects *objstore.Store, refs *refstore.Store, rec wal.Record) (bool, error) {
	tipHex, err := refs.Get(refstore.BranchRef(rec.Branch))
	if err != nil {
		return false, err
	}
	if tipHex == refstore.ZeroHash {
		return rec.Op == wal.OpDelete, nil
	}

	commit, err := objects.Commit(plumbing.NewHash(tipHex))
	if err != nil {
		return false, err
	}
	blobHash, err := objects.ReadPath(commit.TreeHash, rec.DocID)
	if errors.Is(err, chronerr.NotFound) {
		return rec.Op == wal.OpDelete, nil
	}
	if err != nil {
		return false, err
	}
	if rec.Op == wal.OpDelete {
		return false, nil
	}

	body, err := objects.GetBlob(blobHash)
	if err != nil {
		return false, err
	}
	return bytes.Equal(body, rec.DocBytes), nil
}

// changeFor rebuilds the commit-engine change a record described. The
// record stores the document's tree path, so the table/id split is
// reversed from it, including the schema-record namespace.
func changeFor(rec wal.Record) (commitengine.DocChange, bool) {
	table, id, ok := docid.SplitPath(rec.DocID)
	if !ok {
		schemaTable, isSchema := docid.TableFromSchemaPath(rec.DocID)
		if !isSchema {
			return commitengine.DocChange{}, false
		}
		table, id = docid.SchemaTable, schemaTable
	}

	change := commitengine.DocChange{Table: table, ID: id}
	if rec.Op == wal.OpDelete {
		change.Kind = commitengine.Delete
		return change, true
	}

	change.Kind = commitengine.Put
	if rec.DocBytes != nil {
		doc, err := docid.Decode(rec.DocBytes)
		if err != nil {
			return commitengine.DocChange{}, false
		}
		change.Doc = doc
	}
	return change, true
}

// refreshIndex mirrors a replayed change into the search index,
// best-effort: index failures never fail recovery, the same contract
// live writes have.
func refreshIndex(idx *index.Engine, rec wal.Record, change commitengine.DocChange) {
	if idx == nil {
		return
	}
	if change.Kind == commitengine.Delete {
		_ = idx.DeleteDocument(rec.Branch, change.Table, change.ID)
	} else {
		_ = idx.IndexDocument(rec.Branch, change.Table, change.ID, change.Doc)
	}
	idx.RefreshAfterCommit(rec.Branch)
}
