// Package commitengine implements apply(): the single operation
// that turns a change-set into a new commit on a branch, durably and
// atomically. Every document write in ChronDB, regardless of which
// protocol adapter originated it, funnels through Engine.Apply.
package commitengine

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-git/go-git/v6/plumbing"
	"github.com/google/uuid"

	"github.com/moclojer/chrondb-sub001/internal/docid"
	"github.com/moclojer/chrondb-sub001/internal/metrics"
	"github.com/moclojer/chrondb-sub001/internal/notes"
	"github.com/moclojer/chrondb-sub001/internal/objstore"
	"github.com/moclojer/chrondb-sub001/internal/occ"
	"github.com/moclojer/chrondb-sub001/internal/refstore"
	"github.com/moclojer/chrondb-sub001/internal/txctx"
	"github.com/moclojer/chrondb-sub001/internal/wal"
)

// Kind is the operation a single DocChange performs.
type Kind int

const (
	Put Kind = iota
	Delete
)

// DocChange is one document mutation within a change-set passed to Apply.
type DocChange struct {
	Table string
	ID    string
	Kind  Kind
	Doc   docid.Document // ignored when Kind is Delete
}

// Result is what a successful Apply produced.
type Result struct {
	CommitID    plumbing.Hash
	TreeID      plumbing.Hash
	ParentID    plumbing.Hash
	Paths       []string
	NoteWritten bool
}

// Engine ties the object store, ref store, WAL, and notes sidecar
// together behind the repo lock.
type Engine struct {
	objects *objstore.Store
	refs    *refstore.Store
	wal     *wal.Log
	sidecar *notes.Sidecar
	lock    *occ.RepoLock
	ident   objstore.Identity

	seq atomic.Uint64

	batchMu sync.Mutex
	batch   map[string]bool // branch -> push deferred while batch is open
}

// New builds an Engine over already-open collaborators.
func New(objects *objstore.Store, refs *refstore.Store, log *wal.Log, sidecar *notes.Sidecar, lock *occ.RepoLock) *Engine {
	return &Engine{
		objects: objects,
		refs:    refs,
		wal:     log,
		sidecar: sidecar,
		lock:    lock,
		ident:   objstore.Identity{Name: "chrondb", Email: "chrondb@local"},
		batch:   make(map[string]bool),
	}
}

// SeedSeq initializes the WAL sequence counter from recovered on-disk
// state, keeping sequence numbers (and therefore the checkpoint)
// monotone across process restarts.
func (e *Engine) SeedSeq(seq uint64) {
	e.seq.Store(seq)
}

// Seq reports the last WAL sequence number this engine assigned.
func (e *Engine) Seq() uint64 {
	return e.seq.Load()
}

// SetIdentity overrides the default committer identity commits are
// stamped with (the committer.name/committer.email config options).
func (e *Engine) SetIdentity(name, email string) {
	if name != "" {
		e.ident.Name = name
	}
	if email != "" {
		e.ident.Email = email
	}
}

// Apply runs the full apply() pipeline for one change-set against one
// branch, returning the new commit.
func (e *Engine) Apply(branch string, changes []DocChange, tx txctx.Context) (Result, error) {
	start := time.Now()

	var result Result
	err := e.lock.WithLock(func() error {
		r, err := e.applyLocked(branch, changes, tx)
		result = r
		return err
	})

	status := metrics.StatusOK
	if err != nil {
		status = metrics.StatusError
	}
	metrics.Commits.WithLabelValues(branch, "apply", status).Inc()
	metrics.CommitDuration.WithLabelValues(branch, status).Observe(time.Since(start).Seconds())

	return result, err
}

// applyLocked runs the commit pipeline under the repo lock, retrying the
// tip-read-through-CAS sequence up to occ.RetryBudget times when a racing
// writer in this process wins the branch ref race first.
func (e *Engine) applyLocked(branch string, changes []DocChange, tx txctx.Context) (Result, error) {
	if len(changes) == 0 {
		return Result{}, fmt.Errorf("commitengine: empty change-set")
	}

	ref := refstore.BranchRef(branch)

	var lastErr error
	for attempt := 0; attempt < occ.RetryBudget; attempt++ {
		tipHex, err := e.refs.Get(ref)
		if err != nil {
			return Result{}, fmt.Errorf("commitengine: read tip: %w", err)
		}

		var tip plumbing.Hash
		var tipTree plumbing.Hash
		var parents []plumbing.Hash
		if tipHex != refstore.ZeroHash {
			tip = plumbing.NewHash(tipHex)
			tipCommit, err := e.objects.Commit(tip)
			if err != nil {
				return Result{}, fmt.Errorf("commitengine: read tip commit: %w", err)
			}
			tipTree = tipCommit.TreeHash
			parents = []plumbing.Hash{tip}
		} else {
			tipTree = e.objects.EmptyTree()
		}

		objChanges, paths, err := e.buildChanges(changes)
		if err != nil {
			return Result{}, err
		}

		newTree, err := e.objects.ApplyChanges(tipTree, objChanges)
		if err != nil {
			return Result{}, fmt.Errorf("commitengine: apply tree changes: %w", err)
		}

		message := tx.Message
		if message == "" {
			message = commitMessage(changes)
		}
		ident := e.ident
		if tx.Actor != "" {
			ident.Name = tx.Actor
		}
		newCommit, err := e.objects.NewCommit(newTree, parents, ident, message, time.Now())
		if err != nil {
			return Result{}, fmt.Errorf("commitengine: write commit: %w", err)
		}

		if err := e.appendWAL(branch, changes, tx); err != nil {
			return Result{}, fmt.Errorf("commitengine: wal append: %w", err)
		}

		if err := e.refs.CAS(ref, tipHex, newCommit.String()); err != nil {
			lastErr = err
			continue // branch moved since we read the tip; retry from the top
		}

		noteWritten := true
		if err := e.writeNote(newCommit, tx); err != nil {
			noteWritten = false
			slog.Default().Warn("notes sidecar write failed", "commit", newCommit.String(), "err", err)
		}

		// the ref has advanced, so every record this apply appended is
		// durably applied; move the checkpoint forward. Failure here only
		// costs a redundant replay on the next startup.
		if err := e.wal.Checkpoint(e.seq.Load()); err != nil {
			slog.Default().Warn("wal checkpoint advance failed", "err", err)
		}

		return Result{
			CommitID:    newCommit,
			TreeID:      newTree,
			ParentID:    tip,
			Paths:       paths,
			NoteWritten: noteWritten,
		}, nil
	}

	return Result{}, occ.ExhaustedRetries(branch, lastErr)
}

func (e *Engine) buildChanges(changes []DocChange) ([]objstore.Change, []string, error) {
	objChanges := make([]objstore.Change, 0, len(changes))
	paths := make([]string, 0, len(changes))

	for _, c := range changes {
		path := docid.Path(c.Table, c.ID)
		paths = append(paths, path)

		if c.Kind == Delete {
			objChanges = append(objChanges, objstore.Change{Path: path, Delete: true})
			continue
		}

		doc := c.Doc
		if doc == nil {
			doc = docid.Document{}
		}
		doc.Normalize(c.Table, c.ID)

		body, err := docid.Encode(doc)
		if err != nil {
			return nil, nil, err
		}
		blob, err := e.objects.PutBlob(body)
		if err != nil {
			return nil, nil, fmt.Errorf("commitengine: put blob: %w", err)
		}
		objChanges = append(objChanges, objstore.Change{Path: path, Blob: blob})
	}

	return objChanges, paths, nil
}

func (e *Engine) appendWAL(branch string, changes []DocChange, tx txctx.Context) error {
	for _, c := range changes {
		seq := e.seq.Add(1)
		rec := wal.Record{
			Seq:    seq,
			TxID:   tx.TxID,
			Branch: branch,
			DocID:  docid.Path(c.Table, c.ID),
		}
		if rec.TxID == "" {
			rec.TxID = uuid.NewString()
		}

		if c.Kind == Delete {
			rec.Op = wal.OpDelete
		} else {
			rec.Op = wal.OpPut
			doc := c.Doc
			if doc == nil {
				doc = docid.Document{}
			}
			doc.Normalize(c.Table, c.ID)
			body, err := docid.Encode(doc)
			if err != nil {
				return err
			}
			rec.DocBytes = body
		}

		status := metrics.StatusOK
		if err := e.wal.Append(rec); err != nil {
			status = metrics.StatusError
			metrics.WALAppends.WithLabelValues(opName(rec.Op), status).Inc()
			return err
		}
		metrics.WALAppends.WithLabelValues(opName(rec.Op), status).Inc()
	}
	return nil
}

func opName(op wal.Op) string {
	if op == wal.OpDelete {
		return "delete"
	}
	return "put"
}

func (e *Engine) writeNote(commitID plumbing.Hash, tx txctx.Context) error {
	origin := string(tx.Origin)
	if origin == "" {
		origin = string(txctx.OriginInternal)
	}
	rec := notes.Record{
		TxID:      tx.TxID,
		Origin:    origin,
		User:      tx.Actor,
		Flags:     tx.Flags,
		Metadata:  tx.Metadata,
		StartedAt: time.Now(),
		Status:    string(txctx.StatusCommitted),
	}
	if rec.TxID == "" {
		rec.TxID = uuid.NewString()
	}
	return e.sidecar.Put(commitID, rec)
}

func commitMessage(changes []DocChange) string {
	msg := ""
	for i, c := range changes {
		if i > 0 {
			msg += "; "
		}
		switch c.Kind {
		case Delete:
			msg += fmt.Sprintf("delete %s:%s", c.Table, c.ID)
		default:
			msg += fmt.Sprintf("put %s:%s", c.Table, c.ID)
		}
	}
	return msg
}

// BeginBatch marks branch as batching: remote pushes triggered by Apply
// are deferred until EndBatch.
func (e *Engine) BeginBatch(branch string) {
	e.batchMu.Lock()
	defer e.batchMu.Unlock()
	e.batch[branch] = true
}

// EndBatch clears batching for branch and reports whether a batching scope
// was open on it, so the caller (the chrondb facade) knows whether a
// deferred push is now due.
func (e *Engine) EndBatch(branch string) (pushDue bool) {
	e.batchMu.Lock()
	defer e.batchMu.Unlock()
	pushDue = e.batch[branch]
	delete(e.batch, branch)
	return pushDue
}

// InBatch reports whether branch currently has an open batching scope.
func (e *Engine) InBatch(branch string) bool {
	e.batchMu.Lock()
	defer e.batchMu.Unlock()
	return e.batch[branch]
}
