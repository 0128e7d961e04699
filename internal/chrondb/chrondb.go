// Package chrondb is the module's internal/foundation analogue: it wires
// C1-C17 into a single *DB that the three protocol adapters call. Nothing
// below this package knows about REST, RESP, or the Postgres wire
// protocol; everything above it talks only to *DB.
package chrondb

import (
	"fmt"

	"github.com/go-git/go-git/v6/plumbing"

	"github.com/moclojer/chrondb-sub001/internal/branch"
	"github.com/moclojer/chrondb-sub001/internal/commitengine"
	"github.com/moclojer/chrondb-sub001/internal/docid"
	"github.com/moclojer/chrondb-sub001/internal/history"
	"github.com/moclojer/chrondb-sub001/internal/index"
	"github.com/moclojer/chrondb-sub001/internal/notes"
	"github.com/moclojer/chrondb-sub001/internal/objstore"
	"github.com/moclojer/chrondb-sub001/internal/occ"
	"github.com/moclojer/chrondb-sub001/internal/planner"
	"github.com/moclojer/chrondb-sub001/internal/refstore"
	"github.com/moclojer/chrondb-sub001/internal/remote"
	"github.com/moclojer/chrondb-sub001/internal/schema"
	"github.com/moclojer/chrondb-sub001/internal/temporal"
	"github.com/moclojer/chrondb-sub001/internal/txctx"
	"github.com/moclojer/chrondb-sub001/internal/wal"
)

// Config is the subset of the recognized configuration options that
// govern opening a DB.
type Config struct {
	DataPath          string
	IndexPath         string
	DefaultBranch     string
	CommitterName     string
	CommitterEmail    string
	RemoteURL         string
	RemotePushEnabled bool
}

// DB bundles every collaborator an open repository needs; it is the value
// an internal/registry slot holds.
type DB struct {
	Objects  *objstore.Store
	Refs     *refstore.Store
	WAL      *wal.Log
	Notes    *notes.Sidecar
	Lock     *occ.RepoLock
	Engine   *commitengine.Engine
	Index    *index.Engine
	Walker   *history.Walker
	Branch   *branch.Manager
	Session  *branch.Session
	Remote   *remote.Transport
	Schema   *schema.Store
	Planner  *planner.Planner
	Temporal *temporal.Accessor
}

// Open builds and wires every collaborator for one on-disk instance.
// Callers normally reach this through internal/registry rather than
// calling Open directly, so two opens of the same data_path share one DB.
func Open(cfg Config) (*DB, error) {
	objects, err := objstore.Open(cfg.DataPath)
	if err != nil {
		return nil, fmt.Errorf("chrondb: open object store: %w", err)
	}

	refs, err := refstore.Open(cfg.DataPath)
	if err != nil {
		return nil, fmt.Errorf("chrondb: open ref store: %w", err)
	}

	log, err := wal.Open(cfg.DataPath)
	if err != nil {
		return nil, fmt.Errorf("chrondb: open wal: %w", err)
	}

	sidecar := notes.New(objects, refs)
	lock := occ.NewRepoLock(cfg.DataPath)
	engine := commitengine.New(objects, refs, log, sidecar, lock)
	engine.SetIdentity(cfg.CommitterName, cfg.CommitterEmail)

	idx, err := index.New(cfg.IndexPath)
	if err != nil {
		return nil, fmt.Errorf("chrondb: open index engine: %w", err)
	}

	defaultBranch := cfg.DefaultBranch
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	branchMgr, err := branch.New(objects, refs, defaultBranch)
	if err != nil {
		return nil, fmt.Errorf("chrondb: init branch manager: %w", err)
	}

	// startup recovery: replay WAL records that never reached their
	// branch ref, advance the checkpoint, and sweep stale lock files
	if err := recoverWAL(log, engine, objects, refs, idx, cfg.DataPath, cfg.IndexPath); err != nil {
		return nil, fmt.Errorf("chrondb: wal recovery: %w", err)
	}

	walker := history.New(objects)
	pln := planner.New(objects, refs, idx)
	schemaStore := schema.New(objects, refs, engine)
	temporalAccessor := temporal.New(refs, walker, engine)

	transport := remote.New(objects, refs, cfg.RemoteURL != "" && cfg.RemotePushEnabled)
	if cfg.RemoteURL != "" {
		if err := transport.EnsureRemote("origin", cfg.RemoteURL); err != nil {
			return nil, fmt.Errorf("chrondb: configure remote: %w", err)
		}
	}

	return &DB{
		Objects:  objects,
		Refs:     refs,
		WAL:      log,
		Notes:    sidecar,
		Lock:     lock,
		Engine:   engine,
		Index:    idx,
		Walker:   walker,
		Branch:   branchMgr,
		Session:  branch.NewSession(branchMgr),
		Remote:   transport,
		Schema:   schemaStore,
		Planner:  pln,
		Temporal: temporalAccessor,
	}, nil
}

// Close releases every handle Open acquired.
func (db *DB) Close() error {
	var firstErr error
	if err := db.Index.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := db.WAL.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := db.Refs.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Put writes doc at table:id on branch through the commit engine, then
// indexes it, never the other way around (the index is eventual; a
// commit always lands first).
func (db *DB) Put(branchName, table, id string, doc docid.Document, tx txctx.Context) (commitengine.Result, error) {
	res, err := db.Engine.Apply(branchName, []commitengine.DocChange{
		{Table: table, ID: id, Kind: commitengine.Put, Doc: doc},
	}, tx)
	if err != nil {
		return res, err
	}
	// index failures never abort the user's commit; the index is eventual
	if idxErr := db.Index.IndexDocument(branchName, table, id, doc); idxErr == nil {
		db.Index.RefreshAfterCommit(branchName)
	}
	db.deferredPush(branchName)
	return res, nil
}

// Get reads table:id's current document on branch.
func (db *DB) Get(branchName, table, id string) (docid.Document, error) {
	tree, err := db.branchTree(branchName)
	if err != nil {
		return nil, err
	}
	blobHash, err := db.Objects.ReadPath(tree, docid.Path(table, id))
	if err != nil {
		return nil, err
	}
	body, err := db.Objects.GetBlob(blobHash)
	if err != nil {
		return nil, err
	}
	return docid.Decode(body)
}

// Delete removes table:id on branch, through the same commit path as Put.
func (db *DB) Delete(branchName, table, id string, tx txctx.Context) (commitengine.Result, error) {
	res, err := db.Engine.Apply(branchName, []commitengine.DocChange{
		{Table: table, ID: id, Kind: commitengine.Delete},
	}, tx)
	if err != nil {
		return res, err
	}
	if idxErr := db.Index.DeleteDocument(branchName, table, id); idxErr == nil {
		db.Index.RefreshAfterCommit(branchName)
	}
	db.deferredPush(branchName)
	return res, nil
}

// History returns table:id's full change history on branch.
func (db *DB) History(branchName, table, id string) ([]history.Entry, error) {
	tip, err := db.Branch.Tip(branchName)
	if err != nil {
		return nil, err
	}
	return db.Walker.History(tip, table, id)
}

// GetAt resolves table:id as of branchOrCommit.
func (db *DB) GetAt(branchOrCommit, table, id string) (docid.Document, error) {
	return db.Temporal.GetAt(branchOrCommit, table, id)
}

// Restore writes table:id's version at commitID back onto branch as a new
// commit.
func (db *DB) Restore(branchName, table, id, commitID string) (commitengine.Result, error) {
	res, err := db.Temporal.Restore(branchName, table, id, commitID)
	if err != nil {
		return res, err
	}
	if doc, getErr := db.Get(branchName, table, id); getErr == nil {
		_ = db.Index.IndexDocument(branchName, table, id, doc)
		db.Index.RefreshAfterCommit(branchName)
	}
	db.deferredPush(branchName)
	return res, nil
}

// Diff computes the one-level-deep field diff between two commits of
// table:id.
func (db *DB) Diff(table, id, c1, c2 string) (temporal.Diff, error) {
	return db.Temporal.DiffAt(table, id, c1, c2)
}

// Search runs a planner request against branch and returns matching
// documents.
func (db *DB) Search(req planner.Request) (planner.Result, error) {
	return db.Planner.Plan(req)
}

// CreateBranch creates name from from (defaulting to the default branch).
func (db *DB) CreateBranch(name, from string) error {
	return db.Branch.Create(name, from)
}

// Checkout rebinds the session's current branch.
func (db *DB) Checkout(name string) error {
	return db.Session.Checkout(name)
}

// Merge fast-forwards dst to src, or returns Conflict if they diverged.
func (db *DB) Merge(src, dst string) error {
	return db.Branch.Merge(src, dst)
}

// CreateTable writes a schema record for name on branch.
func (db *DB) CreateTable(branchName, name string, cols []schema.Column, ifNotExists bool) error {
	return db.Schema.CreateTable(branchName, name, cols, ifNotExists)
}

// DropTable removes name's schema record on branch.
func (db *DB) DropTable(branchName, name string, ifExists bool) error {
	return db.Schema.DropTable(branchName, name, ifExists)
}

// ListTables returns every table name visible on branch.
func (db *DB) ListTables(branchName string) ([]string, error) {
	return db.Schema.ListTables(branchName)
}

// Describe returns name's schema record or an inferred one.
func (db *DB) Describe(branchName, name string) (schema.Record, error) {
	return db.Schema.Describe(branchName, name)
}

// BeginBatch defers remote pushes on branch until EndBatch.
func (db *DB) BeginBatch(branchName string) {
	db.Engine.BeginBatch(branchName)
}

// EndBatch closes a batching scope, pushing branch if a scope was open on
// it and a remote is configured.
func (db *DB) EndBatch(branchName string) (remote.PushResult, error) {
	if !db.Engine.EndBatch(branchName) {
		return remote.Skipped, nil
	}
	return db.Remote.Push("origin", branchName, false)
}

// Fetch pulls remote-tracking refs for "origin" without updating any
// local branch.
func (db *DB) Fetch() error {
	return db.Remote.Fetch("origin")
}

// Push pushes branch to "origin", deferring if a batch scope is open.
func (db *DB) Push(branchName string) (remote.PushResult, error) {
	return db.Remote.Push("origin", branchName, db.Engine.InBatch(branchName))
}

// Pull fast-forwards branch's local ref from "origin".
func (db *DB) Pull(branchName string) error {
	return db.Remote.Pull("origin", branchName)
}

func (db *DB) branchTree(branchName string) (plumbing.Hash, error) {
	hex, err := db.Refs.Get(refstore.BranchRef(branchName))
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if hex == refstore.ZeroHash {
		return db.Objects.EmptyTree(), nil
	}
	commit, err := db.Objects.Commit(plumbing.NewHash(hex))
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return commit.TreeHash, nil
}

func (db *DB) deferredPush(branchName string) {
	if db.Engine.InBatch(branchName) {
		return
	}
	if _, err := db.Remote.Push("origin", branchName, false); err != nil {
		// remote push failures never roll back a local commit
		_ = err
	}
}
