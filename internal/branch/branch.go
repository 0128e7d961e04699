// Package branch implements the Branch Manager: list/create/
// checkout/merge over the ref store, with branch = schema — each branch is
// just another ref pointing into the same commit graph.
package branch

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-git/go-git/v6/plumbing"

	"github.com/moclojer/chrondb-sub001/internal/chronerr"
	"github.com/moclojer/chrondb-sub001/internal/objstore"
	"github.com/moclojer/chrondb-sub001/internal/refstore"
)

// Manager owns repo-wide branch operations. Checkout is intentionally not a
// Manager method: it rebinds a single session's current branch, not
// anything durable, so it lives on Session instead.
type Manager struct {
	objects *objstore.Store
	refs    *refstore.Store
	ident   objstore.Identity
	def     string
}

// New builds a Manager and, if the default branch doesn't exist yet, seeds
// it with a commit over an empty tree.
func New(objects *objstore.Store, refs *refstore.Store, defaultBranch string) (*Manager, error) {
	m := &Manager{
		objects: objects,
		refs:    refs,
		ident:   objstore.Identity{Name: "chrondb", Email: "chrondb@local"},
		def:     defaultBranch,
	}

	ref := refstore.BranchRef(defaultBranch)
	tip, err := refs.Get(ref)
	if err != nil {
		return nil, fmt.Errorf("branch: read default branch: %w", err)
	}
	if tip != refstore.ZeroHash {
		return m, nil
	}

	commit, err := objects.NewCommit(objects.EmptyTree(), nil, m.ident, "initialize "+defaultBranch, time.Now())
	if err != nil {
		return nil, fmt.Errorf("branch: seed default branch: %w", err)
	}
	if err := refs.CAS(ref, refstore.ZeroHash, commit.String()); err != nil {
		return nil, fmt.Errorf("branch: publish seed commit: %w", err)
	}
	return m, nil
}

// Default returns the configured default branch name.
func (m *Manager) Default() string {
	return m.def
}

// List returns every branch name with a ref under refs/heads/.
func (m *Manager) List() ([]string, error) {
	refs, err := m.refs.List("refs/heads/")
	if err != nil {
		return nil, fmt.Errorf("branch: list: %w", err)
	}
	names := make([]string, 0, len(refs))
	for name := range refs {
		names = append(names, strings.TrimPrefix(name, "refs/heads/"))
	}
	return names, nil
}

// Create makes a new branch ref pointing at from's current tip (the
// default branch's tip when from is ""). Returns chronerr.Conflict if name
// already exists.
func (m *Manager) Create(name, from string) error {
	if from == "" {
		from = m.def
	}

	fromTip, err := m.refs.Get(refstore.BranchRef(from))
	if err != nil {
		return fmt.Errorf("branch: read source %q: %w", from, err)
	}
	if fromTip == refstore.ZeroHash {
		return fmt.Errorf("%w: source branch %q has no commits", chronerr.NotFound, from)
	}

	newRef := refstore.BranchRef(name)
	existing, err := m.refs.Get(newRef)
	if err != nil {
		return fmt.Errorf("branch: check existing %q: %w", name, err)
	}
	if existing != refstore.ZeroHash {
		return fmt.Errorf("%w: branch %q already exists", chronerr.Conflict, name)
	}

	if err := m.refs.CAS(newRef, refstore.ZeroHash, fromTip); err != nil {
		return fmt.Errorf("branch: create %q: %w", name, err)
	}
	return nil
}

// Drop removes a branch ref. The default branch can never be dropped.
func (m *Manager) Drop(name string) error {
	if name == m.def {
		return fmt.Errorf("%w: cannot drop default branch %q", chronerr.Conflict, name)
	}
	return m.refs.Delete(refstore.BranchRef(name))
}

// Tip returns a branch's current commit hash, or plumbing.ZeroHash if the
// branch has no commits yet.
func (m *Manager) Tip(name string) (plumbing.Hash, error) {
	hex, err := m.refs.Get(refstore.BranchRef(name))
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if hex == refstore.ZeroHash {
		return plumbing.ZeroHash, nil
	}
	return plumbing.NewHash(hex), nil
}

// Merge fast-forwards dst to src's tip when src is reachable from dst's
// would-be future (dst is an ancestor of src), fast-forwards trivially
// when dst already contains src (src is an ancestor of dst), and otherwise
// returns chronerr.Conflict without touching any ref (fast-forward
// only).
func (m *Manager) Merge(src, dst string) error {
	srcRef, dstRef := refstore.BranchRef(src), refstore.BranchRef(dst)

	srcHex, err := m.refs.Get(srcRef)
	if err != nil {
		return fmt.Errorf("branch: read %q: %w", src, err)
	}
	dstHex, err := m.refs.Get(dstRef)
	if err != nil {
		return fmt.Errorf("branch: read %q: %w", dst, err)
	}

	if srcHex == dstHex {
		return nil
	}
	srcTip, dstTip := plumbing.NewHash(srcHex), plumbing.NewHash(dstHex)

	if dstHex == refstore.ZeroHash {
		// dst has no commits yet: fast-forwarding onto src is unconditional.
		return m.refs.CAS(dstRef, dstHex, srcHex)
	}

	srcIsAncestorOfDst, err := m.isAncestor(srcTip, dstTip)
	if err != nil {
		return fmt.Errorf("branch: ancestry check: %w", err)
	}
	if srcIsAncestorOfDst {
		return nil // dst already contains everything src has
	}

	dstIsAncestorOfSrc, err := m.isAncestor(dstTip, srcTip)
	if err != nil {
		return fmt.Errorf("branch: ancestry check: %w", err)
	}
	if dstIsAncestorOfSrc {
		return m.refs.CAS(dstRef, dstHex, srcHex)
	}

	return fmt.Errorf("%w: %q and %q have diverged", chronerr.Conflict, src, dst)
}

// isAncestor reports whether candidate is an ancestor of (or equal to) of,
// via go-git's own full-parent ancestry walk rather than a hand-rolled one.
func (m *Manager) isAncestor(candidate, of plumbing.Hash) (bool, error) {
	if candidate == of {
		return true, nil
	}

	candidateCommit, err := m.objects.Commit(candidate)
	if err != nil {
		return false, err
	}
	ofCommit, err := m.objects.Commit(of)
	if err != nil {
		return false, err
	}

	return candidateCommit.IsAncestor(ofCommit)
}

// Session holds one client connection's current branch, rebound by
// Checkout without touching any durable state; branch selection is a
// per-connection concern, not a repository-wide one.
type Session struct {
	manager *Manager
	current string
}

// NewSession starts a session on the manager's default branch.
func NewSession(m *Manager) *Session {
	return &Session{manager: m, current: m.def}
}

// Current returns the session's active branch name.
func (s *Session) Current() string {
	return s.current
}

// Checkout rebinds the session's active branch, failing if name has no
// ref yet.
func (s *Session) Checkout(name string) error {
	tip, err := s.manager.refs.Get(refstore.BranchRef(name))
	if err != nil {
		return fmt.Errorf("branch: checkout %q: %w", name, err)
	}
	if tip == refstore.ZeroHash {
		return fmt.Errorf("%w: branch %q does not exist", chronerr.NotFound, name)
	}
	s.current = name
	return nil
}
