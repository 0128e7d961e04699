// Package remote implements the Remote Transport: fetch/push/pull
// against a regular git remote, carrying both the branch ref and the
// notes sidecar ref.
package remote

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/config"
	"github.com/go-git/go-git/v6/plumbing"
	"github.com/go-git/go-git/v6/plumbing/transport"
	gitssh "github.com/go-git/go-git/v6/plumbing/transport/ssh"
	"golang.org/x/crypto/ssh"

	"github.com/moclojer/chrondb-sub001/internal/chronerr"
	"github.com/moclojer/chrondb-sub001/internal/objstore"
	"github.com/moclojer/chrondb-sub001/internal/refstore"
)

// PushResult is the outcome of a push attempt.
type PushResult string

const (
	Pushed   PushResult = "pushed"
	Skipped  PushResult = "skipped"
	Deferred PushResult = "deferred"
	Failed   PushResult = "failed"
)

// sshInit lazily initializes the ssh agent auth method at most once per
// process, the first time any remote URL requires it.
var (
	sshOnce sync.Once
	sshAuth transport.AuthMethod
	sshErr  error
)

func sshAuthMethod() (transport.AuthMethod, error) {
	sshOnce.Do(func() {
		auth, err := gitssh.NewSSHAgentAuth("git")
		if err != nil {
			sshErr = fmt.Errorf("remote: ssh agent init: %w", err)
			return
		}
		auth.HostKeyCallback = ssh.InsecureIgnoreHostKey()
		sshAuth = auth
	})
	return sshAuth, sshErr
}

// Transport pushes/fetches/pulls a repository's branch and notes refs
// against a named remote.
type Transport struct {
	repo    *git.Repository
	objects *objstore.Store
	refs    *refstore.Store

	mu        sync.Mutex
	enabled   bool
	pushNotes bool
}

// New builds a Transport over an already-open object/ref store pair.
// enabled gates push (a disabled transport reports Skipped).
func New(objects *objstore.Store, refs *refstore.Store, enabled bool) *Transport {
	return &Transport{
		repo:      objects.Repository(),
		objects:   objects,
		refs:      refs,
		enabled:   enabled,
		pushNotes: true,
	}
}

// SetPushNotes toggles whether Push carries the notes ref along with the
// branch ref (the remote.push_notes config option).
func (t *Transport) SetPushNotes(pushNotes bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pushNotes = pushNotes
}

func (t *Transport) notesIncluded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pushNotes
}

// SetEnabled toggles whether Push actually pushes or reports Skipped.
func (t *Transport) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *Transport) isEnabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// EnsureRemote creates (or updates) a named remote's URL, adding it to the
// repository config if absent.
func (t *Transport) EnsureRemote(name, urlStr string) error {
	_, err := t.repo.Remote(name)
	if err == nil {
		return nil
	}
	_, err = t.repo.CreateRemote(&config.RemoteConfig{
		Name: name,
		URLs: []string{urlStr},
	})
	if err != nil {
		return chronerr.Remote(chronerr.RemoteTransport, err)
	}
	return nil
}

func authFor(urlStr string) (transport.AuthMethod, error) {
	if strings.HasPrefix(urlStr, "ssh://") || strings.Contains(urlStr, "@") && !strings.Contains(urlStr, "://") {
		return sshAuthMethod()
	}
	if u, err := url.Parse(urlStr); err == nil && u.Scheme == "ssh" {
		return sshAuthMethod()
	}
	return nil, nil
}

// Fetch pulls new objects and ref updates from remote without moving any
// local branch ref.
func (t *Transport) Fetch(remoteName string) error {
	r, err := t.repo.Remote(remoteName)
	if err != nil {
		return chronerr.Remote(chronerr.RemoteTransport, err)
	}

	var auth transport.AuthMethod
	if len(r.Config().URLs) > 0 {
		auth, err = authFor(r.Config().URLs[0])
		if err != nil {
			return chronerr.Remote(chronerr.RemoteAuth, err)
		}
	}

	err = r.Fetch(&git.FetchOptions{Auth: auth})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return chronerr.Remote(chronerr.RemoteTransport, err)
	}
	return nil
}

// Push force-pushes refs/heads/<branch> and refs/notes/chrondb to remote.
// It returns Skipped without contacting the network when transport is
// disabled, and Deferred (also without contacting the network) when
// inBatch reports the branch is mid-batch.
func (t *Transport) Push(remoteName, branch string, inBatch bool) (PushResult, error) {
	if !t.isEnabled() {
		return Skipped, nil
	}
	if inBatch {
		return Deferred, nil
	}

	r, err := t.repo.Remote(remoteName)
	if err != nil {
		return Failed, chronerr.Remote(chronerr.RemoteTransport, err)
	}

	var auth transport.AuthMethod
	if len(r.Config().URLs) > 0 {
		auth, err = authFor(r.Config().URLs[0])
		if err != nil {
			return Failed, chronerr.Remote(chronerr.RemoteAuth, err)
		}
	}

	branchRef := refstore.BranchRef(branch)
	// go-git pushes from its own ref backend; copy the bbolt tips there first
	mirror := []string{branchRef}
	if t.notesIncluded() {
		mirror = append(mirror, refstore.NotesRef)
	}
	for _, name := range mirror {
		if hex, err := t.refs.Get(name); err != nil {
			return Failed, fmt.Errorf("remote: read %s: %w", name, err)
		} else if hex != refstore.ZeroHash {
			ref := plumbing.NewHashReference(plumbing.ReferenceName(name), plumbing.NewHash(hex))
			if err := t.repo.Storer.SetReference(ref); err != nil {
				return Failed, chronerr.Remote(chronerr.RemoteTransport, err)
			}
		}
	}
	specs := []config.RefSpec{
		config.RefSpec(fmt.Sprintf("+%s:%s", branchRef, branchRef)),
	}
	if t.notesIncluded() {
		specs = append(specs, config.RefSpec(fmt.Sprintf("+%s:%s", refstore.NotesRef, refstore.NotesRef)))
	}

	err = r.Push(&git.PushOptions{RemoteName: remoteName, RefSpecs: specs, Auth: auth, Force: true})
	if err == git.NoErrAlreadyUpToDate {
		return Pushed, nil
	}
	if err != nil {
		return Failed, chronerr.Remote(chronerr.RemoteTransport, err)
	}
	return Pushed, nil
}

// Pull is fetch followed by a fast-forward-only update of branch's local
// ref to the fetched remote tracking ref. It never attempts a three-way
// merge: a diverged history is reported as RemoteDiverged.
func (t *Transport) Pull(remoteName, branch string) error {
	if err := t.Fetch(remoteName); err != nil {
		return err
	}

	// Fetch lands remote-tracking refs in the object store's own git
	// reference backend (go-git owns that namespace), not the bbolt
	// refstore, which only tracks refs/heads/* and refs/notes/*.
	remoteRefName := plumbing.NewRemoteReferenceName(remoteName, branch)
	remoteRefObj, err := t.repo.Reference(remoteRefName, true)
	if err != nil {
		if err == plumbing.ErrReferenceNotFound {
			return nil // nothing fetched for this branch
		}
		return fmt.Errorf("remote: read fetched ref: %w", err)
	}
	remoteHex := remoteRefObj.Hash().String()

	localRef := refstore.BranchRef(branch)
	localHex, err := t.refs.Get(localRef)
	if err != nil {
		return fmt.Errorf("remote: read local ref: %w", err)
	}

	if localHex == remoteHex {
		return nil
	}

	if localHex == refstore.ZeroHash {
		return t.refs.CAS(localRef, localHex, remoteHex)
	}

	localCommit, err := t.objects.Commit(plumbing.NewHash(localHex))
	if err != nil {
		return fmt.Errorf("remote: read local commit: %w", err)
	}
	remoteCommit, err := t.objects.Commit(plumbing.NewHash(remoteHex))
	if err != nil {
		return fmt.Errorf("remote: read remote commit: %w", err)
	}

	isAncestor, err := localCommit.IsAncestor(remoteCommit)
	if err != nil {
		return fmt.Errorf("remote: ancestry check: %w", err)
	}
	if !isAncestor {
		return chronerr.Remote(chronerr.RemoteDiverged, fmt.Errorf("branch %q diverged from %s", branch, remoteName))
	}

	return t.refs.CAS(localRef, localHex, remoteHex)
}
