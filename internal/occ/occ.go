// Package occ provides the single-writer discipline and optimistic
// per-document version check. The commit engine takes
// RepoLock for the duration of each apply. CheckVersion translates a
// caller-supplied expected_version into the sentinel VersionConflict
// error; no protocol adapter in this module calls it.
package occ

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/moclojer/chrondb-sub001/internal/chronerr"
)

// RepoLock serializes every Commit Engine mutation against one repository,
// in-process via a mutex and cross-process via an advisory lock file next
// to the WAL. Multiple readers never contend with it; only apply() paths
// take it.
type RepoLock struct {
	mu       sync.Mutex
	lockPath string
	file     *os.File
}

// NewRepoLock builds a lock at <dataPath>/repo.lock. The .lock suffix
// matters: the write-ahead log's startup sweep removes stale *.lock files
// left behind by a dead process, this one included.
func NewRepoLock(dataPath string) *RepoLock {
	return &RepoLock{lockPath: filepath.Join(dataPath, "repo.lock")}
}

// Acquire blocks until both the in-process mutex and the on-disk advisory
// lock are held. Release must be called exactly once per successful
// Acquire.
func (l *RepoLock) Acquire() error {
	l.mu.Lock()

	f, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("occ: open lock file: %w", err)
	}
	if err := flock(f); err != nil {
		_ = f.Close()
		l.mu.Unlock()
		return fmt.Errorf("occ: flock: %w", err)
	}

	now := time.Now()
	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(now.Format(time.RFC3339)), 0)

	l.file = f
	return nil
}

// Release frees the advisory lock and the in-process mutex, in that order.
func (l *RepoLock) Release() error {
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := funlock(l.file)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("occ: funlock: %w", err)
	}
	return closeErr
}

// WithLock runs fn while holding the repo lock.
func (l *RepoLock) WithLock(fn func() error) error {
	if err := l.Acquire(); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}

// CheckVersion returns chronerr.VersionConflict if expected disagrees with
// current, the expected-version half of optimistic concurrency.
func CheckVersion(current, expected string) error {
	if current != expected {
		return fmt.Errorf("%w: document is at %q, expected %q", chronerr.VersionConflict, current, expected)
	}
	return nil
}

// RetryBudget bounds the branch-CAS retry loop the commit engine runs
// when a racing writer in the same process advances the branch between
// apply()'s tip read and its ref CAS. Exhausting it surfaces WriteContention.
const RetryBudget = 8

// ExhaustedRetries wraps a final CAS failure once RetryBudget attempts
// have all lost the race.
func ExhaustedRetries(branch string, lastErr error) error {
	return fmt.Errorf("%w: branch %s after %d attempts: %v", chronerr.WriteContention, branch, RetryBudget, lastErr)
}
