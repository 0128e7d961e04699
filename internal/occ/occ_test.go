package occ

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/moclojer/chrondb-sub001/internal/chronerr"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	l := NewRepoLock(t.TempDir())

	require.NoError(t, l.Acquire())
	require.NoError(t, l.Release())
}

func TestWithLockSerializesConcurrentCallers(t *testing.T) {
	l := NewRepoLock(t.TempDir())

	var inside atomic.Int32
	var maxObserved atomic.Int32
	done := make(chan struct{})

	for i := 0; i < 4; i++ {
		go func() {
			_ = l.WithLock(func() error {
				n := inside.Add(1)
				if n > maxObserved.Load() {
					maxObserved.Store(n)
				}
				time.Sleep(5 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
			done <- struct{}{}
		}()
	}

	for i := 0; i < 4; i++ {
		<-done
	}

	require.Equal(t, int32(1), maxObserved.Load(), "only one caller should be inside the lock at a time")
}

func TestCheckVersionMatch(t *testing.T) {
	require.NoError(t, CheckVersion("commit-1", "commit-1"))
}

func TestCheckVersionMismatch(t *testing.T) {
	err := CheckVersion("commit-2", "commit-1")
	require.ErrorIs(t, err, chronerr.VersionConflict)
}

func TestExhaustedRetriesWrapsWriteContention(t *testing.T) {
	err := ExhaustedRetries("main", chronerr.VersionConflict)
	require.ErrorIs(t, err, chronerr.WriteContention)
}
