package registry

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenBuildsValueOnlyOnce(t *testing.T) {
	key := Key{DataPath: "/tmp/a", IndexPath: "/tmp/a-idx"}
	var builds int32

	open := func(Key) (any, error) {
		atomic.AddInt32(&builds, 1)
		return "bundle", nil
	}
	closeFn := func(any) error { return nil }

	v1, err := Open(key, open, closeFn)
	require.NoError(t, err)
	v2, err := Open(key, open, closeFn)
	require.NoError(t, err)

	assert.Equal(t, "bundle", v1)
	assert.Equal(t, "bundle", v2)
	assert.EqualValues(t, 1, builds)
	assert.Equal(t, 2, RefCount(key))

	require.NoError(t, Close(key))
	assert.Equal(t, 1, RefCount(key))
}

func TestCloseTearsDownAtZeroRefcount(t *testing.T) {
	key := Key{DataPath: "/tmp/b", IndexPath: "/tmp/b-idx"}
	var closed bool

	open := func(Key) (any, error) { return "bundle", nil }
	closeFn := func(any) error { closed = true; return nil }

	_, err := Open(key, open, closeFn)
	require.NoError(t, err)

	require.NoError(t, Close(key))
	assert.True(t, closed)
	assert.Equal(t, 0, RefCount(key))
}

func TestCloseWithNoLiveEntryIsNoop(t *testing.T) {
	key := Key{DataPath: "/tmp/ghost"}
	require.NoError(t, Close(key))
}

func TestDifferentKeysGetIndependentEntries(t *testing.T) {
	keyA := Key{DataPath: "/tmp/c"}
	keyB := Key{DataPath: "/tmp/d"}

	open := func(k Key) (any, error) { return k.DataPath, nil }
	closeFn := func(any) error { return nil }

	vA, err := Open(keyA, open, closeFn)
	require.NoError(t, err)
	vB, err := Open(keyB, open, closeFn)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/c", vA)
	assert.Equal(t, "/tmp/d", vB)
}
