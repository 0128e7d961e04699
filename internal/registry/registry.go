// Package registry is the Instance Registry: a process-wide,
// refcounted map keyed by (data_path, index_path) so two callers that ask
// for the same on-disk repository share one bundle of open handles rather
// than racing to open bbolt/go-git/bleve twice against the same files.
//
// No FFI wrapper lives in this module (native-build tooling is out of
// scope), but this is the dedup point such a wrapper would call into, per
// the "foreign-function isolate sharing" note.
package registry

import (
	"sync"
)

// Key identifies one on-disk instance.
type Key struct {
	DataPath  string
	IndexPath string
}

// entry is one refcounted slot in the registry.
type entry struct {
	mu       sync.Mutex
	refcount int
	value    any
	closer   func(any) error
}

var (
	mu    sync.Mutex
	slots = make(map[Key]*entry)
)

// OpenFunc builds the value to store for a Key that has no live entry yet.
type OpenFunc func(Key) (any, error)

// CloseFunc tears the value down when its refcount reaches zero.
type CloseFunc func(any) error

// Open increments the refcount for key, calling open to build the value
// the first time key is seen. Concurrent Opens for the same key never
// build the value twice.
func Open(key Key, open OpenFunc, close CloseFunc) (any, error) {
	mu.Lock()
	e, ok := slots[key]
	if !ok {
		e = &entry{closer: close}
		slots[key] = e
	}
	mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.refcount == 0 {
		v, err := open(key)
		if err != nil {
			return nil, err
		}
		e.value = v
	}
	e.refcount++
	return e.value, nil
}

// Close decrements the refcount for key, tearing the value down via the
// CloseFunc supplied to Open when it reaches zero. Closing a key with no
// live entry is a no-op.
func Close(key Key) error {
	mu.Lock()
	e, ok := slots[key]
	mu.Unlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.refcount == 0 {
		return nil
	}
	e.refcount--
	if e.refcount > 0 {
		return nil
	}

	var err error
	if e.closer != nil && e.value != nil {
		err = e.closer(e.value)
	}
	e.value = nil

	mu.Lock()
	delete(slots, key)
	mu.Unlock()

	return err
}

// RefCount reports key's current refcount, for tests and diagnostics.
func RefCount(key Key) int {
	mu.Lock()
	e, ok := slots[key]
	mu.Unlock()
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refcount
}
