// Package store implements the shared key-value store the executor mutates
// and the per-transaction/per-wave working copies transactions execute
// against. The store backend itself is an external collaborator per the
// core specification: the core only relies on the Store interface below.
package store

import (
	"github.com/cornelk/hashmap"

	"github.com/parallax-labs/pevm"
)

// Store is a mapping Key -> Value; a missing key reads as the all-zero
// value. Implementations must be safe for concurrent Get calls, since
// wave-local working copies are read against a shared committed snapshot.
type Store interface {
	Get(key pevm.Key) pevm.Value
	Set(key pevm.Key, value pevm.Value)
	Len() int
	Keys() []pevm.Key
	// Clone returns an independent copy: writes to the clone are not
	// visible to the original and vice versa.
	Clone() Store
}

// MemoryStore is the in-memory KVStore backend used by the reference CLI
// and by tests. It wraps a lock-free concurrent hashmap so that read-only
// snapshot clones can be handed to workers without additional locking.
type MemoryStore struct {
	inner *hashmap.Map[pevm.Key, pevm.Value]
}

// New returns an empty MemoryStore.
func New() *MemoryStore {
	return &MemoryStore{inner: hashmap.New[pevm.Key, pevm.Value]()}
}

// Get returns the value stored at key, or the zero value if key is unset.
func (s *MemoryStore) Get(key pevm.Key) pevm.Value {
	if v, ok := s.inner.Get(key); ok {
		return v
	}
	return pevm.ZeroValue
}

// Set stores value at key, overwriting any existing value.
func (s *MemoryStore) Set(key pevm.Key, value pevm.Value) {
	s.inner.Set(key, value)
}

// Len returns the number of distinct keys currently set.
func (s *MemoryStore) Len() int {
	return s.inner.Len()
}

// Keys returns every key currently set, in no particular order.
func (s *MemoryStore) Keys() []pevm.Key {
	keys := make([]pevm.Key, 0, s.inner.Len())
	s.inner.Range(func(k pevm.Key, _ pevm.Value) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

// Clone returns an independent MemoryStore holding a snapshot of the
// current contents. Used both for the read-only pre-wave snapshot handed
// to workers, and for each worker's private working copy of that snapshot.
func (s *MemoryStore) Clone() Store {
	clone := New()
	s.inner.Range(func(k pevm.Key, v pevm.Value) bool {
		clone.inner.Set(k, v)
		return true
	})
	return clone
}

// Equal reports whether two stores hold identical (key, value) pairs. Used
// by the benchmark command's serial-vs-parallel equivalence assertion.
func Equal(a, b Store) bool {
	ak, bk := a.Keys(), b.Keys()
	if len(ak) != len(bk) {
		return false
	}
	for _, k := range ak {
		av, bv := a.Get(k), b.Get(k)
		if !av.Eq(&bv) {
			return false
		}
	}
	return true
}
