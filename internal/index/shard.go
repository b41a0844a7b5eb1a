package index

import (
	"sync"
	"sync/atomic"

	"github.com/google/btree"
)

const shardBTreeDegree = 32

// Shard is one range bucket of an Index: its own btree.BTree guarded by
// its own structural lock, plus a version counter bumped on every
// structural mutation (an entry's key appearing or disappearing, never a
// plain value replacement). Low-level scanners record this counter at
// scan time and recheck it at commit, standing in for the per-leaf-node
// version counters a real B-tree index would expose.
type Shard[V any] struct {
	mu      sync.RWMutex
	tree    *btree.BTree
	version atomic.Uint64
}

func newShard[V any]() *Shard[V] {
	return &Shard[V]{
		tree: btree.New(shardBTreeDegree),
	}
}

// Version returns the shard's current structural version.
//
// The counter is a uint64 and is not guarded against wrap-around; at the
// mutation rates a single process can sustain it will not wrap within any
// realistic run.
func (s *Shard[V]) Version() uint64 {
	return s.version.Load()
}

func (s *Shard[V]) bumpVersion() {
	s.version.Add(1)
}

// Search returns the value stored under key, if any.
func (s *Shard[V]) Search(key []byte) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item := s.tree.Get(newSearchKey[V](key))
	if item == nil {
		var zero V
		return zero, false
	}
	return item.(*entry[V]).value, true
}

// InsertIfAbsent inserts value under key only if no entry (tombstoned or
// not) currently exists there. It reports the value already present (the
// zero value if none), the shard's structural version as it was before
// this insert, and whether the insert happened. A successful insert bumps
// the structural version by exactly one, so a caller that observed
// preVersion earlier knows its own insert accounts for the transition to
// preVersion+1.
func (s *Shard[V]) InsertIfAbsent(key []byte, value V) (existing V, preVersion uint64, inserted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	preVersion = s.version.Load()
	if item := s.tree.Get(newSearchKey[V](key)); item != nil {
		return item.(*entry[V]).value, preVersion, false
	}
	s.tree.ReplaceOrInsert(&entry[V]{key: key, value: value})
	s.bumpVersion()
	var zero V
	return zero, preVersion, true
}

// Replace overwrites the value stored under key. Overwriting an existing
// key leaves the structural version counter alone: the key set itself is
// unchanged, only the pointer behind it. Storing under an absent key adds
// it and bumps the version like any other insert. It returns the value
// previously stored there, and whether the key was present at all.
func (s *Shard[V]) Replace(key []byte, value V) (old V, existed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prior := s.tree.ReplaceOrInsert(&entry[V]{key: key, value: value})
	if prior == nil {
		s.bumpVersion()
		var zero V
		return zero, false
	}
	return prior.(*entry[V]).value, true
}

// AscendRange calls fn for every entry with key in [from, to) (or
// [from, +inf) when hasTo is false), in ascending key order, until fn
// returns false.
func (s *Shard[V]) AscendRange(from, to []byte, hasTo bool, fn func(key []byte, value V) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	visit := func(i btree.Item) bool {
		e := i.(*entry[V])
		return fn(e.key, e.value)
	}

	if !hasTo {
		s.tree.AscendGreaterOrEqual(newSearchKey[V](from), visit)
		return
	}
	s.tree.AscendRange(newSearchKey[V](from), newSearchKey[V](to), visit)
}

// Len returns the number of entries (including tombstoned ones) in the shard.
func (s *Shard[V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}
