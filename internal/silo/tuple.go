package silo

import (
	"runtime"
	"sync/atomic"
)

// tailVersion is one link of a tuple's chain of superseded versions, kept
// around only so that snapshot readers can see the value that was visible
// at an earlier tid.
type tailVersion struct {
	tid   TID
	value Value
	next  *tailVersion
}

// Tuple is a single record's version chain: a packed versionWord holding
// the lock/deleting/latest/modifying bits and the tid of the latest
// version, the latest version's value, and a linked tail of older
// versions for snapshot reads.
//
// A nil (or zero-length) latest value denotes a logical deletion; a key's
// index entry is never removed once created (a commit may only swap a
// replacement tuple into it), so a tombstone remains to witness the
// deletion until a vacuum pass reclaims it.
type Tuple struct {
	word  atomic.Uint64
	value atomic.Pointer[Value]
	tail  atomic.Pointer[tailVersion]
}

// NewTuple creates a fresh, unlocked tuple whose latest version is value
// at tid. Callers publishing a brand new key via insert typically create
// the tuple pre-locked (see newLockedTuple) so it can be staged into the
// index before other transactions can observe an unlocked version.
func NewTuple(tid TID, value Value) *Tuple {
	t := &Tuple{}
	v := cloneBytes(value)
	t.value.Store(&v)
	t.word.Store(uint64(makeVersionWord(tid, true)))
	return t
}

// newLockedTuple creates a tuple already holding its own lock, for use as
// the insert target of a write-set entry before the owning transaction
// commits.
func newLockedTuple(value Value) *Tuple {
	t := &Tuple{}
	v := cloneBytes(value)
	t.value.Store(&v)
	t.word.Store(uint64(makeVersionWord(NoTID, true).withLocked(true)))
	return t
}

func (t *Tuple) snapshot() versionWord {
	return versionWord(t.word.Load())
}

// Lock spins until it can set the lock bit, returning the version word
// observed immediately after acquiring it. The spin is unbounded (with a
// scheduling yield between attempts); the commit protocol itself uses
// the bounded TryLock instead.
func (t *Tuple) Lock() versionWord {
	for {
		cur := t.snapshot()
		if cur.locked() {
			runtime.Gosched()
			continue
		}
		next := cur.withLocked(true)
		if t.word.CompareAndSwap(uint64(cur), uint64(next)) {
			return next
		}
	}
}

// lockSpinBudget bounds how many yields TryLock spends before giving up.
// The commit protocol locks in address order, so contention normally
// resolves quickly; the budget exists because freshly inserted tuples
// arrive at phase 2 already locked out of address order, and two
// transactions racing to insert the same pair of new keys could
// otherwise wait on each other forever. Exhausting the budget aborts the
// transaction, which retries are cheap for.
const lockSpinBudget = 1 << 14

// TryLock behaves like Lock but gives up after the spin budget is
// exhausted, reporting failure instead of blocking indefinitely.
func (t *Tuple) TryLock(spins int) (versionWord, bool) {
	for i := 0; i < spins; i++ {
		cur := t.snapshot()
		if cur.locked() {
			runtime.Gosched()
			continue
		}
		next := cur.withLocked(true)
		if t.word.CompareAndSwap(uint64(cur), uint64(next)) {
			return next, true
		}
	}
	return 0, false
}

// Unlock clears the lock bit.
func (t *Tuple) Unlock() {
	for {
		cur := t.snapshot()
		next := cur.withLocked(false)
		if t.word.CompareAndSwap(uint64(cur), uint64(next)) {
			return
		}
	}
}

// Version returns the tid of the latest version.
func (t *Tuple) Version() TID {
	return t.snapshot().tid()
}

// IsLatest reports whether this tuple is still the published latest
// tuple for its key; it turns false once a commit has spilled the key's
// latest version into a replacement tuple (see markSuperseded).
func (t *Tuple) IsLatest() bool {
	return t.snapshot().latest()
}

// IsLatestVersion reports whether the tuple's latest version is still
// stamped with tid. The caller must hold the tuple's lock.
func (t *Tuple) IsLatestVersion(tid TID) bool {
	w := t.snapshot()
	return w.latest() && w.tid() == tid
}

// StableIsLatestVersion is the lock-free counterpart of IsLatestVersion,
// used during read validation. Because all mutable fields checked here
// live in the single atomic word, one load is already a stable snapshot.
func (t *Tuple) StableIsLatestVersion(tid TID) bool {
	return t.IsLatestVersion(tid)
}

// IsDeleting reports whether the tuple is mid-delete.
func (t *Tuple) IsDeleting() bool {
	return t.snapshot().deleting()
}

// LatestValueIsNil reports whether the current latest value denotes a
// logical deletion. The caller must hold the tuple's lock (or otherwise
// know the tuple cannot be concurrently modified).
func (t *Tuple) LatestValueIsNil() bool {
	v := t.value.Load()
	return v == nil || len(*v) == 0
}

// StableLatestValueIsNil is the lock-free counterpart of LatestValueIsNil:
// it rereads the version word around the value load and retries if the
// word was mid-modification or changed in between, guaranteeing the
// nil-check corresponds to a version word actually observed.
func (t *Tuple) StableLatestValueIsNil() bool {
	for {
		w1 := t.snapshot()
		if w1.modifying() {
			runtime.Gosched()
			continue
		}
		v := t.value.Load()
		w2 := t.snapshot()
		if w1 == w2 {
			return v == nil || len(*v) == 0
		}
		runtime.Gosched()
	}
}

// MarkModifying sets the modifying bit, signalling to stable readers that
// the value pointer is about to change out from under the current version
// word and that they must retry.
func (t *Tuple) MarkModifying() {
	for {
		cur := t.snapshot()
		next := cur.withModifying(true)
		if t.word.CompareAndSwap(uint64(cur), uint64(next)) {
			return
		}
	}
}

// WriteRecordAt publishes payload as the new latest version under
// commitTID. An empty payload publishes a tombstone (logical deletion).
// When mostlyAppend is true the existing tuple is grown in place: the old
// version is pushed onto the tail chain and the tuple's own value/word
// are updated. Otherwise a brand new replacement tuple is created,
// pre-locked, carrying the old version in its own tail; the caller is
// responsible for splicing the replacement into the index and for
// unlocking whichever tuple ends up being the latest one.
//
// spilled reports whether the previously latest version was pushed into
// a tail chain (always, today: the chain is what snapshot readers walk),
// signalling that the key now has superseded versions needing GC
// attention.
//
// The caller must already hold t's lock.
func (t *Tuple) WriteRecordAt(commitTID TID, payload Value, mostlyAppend bool) (spilled bool, replacement *Tuple) {
	oldTID := t.Version()
	// A tombstone may be stored as a nil pointer; it enters the tail as
	// an empty value.
	var oldValue Value
	if p := t.value.Load(); p != nil {
		oldValue = cloneBytes(*p)
	}

	if mostlyAppend {
		t.tail.Store(&tailVersion{tid: oldTID, value: oldValue, next: t.tail.Load()})
		t.MarkModifying()
		if len(payload) == 0 {
			t.value.Store(nil)
		} else {
			nv := cloneBytes(payload)
			t.value.Store(&nv)
		}
		for {
			cur := t.snapshot()
			next := cur.withTID(commitTID, true).withModifying(false)
			if t.word.CompareAndSwap(uint64(cur), uint64(next)) {
				return true, nil
			}
		}
	}

	r := &Tuple{}
	if len(payload) != 0 {
		nv := cloneBytes(payload)
		r.value.Store(&nv)
	}
	r.tail.Store(&tailVersion{tid: oldTID, value: oldValue, next: t.tail.Load()})
	r.word.Store(uint64(makeVersionWord(commitTID, true).withLocked(true)))
	return true, r
}

// maxInlineVersions bounds how many superseded versions WriteRecordAt
// will grow a tuple's tail chain to in place before instead spilling the
// new version into a brand new replacement tuple, matching the original
// engine's two publish strategies while giving Go's GC-backed slices a
// concrete reason to ever take the spill path.
const maxInlineVersions = 8

// tailLen walks the tail chain, stopping early once it has counted past
// maxInlineVersions (the caller only needs to know whether the chain is
// already at the cap, not its exact length beyond that).
func (t *Tuple) tailLen() int {
	n := 0
	for tv := t.tail.Load(); tv != nil && n <= maxInlineVersions; tv = tv.next {
		n++
	}
	return n
}

// markSuperseded clears the latest bit, used by the commit protocol once
// it has spliced a replacement tuple into the index in this tuple's
// place. A spinner blocked in Lock waiting on this tuple will, once
// unblocked, see latest()==false and know to re-search the index rather
// than trust the object it already holds a pointer to.
func (t *Tuple) markSuperseded() {
	for {
		cur := t.snapshot()
		next := cur.withTID(cur.tid(), false)
		if t.word.CompareAndSwap(uint64(cur), uint64(next)) {
			return
		}
	}
}

// severTail drops this superseded tuple's own link into the version
// chain. Run via deferred reclamation once no open region can still hold
// a pointer to this tuple; the chain nodes themselves stay reachable
// through the replacement tuple that superseded it.
func (t *Tuple) severTail() {
	t.tail.Store(nil)
}

// ReadAt returns the value visible at tid, walking the tail chain past the
// current latest version if necessary. The returned bool is false both
// when no version at or before tid exists yet, and when the visible
// version is a logical deletion.
func (t *Tuple) ReadAt(tid TID) (Value, TID, bool) {
	w := t.snapshot()
	if w.tid() <= tid {
		v := t.value.Load()
		if v == nil || len(*v) == 0 {
			return nil, w.tid(), false
		}
		return cloneBytes(Value(*v)), w.tid(), true
	}
	for tv := t.tail.Load(); tv != nil; tv = tv.next {
		if tv.tid <= tid {
			if len(tv.value) == 0 {
				return nil, tv.tid, false
			}
			return cloneBytes(tv.value), tv.tid, true
		}
	}
	return nil, NoTID, false
}
