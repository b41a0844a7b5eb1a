package silo

import "sync/atomic"

// Protocol decides how commit tids are minted, which tuple versions a
// transaction may read, and what happens after a commit spills or
// logically deletes a version. The commit protocol is written entirely
// against this interface so that tid policies can vary per transaction
// without the engine knowing which one is in play.
type Protocol interface {
	// ConsistentSnapshotTID reports whether the transaction is pinned to
	// a fixed read snapshot and, if so, which tid. Transactions with a
	// snapshot and no writes skip read validation entirely: the
	// immutable tail chain already guarantees what they saw cannot
	// change retroactively.
	ConsistentSnapshotTID() (tid TID, ok bool)

	// CanReadTID reports whether a version written at tid is visible to
	// this transaction. The commit protocol also applies it to write
	// targets under lock; that extra check is conservative but cheap.
	CanReadTID(tid TID) bool

	// GenerateCommitTID mints a commit tid strictly greater than
	// maxObserved (the highest tid touched by the transaction's read and
	// write sets) and than any tid it has minted before.
	GenerateCommitTID(maxObserved TID) TID

	// OnTIDFinish retires a minted commit tid once its transaction has
	// resolved, whether it committed or aborted.
	OnTIDFinish(tid TID)

	// OnTupleSpill signals that a commit pushed older versions of key
	// into latest's tail chain, giving them a garbage collector's
	// attention.
	OnTupleSpill(table *Table, key Key, latest *Tuple)

	// OnLogicalDelete signals that a commit published a tombstone for
	// key, making it eligible for physical removal after quiescence.
	OnLogicalDelete(table *Table, key Key, latest *Tuple)
}

const guardAgainstOverflow = true

// Serial is the default protocol: commit tids are minted from a single
// monotonically increasing counter shared by every transaction against
// an engine, giving a total commit order with no snapshot reads. It also
// tracks the highest tid whose transaction has resolved (see
// OldestFinished); lower tids may still be in flight.
type Serial struct {
	counter          atomic.Uint64
	oldestFinishedID atomic.Uint64

	// SpillHook and DeleteHook, when non-nil, receive the OnTupleSpill
	// and OnLogicalDelete notifications. Set them before the first
	// transaction begins.
	SpillHook  func(table *Table, key Key, latest *Tuple)
	DeleteHook func(table *Table, key Key, latest *Tuple)
}

// NewSerial creates a Serial protocol with no committed transactions yet.
func NewSerial() *Serial {
	return &Serial{}
}

// ConsistentSnapshotTID implements Protocol; Serial never provides one.
func (s *Serial) ConsistentSnapshotTID() (TID, bool) {
	return NoTID, false
}

// CanReadTID implements Protocol. Under Serial every committed version is
// readable; validation against the latest version does the rest.
func (s *Serial) CanReadTID(TID) bool {
	return true
}

// GenerateCommitTID implements Protocol.
func (s *Serial) GenerateCommitTID(maxObserved TID) TID {
	for {
		cur := TID(s.counter.Load())
		next := cur + 1
		if maxObserved >= next {
			next = maxObserved + 1
		}
		if guardAgainstOverflow && next == NoTID {
			panic("silo: commit tid sequence overflowed")
		}
		if s.counter.CompareAndSwap(uint64(cur), uint64(next)) {
			return next
		}
	}
}

// OnTIDFinish implements Protocol, advancing the oldest-finished
// watermark.
func (s *Serial) OnTIDFinish(tid TID) {
	if tid == NoTID {
		return
	}
	for {
		oldest := s.oldestFinishedID.Load()
		if TID(oldest) >= tid {
			return
		}
		if s.oldestFinishedID.CompareAndSwap(oldest, uint64(tid)) {
			return
		}
	}
}

// OnTupleSpill implements Protocol.
func (s *Serial) OnTupleSpill(table *Table, key Key, latest *Tuple) {
	if s.SpillHook != nil {
		s.SpillHook(table, key, latest)
	}
}

// OnLogicalDelete implements Protocol.
func (s *Serial) OnLogicalDelete(table *Table, key Key, latest *Tuple) {
	if s.DeleteHook != nil {
		s.DeleteHook(table, key, latest)
	}
}

// Last returns the highest tid minted so far, used to pin new read-only
// snapshot transactions.
func (s *Serial) Last() TID {
	return TID(s.counter.Load())
}

// OldestFinished returns the highest tid known to have fully resolved.
func (s *Serial) OldestFinished() TID {
	return TID(s.oldestFinishedID.Load())
}

// SnapshotCallback wraps a base Protocol (almost always a *Serial shared
// with every other transaction against the same engine) and pins
// ConsistentSnapshotTID to a fixed tid captured at transaction-begin
// time. It is used for read-only transactions that want to be serialized
// at their start rather than at commit.
type SnapshotCallback struct {
	Protocol
	snapshot TID
}

// NewSnapshotCallback wraps base with a fixed read snapshot.
func NewSnapshotCallback(base Protocol, snapshot TID) *SnapshotCallback {
	return &SnapshotCallback{Protocol: base, snapshot: snapshot}
}

// ConsistentSnapshotTID implements Protocol, overriding the wrapped one.
func (s *SnapshotCallback) ConsistentSnapshotTID() (TID, bool) {
	return s.snapshot, true
}

// CanReadTID implements Protocol: only versions at or before the pinned
// snapshot are visible.
func (s *SnapshotCallback) CanReadTID(tid TID) bool {
	return tid <= s.snapshot
}
