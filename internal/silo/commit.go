package silo

import (
	"sort"
	"unsafe"

	"go.uber.org/zap"

	"github.com/githubxxcc/silo/internal/reclaim"
)

func tupleAddr(t *Tuple) uintptr {
	// Address identity is valid only within this process and only while
	// the commit holds the tuples pinned; it is never persisted.
	return uintptr(unsafe.Pointer(t))
}

// writeTarget is one resolved entry of the commit's write set: the tuple
// the payload will land on, how the tuple was obtained, and whether this
// transaction currently holds its lock.
type writeTarget struct {
	table   *Table
	ctx     *TxnContext
	key     Key
	payload Value
	insert  bool
	locked  bool
	tuple   *Tuple
}

// Commit runs the optimistic concurrency control protocol over the
// transaction's working sets: locate or insert a tuple for every staged
// write, lock the targets in increasing address order (ruling out
// deadlock), mint a commit tid, validate every read and observed absence
// against interference, publish the new versions, and release the locks.
//
// Committing an already committed transaction is a no-op reporting
// success. Committing an aborted transaction reports the stored abort
// reason, either as a returned *AbortError or, when doThrow is set, by
// panicking with it; the same choice applies to validation failures.
func (t *Transaction) Commit(doThrow bool) (bool, error) {
	switch t.state {
	case txnEmbryo, txnActive:
	case txnCommitted:
		return true, nil
	case txnAborted:
		return false, t.failure(doThrow)
	}

	var targets []*writeTarget
	_, haveSnapshot := t.snapshot()
	commitTID := NoTID
	haveCommitTID := false

	// Phase 1: locate or insert a tuple for every staged write. A
	// failed resolution may still have produced a locked, published
	// tuple; it joins the target list so the epilogue unlocks it.
	for tbl, ctx := range t.contexts {
		for _, w := range ctx.writeSet {
			target, reason := t.resolveWriteTarget(tbl, ctx, w)
			if target != nil {
				targets = append(targets, target)
			}
			if reason != NoAbortReason {
				return false, t.abortCommit(targets, haveCommitTID, commitTID, reason, doThrow)
			}
		}
	}

	if !haveSnapshot || len(targets) > 0 {
		if len(targets) > 0 {
			// Phase 2: lock in address order; verify each target is
			// still writable under its lock.
			sorted := append([]*writeTarget{}, targets...)
			sort.Slice(sorted, func(i, j int) bool {
				return tupleAddr(sorted[i].tuple) < tupleAddr(sorted[j].tuple)
			})
			for _, w := range sorted {
				if w.locked {
					continue
				}
				v, ok := w.tuple.TryLock(lockSpinBudget)
				if !ok {
					return false, t.abortCommit(targets, haveCommitTID, commitTID, WriteNodeInterference, doThrow)
				}
				w.locked = true
				if v.deleting() || !v.latest() || !t.proto.CanReadTID(v.tid()) {
					return false, t.abortCommit(targets, haveCommitTID, commitTID, WriteNodeInterference, doThrow)
				}
			}

			// Phase 3: mint the commit tid above everything observed.
			commitTID = t.proto.GenerateCommitTID(t.maxObservedTID(targets))
			haveCommitTID = true
			targets = sorted
		}

		// Phase 4: read validation.
		if reason := t.validateReads(targets); reason != NoAbortReason {
			return false, t.abortCommit(targets, haveCommitTID, commitTID, reason, doThrow)
		}

		// Phase 5: publish, still in lock (address) order.
		for _, w := range targets {
			t.publishWrite(w, commitTID)
		}
		t.releaseWriteLocks(targets, false)
	}

	// Phase 6: finalize.
	t.state = txnCommitted
	if haveCommitTID {
		t.proto.OnTIDFinish(commitTID)
	}
	t.engine.logger.Debug("transaction committed",
		zap.Uint64("tid", uint64(commitTID)), zap.Int("writes", len(targets)))
	t.clearWorkingSets()
	return true, nil
}

// Abort resolves the transaction without publishing anything it staged.
// Aborting an already aborted transaction is a no-op; aborting a
// committed transaction reports ErrTransactionUnusable.
func (t *Transaction) Abort() error {
	switch t.state {
	case txnEmbryo, txnActive:
	case txnAborted:
		return nil
	case txnCommitted:
		return ErrTransactionUnusable
	}
	t.state = txnAborted
	t.reason = UserAborted
	t.clearWorkingSets()
	return nil
}

// failure renders the stored abort reason per the doThrow policy.
func (t *Transaction) failure(doThrow bool) error {
	err := &AbortError{Reason: t.reason}
	if doThrow {
		panic(err)
	}
	return err
}

// abortCommit is the shared abort epilogue: unlock whatever is still
// locked, retire a minted commit tid, record the reason, and report the
// failure per doThrow.
func (t *Transaction) abortCommit(targets []*writeTarget, haveCommitTID bool, commitTID TID, reason AbortReason, doThrow bool) error {
	t.releaseWriteLocks(targets, true)
	t.state = txnAborted
	t.reason = reason
	if haveCommitTID {
		t.proto.OnTIDFinish(commitTID)
	}
	t.engine.logger.Debug("transaction aborted", zap.Stringer("reason", reason))
	t.clearWorkingSets()
	return t.failure(doThrow)
}

// clearWorkingSets samples the per-context observability counters and
// drops the working sets of a resolved transaction.
func (t *Transaction) clearWorkingSets() {
	for _, ctx := range t.contexts {
		t.engine.metrics.observeContext(ctx)
	}
	t.contexts = make(map[*Table]*TxnContext)
}

// resolveWriteTarget implements the locate-or-insert step for one staged
// write. A write staged with the insert hint first splices a brand new,
// pre-locked tuple into the index; if it loses that race to a tuple that
// appeared for the key in the meantime (live or tombstoned), the fresh
// tuple is discarded immediately (it was never published, so deferred
// reclamation is unnecessary) and the key is retried as an ordinary
// write target. Resolution also promotes matching read-set and
// absent-set entries so that later validation uses the locked checks.
func (t *Transaction) resolveWriteTarget(tbl *Table, ctx *TxnContext, w *writeRecord) (*writeTarget, AbortReason) {
	m := t.engine.metrics
	tryInsert := w.insert
	for {
		if !tryInsert {
			if tuple, found := tbl.index.Search([]byte(w.key)); found {
				ctx.markReadLocked(tuple)
				ctx.promoteAbsent(w.key, absentWrite, tuple)
				return &writeTarget{
					table: tbl, ctx: ctx, key: w.key, payload: w.payload,
					tuple: tuple,
				}, NoAbortReason
			}
			m.writeSearchFailed.Inc(1)
		}

		candidate := newLockedTuple(w.payload)
		_, node, preVersion, inserted := tbl.index.InsertIfAbsent([]byte(w.key), candidate)
		if !inserted {
			// Lost the race; the candidate was never visible to anyone.
			tryInsert = false
			m.writeInsertFailed.Inc(1)
			continue
		}

		if t.flags&LowLevelScan != 0 {
			if observed, ok := ctx.nodeScans[node]; ok {
				if observed != preVersion {
					return &writeTarget{
						table: tbl, ctx: ctx, key: w.key, payload: w.payload,
						insert: true, locked: true, tuple: candidate,
					}, WriteNodeInterference
				}
				// Our own insert accounts for exactly one bump.
				ctx.nodeScans[node] = observed + 1
			}
		}

		ctx.promoteAbsent(w.key, absentInsert, candidate)
		return &writeTarget{
			table: tbl, ctx: ctx, key: w.key, payload: w.payload,
			insert: true, locked: true, tuple: candidate,
		}, NoAbortReason
	}
}

// maxObservedTID computes the highest tid this transaction has touched,
// across its read sets and its locked write targets, so the minted
// commit tid is guaranteed to succeed everything it depends on.
func (t *Transaction) maxObservedTID(targets []*writeTarget) TID {
	max := NoTID
	for _, ctx := range t.contexts {
		for _, r := range ctx.readSet {
			if r.tid > max {
				max = r.tid
			}
		}
	}
	for _, w := range targets {
		if w.insert {
			continue
		}
		if v := w.tuple.Version(); v > max {
			max = v
		}
	}
	return max
}

// validateReads re-checks every context's read set, absent set, and
// phantom-protection footprint for interference by other committers
// since the observations were made.
func (t *Transaction) validateReads(targets []*writeTarget) AbortReason {
	targetTuples := make(map[*Tuple]struct{}, len(targets))
	for _, w := range targets {
		targetTuples[w.tuple] = struct{}{}
	}

	for tbl, ctx := range t.contexts {
		// The tuples we read must still be the versions we observed.
		for tuple, r := range ctx.readSet {
			var ok bool
			if r.holdsLock {
				ok = tuple.IsLatestVersion(r.tid)
			} else {
				ok = tuple.StableIsLatestVersion(r.tid)
			}
			if !ok {
				return ReadNodeInterference
			}
		}

		// The keys we observed absent must still be absent.
		for key, a := range ctx.absent {
			switch a.kind {
			case absentInsert:
				// Our own insert proved the prior absence.
				continue
			case absentWrite:
				// We hold this tuple's lock; read its value directly.
				if !a.tuple.LatestValueIsNil() {
					return ReadAbsenceInterference
				}
			default:
				tuple, found := tbl.index.Search([]byte(key))
				if !found {
					continue
				}
				if _, ours := targetTuples[tuple]; ours {
					continue
				}
				if !tuple.StableLatestValueIsNil() {
					return ReadAbsenceInterference
				}
			}
		}

		if t.flags&LowLevelScan != 0 {
			// Fast path: the shards we scanned must not have changed
			// shape (beyond our own accounted-for inserts).
			for node, observed := range ctx.nodeScans {
				if node.Version() != observed {
					return NodeScanReadVersionChanged
				}
			}
		} else {
			// Slow path: the ranges we observed empty must still hold
			// nothing visible, other than our own pending writes.
			for _, r := range ctx.absentRanges {
				interfered := false
				tbl.index.SearchRangeCall(r.A, r.B, r.HasB, func(k []byte, tuple *Tuple) bool {
					if _, ok := ctx.writeSet[string(k)]; ok {
						return true
					}
					if !tuple.StableLatestValueIsNil() {
						interfered = true
						return false
					}
					return true
				})
				if interfered {
					return WriteNodeInterference
				}
			}
		}
	}

	return NoAbortReason
}

// publishWrite applies one write target's payload at commitTID, either
// growing the target tuple's tail chain in place or spilling to a
// replacement tuple once the chain has reached maxInlineVersions, and
// updates w.tuple to whichever tuple now owns the lock so the unlock
// epilogue can find it.
func (t *Transaction) publishWrite(w *writeTarget, commitTID TID) {
	if w.insert {
		// The payload was staged at allocation; only the version needs
		// publishing.
		w.tuple.MarkModifying()
		for {
			cur := w.tuple.snapshot()
			next := cur.withTID(commitTID, true).withModifying(false)
			if w.tuple.word.CompareAndSwap(uint64(cur), uint64(next)) {
				break
			}
		}
		if len(w.payload) == 0 {
			t.proto.OnLogicalDelete(w.table, w.key, w.tuple)
		}
		return
	}

	mostlyAppend := w.tuple.tailLen() < maxInlineVersions
	spilled, replacement := w.tuple.WriteRecordAt(commitTID, w.payload, mostlyAppend)
	latest := w.tuple
	if replacement != nil {
		old := w.tuple
		old.markSuperseded()
		prior, existed := w.table.index.Insert([]byte(w.key), replacement)
		if !existed || prior != old {
			panic("silo: latest tuple replacement found unexpected index entry")
		}
		t.engine.metrics.latestReplacement.Inc(1)
		old.Unlock()
		reclaim.Defer(old.severTail)
		w.tuple = replacement
		latest = replacement
	}
	if spilled {
		t.proto.OnTupleSpill(w.table, w.key, latest)
	}
	if len(w.payload) == 0 {
		t.proto.OnLogicalDelete(w.table, w.key, latest)
	}
}

// releaseWriteLocks unlocks every write target that is still locked.
// aborting additionally rolls a freshly inserted tuple's value back to a
// tombstone before the unlock, so an aborted insert leaves behind a
// permanently absent marker rather than publishing the uncommitted
// payload.
func (t *Transaction) releaseWriteLocks(targets []*writeTarget, aborting bool) {
	for _, w := range targets {
		if w.tuple == nil || !w.locked {
			continue
		}
		if aborting && w.insert {
			w.tuple.value.Store(nil)
		}
		w.tuple.Unlock()
		w.locked = false
	}
}
