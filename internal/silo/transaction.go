package silo

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/githubxxcc/silo/internal/reclaim"
)

type txnState int

const (
	txnEmbryo txnState = iota
	txnActive
	txnCommitted
	txnAborted
)

func (s txnState) String() string {
	switch s {
	case txnEmbryo:
		return "EMBRYO"
	case txnActive:
		return "ACTIVE"
	case txnCommitted:
		return "COMMITTED"
	case txnAborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("txnState(%d)", int(s))
	}
}

// Transaction is a unit of work against an engine: per-table working
// sets (reads, writes, observed absences) reconciled at Commit by
// optimistic concurrency control. A transaction is used by exactly one
// goroutine and must be resolved (committed or aborted) and then
// Finished, normally via defer at the call site that began it.
type Transaction struct {
	engine *Engine
	flags  TxnFlags
	proto  Protocol
	state  txnState
	reason AbortReason
	region *reclaim.Region

	contexts map[*Table]*TxnContext
}

// Flags returns the flags the transaction was begun with.
func (t *Transaction) Flags() TxnFlags {
	return t.flags
}

// checkOperable rejects operations on resolved transactions and moves an
// embryonic transaction to its active state.
func (t *Transaction) checkOperable() error {
	switch t.state {
	case txnEmbryo:
		t.state = txnActive
	case txnActive:
	default:
		return ErrTransactionUnusable
	}
	return nil
}

func (t *Transaction) readOnly() bool {
	return t.flags&ReadOnly != 0
}

func (t *Transaction) snapshot() (TID, bool) {
	tid, ok := t.proto.ConsistentSnapshotTID()
	return tid, ok && t.readOnly()
}

func (t *Transaction) contextFor(tbl *Table) *TxnContext {
	if c, ok := t.contexts[tbl]; ok {
		return c
	}
	c := newTxnContext(tbl.engine.metrics)
	t.contexts[tbl] = c
	return c
}

// Finish closes the transaction's reclamation region. It must be called
// exactly once, after the transaction has resolved; finishing a
// transaction that is still active is a programming error and panics.
// Finishing an embryonic transaction that never did anything is allowed.
func (t *Transaction) Finish() {
	if t.region == nil {
		return
	}
	if t.state == txnActive {
		panic("silo: transaction finished while still active")
	}
	t.region.End()
	t.region = nil
}

// AbortedReason returns the reason the transaction aborted, or
// NoAbortReason if it has not.
func (t *Transaction) AbortedReason() AbortReason {
	return t.reason
}

// Get returns the value visible to this transaction under key, and
// whether a value was found (false both for "never existed" and "was
// deleted").
func (t *Transaction) Get(tbl *Table, key Key) (Value, bool, error) {
	if err := t.checkOperable(); err != nil {
		return nil, false, err
	}
	ctx := t.contextFor(tbl)

	if v, absent, found := ctx.LocalSearch(key); found {
		if absent {
			return nil, false, nil
		}
		return v, true, nil
	}

	if snapTID, ok := t.snapshot(); ok {
		tuple, found := tbl.index.Search(key)
		if !found {
			return nil, false, nil
		}
		v, _, ok := tuple.ReadAt(snapTID)
		if !ok {
			return nil, false, nil
		}
		return v, true, nil
	}

	tuple, found := tbl.index.Search(key)
	if !found {
		ctx.recordAbsentRead(key)
		return nil, false, nil
	}
	w := tuple.snapshot()
	if tuple.StableLatestValueIsNil() {
		ctx.recordAbsentRead(key)
		return nil, false, nil
	}
	ctx.recordRead(tuple, w.tid())
	v, _, _ := tuple.ReadAt(w.tid())
	return v, true, nil
}

func (t *Transaction) checkWritable() error {
	if t.readOnly() {
		return fmt.Errorf("silo: cannot write in a read-only transaction")
	}
	return nil
}

// Insert stages key -> value as a new record, failing synchronously if
// the transaction's own working set or the index shows the key exists.
// A key that another transaction makes live after this check is instead
// caught at commit.
func (t *Transaction) Insert(tbl *Table, key Key, value Value) error {
	if err := t.checkOperable(); err != nil {
		return err
	}
	if err := t.checkWritable(); err != nil {
		return err
	}
	ctx := t.contextFor(tbl)

	if _, absent, found := ctx.LocalSearch(key); found && !absent {
		return recordExistsError(key)
	}
	if tuple, found := tbl.index.Search(key); found && !tuple.StableLatestValueIsNil() {
		return recordExistsError(key)
	}

	// The observed absence is validated at commit.
	ctx.recordAbsentRead(key)
	ctx.stageWrite(key, value, true)
	return nil
}

// Update stages a new value for an existing key, failing synchronously
// if the transaction's own working set or the index proves the key is
// currently absent.
func (t *Transaction) Update(tbl *Table, key Key, value Value) error {
	if err := t.checkOperable(); err != nil {
		return err
	}
	if err := t.checkWritable(); err != nil {
		return err
	}
	ctx := t.contextFor(tbl)

	if _, absent, found := ctx.LocalSearch(key); found {
		if absent {
			return recordDoesNotExistError(key)
		}
		ctx.stageWrite(key, value, false)
		return nil
	}

	tuple, found := tbl.index.Search(key)
	if !found || tuple.StableLatestValueIsNil() {
		return recordDoesNotExistError(key)
	}
	ctx.stageWrite(key, value, false)
	return nil
}

// Upsert stages value under key whether or not it currently exists.
func (t *Transaction) Upsert(tbl *Table, key Key, value Value) error {
	if err := t.checkOperable(); err != nil {
		return err
	}
	if err := t.checkWritable(); err != nil {
		return err
	}
	ctx := t.contextFor(tbl)

	if _, absent, found := ctx.LocalSearch(key); found {
		ctx.stageWrite(key, value, absent)
		return nil
	}

	tuple, found := tbl.index.Search(key)
	insert := !found || tuple.StableLatestValueIsNil()
	ctx.stageWrite(key, value, insert)
	return nil
}

// Delete stages a logical deletion of key, reporting whether the key was
// visible to the transaction beforehand.
func (t *Transaction) Delete(tbl *Table, key Key) (bool, error) {
	if err := t.checkOperable(); err != nil {
		return false, err
	}
	if err := t.checkWritable(); err != nil {
		return false, err
	}
	ctx := t.contextFor(tbl)

	if _, absent, found := ctx.LocalSearch(key); found {
		if absent {
			return false, nil
		}
		ctx.stageWrite(key, nil, false)
		return true, nil
	}

	tuple, found := tbl.index.Search(key)
	if !found || tuple.StableLatestValueIsNil() {
		return false, nil
	}
	ctx.stageWrite(key, nil, false)
	return true, nil
}

// successor returns the lexicographically smallest key strictly greater
// than k, used as the exclusive upper bound of the gap immediately after
// a visited key when accumulating absent ranges during a scan.
func successor(k Key) Key {
	out := make(Key, len(k)+1)
	copy(out, k)
	return out
}

// Scan visits every visible (key, value) pair with key in [lo, hi) (or
// [lo, +inf) when hasHi is false), in ascending order, calling fn for
// each until fn returns false or the range is exhausted. Scans leave
// phantom-protection footprints: shard version observations when
// LowLevelScan is set, otherwise the key gaps observed empty.
func (t *Transaction) Scan(tbl *Table, lo Key, hi Key, hasHi bool, fn func(Key, Value) bool) error {
	if err := t.checkOperable(); err != nil {
		return err
	}
	if hasHi && bytes.Compare(lo, hi) >= 0 {
		return nil
	}
	ctx := t.contextFor(tbl)

	snapTID, useSnapshot := t.snapshot()
	lowLevel := t.flags&LowLevelScan != 0

	if lowLevel && !useSnapshot {
		for _, shard := range tbl.index.ShardsInRange(lo, hi, hasHi) {
			ctx.recordNodeScan(shard)
		}
	}

	emptyStart := cloneBytes(lo)
	stopped := false
	trackGaps := !useSnapshot && !lowLevel

	// Staged writes not yet in the index must surface in the scan too;
	// they are merged in key order as the index walk proceeds. Gap
	// tracking ignores them: the absent ranges assert only that no keys
	// from other transactions occupy the range, and commit-time range
	// validation skips this transaction's own write-set keys.
	var staged []*writeRecord
	if !useSnapshot {
		r := KeyRange{A: lo, HasB: hasHi, B: hi}
		for _, w := range ctx.writeSet {
			if r.KeyInRange(w.key) {
				staged = append(staged, w)
			}
		}
		sort.Slice(staged, func(i, j int) bool {
			return bytes.Compare(staged[i].key, staged[j].key) < 0
		})
	}
	flushStagedBelow := func(limit Key, bounded bool) bool {
		for len(staged) > 0 && (!bounded || bytes.Compare(staged[0].key, limit) < 0) {
			w := staged[0]
			staged = staged[1:]
			if len(w.payload) == 0 {
				continue
			}
			if !fn(w.key, w.payload) {
				return false
			}
		}
		return true
	}

	tbl.index.SearchRangeCall(lo, hi, hasHi, func(k []byte, tuple *Tuple) bool {
		key := Key(k)
		if useSnapshot {
			v, _, ok := tuple.ReadAt(snapTID)
			if !ok {
				return true
			}
			if !fn(key, v) {
				stopped = true
				return false
			}
			return true
		}

		if !flushStagedBelow(key, true) {
			stopped = true
			return false
		}

		// A staged write for this key shadows whatever the index holds.
		if len(staged) > 0 && bytes.Equal(staged[0].key, key) {
			w := staged[0]
			staged = staged[1:]
			if len(w.payload) == 0 {
				return true
			}
			if trackGaps {
				ctx.AddAbsentRange(KeyRange{A: emptyStart, HasB: true, B: cloneBytes(key)})
				emptyStart = successor(key)
			}
			if !fn(key, w.payload) {
				stopped = true
				return false
			}
			return true
		}

		if tuple.StableLatestValueIsNil() {
			return true
		}

		if trackGaps {
			ctx.AddAbsentRange(KeyRange{A: emptyStart, HasB: true, B: cloneBytes(key)})
			emptyStart = successor(key)
		}

		w := tuple.snapshot()
		ctx.recordRead(tuple, w.tid())
		v, _, _ := tuple.ReadAt(w.tid())
		if !fn(key, v) {
			stopped = true
			return false
		}
		return true
	})

	if !stopped && !flushStagedBelow(hi, hasHi) {
		stopped = true
	}

	if trackGaps && !stopped {
		ctx.AddAbsentRange(KeyRange{A: emptyStart, HasB: hasHi, B: cloneBytes(hi)})
	}

	return nil
}

// DebugInfo renders the transaction's state, flags, and per-table
// working-set sizes for post-mortem inspection of an abort.
func (t *Transaction) DebugInfo() string {
	var b strings.Builder
	fmt.Fprintf(&b, "transaction state=%s reason=%q flags=", t.state, t.reason)
	var flagNames []string
	if t.flags&ReadOnly != 0 {
		flagNames = append(flagNames, "READ_ONLY")
	}
	if t.flags&LowLevelScan != 0 {
		flagNames = append(flagNames, "LOW_LEVEL_SCAN")
	}
	if t.flags&ConsistentSnapshot != 0 {
		flagNames = append(flagNames, "CONSISTENT_SNAPSHOT")
	}
	if len(flagNames) == 0 {
		flagNames = append(flagNames, "NONE")
	}
	b.WriteString(strings.Join(flagNames, "|"))
	b.WriteByte('\n')

	names := make([]string, 0, len(t.contexts))
	byName := make(map[string]*TxnContext, len(t.contexts))
	for tbl, ctx := range t.contexts {
		names = append(names, tbl.name)
		byName[tbl.name] = ctx
	}
	sort.Strings(names)
	for _, name := range names {
		ctx := byName[name]
		fmt.Fprintf(&b, "  table %q: reads=%d absent=%d writes=%d ranges=%d nodes=%d\n",
			name, len(ctx.readSet), len(ctx.absent), len(ctx.writeSet),
			len(ctx.absentRanges), len(ctx.nodeScans))
	}
	return b.String()
}
