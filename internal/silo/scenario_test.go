package silo

import (
	"errors"
	"testing"
)

// seed commits key -> value in its own transaction.
func seed(t *testing.T, engine *Engine, tbl *Table, key Key, value Value) {
	t.Helper()
	if err := engine.WithinTransaction(0, func(txn *Transaction) (bool, error) {
		return true, txn.Upsert(tbl, key, value)
	}); err != nil {
		t.Fatal(err)
	}
}

func wantAbortReason(t *testing.T, txn *Transaction, want AbortReason) {
	t.Helper()
	ok, err := txn.Commit(false)
	if ok || err == nil {
		t.Fatalf("commit: want abort with %v, got success", want)
	}
	var abort *AbortError
	if !errors.As(err, &abort) {
		t.Fatalf("commit error: want *AbortError, got %v", err)
	}
	if abort.Reason != want {
		t.Errorf("abort reason: want %v, got %v\n%s", want, abort.Reason, txn.DebugInfo())
	}
}

// An empty transaction commits successfully without minting a commit tid.
func TestEmptyCommitMintsNoTID(t *testing.T) {
	engine, _ := testTable(t)
	serial := engine.Protocol().(*Serial)
	txn := engine.Begin(0)
	defer txn.Finish()
	mustCommit(t, txn)
	if got := serial.Last(); got != NoTID {
		t.Errorf("commit tid counter: want untouched (%d), got %d", NoTID, got)
	}
}

// A snapshot pinned before a committed insert must not see it; one
// pinned after must.
func TestSnapshotReadsAreStable(t *testing.T) {
	engine, tbl := testTable(t)
	serial := engine.Protocol().(*Serial)

	before := serial.Last()
	seed(t, engine, tbl, Key("k"), Value("v"))
	after := serial.Last()
	if after == before {
		t.Fatal("seeding should have advanced the commit tid")
	}

	old := engine.BeginWith(ReadOnly, NewSnapshotCallback(serial, before))
	defer old.Finish()
	if _, found, err := old.Get(tbl, Key("k")); err != nil || found {
		t.Errorf("snapshot before insert: want absent, got (found=%v, err=%v)", found, err)
	}
	mustCommit(t, old)

	current := engine.BeginWith(ReadOnly, NewSnapshotCallback(serial, after))
	defer current.Finish()
	if v, found, err := current.Get(tbl, Key("k")); err != nil || !found || string(v) != "v" {
		t.Errorf("snapshot after insert: want v, got (%q, %v, %v)", v, found, err)
	}
	mustCommit(t, current)
}

// Two transactions racing to create the same key: the loser observed the
// key absent, so its validation must fail once the winner has committed.
func TestWriteWriteConflictOnAbsentKey(t *testing.T) {
	engine, tbl := testTable(t)
	key := Key("k")

	a := engine.Begin(0)
	defer a.Finish()
	b := engine.Begin(0)
	defer b.Finish()

	if _, found, err := a.Get(tbl, key); err != nil || found {
		t.Fatalf("a's read: want absent, got (found=%v, err=%v)", found, err)
	}
	if err := a.Insert(tbl, key, Value("1")); err != nil {
		t.Fatal(err)
	}

	if _, found, err := b.Get(tbl, key); err != nil || found {
		t.Fatalf("b's read: want absent, got (found=%v, err=%v)", found, err)
	}
	if err := b.Insert(tbl, key, Value("2")); err != nil {
		t.Fatal(err)
	}

	mustCommit(t, b)
	wantAbortReason(t, a, ReadAbsenceInterference)
	confirmRecordIsPresent(t, engine, tbl, key, Value("2"))
}

// A scanner that observed a range empty must abort when a concurrent
// insert lands in the range before the scanner commits.
func TestPhantomAbortsAbsentRangeMode(t *testing.T) {
	engine, tbl := testTable(t)
	seed(t, engine, tbl, Key("zz"), Value("sentinel"))

	a := engine.Begin(0)
	defer a.Finish()
	if err := a.Scan(tbl, Key("a"), Key("z"), true, func(Key, Value) bool {
		t.Error("the scanned range should be empty")
		return false
	}); err != nil {
		t.Fatal(err)
	}
	if err := a.Update(tbl, Key("zz"), Value("x")); err != nil {
		t.Fatal(err)
	}

	seed(t, engine, tbl, Key("m"), Value("phantom"))

	wantAbortReason(t, a, WriteNodeInterference)
}

func TestPhantomAbortsLowLevelScanMode(t *testing.T) {
	engine, tbl := testTable(t)
	seed(t, engine, tbl, Key("zz"), Value("sentinel"))

	a := engine.Begin(LowLevelScan)
	defer a.Finish()
	if err := a.Scan(tbl, Key("a"), Key("z"), true, func(Key, Value) bool {
		t.Error("the scanned range should be empty")
		return false
	}); err != nil {
		t.Fatal(err)
	}
	if err := a.Update(tbl, Key("zz"), Value("x")); err != nil {
		t.Fatal(err)
	}

	seed(t, engine, tbl, Key("m"), Value("phantom"))

	wantAbortReason(t, a, NodeScanReadVersionChanged)
}

// Without interference, the scanning writer commits in both modes.
func TestScanThenWriteCommitsWithoutInterference(t *testing.T) {
	for _, flags := range []TxnFlags{0, LowLevelScan} {
		engine, tbl := testTable(t)
		seed(t, engine, tbl, Key("zz"), Value("sentinel"))

		a := engine.Begin(flags)
		if err := a.Scan(tbl, Key("a"), Key("z"), true, func(Key, Value) bool { return true }); err != nil {
			t.Fatal(err)
		}
		if err := a.Update(tbl, Key("zz"), Value("x")); err != nil {
			t.Fatal(err)
		}
		mustCommit(t, a)
		a.Finish()
		confirmRecordIsPresent(t, engine, tbl, Key("zz"), Value("x"))
	}
}

// Logical delete, read-as-absent, re-insert, read-back; the delete hook
// fires exactly once.
func TestLogicalDeleteThenReinsert(t *testing.T) {
	engine, tbl := testTable(t)
	serial := engine.Protocol().(*Serial)
	deletes := 0
	serial.DeleteHook = func(_ *Table, key Key, _ *Tuple) {
		if string(key) == "k" {
			deletes++
		}
	}

	seed(t, engine, tbl, Key("k"), Value("v1"))

	if err := engine.WithinTransaction(0, func(txn *Transaction) (bool, error) {
		deleted, err := txn.Delete(tbl, Key("k"))
		if err != nil {
			return false, err
		}
		if !deleted {
			t.Error("delete should have found the record")
		}
		return true, nil
	}); err != nil {
		t.Fatal(err)
	}

	confirmRecordIsAbsent(t, engine, tbl, Key("k"))

	if err := engine.WithinTransaction(0, func(txn *Transaction) (bool, error) {
		return true, txn.Insert(tbl, Key("k"), Value("v2"))
	}); err != nil {
		t.Fatal(err)
	}

	confirmRecordIsPresent(t, engine, tbl, Key("k"), Value("v2"))

	if deletes != 1 {
		t.Errorf("delete hook invocations for k: want 1, got %d", deletes)
	}
}

// The spill hook fires when a commit pushes an older version into a
// tuple's tail.
func TestSpillHookFiresOnOverwrite(t *testing.T) {
	engine, tbl := testTable(t)
	serial := engine.Protocol().(*Serial)
	spills := 0
	serial.SpillHook = func(*Table, Key, *Tuple) { spills++ }

	seed(t, engine, tbl, Key("k"), Value("v1"))
	if spills != 0 {
		t.Fatalf("a fresh insert should not spill, got %d", spills)
	}
	seed(t, engine, tbl, Key("k"), Value("v2"))
	if spills != 1 {
		t.Errorf("overwriting should spill once, got %d", spills)
	}
}

// A transaction whose read is overwritten before it commits must abort.
func TestStaleReadAborts(t *testing.T) {
	engine, tbl := testTable(t)
	seed(t, engine, tbl, Key("k"), Value("v1"))
	seed(t, engine, tbl, Key("other"), Value("x"))

	a := engine.Begin(0)
	defer a.Finish()
	if _, found, err := a.Get(tbl, Key("k")); err != nil || !found {
		t.Fatalf("a's read: want present, got (found=%v, err=%v)", found, err)
	}
	if err := a.Update(tbl, Key("other"), Value("y")); err != nil {
		t.Fatal(err)
	}

	seed(t, engine, tbl, Key("k"), Value("v2"))

	wantAbortReason(t, a, ReadNodeInterference)
}

// A key observed tombstoned must still be tombstoned at commit.
func TestResurrectedTombstoneAborts(t *testing.T) {
	engine, tbl := testTable(t)
	seed(t, engine, tbl, Key("k"), Value("v1"))
	if err := engine.WithinTransaction(0, func(txn *Transaction) (bool, error) {
		_, err := txn.Delete(tbl, Key("k"))
		return true, err
	}); err != nil {
		t.Fatal(err)
	}
	seed(t, engine, tbl, Key("other"), Value("x"))

	a := engine.Begin(0)
	defer a.Finish()
	if _, found, err := a.Get(tbl, Key("k")); err != nil || found {
		t.Fatalf("a's read: want absent, got (found=%v, err=%v)", found, err)
	}
	if err := a.Update(tbl, Key("other"), Value("y")); err != nil {
		t.Fatal(err)
	}

	seed(t, engine, tbl, Key("k"), Value("v2"))

	wantAbortReason(t, a, ReadAbsenceInterference)
}

// Version-chain spills to replacement tuples must stay transparent to
// readers: overwrite a key enough times to overflow maxInlineVersions.
func TestLatestReplacementStaysReadable(t *testing.T) {
	engine, tbl := testTable(t)
	key := Key("k")
	var last Value
	for i := 0; i < maxInlineVersions*3; i++ {
		last = Value{byte('a' + i%26)}
		seed(t, engine, tbl, key, last)
	}
	confirmRecordIsPresent(t, engine, tbl, key, last)
	if engine.metrics.latestReplacement.Count() == 0 {
		t.Error("overflowing the inline chain should have replaced the latest tuple")
	}
}
