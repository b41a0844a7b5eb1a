package silo

import (
	"errors"
	"fmt"
)

// AbortReason is a closed taxonomy of why the commit protocol aborted a
// transaction.
type AbortReason int

const (
	// NoAbortReason is the zero value, used only before an abort occurs.
	NoAbortReason AbortReason = iota
	// WriteNodeInterference means a write target is no longer the latest
	// version, is being deleted, has an unreadable tid, or a scanned leaf
	// was structurally changed concurrently.
	WriteNodeInterference
	// ReadNodeInterference means a read-set tuple is no longer the version
	// the transaction originally observed.
	ReadNodeInterference
	// ReadAbsenceInterference means a key previously observed absent (or
	// logically deleted) now has a non-nil latest value.
	ReadAbsenceInterference
	// NodeScanReadVersionChanged means low-level-scan mode detected that a
	// scanned shard's structural version counter changed.
	NodeScanReadVersionChanged
	// UserAborted means the application called Abort rather than Commit.
	UserAborted
)

func (r AbortReason) String() string {
	switch r {
	case WriteNodeInterference:
		return "write node interference"
	case ReadNodeInterference:
		return "read node interference"
	case ReadAbsenceInterference:
		return "read absence interference"
	case NodeScanReadVersionChanged:
		return "node scan read version changed"
	case UserAborted:
		return "user aborted"
	default:
		return "no abort"
	}
}

// ErrTransactionAbort is the sentinel against which callers should test an
// aborted commit/abort outcome using errors.Is.
var ErrTransactionAbort = errors.New("transaction abort")

// AbortError reports that a transaction was aborted, carrying the reason
// from the closed taxonomy above. It is either returned from Commit
// (doThrow == false) or raised via panic (doThrow == true); Abort never
// returns it.
type AbortError struct {
	Reason AbortReason
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("transaction abort: %s", e.Reason)
}

func (e *AbortError) Is(err error) bool {
	if err == ErrTransactionAbort {
		return true
	}
	other, ok := err.(*AbortError)
	return ok && other.Reason == e.Reason
}

// ErrTransactionUnusable is returned when a caller reads or writes through
// a transaction that has already committed or aborted, or aborts one that
// has already committed.
var ErrTransactionUnusable = errors.New("transaction unusable")

// ErrRecordExists is returned by Transaction.Insert when a record under the
// given key is already visible to the transaction.
var ErrRecordExists = errors.New("record exists")

type recordExistsError string

func (e recordExistsError) Error() string {
	return fmt.Sprintf("record with key %q exists", string(e))
}

func (e recordExistsError) Is(err error) bool {
	if err == ErrRecordExists {
		return true
	}
	downcasted, ok := err.(recordExistsError)
	return ok && downcasted == e
}

// ErrRecordDoesNotExist is returned by Transaction.Update when no record
// under the given key is visible to the transaction.
var ErrRecordDoesNotExist = errors.New("record does not exist")

type recordDoesNotExistError string

func (e recordDoesNotExistError) Error() string {
	return fmt.Sprintf("record with key %q does not exist", string(e))
}

func (e recordDoesNotExistError) Is(err error) bool {
	if err == ErrRecordDoesNotExist {
		return true
	}
	downcasted, ok := err.(recordDoesNotExistError)
	return ok && downcasted == e
}
