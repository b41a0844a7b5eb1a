package silo

import (
	"github.com/githubxxcc/silo/internal/index"
)

// DefaultShardCount is the number of range shards a table's index is
// partitioned into when none is given to OpenTable.
const DefaultShardCount = 16

// TxnFlags configures a transaction's scan semantics and read-only
// status at Begin time.
type TxnFlags uint32

const (
	// ReadOnly marks a transaction as never issuing Insert/Update/Delete.
	// Combined with a consistent snapshot, it serializes at its start
	// tid and skips commit-time read validation entirely.
	ReadOnly TxnFlags = 1 << iota
	// LowLevelScan switches Scan from recording absent key ranges to
	// recording the structural version of every index shard it visits,
	// trading precision (any insert/delete anywhere in a touched shard
	// aborts the scanner) for not having to materialize gap ranges.
	LowLevelScan
	// ConsistentSnapshot pins a ReadOnly transaction to the tid last
	// committed at Begin time.
	ConsistentSnapshot
)

// Table is a single ordered keyspace within an engine.
type Table struct {
	name   string
	engine *Engine
	index  *index.Index[*Tuple]
}

// Name returns the table's name.
func (t *Table) Name() string {
	return t.name
}

// Engine returns the engine this table belongs to.
func (t *Table) Engine() *Engine {
	return t.engine
}

// Begin starts a new transaction against this table's engine.
func (t *Table) Begin(flags TxnFlags) *Transaction {
	return t.engine.Begin(flags)
}
