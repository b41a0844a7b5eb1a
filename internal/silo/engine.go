package silo

import (
	"sync"

	gometrics "github.com/rcrowley/go-metrics"
	"go.uber.org/zap"

	"github.com/githubxxcc/silo/internal/index"
	"github.com/githubxxcc/silo/internal/reclaim"
)

// Engine owns a set of named tables sharing one commit-tid protocol, one
// metrics registry, and one logger. Transactions begin against the
// engine and may touch any of its tables; the commit protocol reconciles
// all touched tables at once.
type Engine struct {
	logger  *zap.Logger
	proto   Protocol
	metrics *engineMetrics

	tablesLock sync.RWMutex
	tables     map[string]*Table
}

// EngineOption is a potential customization of an Engine's behavior.
type EngineOption func(*Engine)

// WithLogger sets the engine's structured logger. The default is a no-op
// logger.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithProtocol replaces the engine's default Serial protocol.
func WithProtocol(p Protocol) EngineOption {
	return func(e *Engine) {
		e.proto = p
	}
}

// Open creates an empty engine ready to open tables.
func Open(opts ...EngineOption) *Engine {
	e := &Engine{
		logger:  zap.NewNop(),
		proto:   NewSerial(),
		metrics: newEngineMetrics(),
		tables:  make(map[string]*Table),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// OpenTable returns the named table, creating it with the given number
// of index range shards if it does not exist yet (DefaultShardCount if
// shards <= 0). Reopening an existing table returns it unchanged, so two
// callers racing to open the same name both end up with the same table.
func (e *Engine) OpenTable(name string, shards int) *Table {
	if shards <= 0 {
		shards = DefaultShardCount
	}
	e.tablesLock.Lock()
	defer e.tablesLock.Unlock()
	if t, ok := e.tables[name]; ok {
		return t
	}
	t := &Table{
		name:   name,
		engine: e,
		index:  index.New[*Tuple](shards),
	}
	e.tables[name] = t
	e.logger.Info("opened table", zap.String("table", name), zap.Int("shards", shards))
	return t
}

// Table returns the named table, if it has been opened.
func (e *Engine) Table(name string) (*Table, bool) {
	e.tablesLock.RLock()
	defer e.tablesLock.RUnlock()
	t, ok := e.tables[name]
	return t, ok
}

// Registry exposes the engine's metrics registry for reporting.
func (e *Engine) Registry() gometrics.Registry {
	return e.metrics.registry
}

// Protocol returns the engine's commit-tid protocol.
func (e *Engine) Protocol() Protocol {
	return e.proto
}

// Begin starts a new transaction. A ConsistentSnapshot flag pins the
// transaction to the last committed tid, provided the engine's protocol
// can report one.
func (e *Engine) Begin(flags TxnFlags) *Transaction {
	proto := e.proto
	if flags&ConsistentSnapshot != 0 {
		if last, ok := proto.(interface{ Last() TID }); ok {
			proto = NewSnapshotCallback(e.proto, last.Last())
		}
	}
	return e.BeginWith(flags, proto)
}

// BeginWith starts a new transaction using an explicit protocol, for
// callers that want to supply their own tid minting or snapshot-pinning
// policy. The transaction opens a reclamation region that stays open
// until Finish; every tuple pointer it observes is guaranteed live for
// its duration.
func (e *Engine) BeginWith(flags TxnFlags, proto Protocol) *Transaction {
	return &Transaction{
		engine:   e,
		flags:    flags,
		proto:    proto,
		state:    txnEmbryo,
		region:   reclaim.Begin(),
		contexts: make(map[*Table]*TxnContext),
	}
}

// WithinTransaction runs fn inside a fresh transaction and resolves it
// according to fn's verdict: the transaction commits when fn returns
// (true, nil) and aborts otherwise. The returned error is fn's error, or
// the commit's *AbortError when validation failed.
func (e *Engine) WithinTransaction(flags TxnFlags, fn func(txn *Transaction) (commit bool, err error)) error {
	txn := e.Begin(flags)
	defer func() {
		// Resolve before finishing so a panic in fn unwinds cleanly.
		if txn.state == txnEmbryo || txn.state == txnActive {
			txn.Abort()
		}
		txn.Finish()
	}()
	commit, err := fn(txn)
	if err != nil || !commit {
		txn.Abort()
		return err
	}
	_, err = txn.Commit(false)
	return err
}
