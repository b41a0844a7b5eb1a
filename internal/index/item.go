package index

import (
	"bytes"

	"github.com/google/btree"
)

// entry adapts a (key, value) pair to google/btree's classic btree.Item
// interface, which orders items by Less alone. V is the record type the
// index is instantiated over (normally *silo.Tuple, kept generic here so
// this package has no dependency on the engine package that uses it).
type entry[V any] struct {
	key   []byte
	value V
}

func (e *entry[V]) Less(than btree.Item) bool {
	return bytes.Compare(e.key, than.(*entry[V]).key) < 0
}

func newSearchKey[V any](key []byte) *entry[V] {
	return &entry[V]{key: key}
}
