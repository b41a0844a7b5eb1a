package index

// Index is an ordered key-value index partitioned into a fixed number of
// range shards, each an independent btree.BTree guarded by its own lock
// and structural version counter.
//
// Hash-partitioning would spread point-lookup traffic more evenly across
// the shard locks, but an ordered scan needs range locality, so the index
// partitions by the key's leading byte projected down to the shard count.
// Each shard owns a contiguous slice of the keyspace, and a range scan
// only has to touch the shards whose slice intersects the requested
// range, visiting them in order with no cross-shard merge required.
type Index[V any] struct {
	shards []*Shard[V]
}

// New creates an Index with the given number of range shards. numShards
// must be at least 1; it is clamped to 256 since shard boundaries are
// chosen at byte granularity.
func New[V any](numShards int) *Index[V] {
	if numShards < 1 {
		numShards = 1
	}
	if numShards > 256 {
		numShards = 256
	}
	shards := make([]*Shard[V], numShards)
	for i := range shards {
		shards[i] = newShard[V]()
	}
	return &Index[V]{shards: shards}
}

func (ix *Index[V]) shardIndex(b byte) int {
	return int(b) * len(ix.shards) / 256
}

func (ix *Index[V]) shardIndexForKey(key []byte) int {
	if len(key) == 0 {
		return 0
	}
	return ix.shardIndex(key[0])
}

// ShardFor returns the shard responsible for key.
func (ix *Index[V]) ShardFor(key []byte) *Shard[V] {
	return ix.shards[ix.shardIndexForKey(key)]
}

// Search returns the value stored under key, if any.
func (ix *Index[V]) Search(key []byte) (V, bool) {
	return ix.ShardFor(key).Search(key)
}

// InsertIfAbsent inserts value under key only if key has no entry at all
// yet (not even a tombstoned one). It additionally reports the shard the
// key landed in and that shard's structural version before the insert,
// for callers that recorded the shard's version during an earlier scan.
func (ix *Index[V]) InsertIfAbsent(key []byte, value V) (existing V, node *Shard[V], preVersion uint64, inserted bool) {
	node = ix.ShardFor(key)
	existing, preVersion, inserted = node.InsertIfAbsent(key, value)
	return existing, node, preVersion, inserted
}

// Insert unconditionally stores value under key, returning the value
// previously stored there (if any) and whether the key pre-existed.
func (ix *Index[V]) Insert(key []byte, value V) (old V, existed bool) {
	return ix.ShardFor(key).Replace(key, value)
}

// shardRange returns the inclusive [startIdx, endIdx] shard indices whose
// key-prefix range can intersect [lo, hi) (or [lo, +inf) when hasHi is
// false).
func (ix *Index[V]) shardRange(lo, hi []byte, hasHi bool) (int, int) {
	start := ix.shardIndexForKey(lo)
	if !hasHi {
		return start, len(ix.shards) - 1
	}
	end := len(ix.shards) - 1
	if len(hi) > 0 {
		end = ix.shardIndex(hi[0])
		if end >= len(ix.shards) {
			end = len(ix.shards) - 1
		}
	}
	if end < start {
		end = start
	}
	return start, end
}

// SearchRangeCall visits every (key, value) pair with key in [lo, hi) (or
// [lo, +inf) when hasHi is false), in ascending order, calling fn for
// each until fn returns false.
func (ix *Index[V]) SearchRangeCall(lo, hi []byte, hasHi bool, fn func(key []byte, value V) bool) {
	start, end := ix.shardRange(lo, hi, hasHi)
	for i := start; i <= end; i++ {
		stop := false
		ix.shards[i].AscendRange(lo, hi, hasHi, func(k []byte, v V) bool {
			if !fn(k, v) {
				stop = true
				return false
			}
			return true
		})
		if stop {
			return
		}
	}
}

// ShardsInRange returns the shards (as ScanNode structural-version hooks)
// that a low-level scan over [lo, hi) touches.
func (ix *Index[V]) ShardsInRange(lo, hi []byte, hasHi bool) []*Shard[V] {
	start, end := ix.shardRange(lo, hi, hasHi)
	out := make([]*Shard[V], 0, end-start+1)
	for i := start; i <= end; i++ {
		out = append(out, ix.shards[i])
	}
	return out
}
