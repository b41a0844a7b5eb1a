package index

import (
	"fmt"
	"testing"
)

func TestSearchMissAndHit(t *testing.T) {
	ix := New[int](16)
	if _, ok := ix.Search([]byte("k")); ok {
		t.Error("search on an empty index should miss")
	}
	if _, _, _, inserted := ix.InsertIfAbsent([]byte("k"), 7); !inserted {
		t.Fatal("insert into an empty index should succeed")
	}
	if v, ok := ix.Search([]byte("k")); !ok || v != 7 {
		t.Errorf("search: want (7, true), got (%d, %v)", v, ok)
	}
}

func TestInsertIfAbsentReportsExisting(t *testing.T) {
	ix := New[int](16)
	ix.InsertIfAbsent([]byte("k"), 1)
	existing, _, _, inserted := ix.InsertIfAbsent([]byte("k"), 2)
	if inserted {
		t.Error("second insert of the same key should fail")
	}
	if existing != 1 {
		t.Errorf("existing value: want 1, got %d", existing)
	}
	if v, _ := ix.Search([]byte("k")); v != 1 {
		t.Errorf("stored value: want 1, got %d", v)
	}
}

func TestInsertBumpsShardVersionByOne(t *testing.T) {
	ix := New[int](16)
	shard := ix.ShardFor([]byte("k"))
	before := shard.Version()
	_, node, preVersion, inserted := ix.InsertIfAbsent([]byte("k"), 1)
	if !inserted {
		t.Fatal("insert should succeed")
	}
	if node != shard {
		t.Error("insert should report the key's shard")
	}
	if preVersion != before {
		t.Errorf("pre-insert version: want %d, got %d", before, preVersion)
	}
	if got := shard.Version(); got != before+1 {
		t.Errorf("post-insert version: want %d, got %d", before+1, got)
	}
}

func TestReplaceKeepsShardVersion(t *testing.T) {
	ix := New[int](16)
	ix.InsertIfAbsent([]byte("k"), 1)
	shard := ix.ShardFor([]byte("k"))
	before := shard.Version()
	old, existed := ix.Insert([]byte("k"), 2)
	if !existed || old != 1 {
		t.Errorf("replace: want old (1, true), got (%d, %v)", old, existed)
	}
	if got := shard.Version(); got != before {
		t.Errorf("replacing a value should not change the structural version: want %d, got %d", before, got)
	}
}

func TestSearchRangeCallVisitsInOrderAcrossShards(t *testing.T) {
	ix := New[int](16)
	keys := []string{"alpha", "mike", "zulu", "bravo", "yankee", "charlie"}
	for i, k := range keys {
		ix.InsertIfAbsent([]byte(k), i)
	}
	var visited []string
	ix.SearchRangeCall([]byte("a"), nil, false, func(k []byte, _ int) bool {
		visited = append(visited, string(k))
		return true
	})
	want := []string{"alpha", "bravo", "charlie", "mike", "yankee", "zulu"}
	if fmt.Sprint(visited) != fmt.Sprint(want) {
		t.Errorf("range visit order: want %v, got %v", want, visited)
	}
}

func TestSearchRangeCallRespectsBounds(t *testing.T) {
	ix := New[int](16)
	for _, k := range []string{"a", "b", "c", "d"} {
		ix.InsertIfAbsent([]byte(k), 0)
	}
	var visited []string
	ix.SearchRangeCall([]byte("b"), []byte("d"), true, func(k []byte, _ int) bool {
		visited = append(visited, string(k))
		return true
	})
	if fmt.Sprint(visited) != fmt.Sprint([]string{"b", "c"}) {
		t.Errorf("bounded range: want [b c], got %v", visited)
	}
}

func TestSearchRangeCallStopsEarly(t *testing.T) {
	ix := New[int](16)
	for _, k := range []string{"a", "b", "c"} {
		ix.InsertIfAbsent([]byte(k), 0)
	}
	var visited int
	ix.SearchRangeCall([]byte("a"), nil, false, func([]byte, int) bool {
		visited++
		return false
	})
	if visited != 1 {
		t.Errorf("early stop: want 1 visit, got %d", visited)
	}
}

func TestShardsInRangeCoverTheRequest(t *testing.T) {
	ix := New[int](16)
	shards := ix.ShardsInRange([]byte("a"), []byte("z"), true)
	if len(shards) == 0 {
		t.Fatal("a nonempty key range should touch at least one shard")
	}
	if got := ix.ShardsInRange([]byte("a"), nil, false); len(got) < len(shards) {
		t.Error("an unbounded range should touch at least as many shards")
	}
}
