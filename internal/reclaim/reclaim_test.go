package reclaim

import "testing"

func TestDeferWithNoOpenRegions(t *testing.T) {
	ran := false
	Defer(func() { ran = true })
	if !ran {
		t.Error("deferred function should run immediately with no open regions")
	}
}

func TestDeferWaitsForOpenRegion(t *testing.T) {
	region := Begin()
	ran := false
	Defer(func() { ran = true })
	if ran {
		t.Fatal("deferred function ran while a region that predates it was still open")
	}
	region.End()
	if !ran {
		t.Error("deferred function should run once the last predating region ends")
	}
}

func TestLaterRegionsDoNotDelayEarlierDeferred(t *testing.T) {
	older := Begin()
	ran := false
	Defer(func() { ran = true })
	newer := Begin()
	older.End()
	if !ran {
		t.Error("a region opened after Defer should not delay the deferred function")
	}
	newer.End()
}

func TestDeferredRunInQueueOrder(t *testing.T) {
	region := Begin()
	var order []int
	Defer(func() { order = append(order, 1) })
	Defer(func() { order = append(order, 2) })
	region.End()
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("deferred functions ran as %v, want [1 2]", order)
	}
}

func TestDoubleEndPanics(t *testing.T) {
	region := Begin()
	region.End()
	defer func() {
		if recover() == nil {
			t.Error("ending a region twice should panic")
		}
	}()
	region.End()
}
