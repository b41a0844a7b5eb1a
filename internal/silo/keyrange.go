package silo

import (
	"bytes"
	"fmt"
	"sort"
)

// KeyRange is a half-open key interval [A, B), or [A, +Inf) when HasB is
// false. It is used to record the key ranges a transaction has observed
// entirely empty, for phantom protection when LowLevelScan is not set.
type KeyRange struct {
	A    Key
	HasB bool
	B    Key
}

// IsEmptyRange reports whether the range is bounded and degenerate (A == B).
func (r KeyRange) IsEmptyRange() bool {
	return r.HasB && bytes.Equal(r.A, r.B)
}

// Contains reports whether r fully contains other.
func (r KeyRange) Contains(other KeyRange) bool {
	if bytes.Compare(other.A, r.A) < 0 {
		return false
	}
	if !r.HasB {
		return true
	}
	if !other.HasB {
		return false
	}
	return bytes.Compare(other.B, r.B) <= 0
}

// KeyInRange reports whether k falls within [A, B) (or [A, +Inf)).
func (r KeyRange) KeyInRange(k Key) bool {
	if bytes.Compare(k, r.A) < 0 {
		return false
	}
	return !r.HasB || bytes.Compare(k, r.B) < 0
}

func (r KeyRange) String() string {
	if !r.HasB {
		return fmt.Sprintf("[%x, +inf)", []byte(r.A))
	}
	return fmt.Sprintf("[%x, %x)", []byte(r.A), []byte(r.B))
}

// AssertValidRangeSet reports an error if ranges is not sorted by A,
// pairwise disjoint, and free of adjacent ranges that should have been
// merged (i.e. no range's B equals the next range's A).
func AssertValidRangeSet(ranges []KeyRange) error {
	for i, r := range ranges {
		if r.HasB && bytes.Compare(r.A, r.B) > 0 {
			return fmt.Errorf("range %d (%s) has A > B", i, r)
		}
		if i == 0 {
			continue
		}
		prev := ranges[i-1]
		if !prev.HasB {
			return fmt.Errorf("unbounded range %d (%s) is followed by range %d (%s)", i-1, prev, i, r)
		}
		switch cmp := bytes.Compare(prev.B, r.A); {
		case cmp > 0:
			return fmt.Errorf("range %d (%s) overlaps range %d (%s)", i-1, prev, i, r)
		case cmp == 0:
			return fmt.Errorf("range %d (%s) is adjacent to range %d (%s) and should have been merged", i-1, prev, i, r)
		}
	}
	return nil
}

// keyInAbsentRangeSet binary-searches a normalized, sorted, disjoint range
// set for a range containing k.
func keyInAbsentRangeSet(ranges []KeyRange, k Key) bool {
	// Find the first range whose A is strictly greater than k; the range
	// that might contain k is the one just before it.
	idx := sort.Search(len(ranges), func(i int) bool {
		return bytes.Compare(ranges[i].A, k) > 0
	})
	if idx == 0 {
		return false
	}
	return ranges[idx-1].KeyInRange(k)
}

// addAbsentRange merges x into the sorted, disjoint, maximally-merged
// range set ranges, returning the updated set: binary-search for the
// insertion point, merge leftward across a touching predecessor, then
// walk rightward subsuming every range x overlaps or touches.
func addAbsentRange(ranges []KeyRange, x KeyRange) []KeyRange {
	if x.IsEmptyRange() {
		return ranges
	}

	// it is the index of the first range whose A is strictly greater than
	// x.A, or of its predecessor when that predecessor extends past x.A.
	it := sort.Search(len(ranges), func(i int) bool {
		return bytes.Compare(ranges[i].A, x.A) > 0
	})
	if it > 0 && (!ranges[it-1].HasB || bytes.Compare(ranges[it-1].B, x.A) > 0) {
		it--
	}

	if it == len(ranges) {
		if len(ranges) > 0 && ranges[len(ranges)-1].HasB && bytes.Equal(ranges[len(ranges)-1].B, x.A) {
			ranges[len(ranges)-1].HasB = x.HasB
			ranges[len(ranges)-1].B = x.B
			return ranges
		}
		out := append(append([]KeyRange{}, ranges...), x)
		mustBeValid(out)
		return out
	}

	if ranges[it].Contains(x) {
		return ranges
	}

	mergeLeft := it > 0 && ranges[it-1].HasB && bytes.Equal(ranges[it-1].B, x.A)

	var newRanges []KeyRange
	if mergeLeft {
		newRanges = append(newRanges, ranges[:it-1]...)
	} else {
		newRanges = append(newRanges, ranges[:it]...)
	}

	var leftKey Key
	if mergeLeft {
		leftKey = ranges[it-1].A
	} else if bytes.Compare(ranges[it].A, x.A) < 0 {
		leftKey = ranges[it].A
	} else {
		leftKey = x.A
	}

	if x.HasB {
		if !ranges[it].HasB || bytes.Compare(ranges[it].B, x.B) >= 0 {
			// it's upper bound subsumes x's; no need to look right.
			if bytes.Compare(x.B, ranges[it].A) < 0 {
				newRanges = append(newRanges, KeyRange{A: leftKey, HasB: true, B: x.B})
				newRanges = append(newRanges, ranges[it:]...)
			} else {
				newRanges = append(newRanges, KeyRange{A: leftKey, HasB: ranges[it].HasB, B: ranges[it].B})
				newRanges = append(newRanges, ranges[it+1:]...)
			}
		} else {
			it1 := it + 1
			for ; it1 < len(ranges); it1++ {
				if bytes.Compare(ranges[it1].A, x.B) >= 0 || !ranges[it1].HasB || bytes.Compare(ranges[it1].B, x.B) >= 0 {
					break
				}
			}
			if it1 == len(ranges) {
				newRanges = append(newRanges, KeyRange{A: leftKey, HasB: true, B: x.B})
			} else if bytes.Compare(ranges[it1].A, x.B) <= 0 {
				newRanges = append(newRanges, KeyRange{A: leftKey, HasB: ranges[it1].HasB, B: ranges[it1].B})
				newRanges = append(newRanges, ranges[it1+1:]...)
			} else {
				newRanges = append(newRanges, KeyRange{A: leftKey, HasB: true, B: x.B})
				newRanges = append(newRanges, ranges[it1:]...)
			}
		}
	} else {
		newRanges = append(newRanges, KeyRange{A: leftKey})
	}

	mustBeValid(newRanges)
	return newRanges
}

func mustBeValid(ranges []KeyRange) {
	if err := AssertValidRangeSet(ranges); err != nil {
		panic(fmt.Sprintf("absent range set invariant violated: %v", err))
	}
}
