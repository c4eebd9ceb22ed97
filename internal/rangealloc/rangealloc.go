// Package rangealloc provides pure search over integer ranges: finding a
// single free integer in a bound, and finding a free contiguous block
// against a set of existing, possibly-overlapping-free intervals.
//
// Neither function touches the filesystem or mutates its input; both are
// safe to call outside any lock, which is why uidalloc re-reads the
// identity databases and calls back into this package on every attempt
// rather than caching a result across the critical section.
package rangealloc

import (
	"sort"

	"github.com/nikolasavic/rootprov/internal/identitydb"
)

// FindFirstAvailableInteger returns the least n in [lo, hi] with n not in
// used, or false if every integer in the range is used.
func FindFirstAvailableInteger(lo, hi int, used identitydb.UIDSet) (int, bool) {
	for n := lo; n <= hi; n++ {
		if !used.Contains(n) {
			return n, true
		}
	}
	return 0, false
}

// FindGapForRange returns the smallest s >= desiredStart such that
// [s, s+size-1] is disjoint from every range in existing and
// s+size-1 <= ceiling, or false if no such s exists.
//
// Algorithm: sort existing by start; scan left to right holding a candidate
// c initialized to desiredStart. For each range r, if the candidate block
// ends before r starts, the gap fits and c is returned; otherwise advance c
// past r's end (adjacency is legal — r.End+1 does not overlap r). After the
// scan, the candidate is accepted only if it still fits under ceiling.
func FindGapForRange(existing []identitydb.SubidRange, desiredStart, size, ceiling int) (int, bool) {
	if size <= 0 {
		return 0, false
	}

	sorted := make([]identitydb.SubidRange, len(existing))
	copy(sorted, existing)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	candidate := desiredStart
	for _, r := range sorted {
		candidateEnd := candidate + size - 1
		if candidateEnd < r.Start {
			break // the current candidate already fits before r
		}
		if r.End+1 > candidate {
			candidate = r.End + 1
		}
	}

	if candidate+size-1 > ceiling {
		return 0, false
	}
	return candidate, true
}
