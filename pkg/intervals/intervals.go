// Package intervals implements the closed-closed block range algebra used by
// the sync store's interval bookkeeping.
package intervals

import (
	"fmt"
	"math"
	"sort"
)

// Interval is a closed-closed range of block numbers.
type Interval struct {
	Start uint64
	End   uint64
}

// New returns the interval [start, end].
func New(start, end uint64) Interval {
	return Interval{Start: start, End: end}
}

// Validate checks the interval is well formed.
func (i Interval) Validate() error {
	if i.Start > i.End {
		return fmt.Errorf("interval start %d is greater than end %d", i.Start, i.End)
	}
	return nil
}

// Union returns the minimal sorted list of disjoint intervals covering xs.
// Adjacent ranges merge: [1,3] and [4,5] become [1,5].
func Union(xs []Interval) []Interval {
	if len(xs) == 0 {
		return nil
	}
	sorted := make([]Interval, len(xs))
	copy(sorted, xs)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].End < sorted[j].End
	})

	out := []Interval{sorted[0]}
	for _, iv := range sorted[1:] {
		last := &out[len(out)-1]
		if iv.Start <= last.End || (last.End != math.MaxUint64 && iv.Start == last.End+1) {
			if iv.End > last.End {
				last.End = iv.End
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

// Intersection returns the pointwise intersection of two sorted disjoint
// interval lists.
func Intersection(a, b []Interval) []Interval {
	var out []Interval
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		start := maxUint64(a[i].Start, b[j].Start)
		end := minUint64(a[i].End, b[j].End)
		if start <= end {
			out = append(out, Interval{Start: start, End: end})
		}
		if a[i].End < b[j].End {
			i++
		} else {
			j++
		}
	}
	return out
}

// IntersectionMany intersects every list in xss. The intersection of zero
// lists is empty.
func IntersectionMany(xss [][]Interval) []Interval {
	if len(xss) == 0 {
		return nil
	}
	out := Union(xss[0])
	for _, xs := range xss[1:] {
		out = Intersection(out, Union(xs))
	}
	return out
}

// Difference returns the ranges of a not covered by b. Both inputs may be
// unsorted and overlapping.
func Difference(a, b []Interval) []Interval {
	a, b = Union(a), Union(b)
	var out []Interval
	j := 0
	for _, iv := range a {
		start := iv.Start
		covered := false
		for j < len(b) && b[j].End < start {
			j++
		}
		for k := j; k < len(b) && b[k].Start <= iv.End; k++ {
			if b[k].Start > start {
				out = append(out, Interval{Start: start, End: b[k].Start - 1})
			}
			if b[k].End >= iv.End {
				covered = true
				break
			}
			start = b[k].End + 1
		}
		if !covered && start <= iv.End {
			out = append(out, Interval{Start: start, End: iv.End})
		}
	}
	return out
}

// TotalBlocks counts the blocks covered by a disjoint interval list.
func TotalBlocks(xs []Interval) uint64 {
	var n uint64
	for _, iv := range xs {
		n += iv.End - iv.Start + 1
	}
	return n
}

func minUint64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func maxUint64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
