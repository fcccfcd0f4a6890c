package intervals

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUnionMergesOverlappingAndAdjacent(t *testing.T) {
	t.Parallel()

	got := Union([]Interval{{Start: 4, End: 5}, {Start: 0, End: 2}, {Start: 3, End: 3}, {Start: 10, End: 12}})
	require.Equal(t, []Interval{{Start: 0, End: 5}, {Start: 10, End: 12}}, got)
}

func TestUnionIsIdempotentAndCommutative(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 50; i++ {
		xs := make([]Interval, rng.Intn(10)+1)
		for j := range xs {
			start := uint64(rng.Intn(1000))
			xs[j] = Interval{Start: start, End: start + uint64(rng.Intn(100))}
		}
		once := Union(xs)
		require.Equal(t, once, Union(once), "idempotence")

		shuffled := make([]Interval, len(xs))
		copy(shuffled, xs)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		require.Equal(t, once, Union(shuffled), "commutativity")

		// Result is sorted and disjoint.
		for j := 1; j < len(once); j++ {
			require.Greater(t, once[j].Start, once[j-1].End+1)
		}
	}
}

func TestIntersection(t *testing.T) {
	t.Parallel()

	got := Intersection(
		[]Interval{{Start: 0, End: 100}},
		[]Interval{{Start: 50, End: 200}},
	)
	require.Equal(t, []Interval{{Start: 50, End: 100}}, got)

	require.Empty(t, Intersection(
		[]Interval{{Start: 0, End: 10}},
		[]Interval{{Start: 11, End: 20}},
	))
}

func TestIntersectionMany(t *testing.T) {
	t.Parallel()

	got := IntersectionMany([][]Interval{
		{{Start: 0, End: 100}, {Start: 200, End: 300}},
		{{Start: 50, End: 250}},
		{{Start: 0, End: 300}},
	})
	require.Equal(t, []Interval{{Start: 50, End: 100}, {Start: 200, End: 250}}, got)

	require.Nil(t, IntersectionMany(nil))
	require.Empty(t, IntersectionMany([][]Interval{{{Start: 0, End: 5}}, nil}))
}

func TestDifference(t *testing.T) {
	t.Parallel()

	got := Difference(
		[]Interval{{Start: 0, End: 10}, {Start: 20, End: 30}},
		[]Interval{{Start: 5, End: 25}},
	)
	require.Equal(t, []Interval{{Start: 0, End: 4}, {Start: 26, End: 30}}, got)

	require.Empty(t, Difference(
		[]Interval{{Start: 3, End: 7}},
		[]Interval{{Start: 0, End: 10}},
	))

	require.Equal(t,
		[]Interval{{Start: 0, End: 10}},
		Difference([]Interval{{Start: 0, End: 10}}, nil),
	)
}

func TestTotalBlocks(t *testing.T) {
	t.Parallel()

	require.Equal(t, uint64(12), TotalBlocks([]Interval{{Start: 0, End: 10}, {Start: 100, End: 100}}))
}
