package matching

import (
	"math/rand"
	"testing"

	"cardalign/internal/features"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// randomSet builds n keypoints with pseudo-random 32-byte descriptors.
// Random descriptors sit at Hamming distance ~128 from each other, far
// apart by any matching standard.
func randomSet(n int, seed int64) features.Set {
	rng := rand.New(rand.NewSource(seed))
	set := features.Set{
		Keypoints:   make([]features.Keypoint, n),
		Descriptors: make([][]byte, n),
	}
	for i := 0; i < n; i++ {
		set.Keypoints[i] = features.Keypoint{X: float64(i), Y: float64(i * 2)}
		d := make([]byte, features.DescriptorSize)
		rng.Read(d)
		set.Descriptors[i] = d
	}
	return set
}

// flipBits returns a copy of d with the first k bits inverted.
func flipBits(d []byte, k int) []byte {
	out := make([]byte, len(d))
	copy(out, d)
	for i := 0; i < k; i++ {
		out[i/8] ^= 1 << (uint(i) % 8)
	}
	return out
}

// flipBit returns a copy of d with one specific bit inverted.
func flipBit(d []byte, bit int) []byte {
	out := make([]byte, len(d))
	copy(out, d)
	out[bit/8] ^= 1 << (uint(bit) % 8)
	return out
}

func TestHamming(t *testing.T) {
	a := make([]byte, 32)
	b := flipBits(a, 5)
	assert.Equal(t, 5, hamming(a, b))
	assert.Equal(t, 0, hamming(a, a))
}

func TestLSHFindsExactNeighbor(t *testing.T) {
	train := randomSet(64, 7)
	idx := newLSHIndex(train.Descriptors, 6, 12, 1, 1)

	for i, d := range train.Descriptors {
		best, _, bestDist, _, found := idx.knn2(d)
		require.GreaterOrEqual(t, found, 1)
		assert.Equal(t, i, best)
		assert.Equal(t, 0, bestDist)
	}
}

func TestLSHFindsOneBitNeighbor(t *testing.T) {
	// A query at Hamming distance 1 from a train descriptor differs in
	// at most one sampled key bit per table, so with multi-probe level 1
	// its bucket is always reached. This makes the distance-1 case exact
	// rather than approximate.
	train := randomSet(64, 11)
	idx := newLSHIndex(train.Descriptors, 6, 12, 1, 1)

	for i, d := range train.Descriptors {
		q := flipBits(d, 1)
		best, _, bestDist, _, found := idx.knn2(q)
		require.GreaterOrEqual(t, found, 1)
		assert.Equal(t, i, best)
		assert.Equal(t, 1, bestDist)
	}
}

func TestMatchEmptySets(t *testing.T) {
	m := NewMatcher(DefaultOptions())
	assert.Empty(t, m.Match(features.Set{}, randomSet(10, 1)))
	assert.Empty(t, m.Match(randomSet(10, 1), features.Set{}))
}

func TestMatchDistinctiveNeighbors(t *testing.T) {
	// Train holds each base descriptor plus a decoy two bits away from
	// the query, so every query has a best neighbor at distance 1 and a
	// second-best at distance 2. The decoy is close enough in key space
	// for the probe to find it and distinctive enough (1 < 0.7*2) for
	// the ratio test to keep every pair.
	base := randomSet(50, 3)
	n := base.Len()

	train := features.Set{
		Keypoints:   make([]features.Keypoint, 0, n*2),
		Descriptors: make([][]byte, 0, n*2),
	}
	query := features.Set{
		Keypoints:   make([]features.Keypoint, n),
		Descriptors: make([][]byte, n),
	}
	for i, d := range base.Descriptors {
		train.Keypoints = append(train.Keypoints, base.Keypoints[i])
		train.Descriptors = append(train.Descriptors, d)
		query.Keypoints[i] = base.Keypoints[i]
		query.Descriptors[i] = flipBit(d, 0)
	}
	for i, d := range base.Descriptors {
		train.Keypoints = append(train.Keypoints, base.Keypoints[i])
		train.Descriptors = append(train.Descriptors, flipBit(d, 200))
	}

	m := NewMatcher(DefaultOptions())
	out := m.Match(query, train)

	require.Len(t, out, n)
	assert.LessOrEqual(t, len(out), min(query.Len(), train.Len()))
	for _, c := range out {
		assert.Equal(t, c.Query, c.Train)
		assert.Equal(t, 1.0, c.Distance)
	}
}

func TestMatchCardinalityBound(t *testing.T) {
	query := randomSet(200, 5)
	train := randomSet(30, 6)

	m := NewMatcher(DefaultOptions())
	out := m.Match(query, train)

	assert.LessOrEqual(t, len(out), min(query.Len(), train.Len()))
	seen := make(map[int]bool)
	for _, c := range out {
		assert.False(t, seen[c.Train], "train keypoint matched twice")
		seen[c.Train] = true
	}
}

func TestMatchDeterministic(t *testing.T) {
	query := randomSet(120, 21)
	train := randomSet(120, 22)

	m := NewMatcher(DefaultOptions())
	first := m.Match(query, train)
	second := m.Match(query, train)
	assert.Equal(t, first, second)
}

func TestFilterOutliers(t *testing.T) {
	m := NewMatcher(DefaultOptions())

	in := []Correspondence{
		{Query: 0, Train: 0, Distance: 10},
		{Query: 1, Train: 1, Distance: 11},
		{Query: 2, Train: 2, Distance: 9},
		{Query: 3, Train: 3, Distance: 10},
		{Query: 4, Train: 4, Distance: 12},
		{Query: 5, Train: 5, Distance: 90}, // long-tail outlier
	}
	out := m.filterOutliers(in)

	for _, c := range out {
		assert.NotEqual(t, 5, c.Query, "outlier beyond mean+2·stddev must be dropped")
	}
	assert.Len(t, out, 5)
}

func TestFilterOutliersSmallSets(t *testing.T) {
	m := NewMatcher(DefaultOptions())

	single := []Correspondence{{Query: 0, Train: 0, Distance: 42}}
	assert.Equal(t, single, m.filterOutliers(single))
	assert.Empty(t, m.filterOutliers(nil))
}

func TestDedupeTrainKeepsClosest(t *testing.T) {
	in := []Correspondence{
		{Query: 0, Train: 7, Distance: 20},
		{Query: 1, Train: 7, Distance: 5},
		{Query: 2, Train: 3, Distance: 8},
	}
	out := dedupeTrain(in)

	require.Len(t, out, 2)
	assert.Equal(t, 1, out[0].Query)
	assert.Equal(t, 5.0, out[0].Distance)
	assert.Equal(t, 3, out[1].Train)
}
