package matching

import (
	"math/bits"
	"math/rand"
)

// lshTable is one hash table of the index: a random sample of descriptor
// bit positions forming the bucket key.
type lshTable struct {
	bitPos  []int
	buckets map[uint32][]int
}

// lshIndex is a multi-table bit-sampling locality-sensitive hash over
// binary descriptors. Lookups probe each table's exact bucket plus all
// single-bit-flip neighbor buckets, then re-rank candidates by exact
// Hamming distance.
type lshIndex struct {
	tables     []lshTable
	keyBits    int
	probeLevel int
	desc       [][]byte
}

func newLSHIndex(desc [][]byte, numTables, keyBits, probeLevel int, seed int64) *lshIndex {
	idx := &lshIndex{
		tables:     make([]lshTable, numTables),
		keyBits:    keyBits,
		probeLevel: probeLevel,
		desc:       desc,
	}

	nbits := 0
	if len(desc) > 0 {
		nbits = len(desc[0]) * 8
	}

	rng := rand.New(rand.NewSource(seed))
	for t := range idx.tables {
		table := lshTable{
			bitPos:  make([]int, keyBits),
			buckets: make(map[uint32][]int),
		}
		for b := range table.bitPos {
			table.bitPos[b] = rng.Intn(nbits)
		}
		for i, d := range desc {
			k := table.key(d)
			table.buckets[k] = append(table.buckets[k], i)
		}
		idx.tables[t] = table
	}
	return idx
}

func (t *lshTable) key(d []byte) uint32 {
	var k uint32
	for i, pos := range t.bitPos {
		if d[pos/8]>>(uint(pos)%8)&1 == 1 {
			k |= 1 << uint(i)
		}
	}
	return k
}

// knn2 returns the two nearest distinct train descriptors for q among
// the probed candidates. found reports how many neighbors were
// retrievable (0, 1 or 2); fewer than two candidate descriptors in the
// probed buckets is a normal outcome for sparse regions.
func (idx *lshIndex) knn2(q []byte) (best, second, bestDist, secondDist, found int) {
	best, second = -1, -1
	bestDist, secondDist = 1<<30, 1<<30

	seen := make(map[int]struct{})
	consider := func(i int) {
		if _, ok := seen[i]; ok {
			return
		}
		seen[i] = struct{}{}
		d := hamming(q, idx.desc[i])
		switch {
		case d < bestDist:
			second, secondDist = best, bestDist
			best, bestDist = i, d
		case d < secondDist:
			second, secondDist = i, d
		}
	}

	for t := range idx.tables {
		table := &idx.tables[t]
		k := table.key(q)
		for _, i := range table.buckets[k] {
			consider(i)
		}
		if idx.probeLevel >= 1 {
			for b := 0; b < idx.keyBits; b++ {
				for _, i := range table.buckets[k^(1<<uint(b))] {
					consider(i)
				}
			}
		}
	}

	switch {
	case best < 0:
		return -1, -1, 0, 0, 0
	case second < 0:
		return best, -1, bestDist, 0, 1
	default:
		return best, second, bestDist, secondDist, 2
	}
}

func hamming(a, b []byte) int {
	var d int
	for i := range a {
		d += bits.OnesCount8(a[i] ^ b[i])
	}
	return d
}
