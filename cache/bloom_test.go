package cache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBloomFilterSizing(t *testing.T) {
	// m = ceil(-n·ln(p)/ln²2), k = ceil((m/n)·ln2)
	b := NewBloomFilter(1000, 0.01)
	require.Equal(t, uint64(9586), b.Bits())
	require.Equal(t, uint64(7), b.Hashes())

	// k is clamped to at most 10 probes.
	b = NewBloomFilter(10, 0.000001)
	require.Equal(t, uint64(10), b.Hashes())

	// Degenerate inputs fall back to usable defaults.
	b = NewBloomFilter(0, 2.0)
	require.GreaterOrEqual(t, b.Bits(), uint64(1))
	require.GreaterOrEqual(t, b.Hashes(), uint64(1))
}

func TestBloomFilterNoFalseNegatives(t *testing.T) {
	b := NewBloomFilter(10000, 0.01)
	for i := 0; i < 10000; i++ {
		b.Add(fmt.Sprintf("user:u%d|viewer|doc:d%d", i, i))
	}
	for i := 0; i < 10000; i++ {
		require.True(t, b.MightContain(fmt.Sprintf("user:u%d|viewer|doc:d%d", i, i)))
	}
}

func TestBloomFilterFalsePositiveRate(t *testing.T) {
	b := NewBloomFilter(10000, 0.01)
	for i := 0; i < 10000; i++ {
		b.Add(fmt.Sprintf("member-%d", i))
	}
	falsePositives := 0
	for i := 0; i < 10000; i++ {
		if b.MightContain(fmt.Sprintf("absent-%d", i)) {
			falsePositives++
		}
	}
	// Target rate is 1%; allow generous slack for hash quality.
	require.Less(t, falsePositives, 500)
}

func TestBloomFilterClear(t *testing.T) {
	b := NewBloomFilter(100, 0.01)
	b.Add("some-key")
	require.True(t, b.MightContain("some-key"))
	b.Clear()
	require.False(t, b.MightContain("some-key"))
}

func TestBloomFilterEmpty(t *testing.T) {
	b := NewBloomFilter(100, 0.01)
	require.False(t, b.MightContain("anything"))
}
