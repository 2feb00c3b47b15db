// Package cache implements the permission cache hierarchy: a positive-only
// Bloom filter in front of an in-process TTL'd LRU (L1) and a Redis/Valkey
// store (L2). The cache is strictly advisory; the tuple store and active
// model remain the source of truth.
package cache

import (
	"hash/fnv"
	"math"
	"sync"
)

// BloomFilter is a fixed-size probabilistic set. Only positive check
// results are ever added, so MightContain returning false proves no
// positive result was cached for the key. It does not support deletion;
// stale entries are re-verified by a full check.
type BloomFilter struct {
	mu   sync.RWMutex
	bits []uint64
	m    uint64
	k    uint64
}

// NewBloomFilter sizes the filter for the expected item count and target
// false-positive rate: m = ceil(-n·ln(p)/ln²2), k = clamp(ceil((m/n)·ln2), 1, 10).
func NewBloomFilter(expectedItems int, falsePositiveRate float64) *BloomFilter {
	if expectedItems < 1 {
		expectedItems = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}
	n := float64(expectedItems)
	m := uint64(math.Ceil(-n * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)))
	if m == 0 {
		m = 1
	}
	k := uint64(math.Ceil(float64(m) / n * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > 10 {
		k = 10
	}
	return &BloomFilter{
		bits: make([]uint64, (m+63)/64),
		m:    m,
		k:    k,
	}
}

// Bits returns the filter size in bits.
func (b *BloomFilter) Bits() uint64 { return b.m }

// Hashes returns the number of probe positions per key.
func (b *BloomFilter) Hashes() uint64 { return b.k }

func (b *BloomFilter) Add(key string) {
	h1, h2, h3 := hashTriple(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := uint64(0); i < b.k; i++ {
		pos := probe(h1, h2, h3, i) % b.m
		b.bits[pos/64] |= 1 << (pos % 64)
	}
}

// MightContain reports whether the key may have been added. False is
// definitive; true may be a false positive at the configured rate.
func (b *BloomFilter) MightContain(key string) bool {
	h1, h2, h3 := hashTriple(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for i := uint64(0); i < b.k; i++ {
		pos := probe(h1, h2, h3, i) % b.m
		if b.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// Clear resets the filter to empty.
func (b *BloomFilter) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.bits {
		b.bits[i] = 0
	}
}

// probe combines three independent hashes by double hashing:
// h(i) = h1 + i·h2 + i²·h3/2.
func probe(h1, h2, h3, i uint64) uint64 {
	return h1 + i*h2 + i*i*(h3/2)
}

func hashTriple(key string) (uint64, uint64, uint64) {
	f := fnv.New64a()
	f.Write([]byte(key))
	return f.Sum64(), djb2(key), sdbm(key)
}

func djb2(s string) uint64 {
	var h uint64 = 5381
	for i := 0; i < len(s); i++ {
		h = h*33 + uint64(s[i])
	}
	return h
}

func sdbm(s string) uint64 {
	var h uint64
	for i := 0; i < len(s); i++ {
		h = uint64(s[i]) + h*65599
	}
	return h
}
