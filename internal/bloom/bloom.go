// Package bloom implements a fixed-size, concurrent-safe Bloom filter used as
// a fast probabilistic pre-filter ahead of the authoritative whitelist and
// block-ledger lookups. It never produces a false negative: contains(k) is
// always true after add(k).
package bloom

import (
	"math/bits"
	"sync/atomic"
)

// DefaultBits and DefaultHashes match the spec's construction-time defaults.
const (
	DefaultBits   = 8192
	DefaultHashes = 3
)

// Filter is a fixed M-bit array with K independent hash probes, backed by a
// slice of uint64 words updated with atomic OR so concurrent Add/Contains
// calls from many goroutines never race.
type Filter struct {
	words  []uint64
	bits   uint32
	hashes int
}

// New constructs a Filter with m bits and k hash probes. m is rounded up to
// the next multiple of 64.
func New(m uint32, k int) *Filter {
	if m == 0 {
		m = DefaultBits
	}
	if k <= 0 {
		k = DefaultHashes
	}
	words := (m + 63) / 64
	return &Filter{
		words:  make([]uint64, words),
		bits:   words * 64,
		hashes: k,
	}
}

// NewDefault constructs a Filter using the spec's default M=8192, K=3.
func NewDefault() *Filter {
	return New(DefaultBits, DefaultHashes)
}

// Add sets the bits for key's K probes.
func (f *Filter) Add(key uint32) {
	h1, h2 := splitmix(uint64(key))
	for i := 0; i < f.hashes; i++ {
		idx := f.probe(h1, h2, i)
		word := idx / 64
		bit := idx % 64
		mask := uint64(1) << bit
		for {
			old := atomic.LoadUint64(&f.words[word])
			if atomic.CompareAndSwapUint64(&f.words[word], old, old|mask) {
				break
			}
		}
	}
}

// Contains reports whether key may be a member. False positives are
// possible; false negatives are not.
func (f *Filter) Contains(key uint32) bool {
	h1, h2 := splitmix(uint64(key))
	for i := 0; i < f.hashes; i++ {
		idx := f.probe(h1, h2, i)
		word := idx / 64
		bit := idx % 64
		if atomic.LoadUint64(&f.words[word])&(uint64(1)<<bit) == 0 {
			return false
		}
	}
	return true
}

// Reset clears every bit. Not safe to call concurrently with Add/Contains.
func (f *Filter) Reset() {
	for i := range f.words {
		atomic.StoreUint64(&f.words[i], 0)
	}
}

func (f *Filter) probe(h1, h2 uint64, i int) uint32 {
	// Linear combination of two independent hashes (Kirsch-Mitzenmacher),
	// giving K probes from two multiplications instead of K.
	combined := h1 + uint64(i)*h2
	return uint32(combined%uint64(f.bits)) % f.bits
}

// splitmix mixes a 32-bit key into two independent 64-bit hashes using the
// splitmix64 finalizer, seeded differently for each output.
func splitmix(key uint64) (uint64, uint64) {
	return mix(key + 0x9E3779B97F4A7C15), mix(key + 0xBF58476D1CE4E5B9)
}

func mix(z uint64) uint64 {
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	z = z ^ (z >> 31)
	// Fold in a population-count-derived bit to decorrelate from the raw
	// multiplicative chain a little further; cheap and branch-free.
	return z ^ uint64(bits.OnesCount64(z))
}
