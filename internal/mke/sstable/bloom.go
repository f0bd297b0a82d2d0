package sstable

import (
	"math"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"
)

// bitsPerKey is the Bloom filter budget, tuned for roughly 1% false
// positives at the default hash count.
const bitsPerKey = 10

// bloomFilter is a standard counting-free Bloom filter using double hashing
// (h1 + i*h2) to synthesize k independent hash functions from two xxhash
// passes, avoiding k separate hash implementations.
type bloomFilter struct {
	bits *bitset.BitSet
	k    uint
	m    uint
}

func newBloomFilter(numKeys int) *bloomFilter {
	if numKeys <= 0 {
		numKeys = 1
	}
	m := uint(numKeys * bitsPerKey)
	if m < 64 {
		m = 64
	}
	k := uint(math.Round(float64(bitsPerKey) * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}
	return &bloomFilter{bits: bitset.New(m), k: k, m: m}
}

func (f *bloomFilter) add(key []byte) {
	h1, h2 := f.hashes(key)
	for i := uint(0); i < f.k; i++ {
		f.bits.Set(uint((h1 + uint64(i)*h2) % uint64(f.m)))
	}
}

func (f *bloomFilter) mayContain(key []byte) bool {
	h1, h2 := f.hashes(key)
	for i := uint(0); i < f.k; i++ {
		if !f.bits.Test(uint((h1 + uint64(i)*h2) % uint64(f.m))) {
			return false
		}
	}
	return true
}

func (f *bloomFilter) hashes(key []byte) (uint64, uint64) {
	h1 := xxhash.Sum64(key)
	h2 := xxhash.Sum64(append(append([]byte{}, key...), byte(h1)))
	if h2 == 0 {
		h2 = 1
	}
	return h1, h2
}

func (f *bloomFilter) encode() []byte {
	out := make([]byte, 0, len(f.bits.Bytes())*8+16)
	out = appendUint64(out, uint64(f.m))
	out = appendUint64(out, uint64(f.k))
	words := f.bits.Bytes()
	out = appendUint64(out, uint64(len(words)))
	for _, w := range words {
		out = appendUint64(out, w)
	}
	return out
}

func decodeBloomFilter(b []byte) (*bloomFilter, error) {
	if len(b) < 24 {
		return &bloomFilter{bits: bitset.New(0)}, nil
	}
	m := readUint64(b[0:8])
	k := readUint64(b[8:16])
	numWords := readUint64(b[16:24])
	words := make([]uint64, numWords)
	off := 24
	for i := range words {
		words[i] = readUint64(b[off : off+8])
		off += 8
	}
	bs := bitset.From(words)
	return &bloomFilter{bits: bs, k: uint(k), m: uint(m)}, nil
}

func appendUint64(b []byte, v uint64) []byte {
	var tmp [8]byte
	for i := 0; i < 8; i++ {
		tmp[i] = byte(v >> (8 * (7 - i)))
	}
	return append(b, tmp[:]...)
}

func readUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}
