// Package dpi implements the Directory Partition Index: a compact,
// gossip-propagated bitmap describing which sub-partitions of a directory
// are currently split out to which servers, together with the deterministic
// name→partition→server mapping built on top of it.
//
// The partition space is modeled as the standard 0-indexed complete binary
// tree stored as an implicit array: node i's parent is (i-1)/2, and the
// child materialized by splitting i is 2*i+1 — the sole formula the design
// gives for a split. A partition can therefore be split at most once (a
// second split of the same parent would collide on the same child id),
// which matches the "split-on-overflow" non-goal: this is not a
// continuously-rebalancing tree, it is a simple one-shot carve-out per
// overloaded partition.
package dpi

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/bits-and-blooms/bitset"

	"github.com/dreamware/torua-mds/internal/mkerrors"
	"github.com/dreamware/torua-mds/internal/namehash"
)

const (
	wireMagic   uint32 = 0x44504931 // "DPI1"
	wireVersion uint8  = 1

	// MaxVirtualServers is the hard ceiling on the virtual-server count V.
	MaxVirtualServers = 65536
)

// Index is one directory's partition index: the live bitmap plus the
// parameters needed to route a name to a server.
type Index struct {
	bitmap            *bitset.BitSet
	zerothServer      int
	numServers        int
	numVirtualServers int
	radix             uint

	// paranoidChecks, when set, re-validates the ancestor-closure
	// invariant after every Merge and Decode.
	paranoidChecks bool
}

// New creates a fresh Index with only the root partition (bit 0) live.
func New(zerothServer, numServers, numVirtualServers int, paranoidChecks bool) (*Index, error) {
	if numServers <= 0 || numVirtualServers <= 0 {
		return nil, mkerrors.New(mkerrors.InvalidArgument, "numServers and numVirtualServers must be positive")
	}
	if numVirtualServers > MaxVirtualServers {
		return nil, mkerrors.New(mkerrors.InvalidArgument, "numVirtualServers exceeds 65536")
	}
	if numServers > numVirtualServers {
		return nil, mkerrors.New(mkerrors.InvalidArgument, "numServers must not exceed numVirtualServers")
	}
	idx := &Index{
		bitmap:            bitset.New(uint(numVirtualServers)),
		zerothServer:      zerothServer,
		numServers:        numServers,
		numVirtualServers: numVirtualServers,
		radix:             radixFor(uint(numVirtualServers)),
		paranoidChecks:    paranoidChecks,
	}
	idx.bitmap.Set(0)
	return idx, nil
}

func radixFor(v uint) uint {
	r := uint(0)
	for (uint(1) << r) < v {
		r++
	}
	return r
}

// Radix returns ceil(log2(V)).
func (idx *Index) Radix() uint { return idx.radix }

// NumServers returns N.
func (idx *Index) NumServers() int { return idx.numServers }

// NumVirtualServers returns V.
func (idx *Index) NumVirtualServers() int { return idx.numVirtualServers }

// ZerothServer returns the physical server hosting partition 0.
func (idx *Index) ZerothServer() int { return idx.zerothServer }

// Clone returns a deep, independent copy, used for copy-on-write
// replacement under the per-directory mutex.
func (idx *Index) Clone() *Index {
	return &Index{
		bitmap:            idx.bitmap.Clone(),
		zerothServer:      idx.zerothServer,
		numServers:        idx.numServers,
		numVirtualServers: idx.numVirtualServers,
		radix:             idx.radix,
		paranoidChecks:    idx.paranoidChecks,
	}
}

// parentOf returns the unique parent of partition i in the implicit binary
// tree, or -1 if i is the root.
func parentOf(i int) int {
	if i <= 0 {
		return -1
	}
	return (i - 1) / 2
}

// PartitionFor walks the bitmap from the hash's full-depth leaf up to the
// nearest live ancestor.
func (idx *Index) PartitionFor(h namehash.Hash) int {
	r := int(h.Top(idx.radix))
	for r != 0 && !idx.bitmap.Test(uint(r)) {
		r = parentOf(r)
	}
	return r
}

// MixedPermutation spreads consecutive partition ids across distinct
// servers via a fixed bit-reversal over Radix() bits, so that a split
// creating partition i+1 does not necessarily land on the same server as
// partition i.
func (idx *Index) MixedPermutation(partition int) int {
	return int(bitReverse(uint(partition), idx.radix))
}

func bitReverse(v uint, bits uint) uint {
	var out uint
	for i := uint(0); i < bits; i++ {
		out <<= 1
		out |= v & 1
		v >>= 1
	}
	return out
}

// SelectServer maps a child name to the physical server id responsible for
// it under the current bitmap.
func (idx *Index) SelectServer(name string) int {
	h := namehash.Of(name)
	return idx.ServerForPartition(idx.PartitionFor(h))
}

// ServerForPartition applies the zeroth_server + permutation(i) mod N
// formula to an already-resolved partition id.
func (idx *Index) ServerForPartition(partition int) int {
	return (idx.zerothServer + idx.MixedPermutation(partition)) % idx.numServers
}

// Splittable reports whether partition i may still be split: its
// designated child 2*i+1 must fit within V and must not already exist.
func (idx *Index) Splittable(i int) bool {
	child := 2*i + 1
	if child >= idx.numVirtualServers {
		return false
	}
	return !idx.bitmap.Test(uint(child))
}

// MarkSplittableChild splits partition p, setting bit 2*p+1 and returning
// the new child id. It fails if p is not currently splittable.
func (idx *Index) MarkSplittableChild(p int) (int, error) {
	if !idx.bitmap.Test(uint(p)) {
		return 0, mkerrors.New(mkerrors.InvalidArgument, "parent partition is not live").WithKey(fmt.Sprintf("partition=%d", p))
	}
	if !idx.Splittable(p) {
		return 0, mkerrors.New(mkerrors.InvalidArgument, "partition is not splittable").WithKey(fmt.Sprintf("partition=%d", p))
	}
	child := 2*p + 1
	idx.bitmap.Set(uint(child))
	return child, nil
}

// ToBeMigrated reports whether an entry with hash h, previously routed to
// parent p under the pre-split bitmap, now routes to child c under the
// current (post-split) bitmap. It requires no coordination with other
// servers.
func (idx *Index) ToBeMigrated(h namehash.Hash, child int) bool {
	return idx.PartitionFor(h) == child
}

// Merge ORs another directory's bitmap into this one and returns true iff
// at least one new bit was set. Merge is commutative, associative, and
// idempotent, which is the semilattice property gossip propagation relies
// on.
func (idx *Index) Merge(other *Index) (bool, error) {
	if other == nil {
		return false, nil
	}
	if idx.numVirtualServers != other.numVirtualServers {
		return false, mkerrors.New(mkerrors.InvalidArgument, "cannot merge DPIs with different V")
	}
	before := idx.bitmap.Clone()
	idx.bitmap.InPlaceUnion(other.bitmap)
	changed := !before.Equal(idx.bitmap)

	if other.numServers > idx.numServers {
		idx.numServers = other.numServers
	}

	if idx.paranoidChecks {
		if err := idx.checkInvariants(); err != nil {
			return changed, err
		}
	}
	return changed, nil
}

// checkInvariants verifies bit 0 is set and every set bit's ancestor chain
// is also set.
func (idx *Index) checkInvariants() error {
	if !idx.bitmap.Test(0) {
		return mkerrors.New(mkerrors.Corruption, "DPI bitmap missing mandatory bit 0")
	}
	for i, e := idx.bitmap.NextSet(0); e; i, e = idx.bitmap.NextSet(i + 1) {
		for p := parentOf(int(i)); p >= 0; p = parentOf(p) {
			if !idx.bitmap.Test(uint(p)) {
				return mkerrors.New(mkerrors.Corruption, fmt.Sprintf("partition %d set without ancestor %d", i, p))
			}
		}
	}
	return nil
}

// Encode serializes the index to the wire format: a fixed header followed
// by the variable-length bitmap.
func (idx *Index) Encode() []byte {
	words := idx.bitmap.Bytes()
	buf := new(bytes.Buffer)
	buf.Grow(21 + 8*len(words))

	var hdr [21]byte
	binary.BigEndian.PutUint32(hdr[0:4], wireMagic)
	hdr[4] = wireVersion
	binary.BigEndian.PutUint32(hdr[5:9], uint32(idx.zerothServer))
	binary.BigEndian.PutUint32(hdr[9:13], uint32(idx.numServers))
	binary.BigEndian.PutUint32(hdr[13:17], uint32(idx.numVirtualServers))
	binary.BigEndian.PutUint32(hdr[17:21], uint32(len(words)))
	buf.Write(hdr[:])

	for _, w := range words {
		var wb [8]byte
		binary.BigEndian.PutUint64(wb[:], w)
		buf.Write(wb[:])
	}
	return buf.Bytes()
}

// Decode parses the wire format produced by Encode. If paranoidChecks is
// set, the ancestor-closure invariant is re-validated
// "paranoid_checks").
func Decode(b []byte, paranoidChecks bool) (*Index, error) {
	if len(b) < 21 {
		return nil, mkerrors.New(mkerrors.Corruption, "DPI wire payload too short")
	}
	magic := binary.BigEndian.Uint32(b[0:4])
	if magic != wireMagic {
		return nil, mkerrors.New(mkerrors.Corruption, "DPI wire payload bad magic")
	}
	if b[4] != wireVersion {
		return nil, mkerrors.New(mkerrors.NotSupported, "unsupported DPI wire version")
	}
	zeroth := int(binary.BigEndian.Uint32(b[5:9]))
	numServers := int(binary.BigEndian.Uint32(b[9:13]))
	numVirtual := int(binary.BigEndian.Uint32(b[13:17]))
	numWords := int(binary.BigEndian.Uint32(b[17:21]))

	want := 21 + 8*numWords
	if len(b) < want {
		return nil, mkerrors.New(mkerrors.Corruption, "DPI wire payload truncated")
	}

	words := make([]uint64, numWords)
	off := 21
	for i := 0; i < numWords; i++ {
		words[i] = binary.BigEndian.Uint64(b[off : off+8])
		off += 8
	}

	idx := &Index{
		bitmap:            bitset.From(words),
		zerothServer:      zeroth,
		numServers:        numServers,
		numVirtualServers: numVirtual,
		radix:             radixFor(uint(numVirtual)),
		paranoidChecks:    paranoidChecks,
	}
	if paranoidChecks {
		if err := idx.checkInvariants(); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

// RecomputeZerothServer implements the design-note resolution for the
// `num_servers`/zeroth_server Open Question: rather than preserving the
// original zeroth_server across a cluster restart with a different N, it
// is recomputed as a pure function of (DirId, N) so no mapping needs to be
// migrated.
func RecomputeZerothServer(registryID, directoryNo uint64, numServers int) int {
	if numServers <= 0 {
		return 0
	}
	h := namehash.Of(fmt.Sprintf("%016x:%016x:%d", registryID, directoryNo, numServers))
	return int(h.Top(32) % uint64(numServers))
}
